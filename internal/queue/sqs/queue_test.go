package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	batches  [][]types.Message
	deleted  []string
	receives int
	cancel   context.CancelFunc
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if len(f.batches) == 0 {
		f.cancel()
		return &sqs.ReceiveMessageOutput{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: b}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func msg(receipt string, body *string) types.Message {
	return types.Message{ReceiptHandle: str(receipt), Body: body}
}

func TestEnqueueRunStandardQueue(t *testing.T) {
	f := &fakeSQS{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := &Producer{SQS: f, QueueURL: "http://localhost:4566/000000000000/batch-send", Now: func() time.Time { return now }}

	if err := p.EnqueueRun(context.Background(), "c1", "failed", "run_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(f.sent))
	}
	in := f.sent[0]
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Fatalf("standard queue must not carry FIFO attributes")
	}
	var job BatchSendJob
	if err := json.Unmarshal([]byte(*in.MessageBody), &job); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if job.CampaignID != "c1" || job.ResumeType != "failed" || job.RunID != "run_1" || !job.RequestedAt.Equal(now) {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestEnqueueRunFIFOQueueGroupsByCampaign(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "https://sqs.us-east-1.amazonaws.com/1/batch-send.fifo"}
	if err := p.EnqueueRun(context.Background(), "c9", "all", "run_7"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	in := f.sent[0]
	if in.MessageGroupId == nil || *in.MessageGroupId != "c9" {
		t.Fatalf("expected group id c9, got %v", in.MessageGroupId)
	}
	if in.MessageDeduplicationId == nil || *in.MessageDeduplicationId != "run_7" {
		t.Fatalf("expected dedup id run_7, got %v", in.MessageDeduplicationId)
	}
}

func TestPollConcurrentDeletesOnlyHandledOrPoisonMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, _ := json.Marshal(BatchSendJob{CampaignID: "c1", RunID: "run_1"})
	retry, _ := json.Marshal(BatchSendJob{CampaignID: "c2", RunID: "run_2"})
	f := &fakeSQS{
		cancel: cancel,
		batches: [][]types.Message{{
			msg("r-good", str(string(good))),
			msg("r-retry", str(string(retry))),
			msg("r-garbage", str("{not json")),
			msg("r-empty", nil),
			msg("r-nocampaign", str(`{"runId":"x"}`)),
		}},
	}
	c := &Consumer{SQS: f, QueueURL: "q"}

	var mu sync.Mutex
	var handled []string
	err := c.PollConcurrent(ctx, 2, func(ctx context.Context, job BatchSendJob) error {
		mu.Lock()
		handled = append(handled, job.CampaignID)
		mu.Unlock()
		if job.CampaignID == "c2" {
			return errors.New("store unavailable")
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	sort.Strings(handled)
	if len(handled) != 2 || handled[0] != "c1" || handled[1] != "c2" {
		t.Fatalf("unexpected handled jobs %v", handled)
	}
	sort.Strings(f.deleted)
	want := []string{"r-empty", "r-garbage", "r-good", "r-nocampaign"}
	if len(f.deleted) != len(want) {
		t.Fatalf("expected deletes %v, got %v", want, f.deleted)
	}
	for i := range want {
		if f.deleted[i] != want[i] {
			t.Fatalf("expected deletes %v, got %v", want, f.deleted)
		}
	}
}
