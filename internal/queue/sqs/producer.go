package sqsqueue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Producer struct {
	SQS      API
	QueueURL string
	Now      func() time.Time
}

// BatchSendJob asks a worker to run one batch send for a campaign.
type BatchSendJob struct {
	CampaignID  string    `json:"campaignId"`
	ResumeType  string    `json:"resumeType"`
	RunID       string    `json:"runId"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (p *Producer) EnqueueRun(ctx context.Context, campaignID, resumeType, runID string) error {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}
	body, err := json.Marshal(BatchSendJob{
		CampaignID:  campaignID,
		ResumeType:  resumeType,
		RunID:       runID,
		RequestedAt: now,
	})
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// one group per campaign keeps runs of a campaign in order
		in.MessageGroupId = str(campaignID)
		in.MessageDeduplicationId = str(runID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func str(s string) *string { return &s }
