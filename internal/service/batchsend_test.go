package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"newsletter/internal/campaign"
	"newsletter/internal/dispatch"
	"newsletter/internal/domain"
	"newsletter/internal/mail"
	"newsletter/internal/observability"
	"newsletter/internal/resolver"
	"newsletter/internal/store"
	"newsletter/internal/store/memstore"
)

type fakeTransport struct {
	mu    sync.Mutex
	fail  map[string]bool
	sends []string
}

func (f *fakeTransport) Send(ctx context.Context, msg mail.Message) mail.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg.To)
	if f.fail[msg.To] {
		return mail.Failed("throttled", errors.New("maximum sending rate exceeded"))
	}
	return mail.Sent("ses-" + msg.To)
}

type fakeQueue struct {
	calls [][3]string
	err   error
}

func (q *fakeQueue) EnqueueRun(ctx context.Context, campaignID, resumeType, runID string) error {
	q.calls = append(q.calls, [3]string{campaignID, resumeType, runID})
	return q.err
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newService(t *testing.T, subscribers int) (*BatchSendService, *memstore.Store, *fakeTransport) {
	t.Helper()
	st := memstore.New()
	st.PutCampaign(domain.Campaign{ID: "c1", Subject: "Issue 12", Content: "<p>news</p>"})
	for i := 1; i <= subscribers; i++ {
		st.PutSubscriber(domain.Subscriber{
			Email:            fmt.Sprintf("u%02d@uni.edu", i),
			UnsubscribeToken: fmt.Sprintf("t%02d", i),
			IsActive:         true,
		})
	}
	tr := &fakeTransport{fail: map[string]bool{}}
	machine := &campaign.Machine{Store: st, Locker: &campaign.StoreLocker{Store: st, TTL: time.Minute}}
	d := dispatch.New(dispatch.Config{BatchSize: 25}, dispatch.Deps{
		Deliveries: st,
		Machine:    machine,
		Transport:  tr,
		Links:      mail.Links{SiteURL: "https://uni.edu"},
		Sleep:      noSleep,
	})
	svc := &BatchSendService{
		Campaigns:     st,
		Resolver:      &resolver.Resolver{Store: st},
		Locks:         machine,
		Dispatcher:    d,
		Reporter:      &campaign.Reporter{Store: st},
		Deliveries:    st,
		RetryAttempts: 3,
	}
	return svc, st, tr
}

func TestRunResumeFailedAfterPartialSend(t *testing.T) {
	svc, st, tr := newService(t, 60)
	tr.fail["u10@uni.edu"] = true
	tr.fail["u40@uni.edu"] = true
	ctx := context.Background()

	sum, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Successful != 58 || sum.Failed != 2 || sum.Total != 60 || sum.Batches != 3 || sum.Status != domain.CampaignPartiallySent {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.RunID != "run_1" {
		t.Fatalf("expected run id echoed, got %q", sum.RunID)
	}

	tr.fail = map[string]bool{}
	sum, err = svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1", ResumeType: "failed"}, "run_2")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sum.Total != 2 || sum.Successful != 2 || sum.Batches != 1 || sum.Status != domain.CampaignSent {
		t.Fatalf("unexpected resume summary %+v", sum)
	}

	p, err := svc.Progress(ctx, "c1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != domain.CampaignSent || p.SuccessfulSends != 60 || p.FailedSends != 2 || p.RecipientCount != 60 {
		t.Fatalf("unexpected progress %+v", p)
	}
	if p.Percent != 100 {
		t.Fatalf("expected clamped percent 100, got %v", p.Percent)
	}

	recs, _ := st.ListDeliveries(ctx, "c1")
	for _, r := range recs {
		if r.Status != domain.DeliverySent {
			t.Fatalf("expected every record sent, got %+v", r)
		}
		if (r.Email == "u10@uni.edu" || r.Email == "u40@uni.edu") && r.Attempts != 2 {
			t.Fatalf("expected 2 attempts for %s, got %d", r.Email, r.Attempts)
		}
	}
}

func TestSentCampaignRefusesNewRun(t *testing.T) {
	svc, st, tr := newService(t, 3)
	ctx := context.Background()
	if _, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	st.PutSubscriber(domain.Subscriber{Email: "late@uni.edu", UnsubscribeToken: "tl", IsActive: true})
	tr.sends = nil
	sum, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1", ResumeType: "unsent"}, "run_2")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected sent campaign to refuse a new run, got %v (%+v)", err, sum)
	}
	if len(tr.sends) != 0 {
		t.Fatalf("expected no sends, got %v", tr.sends)
	}
}

func TestRunExtendsRecipientCountOnResume(t *testing.T) {
	svc, st, tr := newService(t, 2)
	tr.fail["u02@uni.edu"] = true
	ctx := context.Background()
	if _, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	st.PutSubscriber(domain.Subscriber{Email: "late@uni.edu", UnsubscribeToken: "tl", IsActive: true})
	sum, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1", ResumeType: "unsent"}, "run_2")
	if err != nil {
		t.Fatalf("resume unsent: %v", err)
	}
	if sum.Total != 1 {
		t.Fatalf("expected only the new subscriber, got %+v", sum)
	}
	c, _, _ := st.GetCampaign(ctx, "c1")
	if c.RecipientCount != 3 {
		t.Fatalf("expected recipient count extended to 3, got %d", c.RecipientCount)
	}
	if c.Status != domain.CampaignSent {
		t.Fatalf("expected the last run's status, got %q", c.Status)
	}
}

func TestRunWithNothingToSend(t *testing.T) {
	svc, st, tr := newService(t, 0)
	sum, err := svc.Run(context.Background(), domain.BatchSendRequest{CampaignID: "c1", ResumeType: "failed"}, "run_1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Successful != 0 || sum.Failed != 0 || sum.Total != 0 || sum.Batches != 0 {
		t.Fatalf("expected zero summary, got %+v", sum)
	}
	c, _, _ := st.GetCampaign(context.Background(), "c1")
	if c.Status != domain.CampaignDraft || c.Runs != 0 {
		t.Fatalf("expected untouched campaign, got %+v", c)
	}
	if c.LockedUntil != nil || c.LockOwner != "" {
		t.Fatalf("expected run lock released, got %+v", c)
	}
	if len(tr.sends) != 0 {
		t.Fatalf("expected no sends")
	}
}

func TestRunRequestErrors(t *testing.T) {
	svc, st, _ := newService(t, 1)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.BatchSendRequest
		want error
	}{
		{"missing id", domain.BatchSendRequest{}, domain.ErrMissingCampaignID},
		{"bad mode", domain.BatchSendRequest{CampaignID: "c1", ResumeType: "bounced"}, domain.ErrInvalidResumeType},
		{"unknown campaign", domain.BatchSendRequest{CampaignID: "nope"}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Run(ctx, tc.req, "run_x"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if ok, _ := st.ClaimRunLock(ctx, store.LockClaim{CampaignID: "c1", Owner: "run_other", Now: time.Now(), TTL: time.Hour}); !ok {
		t.Fatalf("expected lock claim")
	}
	if _, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_y"); !errors.Is(err, domain.ErrCampaignLocked) {
		t.Fatalf("expected ErrCampaignLocked, got %v", err)
	}
}

// resolveHook runs hook the first time recipients are resolved.
type resolveHook struct {
	RecipientResolver
	fired bool
	hook  func()
}

func (r *resolveHook) ResolveFor(ctx context.Context, c domain.Campaign, mode domain.ResumeType) ([]domain.Recipient, error) {
	if !r.fired {
		r.fired = true
		r.hook()
	}
	return r.RecipientResolver.ResolveFor(ctx, c, mode)
}

func TestConcurrentRunAfterResolveCannotDoubleSend(t *testing.T) {
	svc, st, tr := newService(t, 3)
	ctx := context.Background()

	var nestedErr error
	svc.Resolver = &resolveHook{
		RecipientResolver: svc.Resolver,
		hook: func() {
			_, nestedErr = svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_b")
		},
	}

	sum, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !errors.Is(nestedErr, domain.ErrCampaignLocked) {
		t.Fatalf("expected the second run to be locked out, got %v", nestedErr)
	}
	if sum.Successful != 3 || sum.Status != domain.CampaignSent {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(tr.sends) != 3 {
		t.Fatalf("expected each subscriber mailed once, got %v", tr.sends)
	}
	c, _, _ := st.GetCampaign(ctx, "c1")
	if c.Runs != 1 || c.Status != domain.CampaignSent || c.LockedUntil != nil {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

// loadHook runs hook the first time a campaign is read.
type loadHook struct {
	CampaignReader
	fired bool
	hook  func()
}

func (r *loadHook) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	if !r.fired {
		r.fired = true
		r.hook()
	}
	return r.CampaignReader.GetCampaign(ctx, id)
}

func TestRunReloadsCampaignUnderLock(t *testing.T) {
	svc, st, tr := newService(t, 3)
	ctx := context.Background()

	// run_b completes between run_a's first read and its lock
	var nestedErr error
	svc.Campaigns = &loadHook{
		CampaignReader: svc.Campaigns,
		hook: func() {
			_, nestedErr = svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_b")
		},
	}

	sum, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if nestedErr != nil {
		t.Fatalf("run_b: %v", nestedErr)
	}
	if sum.Total != 0 || sum.Status != domain.CampaignSent {
		t.Fatalf("expected run_a to find nothing left to send, got %+v", sum)
	}
	if len(tr.sends) != 3 {
		t.Fatalf("expected each subscriber mailed once, got %v", tr.sends)
	}
	c, _, _ := st.GetCampaign(ctx, "c1")
	if c.Runs != 1 || c.Status != domain.CampaignSent || c.LockedUntil != nil {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, runID string, c domain.Campaign, recipients []domain.Recipient) (dispatch.RunResult, error) {
	close(b.started)
	<-b.release
	return dispatch.RunResult{Total: len(recipients), Successful: len(recipients), Status: domain.CampaignSent}, nil
}

func TestWaitBlocksUntilRunsFinish(t *testing.T) {
	svc, _, _ := newService(t, 2)
	bd := &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	svc.Dispatcher = bd

	if err := svc.Wait(context.Background()); err != nil {
		t.Fatalf("expected idle service to return at once, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), domain.BatchSendRequest{CampaignID: "c1"}, "run_1")
		done <- err
	}()
	<-bd.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Wait to time out while a run is in flight, got %v", err)
	}

	close(bd.release)
	if err := svc.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunPastRetryBudgetStillRuns(t *testing.T) {
	svc, st, tr := newService(t, 1)
	svc.RetryAttempts = 1
	tr.fail["u01@uni.edu"] = true
	ctx := context.Background()

	before := testutil.ToFloat64(observability.RetryBudgetExceeded)
	for i := 0; i < 3; i++ {
		if _, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := testutil.ToFloat64(observability.RetryBudgetExceeded) - before; got != 1 {
		t.Fatalf("expected one over-budget run, got %v", got)
	}
	c, _, _ := st.GetCampaign(ctx, "c1")
	if c.Runs != 3 || c.FailedSends != 3 || c.Status != domain.CampaignFailed {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

func TestEnqueue(t *testing.T) {
	svc, _, tr := newService(t, 2)
	ctx := context.Background()

	if err := svc.Enqueue(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_1"); !errors.Is(err, ErrAsyncDisabled) {
		t.Fatalf("expected ErrAsyncDisabled, got %v", err)
	}

	q := &fakeQueue{}
	svc.Queue = q
	if err := svc.Enqueue(ctx, domain.BatchSendRequest{CampaignID: "nope"}, "run_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.Enqueue(ctx, domain.BatchSendRequest{CampaignID: "c1"}, "run_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(q.calls) != 1 || q.calls[0] != [3]string{"c1", "all", "run_1"} {
		t.Fatalf("unexpected queue calls %v", q.calls)
	}
	if len(tr.sends) != 0 {
		t.Fatalf("enqueue must not send")
	}

	q.err = errors.New("sqs down")
	if err := svc.Enqueue(ctx, domain.BatchSendRequest{CampaignID: "c1", ResumeType: "failed"}, "run_2"); err == nil {
		t.Fatalf("expected enqueue error")
	}
}

func TestExport(t *testing.T) {
	svc, _, tr := newService(t, 3)
	tr.fail["u02@uni.edu"] = true
	ctx := context.Background()
	if _, err := svc.Run(ctx, domain.BatchSendRequest{CampaignID: "c1", ResumeType: "all"}, "run_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := svc.Export(ctx, "c1", domain.ResumeFailed)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %+v", rows)
	}
	want := ExportRow{Email: "u02@uni.edu", Status: "failed", Attempts: 1, LastError: "maximum sending rate exceeded"}
	if rows[0] != want {
		t.Fatalf("unexpected row %+v", rows[0])
	}

	rows, err = svc.Export(ctx, "c1", domain.ResumeUnsent)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no unsent rows, got %+v, %v", rows, err)
	}
	if _, err := svc.Export(ctx, "nope", domain.ResumeAll); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
