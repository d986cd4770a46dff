package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"newsletter/internal/dispatch"
	"newsletter/internal/domain"
	"newsletter/internal/observability"
)

var ErrAsyncDisabled = errors.New("async runs are not configured")

type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
}

type RecipientResolver interface {
	ResolveFor(ctx context.Context, c domain.Campaign, mode domain.ResumeType) ([]domain.Recipient, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, runID string, c domain.Campaign, recipients []domain.Recipient) (dispatch.RunResult, error)
}

// RunLocks is the per-campaign run lock, keyed by run id.
type RunLocks interface {
	Acquire(ctx context.Context, campaignID, runID string) error
	Release(ctx context.Context, campaignID, runID string)
}

type ProgressReporter interface {
	Progress(ctx context.Context, campaignID string) (domain.Progress, error)
}

type DeliveryLister interface {
	ListDeliveries(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error)
}

type Queue interface {
	EnqueueRun(ctx context.Context, campaignID, resumeType, runID string) error
}

type BatchSendService struct {
	Campaigns  CampaignReader
	Resolver   RecipientResolver
	Locks      RunLocks
	Dispatcher Dispatcher
	Reporter   ProgressReporter
	Deliveries DeliveryLister
	// Queue is nil when async runs are disabled.
	Queue         Queue
	RetryAttempts int

	mu      sync.Mutex
	running int
	// idle is closed when running drops back to zero
	idle chan struct{}
}

// Run takes the campaign's run lock, resolves the recipients for req under it and dispatches them
// in the caller's goroutine. The campaign is reloaded once the lock is held so the recipient set and
// status reflect any run that finished in between. The dispatch outlives ctx cancellation so a
// dropped client connection never leaves a half-run campaign.
func (s *BatchSendService) Run(ctx context.Context, req domain.BatchSendRequest, runID string) (domain.RunSummary, error) {
	if err := req.Validate(); err != nil {
		return domain.RunSummary{}, err
	}
	mode, _ := domain.ParseResumeType(req.ResumeType)

	if _, err := s.load(ctx, req.CampaignID); err != nil {
		return domain.RunSummary{}, err
	}

	defer s.track()()

	if err := s.Locks.Acquire(ctx, req.CampaignID, runID); err != nil {
		return domain.RunSummary{}, err
	}
	c, err := s.load(ctx, req.CampaignID)
	if err != nil {
		s.Locks.Release(ctx, req.CampaignID, runID)
		return domain.RunSummary{}, err
	}
	recipients, err := s.Resolver.ResolveFor(ctx, c, mode)
	if err != nil {
		s.Locks.Release(ctx, c.ID, runID)
		return domain.RunSummary{}, err
	}
	if len(recipients) == 0 {
		s.Locks.Release(ctx, c.ID, runID)
		slog.Info("batch send has no recipients", "campaign_id", c.ID, "resume_type", mode, "run_id", runID)
		return domain.RunSummary{RunID: runID, Status: c.Status}, nil
	}

	if s.RetryAttempts > 0 && c.Runs > s.RetryAttempts {
		observability.RetryBudgetExceeded.Inc()
		slog.Warn("campaign past retry budget",
			"campaign_id", c.ID,
			"runs", c.Runs,
			"retry_attempts", s.RetryAttempts,
		)
	}

	slog.Info("batch send start",
		"campaign_id", c.ID,
		"resume_type", mode,
		"run_id", runID,
		"recipients", len(recipients),
	)
	res, err := s.Dispatcher.Dispatch(context.WithoutCancel(ctx), runID, c, recipients)
	summary := domain.RunSummary{
		RunID:      runID,
		Successful: res.Successful,
		Failed:     res.Failed,
		Total:      res.Total,
		Batches:    len(res.Batches),
		Status:     res.Status,
	}
	if err != nil {
		return summary, err
	}
	slog.Info("batch send finish",
		"campaign_id", c.ID,
		"run_id", runID,
		"status", res.Status,
		"successful", res.Successful,
		"failed", res.Failed,
	)
	return summary, nil
}

func (s *BatchSendService) track() (done func()) {
	s.mu.Lock()
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.running--
		if s.running == 0 {
			close(s.idle)
		}
		s.mu.Unlock()
	}
}

// Wait blocks until no Run is in progress or ctx is done. Shutdown calls it so the process does
// not exit in the middle of a batch.
func (s *BatchSendService) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.running == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands the run to the worker. The campaign must exist so the caller gets a 404 up front.
func (s *BatchSendService) Enqueue(ctx context.Context, req domain.BatchSendRequest, runID string) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if s.Queue == nil {
		return ErrAsyncDisabled
	}
	if _, err := s.load(ctx, req.CampaignID); err != nil {
		return err
	}
	mode, _ := domain.ParseResumeType(req.ResumeType)
	if err := s.Queue.EnqueueRun(ctx, req.CampaignID, string(mode), runID); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return fmt.Errorf("enqueue run: %w", err)
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return nil
}

func (s *BatchSendService) Progress(ctx context.Context, campaignID string) (domain.Progress, error) {
	if campaignID == "" {
		return domain.Progress{}, domain.ErrMissingCampaignID
	}
	return s.Reporter.Progress(ctx, campaignID)
}

// ExportRow is one recipient a resume mode would target, with its last known delivery state.
type ExportRow struct {
	Email     string
	Status    string
	Attempts  int
	LastError string
}

// Export lists the recipients mode would target right now, without sending anything.
func (s *BatchSendService) Export(ctx context.Context, campaignID string, mode domain.ResumeType) ([]ExportRow, error) {
	if campaignID == "" {
		return nil, domain.ErrMissingCampaignID
	}
	c, err := s.load(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.Resolver.ResolveFor(ctx, c, mode)
	if err != nil {
		return nil, err
	}
	records, err := s.Deliveries.ListDeliveries(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	byEmail := make(map[string]domain.DeliveryRecord, len(records))
	for _, r := range records {
		byEmail[r.Email] = r
	}

	rows := make([]ExportRow, 0, len(recipients))
	for _, rc := range recipients {
		row := ExportRow{Email: rc.Email, Status: "unsent"}
		if rec, ok := byEmail[rc.Email]; ok {
			row.Status = string(rec.Status)
			row.Attempts = rec.Attempts
			row.LastError = rec.Error
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *BatchSendService) load(ctx context.Context, id string) (domain.Campaign, error) {
	c, found, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}
