package worker

import (
	"context"
	"errors"
	"log/slog"

	"newsletter/internal/domain"
	sqsqueue "newsletter/internal/queue/sqs"
)

type Runner interface {
	Run(ctx context.Context, req domain.BatchSendRequest, runID string) (domain.RunSummary, error)
}

// Processor runs queued batch-send jobs. Jobs that can never succeed are acknowledged so SQS
// stops redelivering them; anything else is returned for redrive.
type Processor struct {
	Runner Runner
}

func (p *Processor) Process(ctx context.Context, job sqsqueue.BatchSendJob) error {
	sum, err := p.Runner.Run(ctx, domain.BatchSendRequest{
		CampaignID: job.CampaignID,
		ResumeType: job.ResumeType,
	}, job.RunID)
	if err == nil {
		slog.Info("worker run complete",
			"campaign_id", job.CampaignID,
			"run_id", job.RunID,
			"status", sum.Status,
			"successful", sum.Successful,
			"failed", sum.Failed,
		)
		return nil
	}
	if permanent(err) {
		slog.Warn("worker dropping job", "err", err, "campaign_id", job.CampaignID, "run_id", job.RunID)
		return nil
	}
	return err
}

func permanent(err error) bool {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrMissingCampaignID),
		errors.Is(err, domain.ErrInvalidResumeType),
		errors.Is(err, domain.ErrInvalidTransition),
		// the run holding the lock is already doing this work
		errors.Is(err, domain.ErrCampaignLocked):
		return true
	}
	return false
}
