// Package dispatch sends a campaign to a recipient list in paced, strictly sequential batches.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"newsletter/internal/domain"
	"newsletter/internal/logging"
	"newsletter/internal/mail"
	"newsletter/internal/observability"
	"newsletter/internal/store"
	"newsletter/internal/util"
)

type Config struct {
	BatchSize      int
	BatchDelay     time.Duration
	InterItemDelay time.Duration
	// RetryAttempts is advisory; a single dispatch never retries a recipient.
	RetryAttempts int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      25,
		BatchDelay:     3 * time.Second,
		InterItemDelay: 200 * time.Millisecond,
		RetryAttempts:  3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.InterItemDelay < 0 {
		c.InterItemDelay = 0
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	return c
}

type DeliveryStore interface {
	UpsertDelivery(ctx context.Context, in store.DeliveryUpsert) error
}

// StateMachine is the campaign lifecycle as seen by a run.
type StateMachine interface {
	Begin(ctx context.Context, runID string, c domain.Campaign, freshRecipients int) error
	RecordBatch(ctx context.Context, runID, campaignID string, successful, failed int) error
	Complete(ctx context.Context, runID, campaignID string, successful, failed int, info domain.BatchInfo) (domain.CampaignStatus, error)
	Abort(ctx context.Context, runID, campaignID string, cause error) error
}

type Deps struct {
	Deliveries DeliveryStore
	Machine    StateMachine
	Transport  mail.Transport
	Links      mail.Links
	// Sleep and Now default to real time.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

type Dispatcher struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	if deps.Now == nil {
		deps.Now = util.NowUTC
	}
	return &Dispatcher{cfg: cfg.withDefaults(), deps: deps}
}

func (d *Dispatcher) Config() Config { return d.cfg }

type BatchResult struct {
	Number     int
	Successful []string
	Failed     []string
}

type RunResult struct {
	Successful int
	Failed     int
	Total      int
	Batches    []BatchResult
	Status     domain.CampaignStatus
}

// Partition splits recipients into contiguous chunks of size; the last chunk may be smaller.
func Partition(recipients []domain.Recipient, size int) [][]domain.Recipient {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]domain.Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

// Dispatch runs one send over recipients. The caller holds the run lock for runID; every path past
// an empty recipient list gives it back. A recipient failure is recorded and the run continues;
// any other error, including a failed start, marks the campaign failed and is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, c domain.Campaign, recipients []domain.Recipient) (RunResult, error) {
	if len(recipients) == 0 {
		return RunResult{Batches: []BatchResult{}}, nil
	}

	fresh := 0
	for _, r := range recipients {
		if !r.Attempted {
			fresh++
		}
	}
	if err := d.deps.Machine.Begin(ctx, runID, c, fresh); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return RunResult{}, err
		}
		return d.abort(ctx, runID, c, RunResult{Total: len(recipients), Batches: []BatchResult{}}, err)
	}

	res, err := d.run(ctx, runID, c, recipients)
	if err != nil {
		return d.abort(ctx, runID, c, res, err)
	}
	observability.Runs.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (d *Dispatcher) abort(ctx context.Context, runID string, c domain.Campaign, res RunResult, err error) (RunResult, error) {
	observability.Runs.WithLabelValues("fatal").Inc()
	slog.Error("dispatch run failed", "err", err, "campaign_id", c.ID, "run_id", runID,
		"successful", res.Successful, "failed", res.Failed)
	if abortErr := d.deps.Machine.Abort(context.WithoutCancel(ctx), runID, c.ID, err); abortErr != nil {
		slog.Error("mark campaign failed", "err", abortErr, "campaign_id", c.ID, "run_id", runID)
	}
	res.Status = domain.CampaignFailed
	return res, err
}

func (d *Dispatcher) run(ctx context.Context, runID string, c domain.Campaign, recipients []domain.Recipient) (RunResult, error) {
	chunks := Partition(recipients, d.cfg.BatchSize)
	res := RunResult{Total: len(recipients), Batches: make([]BatchResult, 0, len(chunks))}

	for i, chunk := range chunks {
		batch := BatchResult{Number: i + 1}
		start := time.Now()

		for j, rc := range chunk {
			ok, err := d.sendOne(ctx, c, rc)
			if err != nil {
				return res, err
			}
			if ok {
				batch.Successful = append(batch.Successful, rc.Email)
			} else {
				batch.Failed = append(batch.Failed, rc.Email)
			}
			if j < len(chunk)-1 && d.cfg.InterItemDelay > 0 {
				if err := d.deps.Sleep(ctx, d.cfg.InterItemDelay); err != nil {
					return res, err
				}
			}
		}

		res.Successful += len(batch.Successful)
		res.Failed += len(batch.Failed)
		res.Batches = append(res.Batches, batch)

		if err := d.deps.Machine.RecordBatch(ctx, runID, c.ID, len(batch.Successful), len(batch.Failed)); err != nil {
			return res, fmt.Errorf("record batch %d: %w", batch.Number, err)
		}
		observability.Batches.Inc()
		slog.Info("batch complete",
			"campaign_id", c.ID,
			"run_id", runID,
			"batch", batch.Number,
			"of", len(chunks),
			"successful", len(batch.Successful),
			"failed", len(batch.Failed),
			"duration", time.Since(start),
		)

		if i < len(chunks)-1 && d.cfg.BatchDelay > 0 {
			if err := d.deps.Sleep(ctx, d.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
	}

	status, err := d.deps.Machine.Complete(ctx, runID, c.ID, res.Successful, res.Failed, domain.BatchInfo{
		TotalBatches: len(chunks),
		BatchSize:    d.cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("complete run: %w", err)
	}
	res.Status = status
	return res, nil
}

// sendOne returns false for a recipient-level failure; an error means the run cannot continue.
func (d *Dispatcher) sendOne(ctx context.Context, c domain.Campaign, rc domain.Recipient) (bool, error) {
	html := d.deps.Links.AddUnsubscribeLink(c.Content, rc.UnsubscribeToken, c.ID)
	result := d.deps.Transport.Send(ctx, mail.Message{
		To:         rc.Email,
		Subject:    c.Subject,
		HTML:       html,
		Text:       mail.StripHTML(html),
		CampaignID: c.ID,
	})

	up := store.DeliveryUpsert{CampaignID: c.ID, Email: rc.Email, Now: d.deps.Now()}
	switch {
	case result.OK():
		up.Status = domain.DeliverySent
		up.MessageID = result.MessageID
	default:
		up.Status = domain.DeliveryFailed
		up.FailureReason = result.Reason
		if up.FailureReason == "" {
			up.FailureReason = "send_failed"
		}
		up.Error = result.Err.Error()
		slog.Debug("recipient send failed", "campaign_id", c.ID, "to", logging.RedactEmail(rc.Email), "reason", up.FailureReason)
	}

	if err := d.deps.Deliveries.UpsertDelivery(ctx, up); err != nil {
		return false, fmt.Errorf("record delivery for %s: %w", logging.RedactEmail(rc.Email), err)
	}
	return result.OK(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
