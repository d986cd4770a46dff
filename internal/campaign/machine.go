package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"newsletter/internal/domain"
	"newsletter/internal/store"
	"newsletter/internal/util"
)

type Store interface {
	StartSending(ctx context.Context, in store.SendingStart) error
	IncrementCounters(ctx context.Context, in store.CounterIncrement) error
	CompleteCampaign(ctx context.Context, in store.Completion) error
	FailCampaign(ctx context.Context, in store.FailureNote) error
}

// Machine moves a campaign through draft -> sending -> sent|partially_sent|failed. A run holds the
// run lock, keyed by its run id, from Acquire until Complete or Abort.
type Machine struct {
	Store  Store
	Locker Locker
	Now    func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return util.NowUTC()
}

// Acquire takes the run lock for runID. It returns domain.ErrCampaignLocked while another run holds it.
func (m *Machine) Acquire(ctx context.Context, campaignID, runID string) error {
	if m.Locker == nil {
		return nil
	}
	ok, err := m.Locker.Acquire(ctx, campaignID, runID)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return domain.ErrCampaignLocked
	}
	return nil
}

// Release gives the run lock back if runID still holds it.
func (m *Machine) Release(ctx context.Context, campaignID, runID string) {
	if m.Locker == nil {
		return
	}
	if err := m.Locker.Release(context.WithoutCancel(ctx), campaignID, runID); err != nil {
		slog.Warn("campaign run lock release failed", "err", err, "campaign_id", campaignID, "run_id", runID)
	}
}

// Begin marks the campaign sending. The caller must already hold the run lock.
// freshRecipients extends the recipient count for targets that were never attempted.
// An invalid transition releases the lock; any other error is left for Abort.
func (m *Machine) Begin(ctx context.Context, runID string, c domain.Campaign, freshRecipients int) error {
	if !CanTransition(c.Status, domain.CampaignSending) {
		m.Release(ctx, c.ID, runID)
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, domain.CampaignSending)
	}
	err := m.Store.StartSending(ctx, store.SendingStart{
		CampaignID:      c.ID,
		FreshRecipients: freshRecipients,
		Now:             m.now(),
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		m.Release(ctx, c.ID, runID)
		return fmt.Errorf("%w: campaign %s is already sent", domain.ErrInvalidTransition, c.ID)
	}
	if err != nil {
		return fmt.Errorf("start sending: %w", err)
	}
	return nil
}

// RecordBatch adds one batch's outcomes to the cumulative counters so pollers see partial progress.
func (m *Machine) RecordBatch(ctx context.Context, runID, campaignID string, successful, failed int) error {
	if err := m.Store.IncrementCounters(ctx, store.CounterIncrement{
		CampaignID: campaignID,
		Successful: successful,
		Failed:     failed,
		Now:        m.now(),
	}); err != nil {
		return err
	}
	if m.Locker != nil {
		if err := m.Locker.Extend(ctx, campaignID, runID); err != nil {
			slog.Warn("campaign run lock extend failed", "err", err, "campaign_id", campaignID, "run_id", runID)
		}
	}
	return nil
}

// Complete persists the terminal status of a run and releases the lock.
func (m *Machine) Complete(ctx context.Context, runID, campaignID string, successful, failed int, info domain.BatchInfo) (domain.CampaignStatus, error) {
	status := FinalStatus(successful, failed)
	err := m.Store.CompleteCampaign(ctx, store.Completion{
		CampaignID: campaignID,
		Status:     status,
		BatchInfo:  info,
		Now:        m.now(),
	})
	if err != nil {
		return "", err
	}
	m.Release(ctx, campaignID, runID)
	return status, nil
}

// Abort is the run-fatal path: campaign goes to failed, the error is logged on it and the lock released.
func (m *Machine) Abort(ctx context.Context, runID, campaignID string, cause error) error {
	defer m.Release(ctx, campaignID, runID)
	return m.Store.FailCampaign(ctx, store.FailureNote{
		CampaignID: campaignID,
		Error:      cause.Error(),
		Now:        m.now(),
	})
}
