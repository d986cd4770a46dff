package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsletter/internal/domain"
	"newsletter/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	var (
		c            domain.Campaign
		status       string
		totalBatches *int
		batchSize    *int
		completedAt  *time.Time
		lastError    *string
	)
	row := s.DB.QueryRow(ctx, `
		SELECT id, subject, content, type, status, recipient_count, successful_sends, failed_sends,
		       total_batches, batch_size, completed_at, sent_date, sending_started, last_sent_at,
		       last_error, error_log, runs, locked_until, COALESCE(lock_owner,'')
		FROM campaigns WHERE id=$1
	`, id)
	err := row.Scan(&c.ID, &c.Subject, &c.Content, &c.Type, &status, &c.RecipientCount, &c.SuccessfulSends, &c.FailedSends,
		&totalBatches, &batchSize, &completedAt, &c.SentDate, &c.SendingStarted, &c.LastSentAt,
		&lastError, &c.ErrorLog, &c.Runs, &c.LockedUntil, &c.LockOwner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	c.Status = domain.CampaignStatus(status)
	if lastError != nil {
		c.LastError = *lastError
	}
	if totalBatches != nil {
		c.BatchInfo = &domain.BatchInfo{TotalBatches: *totalBatches, CompletedAt: completedAt}
		if batchSize != nil {
			c.BatchInfo.BatchSize = *batchSize
		}
	}
	return c, true, nil
}

func (s *Store) ActiveSubscribers(ctx context.Context, weeklyDigestOnly bool) ([]domain.Subscriber, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT email, unsubscribe_token, is_active, weekly_digest
		FROM subscribers
		WHERE is_active AND ($1 = false OR weekly_digest)
		ORDER BY email
	`, weeklyDigestOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var sub domain.Subscriber
		if err := rows.Scan(&sub.Email, &sub.UnsubscribeToken, &sub.IsActive, &sub.Preferences.WeeklyDigest); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) EmailsByStatus(ctx context.Context, campaignID string, statuses ...domain.DeliveryStatus) ([]string, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT email FROM delivery_records
		WHERE campaign_id=$1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY email
	`, campaignID, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// UpsertDelivery keeps one row per (campaign_id, email); a later attempt overwrites the earlier one.
func (s *Store) UpsertDelivery(ctx context.Context, in store.DeliveryUpsert) error {
	var sentAt *time.Time
	if in.Status == domain.DeliverySent {
		sentAt = &in.Now
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_records (campaign_id, email, status, attempts, last_attempt_at, sent_at, message_id, failure_reason, error)
		VALUES ($1,$2,$3,1,$4,$5,$6,$7,$8)
		ON CONFLICT (campaign_id, email)
		DO UPDATE SET status=EXCLUDED.status,
		              attempts=delivery_records.attempts + 1,
		              last_attempt_at=EXCLUDED.last_attempt_at,
		              sent_at=COALESCE(EXCLUDED.sent_at, delivery_records.sent_at),
		              message_id=COALESCE(EXCLUDED.message_id, delivery_records.message_id),
		              failure_reason=EXCLUDED.failure_reason,
		              error=EXCLUDED.error
	`, in.CampaignID, in.Email, string(in.Status), in.Now, sentAt,
		nullIfEmpty(in.MessageID), nullIfEmpty(in.FailureReason), nullIfEmpty(in.Error))
	return err
}

func (s *Store) ListDeliveries(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT campaign_id, email, status, attempts, last_attempt_at, sent_at,
		       COALESCE(message_id,''), COALESCE(failure_reason,''), COALESCE(error,'')
		FROM delivery_records WHERE campaign_id=$1
		ORDER BY email
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		var r domain.DeliveryRecord
		var status string
		if err := rows.Scan(&r.CampaignID, &r.Email, &status, &r.Attempts, &r.LastAttemptAt, &r.SentAt,
			&r.MessageID, &r.FailureReason, &r.Error); err != nil {
			return nil, err
		}
		r.Status = domain.DeliveryStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartSending refuses a campaign that is already sent, whatever the caller last read.
func (s *Store) StartSending(ctx context.Context, in store.SendingStart) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='sending', sending_started=$2, runs=runs+1, updated_at=$2,
		    recipient_count=GREATEST(recipient_count,
		        (SELECT count(*) FROM delivery_records WHERE campaign_id=$1) + $3)
		WHERE id=$1 AND status <> 'sent'
	`, in.CampaignID, in.Now, in.FreshRecipients)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id=$1)`, in.CampaignID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

// IncrementCounters adds a batch's outcomes to the cumulative counters in one statement.
func (s *Store) IncrementCounters(ctx context.Context, in store.CounterIncrement) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET successful_sends=successful_sends+$2, failed_sends=failed_sends+$3, last_sent_at=$4, updated_at=$4
		WHERE id=$1
	`, in.CampaignID, in.Successful, in.Failed, in.Now)
	return err
}

func (s *Store) CompleteCampaign(ctx context.Context, in store.Completion) error {
	var sentDate *time.Time
	if in.Status == domain.CampaignSent {
		sentDate = &in.Now
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2, total_batches=$3, batch_size=$4, completed_at=$5,
		    sent_date=COALESCE($6, sent_date), updated_at=$5
		WHERE id=$1
	`, in.CampaignID, string(in.Status), in.BatchInfo.TotalBatches, in.BatchInfo.BatchSize, in.Now, sentDate)
	return err
}

func (s *Store) FailCampaign(ctx context.Context, in store.FailureNote) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='failed', last_error=$2,
		    error_log=array_append(error_log, to_char($3::timestamptz AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"') || ' ' || $2::text),
		    updated_at=$3
		WHERE id=$1
	`, in.CampaignID, in.Error, in.Now)
	return err
}

// ClaimRunLock takes the per-campaign run lock for in.Owner if it is free or expired.
func (s *Store) ClaimRunLock(ctx context.Context, in store.LockClaim) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET locked_until=$2, lock_owner=$4
		WHERE id=$1 AND (locked_until IS NULL OR locked_until <= $3)
	`, in.CampaignID, in.Now.Add(in.TTL), in.Now, in.Owner)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ExtendRunLock(ctx context.Context, in store.LockClaim) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET locked_until=$2
		WHERE id=$1 AND lock_owner=$3 AND locked_until IS NOT NULL
	`, in.CampaignID, in.Now.Add(in.TTL), in.Owner)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, campaignID, owner string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET locked_until=NULL, lock_owner=NULL
		WHERE id=$1 AND lock_owner=$2
	`, campaignID, owner)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
