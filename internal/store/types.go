package store

import (
	"time"

	"newsletter/internal/domain"
)

// DeliveryUpsert is one attempt outcome keyed on (CampaignID, Email).
type DeliveryUpsert struct {
	CampaignID    string
	Email         string
	Status        domain.DeliveryStatus
	MessageID     string
	FailureReason string
	Error         string
	Now           time.Time
}

type SendingStart struct {
	CampaignID string
	// FreshRecipients are targets with no delivery record yet. The campaign's recipient count is
	// raised to (existing records + FreshRecipients) and never lowered.
	FreshRecipients int
	Now             time.Time
}

type CounterIncrement struct {
	CampaignID string
	Successful int
	Failed     int
	Now        time.Time
}

type Completion struct {
	CampaignID string
	Status     domain.CampaignStatus
	BatchInfo  domain.BatchInfo
	Now        time.Time
}

type FailureNote struct {
	CampaignID string
	Error      string
	Now        time.Time
}

// LockClaim claims or extends a run lock for Owner, normally the run id.
type LockClaim struct {
	CampaignID string
	Owner      string
	Now        time.Time
	TTL        time.Duration
}
