package domain

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft         CampaignStatus = "draft"
	CampaignScheduled     CampaignStatus = "scheduled"
	CampaignSending       CampaignStatus = "sending"
	CampaignSent          CampaignStatus = "sent"
	CampaignPartiallySent CampaignStatus = "partially_sent"
	CampaignFailed        CampaignStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ResumeType selects which recipients a run targets.
type ResumeType string

const (
	ResumeFailed ResumeType = "failed"
	ResumeUnsent ResumeType = "unsent"
	ResumeAll    ResumeType = "all"
)

func (r ResumeType) Valid() bool {
	switch r {
	case ResumeFailed, ResumeUnsent, ResumeAll:
		return true
	}
	return false
}

// ParseResumeType maps an empty value to ResumeAll.
func ParseResumeType(s string) (ResumeType, error) {
	if s == "" {
		return ResumeAll, nil
	}
	r := ResumeType(s)
	if !r.Valid() {
		return "", ErrInvalidResumeType
	}
	return r, nil
}

// CampaignTypeWeeklyDigest campaigns only target subscribers that opted into the digest.
const CampaignTypeWeeklyDigest = "weekly-digest"

type BatchInfo struct {
	TotalBatches int        `json:"totalBatches"`
	BatchSize    int        `json:"batchSize"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type Campaign struct {
	ID              string         `json:"id"`
	Subject         string         `json:"subject"`
	Content         string         `json:"content"`
	Type            string         `json:"type"`
	Status          CampaignStatus `json:"status"`
	RecipientCount  int            `json:"recipientCount"`
	SuccessfulSends int            `json:"successfulSends"`
	FailedSends     int            `json:"failedSends"`
	BatchInfo       *BatchInfo     `json:"batchInfo,omitempty"`
	SentDate        *time.Time     `json:"sentDate,omitempty"`
	SendingStarted  *time.Time     `json:"sendingStarted,omitempty"`
	LastSentAt      *time.Time     `json:"lastSentAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	ErrorLog        []string       `json:"errorLog,omitempty"`
	Runs            int            `json:"runs"`
	LockedUntil     *time.Time     `json:"-"`
	LockOwner       string         `json:"-"`
}

type SubscriberPreferences struct {
	WeeklyDigest bool `json:"weeklyDigest"`
}

type Subscriber struct {
	Email            string                `json:"email"`
	UnsubscribeToken string                `json:"-"`
	IsActive         bool                  `json:"isActive"`
	Preferences      SubscriberPreferences `json:"preferences"`
}

// Recipient is an eligible subscriber selected for a run.
type Recipient struct {
	Email            string
	UnsubscribeToken string
	// Attempted is true when a delivery record already exists for this campaign.
	Attempted bool
}

type DeliveryRecord struct {
	CampaignID    string         `json:"campaignId"`
	Email         string         `json:"email"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	SentAt        *time.Time     `json:"sentAt,omitempty"`
	MessageID     string         `json:"messageId,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type BatchSendRequest struct {
	CampaignID string `json:"campaignId"`
	ResumeType string `json:"resumeType,omitempty"`
	Async      bool   `json:"async,omitempty"`
}

func (r BatchSendRequest) Validate() error {
	if r.CampaignID == "" {
		return ErrMissingCampaignID
	}
	_, err := ParseResumeType(r.ResumeType)
	return err
}

// RunSummary is returned to the caller that started a run.
type RunSummary struct {
	RunID      string         `json:"runId,omitempty"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Total      int            `json:"total"`
	Batches    int            `json:"batches"`
	Status     CampaignStatus `json:"status,omitempty"`
}

type Progress struct {
	Status          CampaignStatus `json:"status"`
	SuccessfulSends int            `json:"successfulSends"`
	FailedSends     int            `json:"failedSends"`
	RecipientCount  int            `json:"recipientCount"`
	BatchInfo       *BatchInfo     `json:"batchInfo,omitempty"`
	LastSentAt      *time.Time     `json:"lastSentAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	Percent         float64        `json:"percent"`
}

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrMissingCampaignID = errors.New("campaignId is required")
	ErrInvalidResumeType = errors.New("resumeType must be one of failed, unsent, all")
	ErrCampaignLocked    = errors.New("campaign already has an active run")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrLockLost          = errors.New("run lock is held by another run")
)
