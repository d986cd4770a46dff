// Package memstore keeps campaigns, subscribers and delivery records in process memory.
// It backs STORE_DRIVER=memory and the package tests; it mirrors the semantics of store/pg.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"newsletter/internal/domain"
	"newsletter/internal/store"
)

type deliveryKey struct {
	campaignID string
	email      string
}

type Store struct {
	mu          sync.RWMutex
	campaigns   map[string]*domain.Campaign
	subscribers []domain.Subscriber
	deliveries  map[deliveryKey]*domain.DeliveryRecord
	// order keeps first-insert order so listings are stable
	order []deliveryKey
}

func New() *Store {
	return &Store{
		campaigns:  map[string]*domain.Campaign{},
		deliveries: map[deliveryKey]*domain.DeliveryRecord{},
	}
}

func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	s.campaigns[c.ID] = &c
}

func (s *Store) PutSubscriber(sub domain.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subscribers {
		if s.subscribers[i].Email == sub.Email {
			s.subscribers[i] = sub
			return
		}
	}
	s.subscribers = append(s.subscribers, sub)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, false, nil
	}
	out := *c
	out.ErrorLog = append([]string(nil), c.ErrorLog...)
	return out, true, nil
}

func (s *Store) ActiveSubscribers(ctx context.Context, weeklyDigestOnly bool) ([]domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if !sub.IsActive {
			continue
		}
		if weeklyDigestOnly && !sub.Preferences.WeeklyDigest {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// EmailsByStatus returns distinct emails with a record in one of statuses, or with any record when
// statuses is empty.
func (s *Store) EmailsByStatus(ctx context.Context, campaignID string, statuses ...domain.DeliveryStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, k := range s.order {
		if k.campaignID != campaignID {
			continue
		}
		rec := s.deliveries[k]
		if len(statuses) == 0 || hasStatus(statuses, rec.Status) {
			out = append(out, k.email)
		}
	}
	return out, nil
}

func hasStatus(list []domain.DeliveryStatus, st domain.DeliveryStatus) bool {
	for _, x := range list {
		if x == st {
			return true
		}
	}
	return false
}

func (s *Store) UpsertDelivery(ctx context.Context, in store.DeliveryUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey{campaignID: in.CampaignID, email: in.Email}
	rec, ok := s.deliveries[k]
	if !ok {
		rec = &domain.DeliveryRecord{CampaignID: in.CampaignID, Email: in.Email}
		s.deliveries[k] = rec
		s.order = append(s.order, k)
	}
	now := in.Now
	rec.Status = in.Status
	rec.Attempts++
	rec.LastAttemptAt = &now
	switch in.Status {
	case domain.DeliverySent:
		rec.SentAt = &now
		rec.MessageID = in.MessageID
		rec.FailureReason = ""
		rec.Error = ""
	case domain.DeliveryFailed:
		rec.FailureReason = in.FailureReason
		rec.Error = in.Error
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeliveryRecord
	for _, k := range s.order {
		if k.campaignID == campaignID {
			out = append(out, *s.deliveries[k])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) StartSending(ctx context.Context, in store.SendingStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status == domain.CampaignSent {
		return domain.ErrInvalidTransition
	}
	attempted := 0
	for _, k := range s.order {
		if k.campaignID == in.CampaignID {
			attempted++
		}
	}
	if n := attempted + in.FreshRecipients; n > c.RecipientCount {
		c.RecipientCount = n
	}
	now := in.Now
	c.Status = domain.CampaignSending
	c.SendingStarted = &now
	c.Runs++
	return nil
}

func (s *Store) IncrementCounters(ctx context.Context, in store.CounterIncrement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	now := in.Now
	c.SuccessfulSends += in.Successful
	c.FailedSends += in.Failed
	c.LastSentAt = &now
	return nil
}

func (s *Store) CompleteCampaign(ctx context.Context, in store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	now := in.Now
	bi := in.BatchInfo
	bi.CompletedAt = &now
	c.Status = in.Status
	c.BatchInfo = &bi
	if in.Status == domain.CampaignSent {
		c.SentDate = &now
	}
	return nil
}

func (s *Store) FailCampaign(ctx context.Context, in store.FailureNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = domain.CampaignFailed
	c.LastError = in.Error
	c.ErrorLog = append(c.ErrorLog, in.Now.Format(time.RFC3339)+" "+in.Error)
	return nil
}

func (s *Store) ClaimRunLock(ctx context.Context, in store.LockClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if c.LockedUntil != nil && c.LockedUntil.After(in.Now) {
		return false, nil
	}
	until := in.Now.Add(in.TTL)
	c.LockedUntil = &until
	c.LockOwner = in.Owner
	return true, nil
}

// ExtendRunLock fails with domain.ErrLockLost once another owner has claimed the lock.
func (s *Store) ExtendRunLock(ctx context.Context, in store.LockClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.LockedUntil == nil || c.LockOwner != in.Owner {
		return domain.ErrLockLost
	}
	until := in.Now.Add(in.TTL)
	c.LockedUntil = &until
	return nil
}

// ReleaseRunLock is a no-op unless owner still holds the lock.
func (s *Store) ReleaseRunLock(ctx context.Context, campaignID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[campaignID]; ok && c.LockOwner == owner {
		c.LockedUntil = nil
		c.LockOwner = ""
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }
