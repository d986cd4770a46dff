// Package resolver computes which subscribers a dispatch run targets for a given resume type.
package resolver

import (
	"context"
	"fmt"

	"newsletter/internal/domain"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ActiveSubscribers(ctx context.Context, weeklyDigestOnly bool) ([]domain.Subscriber, error)
	EmailsByStatus(ctx context.Context, campaignID string, statuses ...domain.DeliveryStatus) ([]string, error)
}

type Resolver struct {
	Store Store
}

// Resolve returns eligible recipients in subscriber-store order:
//
//	failed: a failed or pending delivery record exists
//	unsent: no delivery record exists
//	all:    no sent delivery record exists (failed + unsent)
func (r *Resolver) Resolve(ctx context.Context, campaignID string, mode domain.ResumeType) ([]domain.Recipient, error) {
	if !mode.Valid() {
		return nil, domain.ErrInvalidResumeType
	}
	c, found, err := r.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return nil, domain.ErrNotFound
	}
	return r.ResolveFor(ctx, c, mode)
}

// ResolveFor is Resolve for a campaign the caller already loaded.
func (r *Resolver) ResolveFor(ctx context.Context, c domain.Campaign, mode domain.ResumeType) ([]domain.Recipient, error) {
	if !mode.Valid() {
		return nil, domain.ErrInvalidResumeType
	}
	eligible, err := r.Store.ActiveSubscribers(ctx, c.Type == domain.CampaignTypeWeeklyDigest)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	attempted, err := r.emailSet(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var excluded, included map[string]bool
	switch mode {
	case domain.ResumeFailed:
		included, err = r.emailSet(ctx, c.ID, domain.DeliveryFailed, domain.DeliveryPending)
	case domain.ResumeUnsent:
		excluded = attempted
	case domain.ResumeAll:
		excluded, err = r.emailSet(ctx, c.ID, domain.DeliverySent)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Recipient, 0)
	for _, sub := range eligible {
		if included != nil && !included[sub.Email] {
			continue
		}
		if excluded[sub.Email] {
			continue
		}
		out = append(out, domain.Recipient{
			Email:            sub.Email,
			UnsubscribeToken: sub.UnsubscribeToken,
			Attempted:        attempted[sub.Email],
		})
	}
	return out, nil
}

func (r *Resolver) emailSet(ctx context.Context, campaignID string, statuses ...domain.DeliveryStatus) (map[string]bool, error) {
	emails, err := r.Store.EmailsByStatus(ctx, campaignID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("load delivery records: %w", err)
	}
	set := make(map[string]bool, len(emails))
	for _, e := range emails {
		set[e] = true
	}
	return set, nil
}
