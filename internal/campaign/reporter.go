package campaign

import (
	"context"

	"newsletter/internal/domain"
)

type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
}

// Reporter serves the polling view of a campaign. It never writes.
type Reporter struct {
	Store CampaignReader
}

func (r *Reporter) Progress(ctx context.Context, campaignID string) (domain.Progress, error) {
	c, found, err := r.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Progress{}, err
	}
	if !found {
		return domain.Progress{}, domain.ErrNotFound
	}
	return domain.Progress{
		Status:          c.Status,
		SuccessfulSends: c.SuccessfulSends,
		FailedSends:     c.FailedSends,
		RecipientCount:  c.RecipientCount,
		BatchInfo:       c.BatchInfo,
		LastSentAt:      c.LastSentAt,
		LastError:       c.LastError,
		Percent:         percent(c.SuccessfulSends+c.FailedSends, c.RecipientCount),
	}, nil
}

// percent clamps to [0,100]; cumulative counters can pass the recipient count after resumes.
func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		return 100
	}
	return p
}
