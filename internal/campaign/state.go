// Package campaign owns the campaign status lifecycle, the per-campaign run lock and the progress view.
package campaign

import "newsletter/internal/domain"

var transitions = map[domain.CampaignStatus][]domain.CampaignStatus{
	domain.CampaignDraft:         {domain.CampaignSending},
	domain.CampaignScheduled:     {domain.CampaignSending},
	domain.CampaignPartiallySent: {domain.CampaignSending},
	domain.CampaignFailed:        {domain.CampaignSending},
	// sending -> sending re-enters a run whose lock expired (crashed process)
	domain.CampaignSending: {domain.CampaignSending, domain.CampaignSent, domain.CampaignPartiallySent, domain.CampaignFailed},
}

func CanTransition(from, to domain.CampaignStatus) bool {
	if from == "" {
		from = domain.CampaignDraft
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FinalStatus is sent when nothing failed, failed when nothing succeeded, partially_sent otherwise.
func FinalStatus(successful, failed int) domain.CampaignStatus {
	switch {
	case failed == 0:
		return domain.CampaignSent
	case successful == 0:
		return domain.CampaignFailed
	default:
		return domain.CampaignPartiallySent
	}
}
