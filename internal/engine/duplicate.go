package engine

import (
	"context"
	"strings"
	"time"

	"procureline/internal/config"
	"procureline/internal/domain"
	"procureline/internal/repo"
)

type DuplicateMatch struct {
	ItemIndex       int    `json:"item_index"`
	Description     string `json:"description"`
	Specifications  string `json:"specifications,omitempty"`
	MatchedPublicID string `json:"matched_public_id"`
	MatchedAt       string `json:"matched_at"`
}

type DuplicateResult struct {
	IsDuplicate bool             `json:"is_duplicate"`
	ShouldBlock bool             `json:"should_block"`
	Matches     []DuplicateMatch `json:"matches,omitempty"`
}

// DuplicateGuard flags items a requester already asked for recently.
type DuplicateGuard struct {
	Repo     repo.Repo
	Settings config.Settings
}

// Check compares items against the requester's requests created in the
// lookback window ending at asOf. excludeID skips the request being
// resubmitted.
func (g DuplicateGuard) Check(ctx context.Context, requesterID string, items []domain.RequestItem, asOf time.Time, excludeID string) (DuplicateResult, error) {
	if !g.Settings.EnableDuplicateCheck || len(items) == 0 {
		return DuplicateResult{}, nil
	}
	since := asOf.UTC().AddDate(0, 0, -g.Settings.LookbackDays()).Format(time.RFC3339)
	recent, err := g.Repo.RecentItemsByRequester(ctx, nil, requesterID, since, excludeID)
	if err != nil {
		return DuplicateResult{}, err
	}
	matches := matchItems(items, recent)
	if len(matches) == 0 {
		return DuplicateResult{}, nil
	}
	return DuplicateResult{
		IsDuplicate: true,
		ShouldBlock: blocksAt(g.Settings, asOf),
		Matches:     matches,
	}, nil
}

// blocksAt reports whether a match blocks on asOf. Before the grace date a
// match only warns; without a grace date every match blocks.
func blocksAt(s config.Settings, asOf time.Time) bool {
	grace, ok := s.GracePeriodEnd()
	if !ok {
		return true
	}
	day := time.Date(asOf.UTC().Year(), asOf.UTC().Month(), asOf.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return !day.Before(grace)
}

// matchItems reports the first prior item matching each candidate.
func matchItems(items []domain.RequestItem, recent []repo.RecentItem) []DuplicateMatch {
	var out []DuplicateMatch
	for i, it := range items {
		for _, prev := range recent {
			if sameText(it.Description, prev.Description) && sameText(it.Specifications, prev.Specifications) {
				out = append(out, DuplicateMatch{
					ItemIndex:       i,
					Description:     it.Description,
					Specifications:  it.Specifications,
					MatchedPublicID: prev.PublicID,
					MatchedAt:       prev.CreatedAt,
				})
				break
			}
		}
	}
	return out
}

func sameText(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
