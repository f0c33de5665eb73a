package engine

import (
	"math"

	"procureline/internal/domain"
)

// ItemProgress is the derived fulfillment of one item.
type ItemProgress struct {
	ItemID       string  `json:"item_id"`
	Requested    float64 `json:"requested"`
	Received     float64 `json:"received"`
	Percent      int     `json:"percent"`
	OverReceived bool    `json:"over_received"`
}

// ProgressOf sums receptions for item. Over-receipt is reported, not clamped.
func ProgressOf(item domain.RequestItem, receptions []domain.Reception) ItemProgress {
	p := ItemProgress{ItemID: item.ID, Requested: item.Quantity}
	for _, rc := range receptions {
		p.Received += rc.Quantity
	}
	p.Percent = percentOf(p.Received, p.Requested)
	p.OverReceived = p.Received > p.Requested
	return p
}

// RequestProgress is Σ received over Σ requested across items.
func RequestProgress(items []ItemProgress) int {
	var received, requested float64
	for _, p := range items {
		received += p.Received
		requested += p.Requested
	}
	return percentOf(received, requested)
}

// fullyReceived reports whether every item has received at least its
// requested quantity. Surplus on one item does not cover another.
func fullyReceived(items []ItemProgress) bool {
	for _, p := range items {
		if p.Received < p.Requested {
			return false
		}
	}
	return true
}

func percentOf(received, requested float64) int {
	if requested <= 0 {
		return 100
	}
	return int(math.Round(received / requested * 100))
}

// progressAll computes progress for every item of a request.
func progressAll(items []domain.RequestItem, receptions map[string][]domain.Reception) []ItemProgress {
	out := make([]ItemProgress, 0, len(items))
	for _, it := range items {
		out = append(out, ProgressOf(it, receptions[it.ID]))
	}
	return out
}
