package detect

import (
	"math"
	"sort"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// DefaultThresholdPercent is the smallest per-unit drop that triggers alerts.
const DefaultThresholdPercent = 5.0

// ComputeChanges compares each observed pack price against its stored
// baseline and returns at most one change per product: the largest drop that
// meets threshold. The baseline is the stored current price when it differs
// from the observation. When they match, the scraper has already written the
// observation, and the stored previous price is the baseline only if
// scrapeJobID made that change. A price that an earlier run already lowered
// is not a change for this run.
func ComputeChanges(products []pipeline.ProductSummary, prior map[string][]pipeline.StoredPrice, scrapeJobID string, threshold float64) []pipeline.PriceChange {
	var out []pipeline.PriceChange
	for _, product := range products {
		stored := make(map[int]pipeline.StoredPrice, len(prior[product.ID]))
		for _, sp := range prior[product.ID] {
			stored[sp.PackSize] = sp
		}

		var best *pipeline.PriceChange
		for _, pp := range product.Pricings {
			sp, ok := stored[pp.PackSize]
			if !ok {
				continue
			}
			old, ok := baseline(sp, pp.PricePerUnit, scrapeJobID)
			if !ok || old <= 0 || pp.PricePerUnit >= old {
				continue
			}
			drop := PercentDrop(old, pp.PricePerUnit)
			if drop < threshold {
				continue
			}
			if best == nil || drop > best.PercentDrop {
				best = &pipeline.PriceChange{
					ProductID:       product.ID,
					ProductName:     product.Name,
					ProductSlug:     product.Slug,
					PackSize:        pp.PackSize,
					OldPricePerUnit: old,
					NewPricePerUnit: pp.PricePerUnit,
					PercentDrop:     drop,
				}
			}
		}
		if best != nil {
			out = append(out, *best)
		}
	}
	return out
}

func baseline(sp pipeline.StoredPrice, observed float64, scrapeJobID string) (float64, bool) {
	if sp.PricePerUnit != observed {
		return sp.PricePerUnit, true
	}
	if sp.PreviousPricePerUnit != nil && sp.ChangedByJob != "" && sp.ChangedByJob == scrapeJobID {
		return *sp.PreviousPricePerUnit, true
	}
	return 0, false
}

// PercentDrop is the decrease from old to current as a percentage of old,
// rounded to two places.
func PercentDrop(old, current float64) float64 {
	if old <= 0 {
		return 0
	}
	return math.Round((old-current)/old*100*100) / 100
}

// UserChanges is the set of drops one user follows.
type UserChanges struct {
	UserID  string
	Changes []pipeline.PriceChange
}

// GroupByUser fans changes out to the users favoriting each product. The
// result is ordered by user ID; each user's changes keep input order.
func GroupByUser(changes []pipeline.PriceChange, favorites map[string][]string) []UserChanges {
	byUser := make(map[string][]pipeline.PriceChange)
	for _, change := range changes {
		seen := make(map[string]struct{})
		for _, userID := range favorites[change.ProductID] {
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			byUser[userID] = append(byUser[userID], change)
		}
	}
	out := make([]UserChanges, 0, len(byUser))
	for userID, list := range byUser {
		out = append(out, UserChanges{UserID: userID, Changes: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
