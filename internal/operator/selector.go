// Package operator picks the best operator for a service/country pair and
// ranks countries for the activation catalogue. All functions are pure:
// quotes go in, a choice comes out, nothing is persisted.
package operator

import "sort"

// Quote is one operator's offer for a service in a country, as reported by a
// provider at request time. Cost is in minor currency units. Rate is the
// provider's historical delivery success rate in percent (0–100).
type Quote struct {
	Cost  int64
	Count int
	Rate  float64
}

// Score weighs available stock by historical success.
func (q Quote) Score() float64 {
	return float64(q.Count) * (q.Rate / 100)
}

// SelectBest returns the operator with the highest score, skipping operators
// with no stock. Ties break by rate, then count, then lower cost, then name
// so the result is stable across calls. ok is false when no operator has
// stock.
func SelectBest(quotes map[string]Quote) (name string, ok bool) {
	type scored struct {
		name  string
		quote Quote
	}
	candidates := make([]scored, 0, len(quotes))
	for n, q := range quotes {
		if q.Count <= 0 {
			continue
		}
		candidates = append(candidates, scored{n, q})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.quote.Score() != b.quote.Score() {
			return a.quote.Score() > b.quote.Score()
		}
		if a.quote.Rate != b.quote.Rate {
			return a.quote.Rate > b.quote.Rate
		}
		if a.quote.Count != b.quote.Count {
			return a.quote.Count > b.quote.Count
		}
		if a.quote.Cost != b.quote.Cost {
			return a.quote.Cost < b.quote.Cost
		}
		return a.name < b.name
	})
	return candidates[0].name, true
}

// CountryRank is one row of the ranked country list for a service.
type CountryRank struct {
	Country    string  `json:"country"`
	TotalCount int     `json:"totalCount"`
	AvgCost    int64   `json:"avgCost"`
	MaxRate    float64 `json:"maxRate"`
	Score      float64 `json:"score"`
}

// RankCountries aggregates per-operator quotes into one rank per country and
// orders them best-first. Countries with no stock or no priced operator are
// dropped.
func RankCountries(byCountry map[string]map[string]Quote) []CountryRank {
	ranks := make([]CountryRank, 0, len(byCountry))
	for country, quotes := range byCountry {
		var (
			totalCount int
			costSum    int64
			priced     int64
			maxRate    float64
		)
		for _, q := range quotes {
			totalCount += q.Count
			if q.Cost > 0 {
				costSum += q.Cost
				priced++
			}
			if q.Rate > maxRate {
				maxRate = q.Rate
			}
		}
		if totalCount <= 0 || priced == 0 {
			continue
		}
		ranks = append(ranks, CountryRank{
			Country:    country,
			TotalCount: totalCount,
			AvgCost:    costSum / priced,
			MaxRate:    maxRate,
			Score:      float64(totalCount) * (maxRate / 100),
		})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Score != ranks[j].Score {
			return ranks[i].Score > ranks[j].Score
		}
		return ranks[i].Country < ranks[j].Country
	})
	return ranks
}
