package operator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numgate/numgate/internal/operator"
)

func TestSelectBestPrefersStockWeightedByRate(t *testing.T) {
	// B scores 100*0.10=10, A scores 10*0.90=9, C has no stock.
	name, ok := operator.SelectBest(map[string]operator.Quote{
		"A": {Cost: 30, Count: 10, Rate: 90},
		"B": {Cost: 25, Count: 100, Rate: 10},
		"C": {Cost: 10, Count: 0, Rate: 99},
	})
	require.True(t, ok)
	assert.Equal(t, "B", name)
}

func TestSelectBestEmptyAndOutOfStock(t *testing.T) {
	_, ok := operator.SelectBest(nil)
	assert.False(t, ok)

	_, ok = operator.SelectBest(map[string]operator.Quote{
		"A": {Cost: 30, Count: 0, Rate: 90},
		"B": {Cost: 25, Count: -3, Rate: 80},
	})
	assert.False(t, ok)
}

func TestSelectBestTieBreaks(t *testing.T) {
	// Equal scores (20): rate decides.
	name, ok := operator.SelectBest(map[string]operator.Quote{
		"low":  {Cost: 10, Count: 40, Rate: 50},
		"high": {Cost: 10, Count: 25, Rate: 80},
	})
	require.True(t, ok)
	assert.Equal(t, "high", name)

	// Equal score and rate: more stock wins.
	name, ok = operator.SelectBest(map[string]operator.Quote{
		"small": {Cost: 10, Count: 20, Rate: 50},
		"big":   {Cost: 10, Count: 20, Rate: 50},
	})
	require.True(t, ok)
	assert.Equal(t, "big", name) // identical quotes fall through to name order

	// Fully identical except cost: cheaper wins.
	name, ok = operator.SelectBest(map[string]operator.Quote{
		"pricey": {Cost: 90, Count: 20, Rate: 50},
		"cheap":  {Cost: 10, Count: 20, Rate: 50},
	})
	require.True(t, ok)
	assert.Equal(t, "cheap", name)
}

func TestRankCountriesAggregatesAndSorts(t *testing.T) {
	ranks := operator.RankCountries(map[string]map[string]operator.Quote{
		"ru": {
			"mts":    {Cost: 20, Count: 100, Rate: 80},
			"beeline": {Cost: 40, Count: 50, Rate: 95},
		},
		"us": {
			"any": {Cost: 100, Count: 10, Rate: 60},
		},
		"kz": { // no stock at all: excluded
			"any": {Cost: 15, Count: 0, Rate: 70},
		},
		"de": { // stock but no valid price: excluded
			"any": {Cost: 0, Count: 5, Rate: 70},
		},
	})

	require.Len(t, ranks, 2)
	assert.Equal(t, "ru", ranks[0].Country)
	assert.Equal(t, 150, ranks[0].TotalCount)
	assert.Equal(t, int64(30), ranks[0].AvgCost)
	assert.Equal(t, 95.0, ranks[0].MaxRate)
	assert.InDelta(t, 142.5, ranks[0].Score, 1e-9)

	assert.Equal(t, "us", ranks[1].Country)
	assert.InDelta(t, 6.0, ranks[1].Score, 1e-9)
}

func TestRankCountriesEmpty(t *testing.T) {
	assert.Empty(t, operator.RankCountries(nil))
}
