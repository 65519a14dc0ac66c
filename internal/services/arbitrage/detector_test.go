package arbitrage

import (
	"testing"

	"arb-market/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quote(bid, ask float64) *models.TickerRecord {
	return &models.TickerRecord{Time: 1, BestBid: bid, BestAsk: ask, LastPrice: (bid + ask) / 2, Kind: models.KindReal}
}

func TestCalculateOpportunityFeeMath(t *testing.T) {
	prices := map[string]*models.TickerRecord{
		"binance": quote(99, 100),
		"okx":     quote(105, 106),
	}

	opp := CalculateOpportunity(prices, 1, nil, 0)
	require.True(t, opp.HasOpportunity)
	require.NotNil(t, opp.BestRoute)

	r := opp.BestRoute
	assert.Equal(t, "binance", r.BuyExchange)
	assert.Equal(t, "okx", r.SellExchange)
	assert.Equal(t, 100.0, r.BuyPrice)
	assert.Equal(t, 105.0, r.SellPrice)
	assert.InDelta(t, 5.0, r.Spread, 1e-12)
	assert.InDelta(t, 5.0, r.SpreadPct, 1e-12)
	assert.InDelta(t, 0.1, r.BuyFee, 1e-12)
	assert.InDelta(t, 0.105, r.SellFee, 1e-12)
	assert.InDelta(t, 0.205, r.TotalFee, 1e-12)
	assert.InDelta(t, 4.795, r.Profit, 1e-12)
	assert.InDelta(t, 4.795, r.ProfitPct, 1e-12)
	assert.InDelta(t, 0.205, r.TotalFeePct, 1e-12)
}

func TestCalculateOpportunityThreshold(t *testing.T) {
	prices := map[string]*models.TickerRecord{
		"binance": quote(99, 100),
		"okx":     quote(105, 106),
	}

	assert.True(t, CalculateOpportunity(prices, 1, nil, 4.795).HasOpportunity)

	opp := CalculateOpportunity(prices, 1, nil, 4.8)
	assert.False(t, opp.HasOpportunity)
	assert.NotNil(t, opp.BestRoute, "best route is reported even below the threshold")
}

func TestCalculateOpportunityNeedsTwoExchanges(t *testing.T) {
	cases := map[string]map[string]*models.TickerRecord{
		"empty":       {},
		"single":      {"binance": quote(99, 100)},
		"nil entries": {"binance": quote(99, 100), "okx": nil, "kucoin": nil},
		"no bids":     {"binance": quote(0, 100), "okx": quote(0, 101)},
	}

	for name, prices := range cases {
		t.Run(name, func(t *testing.T) {
			opp := CalculateOpportunity(prices, 1, nil, 0)
			assert.False(t, opp.HasOpportunity)
			assert.Nil(t, opp.BestRoute)
		})
	}
}

func TestCalculateOpportunitySkipsInvalidSides(t *testing.T) {
	// okx has no ask so it can only be the sell side
	prices := map[string]*models.TickerRecord{
		"binance": quote(99, 100),
		"okx":     quote(102, 0),
	}

	opp := CalculateOpportunity(prices, 1, nil, 0)
	require.NotNil(t, opp.BestRoute)
	assert.Equal(t, "binance", opp.BestRoute.BuyExchange)
	assert.Equal(t, "okx", opp.BestRoute.SellExchange)
}

func TestCalculateOpportunityTieBreakIsLexicographic(t *testing.T) {
	prices := map[string]*models.TickerRecord{
		"okx":     quote(100, 100),
		"kucoin":  quote(100, 100),
		"binance": quote(100, 100),
	}

	for i := 0; i < 20; i++ {
		opp := CalculateOpportunity(prices, 1, nil, -1)
		require.NotNil(t, opp.BestRoute)
		assert.Equal(t, "binance", opp.BestRoute.BuyExchange)
		assert.Equal(t, "kucoin", opp.BestRoute.SellExchange)
	}
}

func TestCalculateOpportunityFeeOverridesAndAmount(t *testing.T) {
	prices := map[string]*models.TickerRecord{
		"binance": quote(99, 100),
		"okx":     quote(105, 106),
	}

	opp := CalculateOpportunity(prices, 2, map[string]float64{"binance": 0, "okx": 0.002}, 0)
	r := opp.BestRoute
	require.NotNil(t, r)
	assert.InDelta(t, 0.0, r.BuyFee, 1e-12)
	assert.InDelta(t, 0.42, r.SellFee, 1e-12)
	assert.InDelta(t, 9.58, r.Profit, 1e-12)
	assert.InDelta(t, 4.79, r.ProfitPct, 1e-12)

	// zero amount means one unit
	assert.InDelta(t, 4.795, CalculateOpportunity(prices, 0, nil, 0).BestRoute.Profit, 1e-12)
}
