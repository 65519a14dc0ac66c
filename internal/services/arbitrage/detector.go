package arbitrage

import (
	"sort"

	"arb-market/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the taker fee assumed for exchanges without an override
const DefaultFeeRate = 0.001

var hundred = decimal.NewFromInt(100)

// CalculateOpportunity finds the most profitable buy/sell pairing net of fees.
// Exchanges are enumerated in lexicographic order and the first route with the
// highest profit percentage wins. amount <= 0 means 1 unit.
func CalculateOpportunity(prices map[string]*models.TickerRecord, amount float64, feeRates map[string]float64, minProfitPercent float64) models.ArbitrageOpportunity {
	if amount <= 0 {
		amount = 1
	}

	exchanges := make([]string, 0, len(prices))
	for ex, rec := range prices {
		if rec != nil {
			exchanges = append(exchanges, ex)
		}
	}
	sort.Strings(exchanges)

	qty := decimal.NewFromFloat(amount)

	var best *models.ArbitrageRoute
	for _, buyEx := range exchanges {
		buyAsk := prices[buyEx].BestAsk
		if buyAsk <= 0 {
			continue
		}
		for _, sellEx := range exchanges {
			if buyEx == sellEx {
				continue
			}
			sellBid := prices[sellEx].BestBid
			if sellBid <= 0 {
				continue
			}

			route := evaluateRoute(buyEx, sellEx, buyAsk, sellBid, qty, feeRate(feeRates, buyEx), feeRate(feeRates, sellEx))
			if best == nil || route.ProfitPct > best.ProfitPct {
				best = route
			}
		}
	}

	if best == nil {
		return models.ArbitrageOpportunity{}
	}
	return models.ArbitrageOpportunity{
		HasOpportunity: best.ProfitPct >= minProfitPercent,
		BestRoute:      best,
	}
}

func feeRate(rates map[string]float64, exchange string) decimal.Decimal {
	if r, ok := rates[exchange]; ok {
		return decimal.NewFromFloat(r)
	}
	return decimal.NewFromFloat(DefaultFeeRate)
}

func evaluateRoute(buyEx, sellEx string, buyAsk, sellBid float64, qty, buyRate, sellRate decimal.Decimal) *models.ArbitrageRoute {
	buy := decimal.NewFromFloat(buyAsk)
	sell := decimal.NewFromFloat(sellBid)
	notional := buy.Mul(qty)

	spread := sell.Sub(buy)
	buyFee := notional.Mul(buyRate)
	sellFee := sell.Mul(qty).Mul(sellRate)
	totalFee := buyFee.Add(sellFee)
	profit := spread.Mul(qty).Sub(totalFee)

	return &models.ArbitrageRoute{
		BuyExchange:  buyEx,
		SellExchange: sellEx,
		BuyPrice:     buyAsk,
		SellPrice:    sellBid,
		Spread:       spread.InexactFloat64(),
		SpreadPct:    spread.Div(buy).Mul(hundred).InexactFloat64(),
		BuyFee:       buyFee.InexactFloat64(),
		SellFee:      sellFee.InexactFloat64(),
		TotalFee:     totalFee.InexactFloat64(),
		Profit:       profit.InexactFloat64(),
		ProfitPct:    profit.Div(notional).Mul(hundred).InexactFloat64(),
		TotalFeePct:  totalFee.Div(notional).Mul(hundred).InexactFloat64(),
	}
}
