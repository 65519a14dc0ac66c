package models

// ArbitrageRoute is one (buy exchange, sell exchange) pairing evaluated for a
// given trade amount. BuyExchange never equals SellExchange.
type ArbitrageRoute struct {
	BuyExchange  string  `json:"buyExchange"`
	SellExchange string  `json:"sellExchange"`
	BuyPrice     float64 `json:"buyPrice"`
	SellPrice    float64 `json:"sellPrice"`
	Spread       float64 `json:"spread"`
	SpreadPct    float64 `json:"spreadPercentage"`
	BuyFee       float64 `json:"buyFee"`
	SellFee      float64 `json:"sellFee"`
	TotalFee     float64 `json:"totalFee"`
	Profit       float64 `json:"profit"`
	ProfitPct    float64 `json:"profitPercentage"`
	TotalFeePct  float64 `json:"totalFeePercentage"`
}

// ArbitrageOpportunity is the detector result for one symbol
type ArbitrageOpportunity struct {
	HasOpportunity bool            `json:"hasOpportunity"`
	BestRoute      *ArbitrageRoute `json:"bestRoute"`
}

// ActiveOpportunity is a route kept in BotStatus together with the time it was
// last seen (epoch ms).
type ActiveOpportunity struct {
	ArbitrageRoute
	FoundAt int64 `json:"foundAt"`
}

type Balance struct {
	BNB string `json:"bnb"`
}

// BotStatus is the process-wide execution loop state
type BotStatus struct {
	IsRunning           bool                         `json:"isRunning"`
	LastCheckedAt       int64                        `json:"lastCheckedAt"`
	ActiveOpportunities map[string]ActiveOpportunity `json:"activeOpportunities"`
	Balance             *Balance                     `json:"balance,omitempty"`
}

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogEntry struct {
	Timestamp int64    `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// SymbolTickerData is one entry of a client stream frame
type SymbolTickerData struct {
	Prices    map[string]*TickerRecord `json:"prices"`
	Arbitrage ArbitrageOpportunity     `json:"arbitrage"`
}
