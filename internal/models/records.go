package models

import "time"

// OpportunityStatus is the lifecycle state of a persisted opportunity
type OpportunityStatus string

const (
	StatusPending  OpportunityStatus = "PENDING"
	StatusDetected OpportunityStatus = "DETECTED"
	StatusOnChain  OpportunityStatus = "ON_CHAIN"
	StatusFailed   OpportunityStatus = "FAILED"
)

// OpportunityRecord is an opportunity acted upon by the execution loop
type OpportunityRecord struct {
	ID           string            `json:"id"`
	Symbol       string            `json:"symbol"`
	BuyExchange  string            `json:"buy_exchange"`
	SellExchange string            `json:"sell_exchange"`
	BuyPrice     float64           `json:"buy_price"`
	SellPrice    float64           `json:"sell_price"`
	Profit       float64           `json:"profit"`
	TotalFee     float64           `json:"total_fee"`
	Status       OpportunityStatus `json:"status"`
	TxHash       string            `json:"tx_hash,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// OpportunityUpdate carries the outcome of the chain write
type OpportunityUpdate struct {
	Status OpportunityStatus
	TxHash string
	Error  string
}

// SimulatedTrade is the notional trade computed alongside an opportunity
type SimulatedTrade struct {
	ID              string    `json:"id"`
	OpportunityID   string    `json:"opportunity_id"`
	Symbol          string    `json:"symbol"`
	BuyExchange     string    `json:"buy_exchange"`
	SellExchange    string    `json:"sell_exchange"`
	BuyPrice        float64   `json:"buy_price"`
	SellPrice       float64   `json:"sell_price"`
	AmountUSD       float64   `json:"amount_usd"`
	EstimatedProfit float64   `json:"estimated_profit"`
	CreatedAt       time.Time `json:"created_at"`
}

// OpportunityFilter narrows ListOpportunities
type OpportunityFilter struct {
	Limit    int
	Offset   int
	DateFrom *time.Time
	DateTo   *time.Time
}

// SpreadSample is one observed spread% for a route
type SpreadSample struct {
	Symbol       string // user form, e.g. SOL_USDT
	BuyExchange  string
	SellExchange string
	SpreadPct    float64
	TimestampMs  int64
}

type SpreadWindow struct {
	MaxSpreadPercentage *float64 `json:"maxSpreadPercentage"`
	MaxTs               *int64   `json:"maxTs"`
}

type SpreadSummary struct {
	Symbol       string       `json:"symbol"`
	BuyExchange  string       `json:"buyExchange"`
	SellExchange string       `json:"sellExchange"`
	Last1h       SpreadWindow `json:"last1h"`
	Last24h      SpreadWindow `json:"last24h"`
}
