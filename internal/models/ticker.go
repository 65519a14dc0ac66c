package models

// Exchange identifiers. Values are the lower-case names used in store keys
// and client frames.
const (
	ExchangeBinance = "binance"
	ExchangeKuCoin  = "kucoin"
	ExchangeOKX     = "okx"
)

// TickerKind marks whether a per-second record came from an exchange message
// or was carried forward to fill a silent second.
type TickerKind string

const (
	KindReal      TickerKind = "real"
	KindSynthetic TickerKind = "synthetic"
)

// TickerRecord is the one-per-second quote for an (exchange, symbol) pair
type TickerRecord struct {
	Time      int64      `json:"time"` // epoch seconds of the bucket
	BestBid   float64    `json:"bestBid"`
	BestAsk   float64    `json:"bestAsk"`
	LastPrice float64    `json:"lastPrice"`
	Kind      TickerKind `json:"type"`
}

// IsFresh reports whether the record is no older than maxAgeSec at nowSec.
func (r *TickerRecord) IsFresh(nowSec, maxAgeSec int64) bool {
	return r != nil && nowSec-r.Time <= maxAgeSec
}

// TickerEvent is what an aggregator hands to its local listeners.
type TickerEvent struct {
	Exchange string
	Symbol   string
	Record   TickerRecord
}

// NormalizedTick is a parsed exchange quote ready for the aggregator.
type NormalizedTick struct {
	Exchange    string
	Symbol      string // canonical, e.g. BTCUSDT
	Bid         float64
	Ask         float64
	LastPrice   float64
	EventTimeMs int64
}
