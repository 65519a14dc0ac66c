package collectors

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"arb-market/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	DefaultBinanceWSURL = "wss://stream.binance.com:9443/ws"

	binancePingInterval = 30 * time.Second
	fixedReconnectDelay = time.Second
)

// BinanceCollector streams bookTicker quotes from Binance spot
type BinanceCollector struct {
	*wsCollector
}

func NewBinanceCollector(wsURL string, opts Options) *BinanceCollector {
	if wsURL == "" {
		wsURL = DefaultBinanceWSURL
	}
	proto := &binanceProtocol{url: wsURL, mapper: opts.Mapper, now: opts.clock()}
	return &BinanceCollector{
		wsCollector: newWSCollector(models.ExchangeBinance, proto, opts.Sink, opts.Mapper, opts.limiter(models.ExchangeBinance), opts.Logger),
	}
}

// binanceBookTicker adds the event fields some stream variants carry. "e" is
// declared so it never falls through to "E" by case-insensitive matching.
type binanceBookTicker struct {
	binance.WsBookTickerEvent
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceProtocol struct {
	url    string
	mapper SymbolMapper
	now    func() time.Time
}

func (p *binanceProtocol) endpoint(context.Context) (string, error) {
	return p.url, nil
}

func (p *binanceProtocol) subscribe(conn *websocket.Conn, wireSymbols []string) error {
	params := make([]string, 0, len(wireSymbols))
	for _, s := range wireSymbols {
		params = append(params, strings.ToLower(s)+"@bookTicker")
	}
	return writeJSON(conn, map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	})
}

func (p *binanceProtocol) keepAlive(conn *websocket.Conn) error {
	return writeJSON(conn, map[string]string{"method": "PING"})
}

func (p *binanceProtocol) pingInterval() time.Duration { return binancePingInterval }

func (p *binanceProtocol) reconnectDelay(int) (time.Duration, bool) {
	return fixedReconnectDelay, true
}

func (p *binanceProtocol) parse(message []byte) (models.NormalizedTick, bool) {
	return ParseBinanceBookTicker(message, p.mapper, p.now())
}

// ParseBinanceBookTicker decodes a bookTicker event, bare or wrapped in a
// combined-stream envelope. Anything else is skipped.
func ParseBinanceBookTicker(message []byte, mapper SymbolMapper, now time.Time) (models.NormalizedTick, bool) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err == nil && len(env.Data) > 0 {
		message = env.Data
	}

	var ev binanceBookTicker
	if err := json.Unmarshal(message, &ev); err != nil {
		return models.NormalizedTick{}, false
	}
	if ev.Symbol == "" {
		return models.NormalizedTick{}, false
	}

	return newTick(models.ExchangeBinance, mapper.FromExchange(models.ExchangeBinance, ev.Symbol),
		ev.BestBidPrice, ev.BestAskPrice, ev.EventTime, now)
}

// newTick validates both sides and derives the mid price. eventMs <= 0 falls
// back to now.
func newTick(exchange, canonical, bidStr, askStr string, eventMs int64, now time.Time) (models.NormalizedTick, bool) {
	bid, err := decimal.NewFromString(bidStr)
	if err != nil || !bid.IsPositive() {
		return models.NormalizedTick{}, false
	}
	ask, err := decimal.NewFromString(askStr)
	if err != nil || !ask.IsPositive() {
		return models.NormalizedTick{}, false
	}
	if canonical == "" {
		return models.NormalizedTick{}, false
	}
	if eventMs <= 0 {
		eventMs = now.UnixMilli()
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return models.NormalizedTick{
		Exchange:    exchange,
		Symbol:      canonical,
		Bid:         bid.InexactFloat64(),
		Ask:         ask.InexactFloat64(),
		LastPrice:   mid.InexactFloat64(),
		EventTimeMs: eventMs,
	}, true
}
