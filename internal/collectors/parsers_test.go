package collectors

import (
	"testing"
	"time"

	"arb-market/internal/services/symbols"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.UnixMilli(1_700_000_000_123)

func testMapper() *symbols.Mapper {
	return symbols.NewMapper([]string{"BTC_USDT", "ETH_USDT", "SOL_USDT"}, nil)
}

func TestParseBinanceBookTicker(t *testing.T) {
	m := testMapper()

	t.Run("bare event", func(t *testing.T) {
		msg := `{"u":400900217,"s":"BTCUSDT","b":"100.00","B":"1.5","a":"102.00","A":"2.0"}`
		tick, ok := ParseBinanceBookTicker([]byte(msg), m, testNow)
		require.True(t, ok)
		assert.Equal(t, "binance", tick.Exchange)
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, 100.0, tick.Bid)
		assert.Equal(t, 102.0, tick.Ask)
		assert.Equal(t, 101.0, tick.LastPrice)
		assert.Equal(t, testNow.UnixMilli(), tick.EventTimeMs, "missing event time falls back to now")
	})

	t.Run("combined stream envelope", func(t *testing.T) {
		msg := `{"stream":"ethusdt@bookTicker","data":{"e":"bookTicker","E":1700000001000,"s":"ETHUSDT","b":"2000.1","B":"1","a":"2000.3","A":"1"}}`
		tick, ok := ParseBinanceBookTicker([]byte(msg), m, testNow)
		require.True(t, ok)
		assert.Equal(t, "ETHUSDT", tick.Symbol)
		assert.Equal(t, int64(1700000001000), tick.EventTimeMs)
		assert.InDelta(t, 2000.2, tick.LastPrice, 1e-9)
	})

	skipped := map[string]string{
		"subscribe ack": `{"result":null,"id":1}`,
		"not json":      `pong`,
		"bad bid":       `{"s":"BTCUSDT","b":"abc","a":"1"}`,
		"zero ask":      `{"s":"BTCUSDT","b":"1","a":"0"}`,
	}
	for name, msg := range skipped {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseBinanceBookTicker([]byte(msg), m, testNow)
			assert.False(t, ok)
		})
	}
}

func TestParseOKXTicker(t *testing.T) {
	m := testMapper()

	msg := `{"arg":{"channel":"tickers","instId":"SOL-USDT"},"data":[{"instType":"SPOT","instId":"SOL-USDT","last":"150.1","bidPx":"150.0","askPx":"150.2","ts":"1700000002500"}]}`
	tick, ok := ParseOKXTicker([]byte(msg), m, testNow)
	require.True(t, ok)
	assert.Equal(t, "okx", tick.Exchange)
	assert.Equal(t, "SOLUSDT", tick.Symbol)
	assert.Equal(t, 150.0, tick.Bid)
	assert.Equal(t, 150.2, tick.Ask)
	assert.Equal(t, int64(1700000002500), tick.EventTimeMs)

	for _, skip := range []string{
		`pong`,
		`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"},"connId":"a4d3ae55"}`,
		`{"arg":{"channel":"tickers"},"data":[]}`,
		`{"data":[{"instId":"","bidPx":"1","askPx":"2"}]}`,
		`{"data":[{"instId":"BTC-USDT","bidPx":"","askPx":"2"}]}`,
	} {
		_, ok := ParseOKXTicker([]byte(skip), m, testNow)
		assert.False(t, ok, skip)
	}
}

func TestParseKuCoinTicker(t *testing.T) {
	m := testMapper()

	msg := `{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"sequence":"1545896668986","price":"0.08","size":"0.011","bestAsk":"101","bestAskSize":"0.99","bestBid":"99","bestBidSize":"0.5","time":1700000003000}}`
	tick, ok := ParseKuCoinTicker([]byte(msg), m, testNow)
	require.True(t, ok)
	assert.Equal(t, "kucoin", tick.Exchange)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 100.0, tick.LastPrice)
	assert.Equal(t, int64(1700000003000), tick.EventTimeMs)

	for _, skip := range []string{
		`{"id":"hQvf8jkno","type":"welcome"}`,
		`{"id":"1545910660739","type":"ack"}`,
		`{"id":"1545910590801","type":"pong"}`,
		`{"type":"message","topic":"/market/ticker:","subject":"trade.ticker","data":{"bestBid":"1","bestAsk":"2"}}`,
		`{"type":"message","topic":"/market/ticker:BTC-USDT","data":{"bestBid":"1","bestAsk":"2"}}`,
	} {
		_, ok := ParseKuCoinTicker([]byte(skip), m, testNow)
		assert.False(t, ok, skip)
	}
}

func TestKuCoinReconnectDelay(t *testing.T) {
	p := &kucoinProtocol{}

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, want := range expected {
		got, ok := p.reconnectDelay(attempt)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, want, got, "attempt %d", attempt)
	}

	_, ok := p.reconnectDelay(kucoinMaxReconnects)
	assert.False(t, ok)
}

func TestFixedReconnectDelay(t *testing.T) {
	for _, p := range []protocol{&binanceProtocol{}, &okxProtocol{}} {
		d, ok := p.reconnectDelay(50)
		assert.True(t, ok)
		assert.Equal(t, time.Second, d)
	}
}
