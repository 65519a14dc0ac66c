package aggregator

import (
	"testing"
	"time"

	"arb-market/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRegistryCreatesOncePerPair(t *testing.T) {
	r := NewRegistry(&recordingSink{}, quietLogger())
	defer r.Close()

	a := r.Get("binance", "BTCUSDT")
	b := r.Get("binance", "BTCUSDT")
	c := r.Get("okx", "BTCUSDT")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryRoutesTicks(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(sink, quietLogger())
	defer r.Close()

	r.Tick(models.NormalizedTick{Exchange: "kucoin", Symbol: "ETHUSDT", Bid: 1, Ask: 2, LastPrice: 1.5, EventTimeMs: 10_000})
	r.Tick(models.NormalizedTick{Exchange: "kucoin", Symbol: "ETHUSDT", Bid: 1, Ask: 2, LastPrice: 1.6, EventTimeMs: 11_000})

	recs := sink.snapshot()
	if assert.Len(t, recs, 1) {
		assert.Equal(t, 1.5, recs[0].LastPrice)
	}
}

func TestRegistryHeartbeatDrivesAggregators(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(sink, quietLogger())
	r.heartbeat = 10 * time.Millisecond
	r.now = func() time.Time { return time.Unix(200, 0) }
	defer r.Close()

	r.Tick(models.NormalizedTick{Exchange: "okx", Symbol: "BTCUSDT", Bid: 1, Ask: 2, LastPrice: 1.5, EventTimeMs: 199_000})

	assert.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryCloseIsIdempotent(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	r.Get("binance", "BTCUSDT")
	r.Close()
	r.Close()

	// aggregators created after Close have no heartbeat but still work
	agg := r.Get("okx", "BTCUSDT")
	agg.Tick(1_000, 1, 1, 2)
}
