package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"arb-market/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*TickerStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := NewTickerStore(client, 0, 0, logger)
	t.Cleanup(store.Close)
	return store, mr, client
}

func TestKeysAndChannels(t *testing.T) {
	assert.Equal(t, "ticker:last:binance:BTCUSDT", LatestKey("binance", "BTCUSDT"))
	assert.Equal(t, "ticker:pub:okx:SOLUSDT", Channel("okx", "SOLUSDT"))

	ex, sym, ok := ParseChannel("ticker:pub:okx:SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, "okx", ex)
	assert.Equal(t, "SOLUSDT", sym)

	_, _, ok = ParseChannel("other:okx:SOLUSDT")
	assert.False(t, ok)
	_, _, ok = ParseChannel("ticker:pub:okx")
	assert.False(t, ok)
}

func TestSetAndGetLatest(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	rec := &models.TickerRecord{Time: now.Unix() - 1, BestBid: 99, BestAsk: 101, LastPrice: 100, Kind: models.KindReal}
	require.NoError(t, store.SetLatest(ctx, "binance", "BTCUSDT", rec, 0))

	assert.Equal(t, DefaultTTL, mr.TTL(LatestKey("binance", "BTCUSDT")))

	got, err := store.GetLatest(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *rec, *got)

	missing, err := store.GetLatest(ctx, "kucoin", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetLatestFreshness(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	require.NoError(t, store.SetLatest(ctx, "okx", "ETHUSDT", &models.TickerRecord{Time: now.Unix() - 15, LastPrice: 1}, 0))
	got, err := store.GetLatest(ctx, "okx", "ETHUSDT")
	require.NoError(t, err)
	assert.NotNil(t, got, "exactly max age is still fresh")

	require.NoError(t, store.SetLatest(ctx, "okx", "ETHUSDT", &models.TickerRecord{Time: now.Unix() - 16, LastPrice: 1}, 0))
	got, err = store.GetLatest(ctx, "okx", "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetLatestMalformed(t *testing.T) {
	store, mr, _ := newTestStore(t)
	require.NoError(t, mr.Set(LatestKey("okx", "BTCUSDT"), `{"bestBid":1}`))
	require.NoError(t, mr.Set(LatestKey("okx", "ETHUSDT"), `not json`))

	got, err := store.GetLatest(context.Background(), "okx", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.GetLatest(context.Background(), "okx", "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetExchangesLatest(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SetLatest(ctx, "binance", "SOLUSDT", &models.TickerRecord{Time: now.Unix(), BestBid: 10, BestAsk: 11}, 0))
	require.NoError(t, store.SetLatest(ctx, "okx", "SOLUSDT", &models.TickerRecord{Time: now.Unix() - 60, BestBid: 10, BestAsk: 11}, 0))

	got, err := store.GetExchangesLatest(ctx, "SOLUSDT", []string{"binance", "kucoin", "okx"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.NotNil(t, got["binance"])
	assert.Nil(t, got["kucoin"])
	assert.Nil(t, got["okx"])
}

func TestSetLatestPublishes(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, Channel("kucoin", "BNBUSDT"))
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	store.SetLatestAsync("kucoin", "BNBUSDT", models.TickerRecord{Time: time.Now().Unix(), LastPrice: 600, Kind: models.KindSynthetic})
	store.Flush()

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(msgCtx)
	require.NoError(t, err)

	rec, ok := DecodeRecord([]byte(msg.Payload))
	require.True(t, ok)
	assert.Equal(t, 600.0, rec.LastPrice)
	assert.Equal(t, models.KindSynthetic, rec.Kind)
}

func TestSetLatestAsyncKeepsEmissionOrder(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	const burst = 50
	store.now = func() time.Time { return base.Add(burst * time.Second) }

	sub := client.Subscribe(ctx, Channel("binance", "BTCUSDT"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	// a gap fill emits the closed bucket and its synthetic seconds back to back
	for i := 0; i < burst; i++ {
		kind := models.KindSynthetic
		if i == 0 {
			kind = models.KindReal
		}
		store.SetLatestAsync("binance", "BTCUSDT", models.TickerRecord{Time: base.Unix() + int64(i), LastPrice: 100, Kind: kind})
	}
	store.Flush()

	got, err := store.GetLatest(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, base.Unix()+burst-1, got.Time)

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < burst; i++ {
		msg, err := sub.ReceiveMessage(msgCtx)
		require.NoError(t, err)
		rec, ok := DecodeRecord([]byte(msg.Payload))
		require.True(t, ok)
		require.Equal(t, base.Unix()+int64(i), rec.Time, "message %d out of order", i)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	store, _, _ := newTestStore(t)
	now := time.Now()

	store.SetLatestAsync("okx", "ETHUSDT", models.TickerRecord{Time: now.Unix(), LastPrice: 2000})
	store.Close()
	store.Close()

	got, err := store.GetLatest(context.Background(), "okx", "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2000.0, got.LastPrice)

	// dropped after close, no panic
	store.SetLatestAsync("okx", "ETHUSDT", models.TickerRecord{Time: now.Unix(), LastPrice: 1})
	store.Flush()
}
