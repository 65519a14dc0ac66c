package spread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"arb-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix = "spread-history:"

	Window1h  = time.Hour
	Window24h = 24 * time.Hour
)

// maxRecord is the stored form: {"p": spread%, "t": epoch ms}
type maxRecord struct {
	P float64 `json:"p"`
	T int64   `json:"t"`
}

// History keeps the maximum spread% seen per route over the last hour and day.
// Only the two aggregates are stored per (buy, sell, symbol).
type History struct {
	client *redis.Client
	logger *logrus.Logger
	now    func() time.Time
}

func NewHistory(client *redis.Client, logger *logrus.Logger) *History {
	return &History{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Key returns e.g. spread-history:max1h:binance-kucoin:BTC_USDT
func Key(window, buyExchange, sellExchange, symbol string) string {
	return fmt.Sprintf("%s%s:%s-%s:%s", keyPrefix, window, buyExchange, sellExchange, symbol)
}

// Record folds a sample into both windows. A window is replaced when empty,
// expired or beaten. Samples for one route come from a single worker, so the
// read-then-write is not contended.
func (h *History) Record(ctx context.Context, sample models.SpreadSample) error {
	if math.IsNaN(sample.SpreadPct) || math.IsInf(sample.SpreadPct, 0) {
		return nil
	}

	ts := sample.TimestampMs
	if ts == 0 {
		ts = h.now().UnixMilli()
	}
	payload, err := json.Marshal(maxRecord{P: sample.SpreadPct, T: ts})
	if err != nil {
		return err
	}

	windows := []struct {
		name string
		span time.Duration
	}{
		{"max1h", Window1h},
		{"max24h", Window24h},
	}

	for _, w := range windows {
		key := Key(w.name, sample.BuyExchange, sample.SellExchange, sample.Symbol)

		cur, err := h.get(ctx, key)
		if err != nil {
			return err
		}
		if cur != nil && ts-cur.T <= w.span.Milliseconds() && sample.SpreadPct <= cur.P {
			continue
		}
		if err := h.client.Set(ctx, key, payload, w.span).Err(); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
	}
	return nil
}

// Summary returns the stored maxima for a route; missing windows are nulls
func (h *History) Summary(ctx context.Context, buyExchange, sellExchange, symbol string) (*models.SpreadSummary, error) {
	buyExchange = strings.ToLower(buyExchange)
	sellExchange = strings.ToLower(sellExchange)
	symbol = strings.ToUpper(symbol)

	vals, err := h.client.MGet(ctx,
		Key("max1h", buyExchange, sellExchange, symbol),
		Key("max24h", buyExchange, sellExchange, symbol),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read spread history: %w", err)
	}

	return &models.SpreadSummary{
		Symbol:       symbol,
		BuyExchange:  buyExchange,
		SellExchange: sellExchange,
		Last1h:       toWindow(vals[0]),
		Last24h:      toWindow(vals[1]),
	}, nil
}

func (h *History) get(ctx context.Context, key string) (*maxRecord, error) {
	data, err := h.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var rec maxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		h.logger.WithField("key", key).Warn("Discarding malformed spread record")
		return nil, nil
	}
	return &rec, nil
}

func toWindow(v interface{}) models.SpreadWindow {
	s, ok := v.(string)
	if !ok {
		return models.SpreadWindow{}
	}
	var rec maxRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return models.SpreadWindow{}
	}
	return models.SpreadWindow{MaxSpreadPercentage: &rec.P, MaxTs: &rec.T}
}
