package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arb-market/internal/metrics"
	"arb-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	latestKeyPrefix = "ticker:last:"
	channelPrefix   = "ticker:pub:"

	DefaultTTL    = 30 * time.Second
	DefaultMaxAge = 15 * time.Second

	writeQueueSize = 1024
	writeTimeout   = 5 * time.Second
)

// LatestKey is the Redis key holding the latest record: ticker:last:<exchange>:<symbol>
func LatestKey(exchange, symbol string) string {
	return latestKeyPrefix + exchange + ":" + symbol
}

// Channel is the pub/sub channel for live updates: ticker:pub:<exchange>:<symbol>
func Channel(exchange, symbol string) string {
	return channelPrefix + exchange + ":" + symbol
}

// ParseChannel splits a channel name back into exchange and symbol
func ParseChannel(channel string) (exchange, symbol string, ok bool) {
	rest := strings.TrimPrefix(channel, channelPrefix)
	if rest == channel {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// TickerStore is the shared "latest value" store for per-second ticker records
type TickerStore struct {
	client *redis.Client
	logger *logrus.Logger
	ttl    time.Duration
	maxAge time.Duration
	now    func() time.Time

	// async writes go through one writer so records reach Redis in emission order
	queue     chan writeJob
	startOnce sync.Once
	done      chan struct{}
	pending   sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

type writeJob struct {
	exchange string
	symbol   string
	rec      models.TickerRecord
}

func NewTickerStore(client *redis.Client, ttl, maxAge time.Duration, logger *logrus.Logger) *TickerStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &TickerStore{
		client: client,
		logger: logger,
		ttl:    ttl,
		maxAge: maxAge,
		now:    time.Now,
		queue:  make(chan writeJob, writeQueueSize),
		done:   make(chan struct{}),
	}
}

// SetLatest stores the record under its key and publishes it on the matching
// channel. A publish failure is logged and does not fail the write.
func (s *TickerStore) SetLatest(ctx context.Context, exchange, symbol string, rec *models.TickerRecord, ttl time.Duration) error {
	start := time.Now()
	defer metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues("ticker"))

	if ttl <= 0 {
		ttl = s.ttl
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, LatestKey(exchange, symbol), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set latest %s:%s: %w", exchange, symbol, err)
	}

	if err := s.client.Publish(ctx, Channel(exchange, symbol), data).Err(); err != nil {
		metrics.RecordPublish("ticker", false)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}).Warn("Failed to publish ticker update")
		return nil
	}

	metrics.RecordPublish("ticker", true)
	return nil
}

// SetLatestAsync queues the write and returns. Queued records are written and
// published one at a time in the order they were queued. Errors are logged.
func (s *TickerStore) SetLatestAsync(exchange, symbol string, rec models.TickerRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logger.WithFields(logrus.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}).Debug("Ticker store closed, dropping record")
		return
	}

	s.startOnce.Do(func() {
		s.started = true
		go s.writeLoop()
	})

	s.pending.Add(1)
	s.queue <- writeJob{exchange: exchange, symbol: symbol, rec: rec}
}

func (s *TickerStore) writeLoop() {
	defer close(s.done)

	for job := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.SetLatest(ctx, job.exchange, job.symbol, &job.rec, 0); err != nil {
			s.logger.WithError(err).Warn("Failed to store ticker record")
		}
		cancel()
		s.pending.Done()
	}
}

// Flush waits until every queued record has been written
func (s *TickerStore) Flush() {
	s.pending.Wait()
}

// Close drains the queue and stops the writer. Later async writes are dropped.
func (s *TickerStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// GetLatest returns the stored record, or nil when it is missing, malformed
// or older than the freshness limit.
func (s *TickerStore) GetLatest(ctx context.Context, exchange, symbol string) (*models.TickerRecord, error) {
	data, err := s.client.Get(ctx, LatestKey(exchange, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s:%s: %w", exchange, symbol, err)
	}

	rec, ok := DecodeRecord(data)
	if !ok {
		return nil, nil
	}

	if !rec.IsFresh(s.now().Unix(), int64(s.maxAge/time.Second)) {
		return nil, nil
	}
	return rec, nil
}

// GetExchangesLatest fetches the latest record of every exchange concurrently.
// Every requested exchange is present in the result; missing or stale ones map to nil.
func (s *TickerStore) GetExchangesLatest(ctx context.Context, symbol string, exchanges []string) (map[string]*models.TickerRecord, error) {
	result := make(map[string]*models.TickerRecord, len(exchanges))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, exchange := range exchanges {
		exchange := exchange
		g.Go(func() error {
			rec, err := s.GetLatest(gctx, exchange, symbol)
			if err != nil {
				return err
			}
			mu.Lock()
			result[exchange] = rec
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// MaxAge is the freshness limit applied by GetLatest
func (s *TickerStore) MaxAge() time.Duration {
	return s.maxAge
}

// DecodeRecord parses a stored/published payload. A payload without a numeric
// time is rejected.
func DecodeRecord(data []byte) (*models.TickerRecord, bool) {
	var header struct {
		Time *int64 `json:"time"`
	}
	if err := json.Unmarshal(data, &header); err != nil || header.Time == nil {
		return nil, false
	}

	var rec models.TickerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}
