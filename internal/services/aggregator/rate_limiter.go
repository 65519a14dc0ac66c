package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterManager holds one connect limiter per exchange
type RateLimiterManager struct {
	limiters map[string]*ExchangeRateLimiter
	mu       sync.RWMutex
}

// ExchangeRateLimiter paces connection attempts for a single exchange and adds
// an adaptive penalty after failed handshakes.
type ExchangeRateLimiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	attempts    int64
	failures    int64
	lastFailure time.Time

	penalty           time.Duration
	maxPenalty        time.Duration
	penaltyMultiplier float64
}

// LimiterStats is a point-in-time view served on /health
type LimiterStats struct {
	Exchange    string    `json:"exchange"`
	Attempts    int64     `json:"attempts"`
	Failures    int64     `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	PenaltyMs   int64     `json:"penalty_ms"`
}

func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{
		limiters: make(map[string]*ExchangeRateLimiter),
	}
}

// RegisterExchange registers a limiter allowing rps attempts per second
func (m *RateLimiterManager) RegisterExchange(name string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if burst < 1 {
		burst = 1
	}
	m.limiters[name] = &ExchangeRateLimiter{
		name:              name,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxPenalty:        30 * time.Second,
		penaltyMultiplier: 1.5,
	}
}

func (m *RateLimiterManager) GetLimiter(exchange string) (*ExchangeRateLimiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limiter, ok := m.limiters[exchange]
	if !ok {
		return nil, fmt.Errorf("rate limiter not found for %s", exchange)
	}
	return limiter, nil
}

// Stats returns limiter stats for every registered exchange, ordered by name
func (m *RateLimiterManager) Stats() []LimiterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LimiterStats, 0, len(m.limiters))
	for _, l := range m.limiters {
		out = append(out, l.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// Wait blocks until an attempt is allowed or ctx is done
func (e *ExchangeRateLimiter) Wait(ctx context.Context) error {
	e.mu.RLock()
	penalty := e.penalty
	e.mu.RUnlock()

	if penalty > 0 {
		t := time.NewTimer(penalty)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.attempts++
	e.mu.Unlock()
	return nil
}

// CountFailure records a failed attempt without adding a penalty. Feeds with a
// fixed reconnect delay use it.
func (e *ExchangeRateLimiter) CountFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastFailure = time.Now()
}

// RecordFailure counts the failure and grows the penalty applied before the next attempt
func (e *ExchangeRateLimiter) RecordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastFailure = time.Now()

	if e.penalty == 0 {
		e.penalty = 500 * time.Millisecond
		return
	}
	e.penalty = time.Duration(float64(e.penalty) * e.penaltyMultiplier)
	if e.penalty > e.maxPenalty {
		e.penalty = e.maxPenalty
	}
}

// RecordSuccess clears the penalty after a working connection
func (e *ExchangeRateLimiter) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.penalty = 0
}

func (e *ExchangeRateLimiter) Stats() LimiterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return LimiterStats{
		Exchange:    e.name,
		Attempts:    e.attempts,
		Failures:    e.failures,
		LastFailure: e.lastFailure,
		PenaltyMs:   e.penalty.Milliseconds(),
	}
}
