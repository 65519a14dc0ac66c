package aggregator

import (
	"context"
	"sync"
	"time"

	"arb-market/internal/models"

	"github.com/sirupsen/logrus"
)

// Registry owns one aggregator per (exchange, symbol) and drives their
// heartbeats. It is the tick sink handed to the collectors.
type Registry struct {
	sink      Sink
	logger    *logrus.Logger
	now       func() time.Time
	heartbeat time.Duration

	mu          sync.Mutex
	aggregators map[string]*TickerAggregator
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      bool
}

func NewRegistry(sink Sink, logger *logrus.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		sink:        sink,
		logger:      logger,
		now:         time.Now,
		heartbeat:   HeartbeatInterval,
		aggregators: make(map[string]*TickerAggregator),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func registryKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Get returns the aggregator for the pair, creating it and its heartbeat on
// first use.
func (r *Registry) Get(exchange, symbol string) *TickerAggregator {
	key := registryKey(exchange, symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	if agg, ok := r.aggregators[key]; ok {
		return agg
	}

	agg := NewTickerAggregator(exchange, symbol, r.sink, r.logger)
	r.aggregators[key] = agg

	if !r.closed {
		r.wg.Add(1)
		go r.runHeartbeat(agg)
	}

	r.logger.WithFields(logrus.Fields{
		"exchange": exchange,
		"symbol":   symbol,
	}).Debug("Created ticker aggregator")
	return agg
}

// Tick routes a normalized exchange quote to its aggregator
func (r *Registry) Tick(t models.NormalizedTick) {
	r.Get(t.Exchange, t.Symbol).Tick(t.EventTimeMs, t.LastPrice, t.Bid, t.Ask)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.aggregators)
}

func (r *Registry) runHeartbeat(agg *TickerAggregator) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			agg.Heartbeat(r.now())
		}
	}
}

// Close stops every heartbeat. Aggregators stay usable for direct ticks.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
