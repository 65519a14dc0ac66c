package aggregator

import (
	"errors"
	"sync"
	"time"

	"arb-market/internal/metrics"
	"arb-market/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	// MaxSyntheticFills caps the synthetic records emitted after the last real tick
	MaxSyntheticFills = 3
	// MaxListeners bounds local observers per aggregator
	MaxListeners = 100

	HeartbeatInterval = time.Second
)

var ErrTooManyListeners = errors.New("aggregator: listener limit reached")

// Sink receives every emitted record. Writes must not block the caller.
type Sink interface {
	SetLatestAsync(exchange, symbol string, rec models.TickerRecord)
}

// Listener observes emitted records in-process
type Listener func(event models.TickerEvent)

// TickerAggregator folds raw ticks for one (exchange, symbol) into at most one
// record per second. Seconds without ticks are carried forward as synthetic
// records, never more than MaxSyntheticFills in a row.
type TickerAggregator struct {
	exchange string
	symbol   string
	sink     Sink
	logger   *logrus.Logger

	mu             sync.Mutex
	open           bool
	bucket         int64 // epoch second of the open bucket
	bid            float64
	ask            float64
	last           float64
	bucketKind     models.TickerKind
	syntheticFills int

	// events emitted under mu, delivered to listeners after it is released
	outbox      []models.TickerEvent
	dispatching bool

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

// NewTickerAggregator creates an aggregator. Heartbeats are driven by the
// Registry; a standalone aggregator only moves on Tick or explicit Heartbeat.
func NewTickerAggregator(exchange, symbol string, sink Sink, logger *logrus.Logger) *TickerAggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TickerAggregator{
		exchange:  exchange,
		symbol:    symbol,
		sink:      sink,
		logger:    logger,
		listeners: make(map[uint64]Listener),
	}
}

func (a *TickerAggregator) Exchange() string { return a.exchange }
func (a *TickerAggregator) Symbol() string   { return a.symbol }

// Tick feeds one exchange quote. Zero bid or ask keeps the previous side.
func (a *TickerAggregator) Tick(eventTimeMs int64, price, bid, ask float64) {
	a.mu.Lock()
	a.tickLocked(floorDiv(eventTimeMs, 1000), price, bid, ask)
	a.dispatchAndUnlock()
}

func (a *TickerAggregator) tickLocked(sec int64, price, bid, ask float64) {
	if !a.open {
		a.open = true
		a.seedLocked(sec, price, bid, ask, models.KindReal)
		a.syntheticFills = 0
		return
	}

	switch {
	case sec == a.bucket:
		a.updateLocked(price, bid, ask)
		a.bucketKind = models.KindReal
		a.syntheticFills = 0

	case sec > a.bucket:
		a.closeBucketLocked()
		a.fillGapLocked(sec)
		a.seedLocked(sec, price, bid, ask, models.KindReal)
		a.syntheticFills = 0

	default:
		metrics.LateTicks.WithLabelValues(a.exchange).Inc()
		a.logger.WithFields(logrus.Fields{
			"exchange": a.exchange,
			"symbol":   a.symbol,
			"second":   sec,
			"bucket":   a.bucket,
		}).Debug("Dropping late tick")
	}
}

// Heartbeat closes the open bucket once wall-clock time has moved past it, so
// a silent exchange keeps producing records until the synthetic cap is hit.
func (a *TickerAggregator) Heartbeat(now time.Time) {
	nowSec := now.Unix()

	a.mu.Lock()
	if a.open && nowSec > a.bucket && a.syntheticFills < MaxSyntheticFills {
		a.closeBucketLocked()
		a.fillGapLocked(nowSec)
		a.bucket = nowSec
		a.bucketKind = models.KindSynthetic
	}
	a.dispatchAndUnlock()
}

// dispatchAndUnlock releases a.mu and delivers queued events in emission
// order. Only one goroutine delivers at a time; events queued meanwhile, by
// other callers or by listeners feeding this aggregator, go out in the same loop.
func (a *TickerAggregator) dispatchAndUnlock() {
	if a.dispatching {
		a.mu.Unlock()
		return
	}
	a.dispatching = true
	for len(a.outbox) > 0 {
		events := a.outbox
		a.outbox = nil
		a.mu.Unlock()

		a.deliver(events)

		a.mu.Lock()
	}
	a.dispatching = false
	a.mu.Unlock()
}

func (a *TickerAggregator) deliver(events []models.TickerEvent) {
	a.listenersMu.RLock()
	listeners := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		listeners = append(listeners, l)
	}
	a.listenersMu.RUnlock()

	for _, event := range events {
		for _, l := range listeners {
			l(event)
		}
	}
}

// AddListener registers an observer and returns its removal func. Listeners
// run outside the aggregator lock and may feed the aggregator again.
func (a *TickerAggregator) AddListener(l Listener) (func(), error) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()

	if len(a.listeners) >= MaxListeners {
		return nil, ErrTooManyListeners
	}
	a.nextListener++
	id := a.nextListener
	a.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			a.listenersMu.Lock()
			delete(a.listeners, id)
			a.listenersMu.Unlock()
		})
	}, nil
}

func (a *TickerAggregator) ListenerCount() int {
	a.listenersMu.RLock()
	defer a.listenersMu.RUnlock()
	return len(a.listeners)
}

func (a *TickerAggregator) seedLocked(sec int64, price, bid, ask float64, kind models.TickerKind) {
	a.bucket = sec
	a.bucketKind = kind
	a.last = price
	if bid > 0 {
		a.bid = bid
	}
	if ask > 0 {
		a.ask = ask
	}
}

func (a *TickerAggregator) updateLocked(price, bid, ask float64) {
	a.last = price
	if bid > 0 {
		a.bid = bid
	}
	if ask > 0 {
		a.ask = ask
	}
}

// closeBucketLocked emits the open bucket. A bucket seeded by the heartbeat
// that never saw a real tick counts against the synthetic cap.
func (a *TickerAggregator) closeBucketLocked() {
	if a.bucketKind == models.KindSynthetic {
		if a.syntheticFills >= MaxSyntheticFills {
			return
		}
		a.syntheticFills++
	}
	a.emitLocked(a.bucket, a.bucketKind)
}

// fillGapLocked emits synthetic records for the seconds strictly between the
// closed bucket and next, within the remaining synthetic budget.
func (a *TickerAggregator) fillGapLocked(next int64) {
	for s := a.bucket + 1; s < next && a.syntheticFills < MaxSyntheticFills; s++ {
		a.syntheticFills++
		a.emitLocked(s, models.KindSynthetic)
	}
}

// emitLocked runs under a.mu so records reach the sink and the outbox in second order
func (a *TickerAggregator) emitLocked(sec int64, kind models.TickerKind) {
	rec := models.TickerRecord{
		Time:      sec,
		BestBid:   a.bid,
		BestAsk:   a.ask,
		LastPrice: a.last,
		Kind:      kind,
	}
	metrics.TickerEmissions.WithLabelValues(a.exchange, string(kind)).Inc()

	if a.sink != nil {
		a.sink.SetLatestAsync(a.exchange, a.symbol, rec)
	}

	if a.ListenerCount() > 0 {
		a.outbox = append(a.outbox, models.TickerEvent{Exchange: a.exchange, Symbol: a.symbol, Record: rec})
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
