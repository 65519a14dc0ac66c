package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arb-market/internal/cache"
	"arb-market/internal/metrics"
	"arb-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Transport is the shared pub/sub connection. *redis.PubSub satisfies it.
type Transport interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// TransportFactory opens the shared connection on first use
type TransportFactory func(ctx context.Context) Transport

// Callback receives every record published for a subscribed (exchange, symbol)
type Callback func(exchange, symbol string, rec *models.TickerRecord)

// SubscriptionManager multiplexes any number of logical subscribers onto one
// pub/sub connection. Transport-level subscribe and unsubscribe happen only for
// the first and last local subscriber of a channel.
type SubscriptionManager struct {
	factory TransportFactory
	logger  *logrus.Logger
	timeout time.Duration

	mu        sync.Mutex
	transport Transport
	channels  map[string]map[uint64]Callback
	nextID    uint64
	loopDone  chan struct{}
}

func NewSubscriptionManager(client *redis.Client, logger *logrus.Logger) *SubscriptionManager {
	return NewSubscriptionManagerWithTransport(func(ctx context.Context) Transport {
		return client.Subscribe(ctx)
	}, logger)
}

func NewSubscriptionManagerWithTransport(factory TransportFactory, logger *logrus.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		factory:  factory,
		logger:   logger,
		timeout:  5 * time.Second,
		channels: make(map[string]map[uint64]Callback),
	}
}

// Subscribe registers cb for (exchange, symbol) and returns its unsubscribe
// handle. The handle is safe to call more than once.
func (m *SubscriptionManager) Subscribe(exchange, symbol string, cb Callback) (func(), error) {
	channel := cache.Channel(exchange, symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureTransportLocked()

	set, exists := m.channels[channel]
	if !exists {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.transport.Subscribe(ctx, channel)
		cancel()
		metrics.TransportCalls.WithLabelValues("subscribe").Inc()
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
		}
		set = make(map[uint64]Callback)
		m.channels[channel] = set
		metrics.ActiveChannels.Set(float64(len(m.channels)))
	}

	m.nextID++
	id := m.nextID
	set[id] = cb

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(channel, id) })
	}, nil
}

// SubscribeExchanges subscribes cb to symbol on every exchange and returns a
// single handle releasing all of them.
func (m *SubscriptionManager) SubscribeExchanges(symbol string, exchanges []string, cb Callback) (func(), error) {
	unsubs := make([]func(), 0, len(exchanges))
	closeAll := func() {
		for _, u := range unsubs {
			u()
		}
	}

	for _, exchange := range exchanges {
		unsub, err := m.Subscribe(exchange, symbol, cb)
		if err != nil {
			closeAll()
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return closeAll, nil
}

func (m *SubscriptionManager) unsubscribe(channel string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.channels[channel]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) > 0 {
		return
	}

	delete(m.channels, channel)
	metrics.ActiveChannels.Set(float64(len(m.channels)))

	if m.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	metrics.TransportCalls.WithLabelValues("unsubscribe").Inc()
	if err := m.transport.Unsubscribe(ctx, channel); err != nil {
		m.logger.WithError(err).WithField("channel", channel).Warn("Failed to unsubscribe channel")
	}
}

func (m *SubscriptionManager) ensureTransportLocked() {
	if m.transport != nil {
		return
	}
	m.transport = m.factory(context.Background())
	m.loopDone = make(chan struct{})
	go m.receiveLoop(m.transport.Channel(), m.loopDone)
	m.logger.Info("Opened shared pub/sub connection")
}

// receiveLoop parses each payload once and fans it out to a snapshot of the
// channel's callbacks, taken under the lock.
func (m *SubscriptionManager) receiveLoop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for msg := range ch {
		rec, ok := cache.DecodeRecord([]byte(msg.Payload))
		if !ok {
			continue
		}
		exchange, symbol, ok := cache.ParseChannel(msg.Channel)
		if !ok {
			continue
		}

		m.mu.Lock()
		set := m.channels[msg.Channel]
		callbacks := make([]Callback, 0, len(set))
		for _, cb := range set {
			callbacks = append(callbacks, cb)
		}
		m.mu.Unlock()

		for _, cb := range callbacks {
			r := *rec
			cb(exchange, symbol, &r)
		}
	}
}

// ChannelCount returns the number of channels with at least one subscriber
func (m *SubscriptionManager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close drops every subscription and closes the shared connection
func (m *SubscriptionManager) Close() error {
	m.mu.Lock()
	transport := m.transport
	done := m.loopDone
	m.transport = nil
	m.channels = make(map[string]map[uint64]Callback)
	metrics.ActiveChannels.Set(0)
	m.mu.Unlock()

	if transport == nil {
		return nil
	}
	err := transport.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		m.logger.Warn("Pub/sub receive loop did not exit after close")
	}
	return err
}
