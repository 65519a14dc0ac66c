package collectors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"arb-market/internal/metrics"
	"arb-market/internal/models"
	"arb-market/internal/services/aggregator"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	handshakeTimeout = 15 * time.Second
	controlWait      = 5 * time.Second
)

// TickSink receives normalized quotes. aggregator.Registry implements it.
type TickSink interface {
	Tick(t models.NormalizedTick)
}

// SymbolMapper translates canonical symbols to and from exchange spellings
type SymbolMapper interface {
	CanonicalSymbols() []string
	ToExchange(exchange, canonical string) string
	FromExchange(exchange, wire string) string
}

// State is a point-in-time view of one collector
type State struct {
	Exchange    string    `json:"exchange"`
	Running     bool      `json:"running"`
	Connected   bool      `json:"connected"`
	LastMessage time.Time `json:"last_message"`
	Messages    int64     `json:"messages"`
	Errors      int64     `json:"errors"`
	Reconnects  int64     `json:"reconnects"`
}

// Options carries the dependencies shared by every collector
type Options struct {
	Sink   TickSink
	Mapper SymbolMapper
	Limits *aggregator.RateLimiterManager
	Logger *logrus.Logger
	Now    func() time.Time
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

func (o Options) limiter(exchange string) *aggregator.ExchangeRateLimiter {
	if o.Limits == nil {
		return nil
	}
	l, err := o.Limits.GetLimiter(exchange)
	if err != nil {
		return nil
	}
	return l
}

// Collector owns one streaming connection to an exchange
type Collector interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	State() State
}

// protocol captures what differs between exchange feeds. The shared
// connection loop in wsCollector drives it.
type protocol interface {
	// endpoint returns the URL to dial; token-based feeds fetch a fresh one
	endpoint(ctx context.Context) (string, error)
	subscribe(conn *websocket.Conn, wireSymbols []string) error
	keepAlive(conn *websocket.Conn) error
	pingInterval() time.Duration
	parse(message []byte) (models.NormalizedTick, bool)
	// reconnectDelay returns the wait before attempt n (0-based), false to give up
	reconnectDelay(attempt int) (time.Duration, bool)
}

// wsCollector is the connection loop shared by every exchange
type wsCollector struct {
	name     string
	proto    protocol
	sink     TickSink
	mapper   SymbolMapper
	limiter  *aggregator.ExchangeRateLimiter
	logger   *logrus.Logger
	proxyURL string

	// readTimeout bounds the silence between frames; zero means twice the ping interval
	readTimeout time.Duration
	// penalize grows the limiter penalty on failures; fixed-delay feeds only count them
	penalize bool

	mu          sync.RWMutex
	connected   bool
	lastMessage time.Time

	msgCount   int64
	errorCount int64
	reconnects int64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newWSCollector(name string, proto protocol, sink TickSink, mapper SymbolMapper, limiter *aggregator.ExchangeRateLimiter, logger *logrus.Logger) *wsCollector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &wsCollector{
		name:    name,
		proto:   proto,
		sink:    sink,
		mapper:  mapper,
		limiter: limiter,
		logger:  logger,
	}
}

func (c *wsCollector) Name() string { return c.name }

// Start launches the connection loop. Calling Start on a running collector is a no-op.
func (c *wsCollector) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return nil
	}
	if len(c.wireSymbols()) == 0 {
		return fmt.Errorf("%s: no symbols to subscribe", c.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(runCtx, c.done)

	c.logger.WithField("exchange", c.name).Info("Collector started")
	return nil
}

// Stop closes the connection and waits for the loop to exit
func (c *wsCollector) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false

	c.logger.WithField("exchange", c.name).Info("Collector stopped")
}

func (c *wsCollector) State() State {
	c.runMu.Lock()
	running := c.running
	c.runMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	return State{
		Exchange:    c.name,
		Running:     running,
		Connected:   c.connected,
		LastMessage: c.lastMessage,
		Messages:    atomic.LoadInt64(&c.msgCount),
		Errors:      atomic.LoadInt64(&c.errorCount),
		Reconnects:  atomic.LoadInt64(&c.reconnects),
	}
}

func (c *wsCollector) wireSymbols() []string {
	canonical := c.mapper.CanonicalSymbols()
	out := make([]string, 0, len(canonical))
	for _, s := range canonical {
		if wire := c.mapper.ToExchange(c.name, s); wire != "" {
			out = append(out, wire)
		}
	}
	return out
}

// run manages the connection until ctx is cancelled or the reconnect policy gives up
func (c *wsCollector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		c.handleConnectionError(err)

		delay, ok := c.proto.reconnectDelay(attempt)
		if !ok {
			c.logger.WithFields(logrus.Fields{
				"exchange": c.name,
				"attempts": attempt,
			}).Error("Reconnect attempts exhausted, collector needs a manual restart")
			return
		}
		attempt++
		atomic.AddInt64(&c.reconnects, 1)
		metrics.ExchangeReconnects.WithLabelValues(c.name).Inc()

		c.logger.WithFields(logrus.Fields{
			"exchange": c.name,
			"delay":    delay.String(),
		}).Info("Reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session dials, subscribes and reads until the connection fails. connected
// reports whether the handshake and subscribe succeeded.
func (c *wsCollector) session(ctx context.Context) (connected bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	endpoint, err := c.proto.endpoint(ctx)
	if err != nil {
		c.recordFailure()
		return false, fmt.Errorf("resolve endpoint: %w", err)
	}

	dialer, err := createDialerWithProxy(c.proxyURL)
	if err != nil {
		return false, err
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.recordFailure()
		if resp != nil {
			return false, fmt.Errorf("dial %s: %w (status %d)", c.name, err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", c.name, err)
	}

	if err := c.proto.subscribe(conn, c.wireSymbols()); err != nil {
		conn.Close()
		c.recordFailure()
		return false, fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	if c.limiter != nil {
		c.limiter.RecordSuccess()
	}
	c.setConnected(true)
	defer c.setConnected(false)

	c.logger.WithFields(logrus.Fields{
		"exchange": c.name,
		"symbols":  len(c.wireSymbols()),
		"proxied":  c.proxyURL != "",
	}).Info("Exchange WebSocket connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	go c.sendPeriodicPing(sessionCtx, conn)

	// every frame, control frames included, pushes the deadline out; a silent
	// or half-open connection fails the read and goes through reconnect
	readTimeout := c.readWait()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		c.onMessage(message)
	}
}

func (c *wsCollector) readWait() time.Duration {
	if c.readTimeout > 0 {
		return c.readTimeout
	}
	return 2 * c.proto.pingInterval()
}

func (c *wsCollector) onMessage(message []byte) {
	atomic.AddInt64(&c.msgCount, 1)
	metrics.ExchangeMessages.WithLabelValues(c.name).Inc()

	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()

	tick, ok := c.proto.parse(message)
	if !ok || c.sink == nil {
		return
	}
	c.sink.Tick(tick)
}

// sendPeriodicPing keeps the connection alive; it is the only writer once
// the subscription has been sent.
func (c *wsCollector) sendPeriodicPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.proto.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.proto.keepAlive(conn); err != nil {
				c.logger.WithError(err).WithField("exchange", c.name).Debug("Ping failed")
				return
			}
		}
	}
}

func (c *wsCollector) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	if connected {
		c.lastMessage = time.Now()
	}
	c.mu.Unlock()

	if connected {
		metrics.ExchangeConnections.WithLabelValues(c.name).Set(1)
	} else {
		metrics.ExchangeConnections.WithLabelValues(c.name).Set(0)
	}
}

func (c *wsCollector) recordFailure() {
	switch {
	case c.limiter == nil:
	case c.penalize:
		c.limiter.RecordFailure()
	default:
		c.limiter.CountFailure()
	}
}

// handleConnectionError counts the failure; connection errors never escape the collector
func (c *wsCollector) handleConnectionError(err error) {
	if err == nil {
		return
	}
	atomic.AddInt64(&c.errorCount, 1)

	errType := "read"
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.As(err, &closeErr):
		errType = "closed"
	case errors.Is(err, context.DeadlineExceeded):
		errType = "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		errType = "timeout"
	}
	metrics.ExchangeErrors.WithLabelValues(c.name, errType).Inc()

	c.logger.WithError(err).WithField("exchange", c.name).Warn("Exchange connection error")
}

// createDialerWithProxy returns a dialer, routed through proxyURL when set.
// A bad proxy URL is an error, never a direct connection.
func createDialerWithProxy(proxyURL string) (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", proxyURL)
		}
		dialer.Proxy = http.ProxyURL(parsed)
	}
	return dialer, nil
}

// writeJSON sends a control message with a short deadline
func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(controlWait))
	return conn.WriteJSON(v)
}
