package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"arb-market/internal/metrics"
	"arb-market/internal/models"
	"arb-market/internal/services/arbitrage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const snapshotTimeout = 5 * time.Second

// TickerFrame is one websocket message: a list of {userSymbol: data} entries
type TickerFrame []map[string]models.SymbolTickerData

// streamSession multiplexes the subscriptions of one client connection.
// Updates are merged into state and flushed together after the debounce delay.
type streamSession struct {
	server    *Server
	ws        *wsConn
	exchanges []string
	users     map[string]string // canonical -> user

	mu      sync.Mutex
	state   map[string]map[string]*models.TickerRecord // canonical -> exchange -> record
	pending map[string]bool
	timer   *time.Timer
	closed  bool
	unsubs  []func()
}

// parseList splits a comma separated query value
func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveSelection validates the requested exchanges and symbols against the
// configured sets. Unknown entries are dropped.
func (s *Server) resolveSelection(exchangesRaw, symbolsRaw string) (exchanges []string, users map[string]string) {
	seen := make(map[string]bool)
	for _, ex := range parseList(exchangesRaw) {
		ex = strings.ToLower(ex)
		if s.exchanges[ex] && !seen[ex] {
			seen[ex] = true
			exchanges = append(exchanges, ex)
		}
	}
	sort.Strings(exchanges)

	users = make(map[string]string)
	for _, sym := range parseList(symbolsRaw) {
		if canonical, user, ok := s.deps.Mapper.Resolve(sym); ok {
			users[canonical] = user
		}
	}
	return exchanges, users
}

func (s *Server) handleTickerStream(c *gin.Context) {
	symbolsRaw := c.Query("symbols")
	if symbolsRaw == "" {
		symbolsRaw = c.Query("symbol")
	}
	exchanges, users := s.resolveSelection(c.Query("exchanges"), symbolsRaw)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Ticker stream upgrade failed")
		return
	}

	if len(exchanges) == 0 {
		rejectWS(conn, "No valid exchanges provided")
		return
	}
	if len(users) == 0 {
		rejectWS(conn, "No valid symbols provided")
		return
	}

	metrics.StreamConnections.WithLabelValues("ticker").Inc()
	defer metrics.StreamConnections.WithLabelValues("ticker").Dec()

	session := &streamSession{
		server:    s,
		ws:        newWSConn(conn),
		exchanges: exchanges,
		users:     users,
		state:     make(map[string]map[string]*models.TickerRecord, len(users)),
		pending:   make(map[string]bool),
	}

	go session.ws.writePump()

	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	session.sendSnapshot(ctx)
	cancel()

	if err := session.subscribe(); err != nil {
		s.logger.WithError(err).Warn("Ticker stream subscribe failed")
		conn.Close()
	}

	s.logger.WithFields(logrus.Fields{
		"exchanges": exchanges,
		"symbols":   len(users),
	}).Debug("Ticker stream connected")

	session.ws.readPump()
	session.close()
}

func (ss *streamSession) canonicalSymbols() []string {
	out := make([]string, 0, len(ss.users))
	for c := range ss.users {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// sendSnapshot sends the current store contents for every requested symbol
func (ss *streamSession) sendSnapshot(ctx context.Context) {
	frame := make(TickerFrame, 0, len(ss.users))

	ss.mu.Lock()
	for _, canonical := range ss.canonicalSymbols() {
		prices := make(map[string]*models.TickerRecord, len(ss.exchanges))
		snapshot, err := ss.server.deps.Snapshots.GetExchangesLatest(ctx, canonical, ss.exchanges)
		if err != nil {
			ss.server.logger.WithError(err).WithField("symbol", canonical).Warn("Failed to load ticker snapshot")
		}
		for ex, rec := range snapshot {
			if rec != nil {
				prices[ex] = rec
			}
		}
		ss.state[canonical] = prices
		frame = append(frame, ss.entryLocked(canonical))
	}
	ss.mu.Unlock()

	if ss.ws.enqueue(frame) {
		metrics.StreamFrames.WithLabelValues("snapshot").Inc()
	}
}

func (ss *streamSession) subscribe() error {
	for _, canonical := range ss.canonicalSymbols() {
		unsub, err := ss.server.deps.Updates.SubscribeExchanges(canonical, ss.exchanges, ss.onUpdate)
		if err != nil {
			return err
		}

		ss.mu.Lock()
		if ss.closed {
			ss.mu.Unlock()
			unsub()
			return nil
		}
		ss.unsubs = append(ss.unsubs, unsub)
		ss.mu.Unlock()
	}
	return nil
}

func (ss *streamSession) onUpdate(exchange, symbol string, rec *models.TickerRecord) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return
	}
	prices, ok := ss.state[symbol]
	if !ok {
		return
	}
	prices[exchange] = rec
	ss.pending[symbol] = true

	if ss.timer == nil {
		ss.timer = time.AfterFunc(ss.server.opts.Debounce, ss.flush)
	}
}

// flush sends every symbol with pending changes as one frame
func (ss *streamSession) flush() {
	ss.mu.Lock()
	ss.timer = nil
	if ss.closed || len(ss.pending) == 0 {
		ss.mu.Unlock()
		return
	}

	symbols := make([]string, 0, len(ss.pending))
	for sym := range ss.pending {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	frame := make(TickerFrame, 0, len(symbols))
	for _, sym := range symbols {
		frame = append(frame, ss.entryLocked(sym))
	}
	ss.pending = make(map[string]bool)
	ss.mu.Unlock()

	if ss.ws.enqueue(frame) {
		metrics.StreamFrames.WithLabelValues("update").Inc()
	}
}

// entryLocked copies the symbol state and evaluates it
func (ss *streamSession) entryLocked(canonical string) map[string]models.SymbolTickerData {
	prices := make(map[string]*models.TickerRecord, len(ss.state[canonical]))
	for ex, rec := range ss.state[canonical] {
		if rec == nil {
			continue
		}
		cp := *rec
		prices[ex] = &cp
	}

	opts := ss.server.opts
	return map[string]models.SymbolTickerData{
		ss.users[canonical]: {
			Prices:    prices,
			Arbitrage: arbitrage.CalculateOpportunity(prices, opts.TradeAmount, opts.FeeRates, opts.MinProfit),
		},
	}
}

// close releases every subscription and cancels the pending flush
func (ss *streamSession) close() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	if ss.timer != nil {
		ss.timer.Stop()
		ss.timer = nil
	}
	unsubs := ss.unsubs
	ss.unsubs = nil
	ss.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
