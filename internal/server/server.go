package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"arb-market/internal/auth"
	"arb-market/internal/collectors"
	"arb-market/internal/models"
	"arb-market/internal/pubsub"
	"arb-market/internal/repository"
	"arb-market/internal/services/aggregator"
	"arb-market/internal/services/arbitrage"
	"arb-market/internal/services/symbols"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64

	DefaultDebounce = 100 * time.Millisecond
)

// Snapshots reads the fresh latest record per exchange
type Snapshots interface {
	GetExchangesLatest(ctx context.Context, symbol string, exchanges []string) (map[string]*models.TickerRecord, error)
}

// Updates delivers live ticker updates
type Updates interface {
	SubscribeExchanges(symbol string, exchanges []string, cb pubsub.Callback) (func(), error)
}

// Bot is the orchestrator control surface
type Bot interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// SpreadSummaries reads the spread% history of a route
type SpreadSummaries interface {
	Summary(ctx context.Context, buyExchange, sellExchange, symbol string) (*models.SpreadSummary, error)
}

// CollectorStates reports per-exchange collector health
type CollectorStates interface {
	States() []collectors.State
}

// ConnectLimits reports the per-exchange connect pacing state
type ConnectLimits interface {
	Stats() []aggregator.LimiterStats
}

type Options struct {
	Port        int
	Environment string
	CORSOrigin  string
	Exchanges   []string
	FeeRates    map[string]float64
	TradeAmount float64
	MinProfit   float64 // percent, for the detector's hasOpportunity flag
	Debounce    time.Duration
}

type Dependencies struct {
	Snapshots  Snapshots
	Updates    Updates
	Mapper     *symbols.Mapper
	Status     *arbitrage.StatusService
	Bot        Bot
	Records    repository.Store
	Spreads    SpreadSummaries
	Collectors CollectorStates
	Limits     ConnectLimits
	Gate       *auth.Gate
}

// Server is the HTTP and WebSocket surface
type Server struct {
	opts      Options
	deps      Dependencies
	logger    *logrus.Logger
	engine    *gin.Engine
	http      *http.Server
	upgrader  websocket.Upgrader
	exchanges map[string]bool
}

func New(deps Dependencies, opts Options, logger *logrus.Logger) *Server {
	if opts.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if deps.Gate == nil {
		deps.Gate = auth.NewGate(auth.Options{Enabled: false})
	}

	s := &Server{
		opts:      opts,
		deps:      deps,
		logger:    logger,
		engine:    gin.New(),
		exchanges: make(map[string]bool, len(opts.Exchanges)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, ex := range opts.Exchanges {
		s.exchanges[strings.ToLower(ex)] = true
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), s.cors())
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/ws/ticker", s.handleTickerStream)
	s.engine.GET("/ticker", s.handleTickerStream)

	s.engine.GET("/spread-history/:buy/:sell/:symbol/summary", s.getSpreadSummary)

	admin := s.engine.Group("/admin/arbitrage", s.deps.Gate.RequireRole(s.deps.Gate.AdminRole()))
	admin.GET("/status", s.getBotStatus)
	admin.POST("/start", s.startBot)
	admin.POST("/stop", s.stopBot)
	admin.GET("/live", s.handleLiveStatus)

	records := s.engine.Group("", s.deps.Gate.RequireAuth())
	records.GET("/arbitrage", s.listOpportunities)
	records.GET("/arbitrage/:id", s.getOpportunity)
	records.GET("/simulation", s.listSimulatedTrades)
	records.GET("/simulation/:id", s.getSimulatedTrade)
}

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("Starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (s.opts.CORSOrigin == "" || s.opts.CORSOrigin == "*" || origin == s.opts.CORSOrigin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) getHealth(c *gin.Context) {
	var states []collectors.State
	connected := 0
	if s.deps.Collectors != nil {
		states = s.deps.Collectors.States()
		for _, st := range states {
			if st.Connected {
				connected++
			}
		}
	}

	status := "ok"
	if len(states) > 0 && connected == 0 {
		status = "degraded"
	}

	botRunning := false
	if s.deps.Bot != nil {
		botRunning = s.deps.Bot.Running()
	}

	limits := []aggregator.LimiterStats{}
	if s.deps.Limits != nil {
		limits = s.deps.Limits.Stats()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"collectors": states,
		"limits":     limits,
		"bot":        gin.H{"running": botRunning},
		"timestamp":  time.Now().UnixMilli(),
	})
}

func (s *Server) getSpreadSummary(c *gin.Context) {
	if s.deps.Spreads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "spread history unavailable"})
		return
	}

	summary, err := s.deps.Spreads.Summary(c.Request.Context(), c.Param("buy"), c.Param("sell"), c.Param("symbol"))
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read spread summary")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}

// wsConn serializes writes to one websocket through a single goroutine
type wsConn struct {
	conn *websocket.Conn
	send chan interface{}
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{
		conn: conn,
		send: make(chan interface{}, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. A full buffer means the client is too slow; it is
// disconnected.
func (w *wsConn) enqueue(v interface{}) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.send <- v:
		return true
	case <-w.done:
		return false
	default:
		w.conn.Close()
		return false
	}
}

// readPump drains client frames until the connection fails and then closes done
func (w *wsConn) readPump() {
	defer close(w.done)

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case msg := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

// rejectWS writes one error frame and closes
func rejectWS(conn *websocket.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(gin.H{"error": message})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
	conn.Close()
}
