package arbitrage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"arb-market/internal/metrics"
	"arb-market/internal/models"
	"arb-market/internal/pubsub"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCooldown      = 60 * time.Second
	DefaultMinProfit     = 0.1
	DefaultSimulationUSD = 100

	executionTimeout = 60 * time.Second
	snapshotTimeout  = 5 * time.Second
)

// Snapshotter returns the fresh latest record per exchange for a symbol
type Snapshotter interface {
	GetExchangesLatest(ctx context.Context, symbol string, exchanges []string) (map[string]*models.TickerRecord, error)
}

// Subscriber delivers live updates for a symbol across exchanges
type Subscriber interface {
	SubscribeExchanges(symbol string, exchanges []string, cb pubsub.Callback) (func(), error)
}

// RecordStore persists acted-upon opportunities
type RecordStore interface {
	CreateOpportunity(ctx context.Context, rec *models.OpportunityRecord) (string, error)
	UpdateOpportunity(ctx context.Context, id string, upd models.OpportunityUpdate) error
	CreateSimulatedTrade(ctx context.Context, trade *models.SimulatedTrade) (string, error)
}

// ChainWriter records an opportunity on chain and returns the tx hash
type ChainWriter interface {
	RecordOpportunity(ctx context.Context, symbol string, route models.ArbitrageRoute) (string, error)
}

// BalanceReporter is implemented by chain writers that can report the signer balance
type BalanceReporter interface {
	Balance(ctx context.Context) (string, error)
}

// SpreadRecorder keeps spread% history per route
type SpreadRecorder interface {
	Record(ctx context.Context, sample models.SpreadSample) error
}

type Options struct {
	Exchanges        []string
	Symbols          []string // canonical
	FeeRates         map[string]float64
	TradeAmount      float64
	MinProfitPercent float64
	MinProfit        float64 // absolute profit required to act
	Cooldown         time.Duration
	SimulationUSD    float64
	ToUser           func(canonical string) string
}

type Dependencies struct {
	Snapshots Snapshotter
	Updates   Subscriber
	Store     RecordStore
	Chain     ChainWriter
	Spreads   SpreadRecorder // optional
	Status    *StatusService
}

// Orchestrator watches every configured symbol, re-evaluates the detector on
// each update and records qualifying opportunities on chain, at most once per
// symbol per cooldown.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	unsubs  []func()
	workers sync.WaitGroup

	execMu     sync.Mutex
	lastExec   map[string]time.Time
	executions sync.WaitGroup
}

func NewOrchestrator(deps Dependencies, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.TradeAmount <= 0 {
		opts.TradeAmount = 1
	}
	if opts.SimulationUSD <= 0 {
		opts.SimulationUSD = DefaultSimulationUSD
	}
	if opts.ToUser == nil {
		opts.ToUser = func(s string) string { return s }
	}
	opts.Exchanges = append([]string(nil), opts.Exchanges...)
	sort.Strings(opts.Exchanges)

	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		lastExec: make(map[string]time.Time),
	}
}

// Start subscribes every symbol across all exchanges. Calling Start while
// running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	var subsMu sync.Mutex
	var unsubs []func()

	var g errgroup.Group
	for _, symbol := range o.opts.Symbols {
		symbol := symbol
		signal := make(chan struct{}, 1)

		g.Go(func() error {
			unsub, err := o.deps.Updates.SubscribeExchanges(symbol, o.opts.Exchanges, func(string, string, *models.TickerRecord) {
				select {
				case signal <- struct{}{}:
				default:
				}
			})
			if err != nil {
				return fmt.Errorf("failed to subscribe %s: %w", symbol, err)
			}
			subsMu.Lock()
			unsubs = append(unsubs, unsub)
			subsMu.Unlock()
			return nil
		})

		o.workers.Add(1)
		go o.worker(runCtx, symbol, signal)
	}

	if err := g.Wait(); err != nil {
		for _, u := range unsubs {
			u()
		}
		cancel()
		o.workers.Wait()
		return err
	}

	o.running = true
	o.cancel = cancel
	o.unsubs = unsubs
	o.deps.Status.SetRunning(true)
	o.deps.Status.AddLog(models.LogInfo, "[ArbitrageExecutor] Starting bot...")
	return nil
}

// Stop releases every subscription, stops the per-symbol workers and clears
// cooldown bookkeeping. In-flight chain writes are left to finish; use Wait
// to block on them.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return
	}

	for _, u := range o.unsubs {
		u()
	}
	o.unsubs = nil
	o.cancel()
	o.workers.Wait()
	o.running = false

	o.execMu.Lock()
	o.lastExec = make(map[string]time.Time)
	o.execMu.Unlock()

	o.deps.Status.SetRunning(false)
	o.deps.Status.AddLog(models.LogInfo, "[ArbitrageExecutor] Bot stopped.")
}

// Restart stops and starts again, tearing down old subscriptions first
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.Stop()
	return o.Start(ctx)
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Wait blocks until in-flight executions complete
func (o *Orchestrator) Wait() {
	o.executions.Wait()
}

// worker serializes evaluations for one symbol. Updates arriving while an
// evaluation runs collapse into a single follow-up pass.
func (o *Orchestrator) worker(ctx context.Context, symbol string, signal <-chan struct{}) {
	defer o.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
			o.evaluate(ctx, symbol)
		}
	}
}

func (o *Orchestrator) evaluate(ctx context.Context, symbol string) {
	o.deps.Status.UpdateLastCheck()

	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	prices, err := o.deps.Snapshots.GetExchangesLatest(snapCtx, symbol, o.opts.Exchanges)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			o.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to fetch exchange snapshot")
		}
		return
	}

	metrics.Evaluations.WithLabelValues(symbol).Inc()
	opp := CalculateOpportunity(prices, o.opts.TradeAmount, o.opts.FeeRates, o.opts.MinProfitPercent)
	if opp.BestRoute == nil {
		return
	}

	o.recordSpread(ctx, symbol, opp.BestRoute)

	if !opp.HasOpportunity {
		return
	}
	route := *opp.BestRoute

	metrics.OpportunitiesFound.WithLabelValues(symbol).Inc()
	o.deps.Status.UpdateOpportunity(symbol, route)

	if route.Profit <= o.opts.MinProfit || !o.acquire(symbol) {
		return
	}

	o.executions.Add(1)
	go func() {
		defer o.executions.Done()
		execCtx, cancel := context.WithTimeout(context.Background(), executionTimeout)
		defer cancel()
		o.execute(execCtx, symbol, route)
	}()
}

// acquire claims the cooldown slot for symbol. The slot is taken when the
// decision is made, not when the write completes.
func (o *Orchestrator) acquire(symbol string) bool {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	now := o.now()
	if last, ok := o.lastExec[symbol]; ok && now.Sub(last) <= o.opts.Cooldown {
		return false
	}
	o.lastExec[symbol] = now
	return true
}

func (o *Orchestrator) recordSpread(ctx context.Context, symbol string, route *models.ArbitrageRoute) {
	if o.deps.Spreads == nil {
		return
	}
	sample := models.SpreadSample{
		Symbol:       o.opts.ToUser(symbol),
		BuyExchange:  route.BuyExchange,
		SellExchange: route.SellExchange,
		SpreadPct:    route.SpreadPct,
		TimestampMs:  o.now().UnixMilli(),
	}
	if err := o.deps.Spreads.Record(ctx, sample); err != nil && ctx.Err() == nil {
		o.logger.WithError(err).WithField("symbol", symbol).Debug("Failed to record spread sample")
	}
}

func (o *Orchestrator) execute(ctx context.Context, symbol string, route models.ArbitrageRoute) {
	log := o.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"buy":    route.BuyExchange,
		"sell":   route.SellExchange,
	})

	now := o.now()
	rec := &models.OpportunityRecord{
		Symbol:       symbol,
		BuyExchange:  route.BuyExchange,
		SellExchange: route.SellExchange,
		BuyPrice:     route.BuyPrice,
		SellPrice:    route.SellPrice,
		Profit:       route.Profit,
		TotalFee:     route.TotalFee,
		Status:       models.StatusDetected,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := o.deps.Store.CreateOpportunity(ctx, rec)
	if err != nil {
		metrics.Executions.WithLabelValues(symbol, "store_error").Inc()
		log.WithError(err).Error("Failed to save opportunity")
		o.deps.Status.AddLog(models.LogError, fmt.Sprintf("[ArbitrageExecutor] Failed to save opportunity for %s: %v", symbol, err))
		return
	}

	trade := SimulateTrade(id, symbol, route, o.opts.TradeAmount, o.opts.SimulationUSD, now)
	if _, err := o.deps.Store.CreateSimulatedTrade(ctx, trade); err != nil {
		log.WithError(err).Warn("Failed to save simulated trade")
	}

	o.deps.Status.AddLog(models.LogInfo, fmt.Sprintf("[ArbitrageExecutor] Saved opportunity to DB: %s", id))
	o.deps.Status.AddLog(models.LogInfo, fmt.Sprintf("[ArbitrageExecutor] Found Profit $%.2f on %s. Writing to chain...", route.Profit, symbol))

	start := time.Now()
	txHash, err := o.deps.Chain.RecordOpportunity(ctx, symbol, route)
	metrics.TrackLatency(start, metrics.ChainWriteLatency)

	if err != nil {
		metrics.Executions.WithLabelValues(symbol, "failed").Inc()
		o.deps.Status.AddLog(models.LogError, fmt.Sprintf("[ArbitrageExecutor] Tx Failed: %v", err))
		if uerr := o.deps.Store.UpdateOpportunity(ctx, id, models.OpportunityUpdate{Status: models.StatusFailed, Error: err.Error()}); uerr != nil {
			log.WithError(uerr).Error("Failed to mark opportunity failed")
		}
		return
	}

	metrics.Executions.WithLabelValues(symbol, "on_chain").Inc()
	o.deps.Status.AddLog(models.LogInfo, fmt.Sprintf("[ArbitrageExecutor] Tx Sent: %s", txHash))
	if err := o.deps.Store.UpdateOpportunity(ctx, id, models.OpportunityUpdate{Status: models.StatusOnChain, TxHash: txHash}); err != nil {
		log.WithError(err).Error("Failed to store tx hash")
	}

	o.refreshBalance(ctx)
}

func (o *Orchestrator) refreshBalance(ctx context.Context) {
	br, ok := o.deps.Chain.(BalanceReporter)
	if !ok {
		return
	}
	bal, err := br.Balance(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to refresh balance")
		return
	}
	o.deps.Status.SetBalance(bal)
}

// SimulateTrade sizes a notional trade of amountUSD at the route's buy price.
// The route's TotalFee covers tradeAmount base units, as the detector computed it.
func SimulateTrade(opportunityID, symbol string, route models.ArbitrageRoute, tradeAmount, amountUSD float64, at time.Time) *models.SimulatedTrade {
	amountBase := 0.0
	if route.BuyPrice > 0 {
		amountBase = amountUSD / route.BuyPrice
	}
	if tradeAmount <= 0 {
		tradeAmount = 1
	}
	feePerUnit := route.TotalFee / tradeAmount

	return &models.SimulatedTrade{
		OpportunityID:   opportunityID,
		Symbol:          symbol,
		BuyExchange:     route.BuyExchange,
		SellExchange:    route.SellExchange,
		BuyPrice:        route.BuyPrice,
		SellPrice:       route.SellPrice,
		AmountUSD:       amountUSD,
		EstimatedProfit: (route.SellPrice-route.BuyPrice)*amountBase - feePerUnit*amountBase,
		CreatedAt:       at,
	}
}
