package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"arb-market/internal/models"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// ClickHouseStore keeps records in ReplacingMergeTree tables. An update is an
// insert of the full row with a higher version; reads use FINAL.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *logrus.Logger
	now    func() time.Time
}

// ClickHouseOptions parses a clickhouse:// DSN into connection options
func ClickHouseOptions(dsn string) (*clickhouse.Options, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return opts, nil
}

func OpenClickHouse(ctx context.Context, dsn string, logger *logrus.Logger) (*ClickHouseStore, error) {
	opts, err := ClickHouseOptions(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return NewClickHouseStore(conn, logger), nil
}

func NewClickHouseStore(conn driver.Conn, logger *logrus.Logger) *ClickHouseStore {
	return &ClickHouseStore{
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

var clickhouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
		id String,
		symbol LowCardinality(String),
		buy_exchange LowCardinality(String),
		sell_exchange LowCardinality(String),
		buy_price Float64,
		sell_price Float64,
		profit Float64,
		total_fee Float64,
		status LowCardinality(String),
		tx_hash String,
		error_message String,
		created_at DateTime64(3),
		updated_at DateTime64(3),
		version UInt64
	)
	ENGINE = ReplacingMergeTree(version)
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (id)`,
	`CREATE TABLE IF NOT EXISTS simulated_trades (
		id String,
		opportunity_id String,
		symbol LowCardinality(String),
		buy_exchange LowCardinality(String),
		sell_exchange LowCardinality(String),
		buy_price Float64,
		sell_price Float64,
		amount_usd Float64,
		estimated_profit Float64,
		created_at DateTime64(3)
	)
	ENGINE = ReplacingMergeTree()
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (id)`,
}

func (r *ClickHouseStore) Migrate(ctx context.Context) error {
	for _, stmt := range clickhouseSchema {
		if err := r.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	r.logger.Info("ClickHouse record tables ready")
	return nil
}

func (r *ClickHouseStore) Close() error {
	return r.conn.Close()
}

func (r *ClickHouseStore) insertOpportunity(ctx context.Context, rec *models.OpportunityRecord) error {
	query := `
		INSERT INTO arbitrage_opportunities (
			id, symbol, buy_exchange, sell_exchange,
			buy_price, sell_price, profit, total_fee,
			status, tx_hash, error_message, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return r.conn.Exec(ctx, query,
		rec.ID, rec.Symbol, rec.BuyExchange, rec.SellExchange,
		rec.BuyPrice, rec.SellPrice, rec.Profit, rec.TotalFee,
		string(rec.Status), rec.TxHash, rec.Error, rec.CreatedAt, rec.UpdatedAt,
		uint64(rec.UpdatedAt.UnixNano()),
	)
}

func (r *ClickHouseStore) CreateOpportunity(ctx context.Context, rec *models.OpportunityRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}

	if err := r.insertOpportunity(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to insert opportunity: %w", err)
	}
	return rec.ID, nil
}

// UpdateOpportunity reads the current row and writes a newer version of it
func (r *ClickHouseStore) UpdateOpportunity(ctx context.Context, id string, upd models.OpportunityUpdate) error {
	rec, err := r.GetOpportunity(ctx, id)
	if err != nil {
		return err
	}

	rec.Status = upd.Status
	rec.TxHash = upd.TxHash
	rec.Error = upd.Error
	rec.UpdatedAt = r.now()
	if !rec.UpdatedAt.After(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt.Add(time.Millisecond)
	}

	if err := r.insertOpportunity(ctx, rec); err != nil {
		return fmt.Errorf("failed to update opportunity %s: %w", id, err)
	}
	return nil
}

const chOpportunityColumns = `id, symbol, buy_exchange, sell_exchange, buy_price, sell_price, profit, total_fee,
	status, tx_hash, error_message, created_at, updated_at`

func scanCHOpportunity(row interface{ Scan(dest ...any) error }) (*models.OpportunityRecord, error) {
	var rec models.OpportunityRecord
	var status string
	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.BuyExchange, &rec.SellExchange,
		&rec.BuyPrice, &rec.SellPrice, &rec.Profit, &rec.TotalFee,
		&status, &rec.TxHash, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.OpportunityStatus(status)
	return &rec, nil
}

func (r *ClickHouseStore) GetOpportunity(ctx context.Context, id string) (*models.OpportunityRecord, error) {
	query := `SELECT ` + chOpportunityColumns + ` FROM arbitrage_opportunities FINAL WHERE id = ? LIMIT 1`

	rec, err := scanCHOpportunity(r.conn.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity %s: %w", id, err)
	}
	return rec, nil
}

func (r *ClickHouseStore) ListOpportunities(ctx context.Context, f models.OpportunityFilter) ([]models.OpportunityRecord, int, error) {
	var conds []string
	var args []interface{}
	if f.DateFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *f.DateFrom)
	}
	if f.DateTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, *f.DateTo)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total uint64
	if err := r.conn.QueryRow(ctx, `SELECT count() FROM arbitrage_opportunities FINAL`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count opportunities: %w", err)
	}

	query := `SELECT ` + chOpportunityColumns + ` FROM arbitrage_opportunities FINAL` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	items := make([]models.OpportunityRecord, 0)
	for rows.Next() {
		rec, err := scanCHOpportunity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		items = append(items, *rec)
	}
	return items, int(total), rows.Err()
}

func (r *ClickHouseStore) CreateSimulatedTrade(ctx context.Context, trade *models.SimulatedTrade) (string, error) {
	if trade.ID == "" {
		trade.ID = NewID()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = r.now()
	}

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO simulated_trades (
			id, opportunity_id, symbol, buy_exchange, sell_exchange,
			buy_price, sell_price, amount_usd, estimated_profit, created_at
		)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare batch: %w", err)
	}
	err = batch.Append(
		trade.ID, trade.OpportunityID, trade.Symbol, trade.BuyExchange, trade.SellExchange,
		trade.BuyPrice, trade.SellPrice, trade.AmountUSD, trade.EstimatedProfit, trade.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return "", fmt.Errorf("failed to insert simulated trade: %w", err)
	}
	return trade.ID, nil
}

const chTradeColumns = `id, opportunity_id, symbol, buy_exchange, sell_exchange,
	buy_price, sell_price, amount_usd, estimated_profit, created_at`

func scanCHTrade(row interface{ Scan(dest ...any) error }) (*models.SimulatedTrade, error) {
	var t models.SimulatedTrade
	err := row.Scan(
		&t.ID, &t.OpportunityID, &t.Symbol, &t.BuyExchange, &t.SellExchange,
		&t.BuyPrice, &t.SellPrice, &t.AmountUSD, &t.EstimatedProfit, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *ClickHouseStore) GetSimulatedTrade(ctx context.Context, id string) (*models.SimulatedTrade, error) {
	query := `SELECT ` + chTradeColumns + ` FROM simulated_trades FINAL WHERE id = ? LIMIT 1`

	t, err := scanCHTrade(r.conn.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulated trade %s: %w", id, err)
	}
	return t, nil
}

func (r *ClickHouseStore) ListSimulatedTrades(ctx context.Context, limit, offset int) ([]models.SimulatedTrade, int, error) {
	var total uint64
	if err := r.conn.QueryRow(ctx, `SELECT count() FROM simulated_trades FINAL`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count simulated trades: %w", err)
	}

	rows, err := r.conn.Query(ctx, `SELECT `+chTradeColumns+` FROM simulated_trades FINAL ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query simulated trades: %w", err)
	}
	defer rows.Close()

	items := make([]models.SimulatedTrade, 0)
	for rows.Next() {
		t, err := scanCHTrade(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan simulated trade: %w", err)
		}
		items = append(items, *t)
	}
	return items, int(total), rows.Err()
}
