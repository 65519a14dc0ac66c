package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"arb-market/internal/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLStore is the record store on Postgres (lib/pq) or SQLite (modernc).
// Timestamps are stored as epoch milliseconds so both engines share one schema.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *logrus.Logger
	now    func() time.Time
}

// OpenSQL opens and pings the database. driver is "postgres" or "sqlite".
func OpenSQL(ctx context.Context, driver, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	return &SQLStore{db: db, driver: driver, logger: logger, now: time.Now}, nil
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		buy_exchange TEXT NOT NULL,
		sell_exchange TEXT NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		sell_price DOUBLE PRECISION NOT NULL,
		profit DOUBLE PRECISION NOT NULL,
		total_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_arbitrage_opportunities_created_at ON arbitrage_opportunities (created_at)`,
	`CREATE TABLE IF NOT EXISTS simulated_trades (
		id TEXT PRIMARY KEY,
		opportunity_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		buy_exchange TEXT NOT NULL,
		sell_exchange TEXT NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		sell_price DOUBLE PRECISION NOT NULL,
		amount_usd DOUBLE PRECISION NOT NULL,
		estimated_profit DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_simulated_trades_created_at ON simulated_trades (created_at)`,
}

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	s.logger.WithField("driver", s.driver).Info("Record store schema ready")
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateOpportunity(ctx context.Context, rec *models.OpportunityRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}

	query := `
		INSERT INTO arbitrage_opportunities (
			id, symbol, buy_exchange, sell_exchange,
			buy_price, sell_price, profit, total_fee,
			status, tx_hash, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rec.ID, rec.Symbol, rec.BuyExchange, rec.SellExchange,
		rec.BuyPrice, rec.SellPrice, rec.Profit, rec.TotalFee,
		string(rec.Status), rec.TxHash, rec.Error, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert opportunity: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLStore) UpdateOpportunity(ctx context.Context, id string, upd models.OpportunityUpdate) error {
	query := `UPDATE arbitrage_opportunities SET status = ?, tx_hash = ?, error_message = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, s.rebind(query), string(upd.Status), upd.TxHash, upd.Error, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update opportunity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const opportunityColumns = `id, symbol, buy_exchange, sell_exchange, buy_price, sell_price, profit, total_fee,
	status, tx_hash, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOpportunity(row rowScanner) (*models.OpportunityRecord, error) {
	var rec models.OpportunityRecord
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.BuyExchange, &rec.SellExchange,
		&rec.BuyPrice, &rec.SellPrice, &rec.Profit, &rec.TotalFee,
		&status, &rec.TxHash, &rec.Error, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.OpportunityStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

func (s *SQLStore) GetOpportunity(ctx context.Context, id string) (*models.OpportunityRecord, error) {
	query := `SELECT ` + opportunityColumns + ` FROM arbitrage_opportunities WHERE id = ?`

	rec, err := scanOpportunity(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity %s: %w", id, err)
	}
	return rec, nil
}

// ListOpportunities returns one page, newest first, and the total matching count
func (s *SQLStore) ListOpportunities(ctx context.Context, f models.OpportunityFilter) ([]models.OpportunityRecord, int, error) {
	where := ""
	var args []interface{}
	var conds []string
	if f.DateFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.DateFrom.UnixMilli())
	}
	if f.DateTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.DateTo.UnixMilli())
	}
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM arbitrage_opportunities`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count opportunities: %w", err)
	}

	query := `SELECT ` + opportunityColumns + ` FROM arbitrage_opportunities` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	items := make([]models.OpportunityRecord, 0)
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		items = append(items, *rec)
	}
	return items, total, rows.Err()
}

func (s *SQLStore) CreateSimulatedTrade(ctx context.Context, trade *models.SimulatedTrade) (string, error) {
	if trade.ID == "" {
		trade.ID = NewID()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = s.now()
	}

	query := `
		INSERT INTO simulated_trades (
			id, opportunity_id, symbol, buy_exchange, sell_exchange,
			buy_price, sell_price, amount_usd, estimated_profit, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		trade.ID, trade.OpportunityID, trade.Symbol, trade.BuyExchange, trade.SellExchange,
		trade.BuyPrice, trade.SellPrice, trade.AmountUSD, trade.EstimatedProfit, trade.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert simulated trade: %w", err)
	}
	return trade.ID, nil
}

const tradeColumns = `id, opportunity_id, symbol, buy_exchange, sell_exchange,
	buy_price, sell_price, amount_usd, estimated_profit, created_at`

func scanTrade(row rowScanner) (*models.SimulatedTrade, error) {
	var t models.SimulatedTrade
	var createdAt int64
	err := row.Scan(
		&t.ID, &t.OpportunityID, &t.Symbol, &t.BuyExchange, &t.SellExchange,
		&t.BuyPrice, &t.SellPrice, &t.AmountUSD, &t.EstimatedProfit, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}

func (s *SQLStore) GetSimulatedTrade(ctx context.Context, id string) (*models.SimulatedTrade, error) {
	query := `SELECT ` + tradeColumns + ` FROM simulated_trades WHERE id = ?`

	t, err := scanTrade(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulated trade %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) ListSimulatedTrades(ctx context.Context, limit, offset int) ([]models.SimulatedTrade, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM simulated_trades`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count simulated trades: %w", err)
	}

	query := `SELECT ` + tradeColumns + ` FROM simulated_trades ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query simulated trades: %w", err)
	}
	defer rows.Close()

	items := make([]models.SimulatedTrade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan simulated trade: %w", err)
		}
		items = append(items, *t)
	}
	return items, total, rows.Err()
}
