package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"arb-market/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Store persists opportunities acted upon by the execution loop and their
// simulated trades.
type Store interface {
	CreateOpportunity(ctx context.Context, rec *models.OpportunityRecord) (string, error)
	UpdateOpportunity(ctx context.Context, id string, upd models.OpportunityUpdate) error
	GetOpportunity(ctx context.Context, id string) (*models.OpportunityRecord, error)
	ListOpportunities(ctx context.Context, f models.OpportunityFilter) ([]models.OpportunityRecord, int, error)

	CreateSimulatedTrade(ctx context.Context, trade *models.SimulatedTrade) (string, error)
	GetSimulatedTrade(ctx context.Context, id string) (*models.SimulatedTrade, error)
	ListSimulatedTrades(ctx context.Context, limit, offset int) ([]models.SimulatedTrade, int, error)

	Migrate(ctx context.Context) error
	Close() error
}

const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// NewID returns a random 32 character hex id
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
