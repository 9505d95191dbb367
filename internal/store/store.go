// Package store provides persistence for drawdown state and completed trades.
package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/models"
)

// StateStore persists opaque state documents by key. Implementations must
// return apperrors.ErrStateNotFound from Load when the key has never been saved.
type StateStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Backup(ctx context.Context, key string) error
}

// TradeJournal stores completed trades for later analysis.
type TradeJournal interface {
	SaveCompletedTrade(ctx context.Context, trade models.CompletedTrade) error
	ListCompletedTrades(ctx context.Context, filter TradeFilter) ([]models.CompletedTrade, error)
}

// TradeFilter represents filters for querying completed trades.
type TradeFilter struct {
	Strategy  string
	Regime    string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// OpenStateStore selects the state backend once, at composition time.
// The returned closer releases any underlying handle.
func OpenStateStore(cfg config.StorageConfig) (StateStore, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendFile, "":
		s, err := NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, nil, err
		}
		return s, io.NopCloser(nil), nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
