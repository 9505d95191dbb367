package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	apperrors "tradeguard/internal/errors"
	"tradeguard/internal/models"
	"tradeguard/internal/resilience"
)

// ClickHouseSink ships completed trades to a ClickHouse table for
// cross-session analytics. Calls are guarded by a circuit breaker so an
// unreachable server costs one timeout, not one per trade.
type ClickHouseSink struct {
	conn    driver.Conn
	cfg     config.ClickHouseConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	write   func(ctx context.Context, t models.CompletedTrade) error
}

// NewClickHouseSink connects, verifies the server and creates the table.
func NewClickHouseSink(ctx context.Context, cfg config.ClickHouseConfig, logger zerolog.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.Timeout,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{
		conn:    conn,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("clickhouse_sink", resilience.DefaultCircuitBreakerConfig()),
		logger:  logger.With().Str("component", "clickhouse_sink").Logger(),
	}
	s.write = s.insert
	s.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		s.logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("Sink circuit changed state")
	})

	if err := s.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the trades table. ReplacingMergeTree collapses
// duplicate deliveries of the same order.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			order_id String,
			side LowCardinality(String),
			amount Float64,
			entry_price Float64,
			exit_price Float64,
			entry_time DateTime64(3, 'UTC'),
			exit_time DateTime64(3, 'UTC'),
			strategy LowCardinality(String),
			regime LowCardinality(String),
			ml_prediction LowCardinality(String),
			ml_confidence Nullable(Float64),
			gross_pnl Float64,
			fees Float64,
			pnl Float64,
			holding_minutes Float64,
			exit_reason LowCardinality(String),
			mfe Float64,
			mae Float64
		)
		ENGINE = ReplacingMergeTree()
		ORDER BY (exit_time, order_id)
	`, s.cfg.Database, s.cfg.Table)

	if err := s.conn.Exec(ctx, q); err != nil {
		return apperrors.Wrapf(err, "creating %s.%s", s.cfg.Database, s.cfg.Table)
	}
	return nil
}

// SaveCompletedTrade inserts one trade unless the breaker is open.
func (s *ClickHouseSink) SaveCompletedTrade(ctx context.Context, t models.CompletedTrade) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.write(ctx, t)
	})
	if err != nil {
		return apperrors.NewPersistenceError("clickhouse_insert", t.OrderID, err)
	}
	return nil
}

func (s *ClickHouseSink) insert(ctx context.Context, t models.CompletedTrade) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s", s.cfg.Database, s.cfg.Table))
	if err != nil {
		return err
	}
	if err := batch.Append(tradeRow(t)...); err != nil {
		batch.Abort()
		return err
	}
	return batch.Send()
}

// tradeRow flattens a trade in table column order.
func tradeRow(t models.CompletedTrade) []interface{} {
	return []interface{}{
		t.OrderID,
		string(t.Side),
		t.Amount,
		t.EntryPrice,
		t.ExitPrice,
		t.EntryTimestamp.UTC(),
		t.ExitTimestamp.UTC(),
		t.Strategy,
		t.Regime,
		t.MLPrediction,
		t.MLConfidence,
		t.GrossPnL,
		t.Fees,
		t.PnL,
		t.HoldingPeriodMinutes,
		t.ExitReason,
		t.MFE,
		t.MAE,
	}
}

// Breaker exposes the guard for health reporting.
func (s *ClickHouseSink) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// Ping checks the server connection.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// tradeSink is satisfied by SQLiteStore and ClickHouseSink.
type tradeSink interface {
	SaveCompletedTrade(ctx context.Context, t models.CompletedTrade) error
}

// MultiSink fans a trade out to several sinks. Every sink is attempted; the
// first error is returned.
type MultiSink struct {
	sinks []tradeSink
}

// NewMultiSink drops nil sinks.
func NewMultiSink(sinks ...tradeSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of attached sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// SaveCompletedTrade forwards t to every sink.
func (m *MultiSink) SaveCompletedTrade(ctx context.Context, t models.CompletedTrade) error {
	var first error
	for _, s := range m.sinks {
		if err := s.SaveCompletedTrade(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
