package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/config"
	apperrors "tradeguard/internal/errors"
	"tradeguard/internal/models"
	"tradeguard/internal/resilience"
)

func newTestSink(write func(context.Context, models.CompletedTrade) error) *ClickHouseSink {
	return &ClickHouseSink{
		cfg:     config.ClickHouseConfig{Database: "tradeguard", Table: "completed_trades"},
		breaker: resilience.NewCircuitBreaker("clickhouse_sink", resilience.DefaultCircuitBreakerConfig()),
		logger:  zerolog.Nop(),
		write:   write,
	}
}

func TestClickHouseSink_BreakerStopsCallingFailingServer(t *testing.T) {
	calls := 0
	sink := newTestSink(func(ctx context.Context, tr models.CompletedTrade) error {
		calls++
		return errors.New("connection refused")
	})

	trade := sampleTrade("x", 10, time.Now())
	for i := 0; i < 10; i++ {
		err := sink.SaveCompletedTrade(context.Background(), trade)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	}

	threshold := resilience.DefaultCircuitBreakerConfig().FailureThreshold
	assert.Equal(t, threshold, calls)
	assert.Equal(t, resilience.CircuitOpen, sink.Breaker().State())
}

func TestClickHouseSink_SuccessPassesThrough(t *testing.T) {
	var got models.CompletedTrade
	sink := newTestSink(func(ctx context.Context, tr models.CompletedTrade) error {
		got = tr
		return nil
	})

	trade := sampleTrade("ok", 42, time.Now())
	require.NoError(t, sink.SaveCompletedTrade(context.Background(), trade))
	assert.Equal(t, "ok", got.OrderID)
	assert.Equal(t, resilience.CircuitClosed, sink.Breaker().State())
}

func TestTradeRow_MatchesTableColumns(t *testing.T) {
	row := tradeRow(sampleTrade("r", 1, time.Now()))
	assert.Len(t, row, 18)
	assert.Equal(t, "r", row[0])
	assert.Equal(t, "LONG", row[1])
}

type recordingSink struct {
	err   error
	saved []string
}

func (r *recordingSink) SaveCompletedTrade(ctx context.Context, t models.CompletedTrade) error {
	r.saved = append(r.saved, t.OrderID)
	return r.err
}

func TestMultiSink_AttemptsEverySink(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	healthy := &recordingSink{}

	m := NewMultiSink(failing, nil, healthy)
	assert.Equal(t, 2, m.Len())

	err := m.SaveCompletedTrade(context.Background(), sampleTrade("t1", 5, time.Now()))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"t1"}, failing.saved)
	assert.Equal(t, []string{"t1"}, healthy.saved)
}
