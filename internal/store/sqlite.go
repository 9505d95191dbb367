package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "tradeguard/internal/errors"
	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// SQLiteStore keeps state documents, their backups and the completed-trade
// journal in a single SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	retry utils.RetryConfig
	now   func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, apperrors.Wrap(err, "creating database directory")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open database")
	}

	// Several processes (live, paper) may share the file
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	retry := utils.DefaultRetryConfig()
	retry.Retryable = isBusy

	store := &SQLiteStore{
		db:    db,
		retry: retry,
		now:   time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, "failed to initialize schema")
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Current state documents, one row per key
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Point-in-time copies taken before risky writes
	CREATE TABLE IF NOT EXISTS state_backups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Completed trade journal
	CREATE TABLE IF NOT EXISTS completed_trades (
		order_id TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		amount REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		entry_time TEXT NOT NULL,
		exit_time TEXT NOT NULL,
		strategy TEXT,
		regime TEXT,
		ml_prediction TEXT,
		ml_confidence REAL,
		gross_pnl REAL NOT NULL,
		fees REAL NOT NULL,
		pnl REAL NOT NULL,
		holding_minutes REAL NOT NULL,
		exit_reason TEXT,
		mfe REAL,
		mae REAL,
		mfe_price REAL,
		mae_price REAL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_state_backups_key ON state_backups(key, created_at);
	CREATE INDEX IF NOT EXISTS idx_completed_trades_exit ON completed_trades(exit_time);
	CREATE INDEX IF NOT EXISTS idx_completed_trades_strategy ON completed_trades(strategy);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is a transient lock conflict worth retrying.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if apperrors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// Save upserts the document stored under key.
func (s *SQLiteStore) Save(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	query := `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	err := utils.Retry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query, key, data, s.now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return apperrors.NewPersistenceError("save", key, err)
	}
	return nil
}

// Load returns the document stored under key.
func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := utils.RetryWithResult(ctx, s.retry, func() ([]byte, error) {
		var value []byte
		err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
		return value, err
	})
	if err != nil {
		if apperrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrStateNotFound
		}
		return nil, apperrors.NewPersistenceError("load", key, err)
	}
	return data, nil
}

// Backup copies the current document into state_backups.
func (s *SQLiteStore) Backup(ctx context.Context, key string) error {
	query := `
		INSERT INTO state_backups (key, value, created_at)
		SELECT key, value, ? FROM state WHERE key = ?
	`
	var affected int64
	err := utils.Retry(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx, query, s.now().UTC().Format(time.RFC3339Nano), key)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.NewPersistenceError("backup", key, err)
	}
	if affected == 0 {
		return apperrors.ErrStateNotFound
	}
	return nil
}

// BackupCount returns how many backups exist for key.
func (s *SQLiteStore) BackupCount(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM state_backups WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return 0, apperrors.NewPersistenceError("backup_count", key, err)
	}
	return n, nil
}

// SaveCompletedTrade appends a trade to the journal. Re-saving the same
// order ID is a no-op.
func (s *SQLiteStore) SaveCompletedTrade(ctx context.Context, t models.CompletedTrade) error {
	query := `
		INSERT OR IGNORE INTO completed_trades (
			order_id, side, amount, entry_price, exit_price, entry_time, exit_time,
			strategy, regime, ml_prediction, ml_confidence, gross_pnl, fees, pnl,
			holding_minutes, exit_reason, mfe, mae, mfe_price, mae_price, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var mlConfidence sql.NullFloat64
	if t.MLConfidence != nil {
		mlConfidence = sql.NullFloat64{Float64: *t.MLConfidence, Valid: true}
	}

	err := utils.Retry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.OrderID, string(t.Side), t.Amount, t.EntryPrice, t.ExitPrice,
			t.EntryTimestamp.UTC().Format(time.RFC3339Nano),
			t.ExitTimestamp.UTC().Format(time.RFC3339Nano),
			t.Strategy, t.Regime, t.MLPrediction, mlConfidence,
			t.GrossPnL, t.Fees, t.PnL, t.HoldingPeriodMinutes, t.ExitReason,
			t.MFE, t.MAE, t.MFEPrice, t.MAEPrice,
			s.now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return apperrors.NewPersistenceError("save_trade", t.OrderID, err)
	}
	return nil
}

// ListCompletedTrades retrieves journaled trades ordered by exit time.
func (s *SQLiteStore) ListCompletedTrades(ctx context.Context, filter TradeFilter) ([]models.CompletedTrade, error) {
	query := `
		SELECT order_id, side, amount, entry_price, exit_price, entry_time, exit_time,
			strategy, regime, ml_prediction, ml_confidence, gross_pnl, fees, pnl,
			holding_minutes, exit_reason, mfe, mae, mfe_price, mae_price
		FROM completed_trades
		WHERE 1=1
	`
	var args []interface{}

	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Regime != "" {
		query += " AND regime = ?"
		args = append(args, filter.Regime)
	}
	if !filter.StartDate.IsZero() {
		query += " AND exit_time >= ?"
		args = append(args, filter.StartDate.UTC().Format(time.RFC3339Nano))
	}
	if !filter.EndDate.IsZero() {
		query += " AND exit_time <= ?"
		args = append(args, filter.EndDate.UTC().Format(time.RFC3339Nano))
	}

	query += " ORDER BY exit_time ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list_trades", "", err)
	}
	defer rows.Close()

	var trades []models.CompletedTrade
	for rows.Next() {
		var (
			t                         models.CompletedTrade
			side, entryTime, exitTime string
			strategy, regime          sql.NullString
			prediction, reason        sql.NullString
			mlConfidence              sql.NullFloat64
			mfe, mae, mfeP, maeP      sql.NullFloat64
		)
		if err := rows.Scan(
			&t.OrderID, &side, &t.Amount, &t.EntryPrice, &t.ExitPrice, &entryTime, &exitTime,
			&strategy, &regime, &prediction, &mlConfidence, &t.GrossPnL, &t.Fees, &t.PnL,
			&t.HoldingPeriodMinutes, &reason, &mfe, &mae, &mfeP, &maeP,
		); err != nil {
			return nil, apperrors.NewPersistenceError("list_trades", "", err)
		}

		t.Side = models.Side(side)
		t.EntryTimestamp, _ = time.Parse(time.RFC3339Nano, entryTime)
		t.ExitTimestamp, _ = time.Parse(time.RFC3339Nano, exitTime)
		t.Strategy = strategy.String
		t.Regime = regime.String
		t.MLPrediction = prediction.String
		t.ExitReason = reason.String
		if mlConfidence.Valid {
			t.MLConfidence = models.Float64Ptr(mlConfidence.Float64)
		}
		t.MFE, t.MAE = mfe.Float64, mae.Float64
		t.MFEPrice, t.MAEPrice = mfeP.Float64, maeP.Float64

		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list_trades", "", err)
	}

	return trades, nil
}
