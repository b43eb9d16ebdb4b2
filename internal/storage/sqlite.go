package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultAssetLimit caps AllAssetsByType when no limit is given.
const DefaultAssetLimit = 100

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the flush worker write while API readers query.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		task_name TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		duration_ms INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_metrics_wallet ON task_metrics(wallet_address);
	CREATE INDEX IF NOT EXISTS idx_task_metrics_task ON task_metrics(task_name, status);
	CREATE INDEX IF NOT EXISTS idx_task_metrics_timestamp ON task_metrics(timestamp DESC);

	CREATE TABLE IF NOT EXISTS created_assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_address TEXT NOT NULL,
		asset_address TEXT NOT NULL,
		asset_type TEXT NOT NULL,
		name TEXT,
		symbol TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_created_assets_wallet_type ON created_assets(wallet_address, asset_type);
	CREATE INDEX IF NOT EXISTS idx_created_assets_type ON created_assets(asset_type);

	CREATE TABLE IF NOT EXISTS proxy_stats (
		proxy_url TEXT PRIMARY KEY,
		success_count INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema shipped.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"task_metrics", "run_id", "ALTER TABLE task_metrics ADD COLUMN run_id TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				s.logger.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()))
			}
		}
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_task_metrics_run ON task_metrics(run_id)"); err != nil {
		return err
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// WriteResults appends a batch of outcomes in a single transaction so the
// fsync cost is paid once per batch.
func (s *SQLiteStorage) WriteResults(ctx context.Context, results []TaskResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_metrics (run_id, worker_id, wallet_address, task_name, status, message, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := stmt.ExecContext(ctx, nullString(r.RunID), r.WorkerID, r.Wallet, r.TaskName,
			string(r.Status), nullString(r.Message), r.Duration.Milliseconds(), ts.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}

	return tx.Commit()
}

// RecentResults returns the newest outcomes first.
func (s *SQLiteStorage) RecentResults(ctx context.Context, limit int) ([]TaskResult, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, worker_id, wallet_address, task_name, status, message, duration_ms, timestamp
		FROM task_metrics
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskResult
	for rows.Next() {
		var (
			r          TaskResult
			runID, msg sql.NullString
			status     string
			durationMs int64
		)
		if err := rows.Scan(&runID, &r.WorkerID, &r.Wallet, &r.TaskName, &status, &msg, &durationMs, &r.Timestamp); err != nil {
			return nil, err
		}
		r.RunID = runID.String
		r.Message = msg.String
		r.Status = Status(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskCounts aggregates outcomes by task and status. An empty runID counts
// every run.
func (s *SQLiteStorage) TaskCounts(ctx context.Context, runID string) ([]TaskCount, error) {
	query := `SELECT task_name, status, COUNT(*) FROM task_metrics`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY task_name, status ORDER BY task_name, status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskCount
	for rows.Next() {
		var (
			c      TaskCount
			status string
		)
		if err := rows.Scan(&c.TaskName, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasTaskSucceeded reports whether wallet has ever completed taskName.
func (s *SQLiteStorage) HasTaskSucceeded(ctx context.Context, wallet, taskName string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM task_metrics WHERE wallet_address = ? AND task_name = ? AND status = ?)
	`, wallet, taskName, string(StatusSuccess)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

// RecordAsset stores a resource created by wallet.
func (s *SQLiteStorage) RecordAsset(ctx context.Context, a Asset) error {
	ts := a.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO created_assets (wallet_address, asset_address, asset_type, name, symbol, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Wallet, a.Address, a.Type, nullString(a.Name), nullString(a.Symbol), ts.UTC())
	return err
}

// AssetsByType returns wallet's assets of one type, newest first.
func (s *SQLiteStorage) AssetsByType(ctx context.Context, wallet, assetType string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet_address, asset_address, asset_type, name, symbol, timestamp
		FROM created_assets
		WHERE wallet_address = ? AND asset_type = ?
		ORDER BY id DESC
	`, wallet, assetType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssets(rows)
}

// AllAssetsByType returns assets of one type across every wallet.
func (s *SQLiteStorage) AllAssetsByType(ctx context.Context, assetType string, limit int) ([]Asset, error) {
	if limit <= 0 {
		limit = DefaultAssetLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet_address, asset_address, asset_type, name, symbol, timestamp
		FROM created_assets
		WHERE asset_type = ?
		ORDER BY id DESC
		LIMIT ?
	`, assetType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssets(rows)
}

// CountAssets counts wallet's assets of one type.
func (s *SQLiteStorage) CountAssets(ctx context.Context, wallet, assetType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM created_assets WHERE wallet_address = ? AND asset_type = ?
	`, wallet, assetType).Scan(&n)
	return n, err
}

func scanAssets(rows *sql.Rows) ([]Asset, error) {
	var out []Asset
	for rows.Next() {
		var (
			a            Asset
			name, symbol sql.NullString
		)
		if err := rows.Scan(&a.Wallet, &a.Address, &a.Type, &name, &symbol, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Name = name.String
		a.Symbol = symbol.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateProxyStats adds successes and failures to proxyURL's counters.
func (s *SQLiteStorage) UpdateProxyStats(ctx context.Context, proxyURL string, successes, failures int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_stats (proxy_url, success_count, fail_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(proxy_url) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			fail_count = fail_count + excluded.fail_count,
			updated_at = excluded.updated_at
	`, proxyURL, successes, failures, time.Now().UTC())
	return err
}

// ProxyStats returns every proxy's counters, worst failure count first.
func (s *SQLiteStorage) ProxyStats(ctx context.Context) ([]ProxyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proxy_url, success_count, fail_count, updated_at
		FROM proxy_stats
		ORDER BY fail_count DESC, proxy_url
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProxyStat
	for rows.Next() {
		var p ProxyStat
		if err := rows.Scan(&p.ProxyURL, &p.Successes, &p.Failures, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
