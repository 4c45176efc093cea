// Package ledger is the SQLite-backed token/runtime ledger: one shared
// database recording, per model, when it ran and what each request cost in
// tokens. Grounded on the open/migrate/WAL shape of the teacher's
// internal/registry/db.go and the schema of
// original_source/core/data_manager.py.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SafeName derives a SQL-identifier-safe per-model table prefix. Matches
// original_source/core/data_manager.py's Monitor.get_safe_model_name
// exactly: "model_" + first 16 hex chars of sha256(name).
func SafeName(modelName string) string {
	sum := sha256.Sum256([]byte(modelName))
	return "model_" + hex.EncodeToString(sum[:])[:16]
}

// RequestRecord is one row of a model's _requests table.
type RequestRecord struct {
	ID               int64
	RequestID        string
	StartTime        time.Time
	EndTime          time.Time
	PromptTokens     int64
	CompletionTokens int64
	CacheN           int64
	PromptN          int64
}

// DB is the ledger's single SQLite handle. database/sql already pools
// connections; SQLite's single-writer model means a second pooling layer on
// top buys nothing, so writes are additionally serialized through writeMu
// rather than through a bespoke connection-pool type.
type DB struct {
	sql    *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if absent) the ledger database at dbPath in WAL
// mode and ensures the two global tables exist.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}

	sdb, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	sdb.SetMaxOpenConns(100)

	db := &DB{sql: sdb}
	if err := db.migrate(); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.sql.Close() }

func (db *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS model_name_mapping (
			original_name TEXT PRIMARY KEY,
			safe_name     TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS program_runtime (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time DATETIME NOT NULL,
			end_time   DATETIME
		)`,
	}
	for _, s := range stmts {
		if _, err := db.sql.Exec(s); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// ensureModelTables creates (if absent) the five per-model tables for
// modelName and records its safe-name mapping.
func (db *DB) ensureModelTables(modelName string) (string, error) {
	safe := SafeName(modelName)

	if _, err := db.sql.Exec(
		`INSERT INTO model_name_mapping (original_name, safe_name) VALUES (?, ?)
		 ON CONFLICT(original_name) DO NOTHING`, modelName, safe); err != nil {
		return "", fmt.Errorf("ledger: map model: %w", err)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_runtime (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time DATETIME NOT NULL,
			end_time   DATETIME
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_requests (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id        TEXT,
			start_time        DATETIME NOT NULL,
			end_time          DATETIME NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cache_n           INTEGER NOT NULL DEFAULT 0,
			prompt_n          INTEGER NOT NULL DEFAULT 0
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_tier_pricing (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			tier_name      TEXT NOT NULL,
			price_per_1k   REAL NOT NULL DEFAULT 0
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_hourly_price (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			price_per_hour REAL NOT NULL DEFAULT 0
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_billing_method (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			method TEXT NOT NULL DEFAULT 'hourly'
		)`, safe),
	}
	for _, s := range stmts {
		if _, err := db.sql.Exec(s); err != nil {
			return "", fmt.Errorf("ledger: create model tables: %w", err)
		}
	}
	if err := db.addColumnIfMissing(safe+"_requests", "cache_n", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return "", err
	}
	if err := db.addColumnIfMissing(safe+"_requests", "prompt_n", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return "", err
	}
	return safe, nil
}

// addColumnIfMissing forward-migrates a table created by an older binary
// that predates column. CREATE TABLE IF NOT EXISTS above is a no-op against
// an already-existing table, so newly added optional columns need their own
// ALTER TABLE step; absent columns default to 0 per the schema's
// forward-migration contract.
func (db *DB) addColumnIfMissing(table, column, ddl string) error {
	rows, err := db.sql.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("ledger: inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("ledger: scan column info for %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := db.sql.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddl)); err != nil {
		return fmt.Errorf("ledger: add column %s.%s: %w", table, column, err)
	}
	return nil
}

// RecordRuntimeStart inserts a new open runtime row for modelName, returning
// its row id so the matching RecordRuntimeEnd can close it.
func (db *DB) RecordRuntimeStart(ctx context.Context, modelName string, start time.Time) (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	safe, err := db.ensureModelTables(modelName)
	if err != nil {
		return 0, err
	}
	res, err := db.sql.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s_runtime (start_time) VALUES (?)`, safe), start)
	if err != nil {
		return 0, fmt.Errorf("ledger: record runtime start: %w", err)
	}
	return res.LastInsertId()
}

func (db *DB) RecordRuntimeEnd(ctx context.Context, modelName string, rowID int64, end time.Time) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	safe := SafeName(modelName)
	_, err := db.sql.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s_runtime SET end_time = ? WHERE id = ?`, safe), end, rowID)
	if err != nil {
		return fmt.Errorf("ledger: record runtime end: %w", err)
	}
	return nil
}

func (db *DB) RecordProgramRuntimeStart(ctx context.Context, start time.Time) (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO program_runtime (start_time) VALUES (?)`, start)
	if err != nil {
		return 0, fmt.Errorf("ledger: record program runtime start: %w", err)
	}
	return res.LastInsertId()
}

func (db *DB) RecordProgramRuntimeEnd(ctx context.Context, rowID int64, end time.Time) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.sql.ExecContext(ctx,
		`UPDATE program_runtime SET end_time = ? WHERE id = ?`, end, rowID)
	return err
}

// AppendRequest records one completed request's token usage, tagged with
// requestID for cross-referencing against access logs. A record with all
// four counters at 0 is skipped, matching the original's
// record_request_tokens behavior of not writing requests that never
// produced usage data.
func (db *DB) AppendRequest(ctx context.Context, modelName, requestID string, start, end time.Time, promptTokens, completionTokens, cacheN, promptN int64) error {
	if promptTokens == 0 && completionTokens == 0 && cacheN == 0 && promptN == 0 {
		return nil
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	safe, err := db.ensureModelTables(modelName)
	if err != nil {
		return err
	}
	_, err = db.sql.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s_requests (request_id, start_time, end_time, prompt_tokens, completion_tokens, cache_n, prompt_n)
		              VALUES (?, ?, ?, ?, ?, ?, ?)`, safe),
		requestID, start, end, promptTokens, completionTokens, cacheN, promptN)
	if err != nil {
		return fmt.Errorf("ledger: append request: %w", err)
	}
	return nil
}

// GetModelRequests returns requests ending within [start-buffer, end],
// then drops any whose end time precedes start — the two-step range query
// original_source/core/data_manager.py performs so a buffer window can
// catch requests that straddle the boundary.
func (db *DB) GetModelRequests(ctx context.Context, modelName string, start, end time.Time, buffer time.Duration) ([]RequestRecord, error) {
	safe := SafeName(modelName)

	rows, err := db.sql.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, request_id, start_time, end_time, prompt_tokens, completion_tokens, cache_n, prompt_n
		              FROM %s_requests
		              WHERE end_time >= ? AND end_time <= ?
		              ORDER BY end_time`, safe),
		start.Add(-buffer), end)
	if err != nil {
		return nil, fmt.Errorf("ledger: query requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var reqID sql.NullString
		if err := rows.Scan(&r.ID, &reqID, &r.StartTime, &r.EndTime, &r.PromptTokens, &r.CompletionTokens, &r.CacheN, &r.PromptN); err != nil {
			return nil, fmt.Errorf("ledger: scan request: %w", err)
		}
		r.RequestID = reqID.String
		if !start.IsZero() && r.EndTime.Before(start) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteModel drops every table belonging to modelName plus its mapping
// row, in one transaction.
func (db *DB) DeleteModel(ctx context.Context, modelName string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	safe := SafeName(modelName)
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, suffix := range []string{"_runtime", "_requests", "_tier_pricing", "_hourly_price", "_billing_method"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s%s`, safe, suffix)); err != nil {
			return fmt.Errorf("ledger: drop %s%s: %w", safe, suffix, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM model_name_mapping WHERE original_name = ?`, modelName); err != nil {
		return fmt.Errorf("ledger: delete mapping: %w", err)
	}
	return tx.Commit()
}
