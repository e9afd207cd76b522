package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/raterudder/gmpusage/pkg/types"
)

const sqliteDriverName = "sqlite"

const schemaEntries = `
CREATE TABLE IF NOT EXISTS entries (
    username TEXT PRIMARY KEY,
    json TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const schemaSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    account_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    json TEXT NOT NULL,
    PRIMARY KEY (account_id, ts)
);
`

const (
	upsertEntrySQL = `
		INSERT INTO entries (username, json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			json=excluded.json,
			updated_at=excluded.updated_at
	`
	selectEntrySQL = `SELECT json FROM entries WHERE username=?`

	upsertSnapshotSQL = `
		INSERT INTO snapshots (account_id, ts, json)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, ts) DO UPDATE SET json=excluded.json
	`
	selectLatestSnapshotSQL = `SELECT json FROM snapshots WHERE account_id=? ORDER BY ts DESC LIMIT 1`
	selectSnapshotsSQL      = `SELECT json FROM snapshots WHERE account_id=? AND ts>=? AND ts<? ORDER BY ts ASC`
)

// SQLiteDatabase implements Database on a local SQLite file. Timestamps are
// stored as unix milliseconds.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	key  []byte
}

func configuredSQLite() *SQLiteDatabase {
	path := lflag.String("sqlite-path", "gmpusage.db", "Path of the SQLite database file")

	s := &SQLiteDatabase{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLiteDatabase wraps an already opened database. The schema is not
// created.
func NewSQLiteDatabase(db *sql.DB, key []byte) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, key: key}
}

// Init opens the database file and makes sure the tables exist.
func (s *SQLiteDatabase) Init(ctx context.Context) error {
	db, err := sql.Open(sqliteDriverName, s.path)
	if err != nil {
		return fmt.Errorf("open sqlite at %q: %w", s.path, err)
	}

	// sqlite does not handle concurrent writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{schemaEntries, schemaSnapshots} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetEntry returns the entry stored for username with its password
// decrypted.
func (s *SQLiteDatabase) GetEntry(ctx context.Context, username string) (types.Entry, error) {
	var jsonStr string
	err := s.db.QueryRowContext(ctx, selectEntrySQL, username).Scan(&jsonStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Entry{}, ErrEntryNotFound
		}
		return types.Entry{}, fmt.Errorf("failed to get entry: %w", err)
	}

	var e types.Entry
	if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
		return types.Entry{}, fmt.Errorf("failed to unmarshal entry json: %w", err)
	}
	return openEntry(ctx, s.key, e)
}

// SetEntry stores entry with its password encrypted.
func (s *SQLiteDatabase) SetEntry(ctx context.Context, entry types.Entry) error {
	if entry.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	sealed, err := sealEntry(ctx, s.key, entry)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, upsertEntrySQL, entry.Username, string(jsonBytes), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// InsertSnapshot stores result under its UpdatedAt, replacing a snapshot
// taken at the same millisecond.
func (s *SQLiteDatabase) InsertSnapshot(ctx context.Context, accountID string, result types.PollingResult) error {
	if accountID == "" {
		return fmt.Errorf("accountID cannot be empty")
	}
	if result.UpdatedAt.IsZero() {
		return fmt.Errorf("snapshot missing updatedAt")
	}
	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, upsertSnapshotSQL, accountID, result.UpdatedAt.UnixMilli(), string(jsonBytes)); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent snapshot of accountID.
func (s *SQLiteDatabase) GetLatestSnapshot(ctx context.Context, accountID string) (types.PollingResult, error) {
	var jsonStr string
	err := s.db.QueryRowContext(ctx, selectLatestSnapshotSQL, accountID).Scan(&jsonStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.PollingResult{}, ErrSnapshotNotFound
		}
		return types.PollingResult{}, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	var r types.PollingResult
	if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
		return types.PollingResult{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return r, nil
}

// ListSnapshots returns the snapshots taken in [start, end), oldest first.
func (s *SQLiteDatabase) ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]types.PollingResult, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshotsSQL, accountID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var results []types.PollingResult
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var r types.PollingResult
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return results, nil
}
