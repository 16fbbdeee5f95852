package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHistory is a History backed by a SQLite database
type SQLiteHistory struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteHistory opens or creates the database at dbPath
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	// WAL plus a busy timeout lets the CLI read while a node is writing
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	h := &SQLiteHistory{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *SQLiteHistory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatches (
		id TEXT PRIMARY KEY,
		video TEXT NOT NULL,
		target TEXT NOT NULL,
		target_name TEXT,
		policy TEXT,
		status TEXT NOT NULL,
		enqueued_at DATETIME,
		dispatched_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_video ON dispatches(video, status);
	CREATE INDEX IF NOT EXISTS idx_dispatches_time ON dispatches(dispatched_at);
	`
	_, err := h.db.Exec(schema)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (h *SQLiteHistory) Add(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.Exec(`
		INSERT INTO dispatches
		(id, video, target, target_name, policy, status, enqueued_at, dispatched_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Video, rec.Target, rec.TargetName, rec.Policy, string(rec.Status),
		nullTime(rec.EnqueuedAt), rec.DispatchedAt.UTC(), nullTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert dispatch record: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Finish(video, target string, status Status, at time.Time) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	query := `SELECT id, video, target, target_name, policy, status, enqueued_at, dispatched_at, finished_at
		FROM dispatches WHERE video = ? AND status = ?`
	args := []interface{}{video, string(StatusDispatched)}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY dispatched_at DESC LIMIT 1`

	rec, err := scanRecord(h.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query dispatch record: %w", err)
	}

	if _, err := h.db.Exec(`UPDATE dispatches SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), at.UTC(), rec.ID); err != nil {
		return Record{}, fmt.Errorf("failed to update dispatch record: %w", err)
	}
	rec.Status = status
	rec.FinishedAt = at.UTC()
	return rec, nil
}

func (h *SQLiteHistory) List(limit int) ([]Record, error) {
	query := `SELECT id, video, target, target_name, policy, status, enqueued_at, dispatched_at, finished_at
		FROM dispatches ORDER BY dispatched_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec              Record
		status           string
		targetName       sql.NullString
		policy           sql.NullString
		enqueued, finish sql.NullTime
	)
	if err := s.Scan(&rec.ID, &rec.Video, &rec.Target, &targetName, &policy, &status,
		&enqueued, &rec.DispatchedAt, &finish); err != nil {
		return Record{}, err
	}
	rec.TargetName = targetName.String
	rec.Policy = policy.String
	rec.Status = Status(status)
	if enqueued.Valid {
		rec.EnqueuedAt = enqueued.Time
	}
	if finish.Valid {
		rec.FinishedAt = finish.Time
	}
	return rec, nil
}

// Close closes the database connection
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

// HealthCheck verifies the database is reachable
func (h *SQLiteHistory) HealthCheck() error {
	return h.db.Ping()
}
