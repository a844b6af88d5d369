// Package store persists case snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go-net-flow/internal/config"
	"go-net-flow/internal/models"
)

//go:embed schema.sql
var schema string

// Store keeps the latest snapshot of every case, one row per case
type Store struct {
	conn *sql.DB
	path string
}

// Open opens the database described by cfg and applies the schema.
// WAL mode is required so that snapshot writes do not block readers.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open case store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping case store: %w", err)
	}

	var journalMode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		conn.Close()
		return nil, fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{conn: conn, path: cfg.Path}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Health checks that the database answers queries
func (s *Store) Health(ctx context.Context) error {
	var result int
	if err := s.conn.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected query result: %d", result)
	}
	return nil
}

// SaveCase writes the snapshot, replacing the previous one of the same case.
// An older snapshot never overwrites a newer one.
func (s *Store) SaveCase(ctx context.Context, state *models.CaseState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode case %s: %w", state.CaseID, err)
	}
	var completedAt interface{}
	if state.CompletedAt != nil {
		completedAt = *state.CompletedAt
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO cases (id, spec_id, status, state, sequence, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
		WHERE excluded.updated_at >= cases.updated_at`,
		state.CaseID, state.SpecID, string(state.Status), string(payload), state.Sequence,
		state.CreatedAt, state.UpdatedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save case %s: %w", state.CaseID, err)
	}
	return nil
}

// LoadCase returns the stored snapshot of a case
func (s *Store) LoadCase(ctx context.Context, caseID string) (*models.CaseState, error) {
	var payload string
	err := s.conn.QueryRowContext(ctx, "SELECT state FROM cases WHERE id = ?", caseID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("case %s", caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load case %s: %w", caseID, err)
	}
	return decode(caseID, payload)
}

// LoadActive returns the snapshots of every running or suspended case, oldest first
func (s *Store) LoadActive(ctx context.Context) ([]*models.CaseState, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, state FROM cases
		WHERE status IN (?, ?)
		ORDER BY created_at, id`,
		string(models.CaseStatusRunning), string(models.CaseStatusSuspended),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active cases: %w", err)
	}
	defer rows.Close()

	var out []*models.CaseState
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan case row: %w", err)
		}
		state, err := decode(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// DeleteCase removes a stored case
func (s *Store) DeleteCase(ctx context.Context, caseID string) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM cases WHERE id = ?", caseID)
	if err != nil {
		return fmt.Errorf("failed to delete case %s: %w", caseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFoundf("case %s", caseID)
	}
	return nil
}

// PruneFinished deletes terminal cases that finished before the cutoff
func (s *Store) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM cases WHERE completed_at IS NOT NULL AND completed_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cases: %w", err)
	}
	return res.RowsAffected()
}

func decode(caseID, payload string) (*models.CaseState, error) {
	var state models.CaseState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("failed to decode case %s: %w", caseID, err)
	}
	return &state, nil
}
