// Package history persists completed per-request phase records to
// PostgreSQL so phase behavior can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/searchkit/coordinator/internal/search/phase"
	"github.com/searchkit/coordinator/pkg/postgres"
)

// Store archives phase records in PostgreSQL.
//
// It requires a `phase_records` table:
//
//	CREATE TABLE phase_records (
//	    id          BIGSERIAL PRIMARY KEY,
//	    request_id  TEXT NOT NULL,
//	    query       TEXT NOT NULL,
//	    phases      JSONB NOT NULL,
//	    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// Entry is one archived request with its phase history.
type Entry struct {
	RequestID  string             `json:"request_id"`
	Query      string             `json:"query"`
	Phases     []phase.RecordView `json:"phases"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// NewStore creates a phase-history store.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "phase-history"),
	}
}

// Save archives one request's phase history.
func (s *Store) Save(ctx context.Context, requestID, query string, phases []phase.RecordView) error {
	data, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("marshaling phase records: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO phase_records (request_id, query, phases, recorded_at) VALUES ($1, $2, $3, $4)`,
		requestID, query, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving phase records: %w", err)
	}

	s.logger.Debug("phase history saved", "request_id", requestID, "phases", len(phases))
	return nil
}

// List returns the last N archived requests, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT request_id, query, phases, recorded_at FROM phase_records ORDER BY recorded_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing phase records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var data []byte
		if err := rows.Scan(&e.RequestID, &e.Query, &data, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning phase record row: %w", err)
		}
		if err := json.Unmarshal(data, &e.Phases); err != nil {
			s.logger.Warn("skipping corrupt phase record", "request_id", e.RequestID, "error", err)
			continue
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Latest returns the most recently archived request, or nil if none exist.
func (s *Store) Latest(ctx context.Context) (*Entry, error) {
	var e Entry
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT request_id, query, phases, recorded_at FROM phase_records ORDER BY recorded_at DESC LIMIT 1`,
	).Scan(&e.RequestID, &e.Query, &data, &e.RecordedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest phase record: %w", err)
	}
	if err := json.Unmarshal(data, &e.Phases); err != nil {
		return nil, fmt.Errorf("unmarshaling phase record: %w", err)
	}
	return &e, nil
}
