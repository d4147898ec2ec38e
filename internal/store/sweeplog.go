package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tanglehq/loom/internal/schema"
)

// SweepRecord is one append-only line in the sweep log: which policy ran,
// over which scope, what it did, and what went wrong without stopping it.
type SweepRecord struct {
	ID      string         `json:"id"`
	SweptAt time.Time      `json:"swept_at"`
	Policy  string         `json:"policy"`
	Scope   schema.Scope   `json:"scope"`
	Counts  map[string]int `json:"counts"`
	Errors  []string       `json:"errors,omitempty"`
}

// AppendSweepRecord writes a sweep record. The log is append-only; records
// are never updated or removed.
func (s *Store) AppendSweepRecord(ctx context.Context, rec SweepRecord) (SweepRecord, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.SweptAt.IsZero() {
		rec.SweptAt = s.now()
	}
	countsJSON, err := json.Marshal(rec.Counts)
	if err != nil {
		return SweepRecord{}, fmt.Errorf("encode counts: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return SweepRecord{}, fmt.Errorf("encode errors: %w", err)
	}
	if _, err := execWithRetry(ctx, s.db, `
		INSERT INTO sweep_log (id, swept_at, policy, scope, counts, errors) VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SweptAt.Format(time.RFC3339Nano), rec.Policy, rec.Scope, string(countsJSON), string(errorsJSON)); err != nil {
		return SweepRecord{}, fmt.Errorf("insert sweep record: %w", err)
	}
	return rec, nil
}

// ListSweepRecords returns the most recent sweep records, newest first.
func (s *Store) ListSweepRecords(ctx context.Context, limit int) ([]SweepRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, swept_at, policy, scope, counts, errors FROM sweep_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep records: %w", err)
	}
	defer rows.Close()

	var out []SweepRecord
	for rows.Next() {
		var rec SweepRecord
		var sweptAtStr, countsStr, errsStr string
		if err := rows.Scan(&rec.ID, &sweptAtStr, &rec.Policy, &rec.Scope, &countsStr, &errsStr); err != nil {
			return nil, fmt.Errorf("scan sweep record: %w", err)
		}
		rec.SweptAt, _ = time.Parse(time.RFC3339Nano, sweptAtStr)
		if err := json.Unmarshal([]byte(countsStr), &rec.Counts); err != nil {
			return nil, fmt.Errorf("decode counts: %w", err)
		}
		if errsStr != "" {
			_ = json.Unmarshal([]byte(errsStr), &rec.Errors)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep records: %w", err)
	}
	return out, nil
}
