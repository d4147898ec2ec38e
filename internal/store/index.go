package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tanglehq/loom/internal/schema"
)

// Inconsistency is one orphaned index row: an index entry whose target
// entry no longer exists. Detectable, never fatal.
type Inconsistency struct {
	Table   string `json:"table"`
	Scope   string `json:"scope"`
	Key     string `json:"key"`
	EntryID string `json:"entry_id"`
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s[%s/%s] -> missing entry %s", i.Table, i.Scope, i.Key, i.EntryID)
}

func indexEntryTx(ctx context.Context, tx *sql.Tx, entry Entry) error {
	for _, tag := range entry.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO idx_tags (scope, tag, entry_id) VALUES (?, ?, ?)`, entry.Scope, tag, entry.ID); err != nil {
			return fmt.Errorf("index tag %q: %w", tag, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO idx_types (scope, type, entry_id) VALUES (?, ?, ?)`, entry.Scope, entry.Type, entry.ID); err != nil {
		return fmt.Errorf("index type: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO idx_summaries (scope, entry_id, summary) VALUES (?, ?, ?)`, entry.Scope, entry.ID, entry.Summary()); err != nil {
		return fmt.Errorf("index summary: %w", err)
	}
	return nil
}

func deindexEntryTx(ctx context.Context, tx *sql.Tx, scope schema.Scope, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_tags WHERE scope = ? AND entry_id = ?`, scope, id); err != nil {
		return fmt.Errorf("deindex tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_types WHERE scope = ? AND entry_id = ?`, scope, id); err != nil {
		return fmt.Errorf("deindex types: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_summaries WHERE scope = ? AND entry_id = ?`, scope, id); err != nil {
		return fmt.Errorf("deindex summaries: %w", err)
	}
	return nil
}

// ValidateIndices reports every index row in scope whose target entry is
// gone. The indices are a cache, so inconsistencies are returned for the
// caller to log or repair, never treated as errors.
func (s *Store) ValidateIndices(ctx context.Context, scope schema.Scope) ([]Inconsistency, error) {
	var out []Inconsistency

	checks := []struct {
		table string
		query string
	}{
		{"idx_tags", `SELECT tag, entry_id FROM idx_tags WHERE scope = ? AND entry_id NOT IN (SELECT id FROM entries)`},
		{"idx_types", `SELECT type, entry_id FROM idx_types WHERE scope = ? AND entry_id NOT IN (SELECT id FROM entries)`},
		{"idx_summaries", `SELECT entry_id, entry_id FROM idx_summaries WHERE scope = ? AND entry_id NOT IN (SELECT id FROM entries)`},
	}
	for _, check := range checks {
		rows, err := s.db.QueryContext(ctx, check.query, scope)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", check.table, err)
		}
		for rows.Next() {
			var key, entryID string
			if err := rows.Scan(&key, &entryID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s orphan: %w", check.table, err)
			}
			out = append(out, Inconsistency{Table: check.table, Scope: string(scope), Key: key, EntryID: entryID})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s orphans: %w", check.table, err)
		}
	}
	return out, nil
}

// DropOrphans removes index rows whose target entry is gone and returns how
// many were dropped.
func (s *Store) DropOrphans(ctx context.Context, scope schema.Scope) (int, error) {
	total := 0
	for _, stmt := range []string{
		`DELETE FROM idx_tags WHERE scope = ? AND entry_id NOT IN (SELECT id FROM entries)`,
		`DELETE FROM idx_types WHERE scope = ? AND entry_id NOT IN (SELECT id FROM entries)`,
		`DELETE FROM idx_summaries WHERE scope = ? AND entry_id NOT IN (SELECT id FROM entries)`,
	} {
		res, err := execWithRetry(ctx, s.db, stmt, scope)
		if err != nil {
			return total, fmt.Errorf("drop orphans: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("drop orphans rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// RebuildIndices reconstructs every index table for a scope from the entry
// set. The entry set is authoritative; whatever was in the index tables is
// discarded.
func (s *Store) RebuildIndices(ctx context.Context, scope schema.Scope) error {
	entries, err := s.ListScope(ctx, scope, nil)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range []string{
		`DELETE FROM idx_tags WHERE scope = ?`,
		`DELETE FROM idx_types WHERE scope = ?`,
		`DELETE FROM idx_summaries WHERE scope = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, scope); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
	}
	for _, entry := range entries {
		if err := indexEntryTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// UnindexedEntryIDs returns ids of live entries in scope that no index row
// references. The full rebuild relocates these into quarantine.
func (s *Store) UnindexedEntryIDs(ctx context.Context, scope schema.Scope) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM entries WHERE scope = ?
		  AND id NOT IN (SELECT entry_id FROM idx_summaries WHERE scope = ?)
	`, scope, scope)
	if err != nil {
		return nil, fmt.Errorf("find unindexed entries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unindexed id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unindexed ids: %w", err)
	}
	return out, nil
}
