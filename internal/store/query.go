package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tanglehq/loom/internal/schema"
)

// Filter narrows a scope query. Tag and Type are soft criteria: an entry
// matching any of them qualifies, and entries matching more rank earlier.
// Since and Limit are hard bounds.
type Filter struct {
	Tag   string
	Type  schema.EntryType
	Since time.Time
	Limit int
}

// Cursor is a lazily-produced, finite, non-restartable result sequence.
// Every entry yielded by Next has already been touched.
type Cursor struct {
	store *Store
	ctx   context.Context
	rows  *sql.Rows

	current Entry
	err     error
	done    bool
}

// Query returns live entries in scope ordered by filter match count, then
// last_accessed_at descending. The cursor must be closed; it never mutates
// anything except the access bookkeeping of yielded entries.
func (s *Store) Query(ctx context.Context, scope schema.Scope, filter Filter) (*Cursor, error) {
	if _, ok := schema.ParseScope(string(scope)); !ok {
		return nil, &ValidationError{Field: "scope", Reason: fmt.Sprintf("%q is not a known scope", scope)}
	}

	inner := `
		SELECT e.id, e.scope, e.type, e.content, e.tags, e.priority, e.ttl_seconds, e.created_at, e.last_accessed_at, e.access_count, e.created_by, e.superseded_by, e.refs,
		       (CASE WHEN ? != '' AND e.type = ? THEN 1 ELSE 0 END)
		     + (CASE WHEN ? != '' AND EXISTS (SELECT 1 FROM idx_tags t WHERE t.scope = e.scope AND t.entry_id = e.id AND t.tag = ?) THEN 1 ELSE 0 END) AS matches
		FROM entries e
		WHERE e.scope = ?`
	args := []any{string(filter.Type), string(filter.Type), filter.Tag, filter.Tag, scope}

	if !filter.Since.IsZero() {
		inner += ` AND e.created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT * FROM (` + inner + `)`
	if filter.Tag != "" || filter.Type != "" {
		query += ` WHERE matches > 0`
	}
	query += ` ORDER BY matches DESC, last_accessed_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return &Cursor{store: s, ctx: ctx, rows: rows}, nil
}

// Next advances to the next entry. It returns false when the sequence is
// exhausted or an error occurred; the cursor cannot be restarted.
func (c *Cursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.done = true
		c.err = c.rows.Err()
		_ = c.rows.Close()
		return false
	}

	var entry Entry
	var ttlSeconds int64
	var matches int
	var createdAtStr, lastAccessedStr string
	var tagsStr, refsStr, createdByStr, supersededByStr sql.NullString
	if err := c.rows.Scan(&entry.ID, &entry.Scope, &entry.Type, &entry.Content, &tagsStr, &entry.Priority,
		&ttlSeconds, &createdAtStr, &lastAccessedStr, &entry.AccessCount, &createdByStr, &supersededByStr, &refsStr, &matches); err != nil {
		c.err = fmt.Errorf("scan entry: %w", err)
		c.done = true
		_ = c.rows.Close()
		return false
	}
	entry.TTL = time.Duration(ttlSeconds) * time.Second
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	entry.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessedStr)
	if tagsStr.Valid {
		entry.Tags, _ = decodeStrings(tagsStr.String)
	}
	if refsStr.Valid {
		entry.References, _ = decodeStrings(refsStr.String)
	}
	if createdByStr.Valid {
		entry.CreatedBy = createdByStr.String
	}
	if supersededByStr.Valid {
		entry.SupersededBy = supersededByStr.String
	}

	// A query hit counts as an access.
	if err := c.store.Touch(c.ctx, entry.ID); err != nil && err != ErrNotFound {
		c.err = err
		c.done = true
		_ = c.rows.Close()
		return false
	}
	entry.AccessCount++
	c.current = entry
	return true
}

// Entry returns the entry positioned by the last successful Next.
func (c *Cursor) Entry() Entry {
	return c.current
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) Close() error {
	c.done = true
	return c.rows.Close()
}

// Collect drains the cursor into a slice. Convenience for callers that want
// the whole result set.
func (c *Cursor) Collect() ([]Entry, error) {
	defer c.Close()
	var out []Entry
	for c.Next() {
		out = append(out, c.Entry())
	}
	return out, c.Err()
}
