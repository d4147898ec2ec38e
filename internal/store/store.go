package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tanglehq/loom/internal/idgen"
	"github.com/tanglehq/loom/internal/schema"
)

// MaxContentBytes bounds the opaque content payload of a single entry.
const MaxContentBytes = 16 * 1024

// ProtectiveTags shield an entry from every automated sweep.
var ProtectiveTags = []string{"pinned", "protected"}

// protectionAge: entries younger than this are never auto-archived.
const protectionAge = 7 * 24 * time.Hour

// protectionAccessFloor: entries read this often are never auto-archived.
const protectionAccessFloor = 10

type Entry struct {
	ID             string           `json:"id"`
	Scope          schema.Scope     `json:"scope"`
	Type           schema.EntryType `json:"type"`
	Content        string           `json:"content"`
	Tags           []string         `json:"tags,omitempty"`
	Priority       schema.Priority  `json:"priority"`
	TTL            time.Duration    `json:"ttl"` // 0 means permanent
	CreatedAt      time.Time        `json:"created_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
	AccessCount    int              `json:"access_count"`
	CreatedBy      string           `json:"created_by,omitempty"`
	SupersededBy   string           `json:"superseded_by,omitempty"`
	References     []string         `json:"references,omitempty"`
}

// Permanent reports whether the entry never expires.
func (e Entry) Permanent() bool {
	return e.TTL <= 0
}

// Expired reports whether the entry's age exceeds its TTL at the given time.
func (e Entry) Expired(now time.Time) bool {
	if e.Permanent() {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// UserOriginated reports whether the entry was created directly by a user
// rather than by a handler or sweep.
func (e Entry) UserOriginated() bool {
	return e.CreatedBy == "user" || strings.HasPrefix(e.CreatedBy, "user:")
}

// Protected reports whether any automated process may archive or delete the
// entry. Permanent TTL, critical priority, a protective tag, user origin,
// young age, and heavy access each protect on their own.
func (e Entry) Protected(now time.Time) bool {
	if e.Permanent() {
		return true
	}
	if e.Priority == schema.PriorityCritical {
		return true
	}
	for _, tag := range e.Tags {
		for _, p := range ProtectiveTags {
			if tag == p {
				return true
			}
		}
	}
	if e.UserOriginated() {
		return true
	}
	if now.Sub(e.CreatedAt) < protectionAge {
		return true
	}
	if e.AccessCount >= protectionAccessFloor {
		return true
	}
	return false
}

// Summary is the flat id→summary projection kept in idx_summaries.
func (e Entry) Summary() string {
	const max = 120
	s := strings.TrimSpace(e.Content)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func(namespace string, exists idgen.Exists) (string, error)
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func(namespace string, exists idgen.Exists) (string, error)) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.NewEntryID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// Exists reports whether id is taken by a live or archived entry.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM entries WHERE id = ?)
		     + (SELECT COUNT(*) FROM archived_entries WHERE id = ?)
	`, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check id: %w", err)
	}
	return n > 0, nil
}

// Put validates and persists a new entry. The entry's ID is assigned here;
// any caller-supplied ID is ignored unless it goes through Bootstrap.
func (s *Store) Put(ctx context.Context, entry Entry) (Entry, error) {
	if err := validate(entry); err != nil {
		return Entry{}, err
	}

	id, err := s.newIDFn("mem", func(candidate string) (bool, error) {
		return s.Exists(ctx, candidate)
	})
	if err != nil {
		return Entry{}, err
	}
	entry.ID = id
	return s.insert(ctx, entry)
}

// Bootstrap writes an entry under one of the reserved ids. It is the only
// path that may create those records and must never be reachable from the
// normal request flow.
func (s *Store) Bootstrap(ctx context.Context, id string, entry Entry) (Entry, error) {
	if !idgen.IsReserved(id) {
		return Entry{}, &ValidationError{Field: "id", Reason: "is not a reserved id"}
	}
	if err := validate(entry); err != nil {
		return Entry{}, err
	}
	entry.ID = id
	return s.insert(ctx, entry)
}

func (s *Store) insert(ctx context.Context, entry Entry) (Entry, error) {
	now := s.now()
	entry.Tags = NormalizeTags(entry.Tags)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = entry.CreatedAt
	}

	tagsJSON, err := encodeStrings(entry.Tags)
	if err != nil {
		return Entry{}, fmt.Errorf("encode tags: %w", err)
	}
	refsJSON, err := encodeStrings(entry.References)
	if err != nil {
		return Entry{}, fmt.Errorf("encode references: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin put tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Scope, entry.Type, entry.Content, tagsJSON, entry.Priority,
		int64(entry.TTL/time.Second),
		entry.CreatedAt.Format(time.RFC3339Nano), entry.LastAccessedAt.Format(time.RFC3339Nano),
		entry.AccessCount, nullString(entry.CreatedBy), nullString(entry.SupersededBy), refsJSON)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	if err := indexEntryTx(ctx, tx, entry); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit put: %w", err)
	}
	return entry, nil
}

// Get loads a live entry by id and records the access.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	entry, err := s.get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if err := s.Touch(ctx, id); err != nil {
		return Entry{}, err
	}
	entry.AccessCount++
	entry.LastAccessedAt = s.now()
	return entry, nil
}

// Peek loads a live entry without recording an access. Sweeps use this so
// that inspection does not refresh last_accessed_at.
func (s *Store) Peek(ctx context.Context, id string) (Entry, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs
		FROM entries WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("load entry: %w", err)
	}
	return entry, nil
}

// GetArchived loads an entry from the cold area.
func (s *Store) GetArchived(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs
		FROM archived_entries WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("load archived entry: %w", err)
	}
	return entry, nil
}

// Touch increments access_count and refreshes last_accessed_at.
func (s *Store) Touch(ctx context.Context, id string) error {
	now := s.now()
	res, err := execWithRetry(ctx, s.db, `
		UPDATE entries SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
	`, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive moves a live entry to the cold area and drops it from the live
// indices. Protected entries are rejected unless force is set; force is for
// operator use only, sweeps must never set it.
func (s *Store) Archive(ctx context.Context, id, reason string, force bool) error {
	entry, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if !force && entry.Protected(now) {
		return fmt.Errorf("archive %s: %w", id, ErrProtected)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_entries (id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs, archived_at, archive_reason)
		SELECT id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs, ?, ?
		FROM entries WHERE id = ?
	`, now.Format(time.RFC3339Nano), reason, id)
	if err != nil {
		return fmt.Errorf("archive entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove live entry: %w", err)
	}
	if err := deindexEntryTx(ctx, tx, entry.Scope, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// Delete permanently removes an entry. Only archived, non-protected entries
// may be deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	entry, err := s.GetArchived(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Live entry? Refuse: delete is archive-then-delete only.
			if _, liveErr := s.get(ctx, id); liveErr == nil {
				return fmt.Errorf("delete %s: %w", id, ErrNotArchived)
			}
		}
		return err
	}
	if entry.Protected(s.now()) {
		return fmt.Errorf("delete %s: %w", id, ErrProtected)
	}
	if _, err := execWithRetry(ctx, s.db, `DELETE FROM archived_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete archived entry: %w", err)
	}
	return nil
}

// UpdateReferences rewrites the reference set of a live entry. Used by the
// staleness sweep to prune dangling back-references.
func (s *Store) UpdateReferences(ctx context.Context, id string, refs []string) error {
	refsJSON, err := encodeStrings(refs)
	if err != nil {
		return fmt.Errorf("encode references: %w", err)
	}
	res, err := execWithRetry(ctx, s.db, `UPDATE entries SET refs = ? WHERE id = ?`, refsJSON, id)
	if err != nil {
		return fmt.Errorf("update references: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update references rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTags rewrites the tag set of a live entry and its tag index rows.
func (s *Store) UpdateTags(ctx context.Context, id string, tags []string) error {
	entry, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	tags = NormalizeTags(tags)
	tagsJSON, err := encodeStrings(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tags tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE entries SET tags = ? WHERE id = ?`, tagsJSON, id); err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_tags WHERE scope = ? AND entry_id = ?`, entry.Scope, id); err != nil {
		return fmt.Errorf("drop tag index rows: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO idx_tags (scope, tag, entry_id) VALUES (?, ?, ?)`, entry.Scope, tag, id); err != nil {
			return fmt.Errorf("index tag %q: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tags: %w", err)
	}
	return nil
}

// CompactContent replaces an archived entry's content with a summary. Used
// by the full rebuild to shrink old episodic records.
func (s *Store) CompactContent(ctx context.Context, id, summary string) error {
	res, err := execWithRetry(ctx, s.db, `UPDATE archived_entries SET content = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("compact entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compact rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScope loads every live entry in a scope, oldest first. Sweeps iterate
// this; per-record decode failures are reported through the callback so one
// corrupt row never aborts the walk.
func (s *Store) ListScope(ctx context.Context, scope schema.Scope, onCorrupt func(id string, err error)) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs
		FROM entries WHERE scope = ? ORDER BY created_at ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list scope: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			if onCorrupt != nil {
				onCorrupt(entry.ID, err)
				continue
			}
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope: %w", err)
	}
	return out, nil
}

// ListArchivedScope loads every archived entry in a scope, oldest first.
func (s *Store) ListArchivedScope(ctx context.Context, scope schema.Scope) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, type, content, tags, priority, ttl_seconds, created_at, last_accessed_at, access_count, created_by, superseded_by, refs
		FROM archived_entries WHERE scope = ? ORDER BY created_at ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list archived scope: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived scope: %w", err)
	}
	return out, nil
}

// Quarantine moves an unreadable or index-orphaned record out of the live
// set, keeping its raw form for operator inspection.
func (s *Store) Quarantine(ctx context.Context, id, raw, reason string) error {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quarantine tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO quarantined_entries (id, raw, reason, quarantined_at) VALUES (?, ?, ?, ?)
	`, id, raw, reason, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert quarantine: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove quarantined entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_tags WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("deindex quarantined tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_types WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("deindex quarantined types: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idx_summaries WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("deindex quarantined summaries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quarantine: %w", err)
	}
	return nil
}

func validate(entry Entry) error {
	if _, ok := schema.ParseScope(string(entry.Scope)); !ok {
		return &ValidationError{Field: "scope", Reason: fmt.Sprintf("%q is not a known scope", entry.Scope)}
	}
	if _, ok := schema.ParseEntryType(string(entry.Type)); !ok {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a known type", entry.Type)}
	}
	if !schema.IsValidPriority(string(entry.Priority)) {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is not a known priority", entry.Priority)}
	}
	if strings.TrimSpace(entry.Content) == "" {
		return &ValidationError{Field: "content", Reason: "is required"}
	}
	if len(entry.Content) > MaxContentBytes {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", MaxContentBytes)}
	}
	if entry.TTL < 0 {
		return &ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	return nil
}

// NormalizeTags lowercases, trims, de-duplicates, and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var ttlSeconds int64
	var createdAtStr, lastAccessedStr string
	var tagsStr, refsStr, createdByStr, supersededByStr sql.NullString
	if err := row.Scan(&entry.ID, &entry.Scope, &entry.Type, &entry.Content, &tagsStr, &entry.Priority,
		&ttlSeconds, &createdAtStr, &lastAccessedStr, &entry.AccessCount, &createdByStr, &supersededByStr, &refsStr); err != nil {
		return entry, err
	}
	entry.TTL = time.Duration(ttlSeconds) * time.Second
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	entry.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessedStr)
	if tagsStr.Valid {
		var err error
		entry.Tags, err = decodeStrings(tagsStr.String)
		if err != nil {
			return entry, fmt.Errorf("decode tags: %w", err)
		}
	}
	if refsStr.Valid {
		var err error
		entry.References, err = decodeStrings(refsStr.String)
		if err != nil {
			return entry, fmt.Errorf("decode references: %w", err)
		}
	}
	if createdByStr.Valid {
		entry.CreatedBy = createdByStr.String
	}
	if supersededByStr.Valid {
		entry.SupersededBy = supersededByStr.String
	}
	return entry, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(v string) ([]string, error) {
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !isBusyError(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return nil, err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
