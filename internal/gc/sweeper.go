// Package gc runs the three garbage-collection policies over the entry
// store: a fast expiry sweep, a staleness sweep with tag normalization, and
// a slow full index rebuild. Every sweep appends a record to the sweep log
// and tolerates per-record failure.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
)

const (
	PolicyExpiry      = "expiry"
	PolicyStaleness   = "staleness"
	PolicyFullRebuild = "full_rebuild"
)

// ErrSweepInFlight is returned when a sweep is requested for a scope that
// already has one running. Only one sweep runs per scope at a time, whether
// triggered by the scheduler or an admin call.
var ErrSweepInFlight = errors.New("sweep already running for scope")

// tagSynonyms maps common tag variants onto their canonical form. Applied
// during the staleness sweep so lookups by either spelling converge.
var tagSynonyms = map[string]string{
	"perf":   "performance",
	"sec":    "security",
	"doc":    "docs",
	"config": "configuration",
	"db":     "database",
	"auth":   "authentication",
	"todo":   "followup",
	"arch":   "architecture",
	"deps":   "dependencies",
}

type Sweeper struct {
	st  *store.Store
	bus *eventbus.Bus

	stalenessWindow   time.Duration
	accessCountFloor  int
	episodicRetention time.Duration
	nowFn             func() time.Time
	log               *slog.Logger

	mu       sync.Mutex
	inFlight map[schema.Scope]bool
}

type Option func(*Sweeper)

func WithStalenessWindow(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.stalenessWindow = d
		}
	}
}

func WithAccessCountFloor(n int) Option {
	return func(s *Sweeper) {
		if n >= 0 {
			s.accessCountFloor = n
		}
	}
}

func WithEpisodicRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.episodicRetention = d
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(s *Sweeper) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

func New(st *store.Store, bus *eventbus.Bus, opts ...Option) *Sweeper {
	s := &Sweeper{
		st:                st,
		bus:               bus,
		stalenessWindow:   90 * 24 * time.Hour,
		accessCountFloor:  3,
		episodicRetention: 180 * 24 * time.Hour,
		nowFn:             func() time.Time { return time.Now().UTC() },
		log:               slog.Default(),
		inFlight:          map[schema.Scope]bool{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SweepExpiry archives entries whose TTL has elapsed and drops orphaned
// index rows. Protected entries are skipped and counted, never archived.
// With dryRun set, the returned record reports what would happen and
// nothing is written.
func (s *Sweeper) SweepExpiry(ctx context.Context, scope schema.Scope, dryRun bool) (store.SweepRecord, error) {
	rec := s.newRecord(PolicyExpiry, scope)
	if err := s.acquire(scope); err != nil {
		return rec, err
	}
	defer s.release(scope)
	now := s.nowFn()

	entries, err := s.st.ListScope(ctx, scope, func(id string, scanErr error) {
		rec.Errors = append(rec.Errors, fmt.Sprintf("unreadable entry %s: %v", id, scanErr))
	})
	if err != nil {
		return rec, fmt.Errorf("expiry sweep %s: %w", scope, err)
	}

	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if entry.Protected(now) {
			rec.Counts["skipped_protected"]++
			continue
		}
		if dryRun {
			rec.Counts["would_archive"]++
			continue
		}
		if err := s.st.Archive(ctx, entry.ID, "expired", false); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("archive %s: %v", entry.ID, err))
			continue
		}
		rec.Counts["archived"]++
	}

	if !dryRun {
		dropped, err := s.st.DropOrphans(ctx, scope)
		if err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("drop orphans: %v", err))
		} else if dropped > 0 {
			s.log.Info("dropped orphaned index rows", "scope", scope, "count", dropped)
			rec.Counts["orphans_dropped"] = dropped
		}
	}

	return s.finishSweep(ctx, rec, dryRun)
}

// SweepStaleness archives entries not accessed within the staleness window
// whose access count sits below the floor, then normalizes tags, merges
// synonyms, and prunes references to entries that no longer exist anywhere.
func (s *Sweeper) SweepStaleness(ctx context.Context, scope schema.Scope, dryRun bool) (store.SweepRecord, error) {
	rec := s.newRecord(PolicyStaleness, scope)
	if err := s.acquire(scope); err != nil {
		return rec, err
	}
	defer s.release(scope)
	now := s.nowFn()

	entries, err := s.st.ListScope(ctx, scope, func(id string, scanErr error) {
		rec.Errors = append(rec.Errors, fmt.Sprintf("unreadable entry %s: %v", id, scanErr))
	})
	if err != nil {
		return rec, fmt.Errorf("staleness sweep %s: %w", scope, err)
	}

	var survivors []store.Entry
	for _, entry := range entries {
		stale := now.Sub(entry.LastAccessedAt) > s.stalenessWindow && entry.AccessCount < s.accessCountFloor
		if !stale {
			survivors = append(survivors, entry)
			continue
		}
		if entry.Protected(now) {
			rec.Counts["skipped_protected"]++
			survivors = append(survivors, entry)
			continue
		}
		if dryRun {
			rec.Counts["would_archive"]++
			survivors = append(survivors, entry)
			continue
		}
		if err := s.st.Archive(ctx, entry.ID, "stale", false); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("archive %s: %v", entry.ID, err))
			survivors = append(survivors, entry)
			continue
		}
		rec.Counts["archived"]++
	}

	for _, entry := range survivors {
		canonical := canonicalTags(entry.Tags)
		if !sameStrings(canonical, entry.Tags) {
			if dryRun {
				rec.Counts["would_retag"]++
			} else if err := s.st.UpdateTags(ctx, entry.ID, canonical); err != nil {
				rec.Errors = append(rec.Errors, fmt.Sprintf("retag %s: %v", entry.ID, err))
			} else {
				rec.Counts["retagged"]++
			}
		}

		pruned, changed, err := s.pruneReferences(ctx, entry.References)
		if err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("check refs %s: %v", entry.ID, err))
			continue
		}
		if !changed {
			continue
		}
		if dryRun {
			rec.Counts["would_prune_refs"]++
			continue
		}
		if err := s.st.UpdateReferences(ctx, entry.ID, pruned); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("prune refs %s: %v", entry.ID, err))
			continue
		}
		rec.Counts["refs_pruned"]++
	}

	return s.finishSweep(ctx, rec, dryRun)
}

// FullRebuild quarantines entries that cannot be read, rebuilds every
// secondary index from the entries table, and compacts archived episodic
// entries past the retention horizon down to their summaries.
func (s *Sweeper) FullRebuild(ctx context.Context, scope schema.Scope, dryRun bool) (store.SweepRecord, error) {
	rec := s.newRecord(PolicyFullRebuild, scope)
	if err := s.acquire(scope); err != nil {
		return rec, err
	}
	defer s.release(scope)
	now := s.nowFn()

	var corrupt []string
	if _, err := s.st.ListScope(ctx, scope, func(id string, scanErr error) {
		corrupt = append(corrupt, id)
		rec.Errors = append(rec.Errors, fmt.Sprintf("unreadable entry %s: %v", id, scanErr))
	}); err != nil {
		return rec, fmt.Errorf("full rebuild %s: %w", scope, err)
	}

	for _, id := range corrupt {
		if dryRun {
			rec.Counts["would_quarantine"]++
			continue
		}
		raw := s.rawRow(ctx, id)
		if err := s.st.Quarantine(ctx, id, raw, "unreadable during rebuild"); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("quarantine %s: %v", id, err))
			continue
		}
		rec.Counts["quarantined"]++
	}

	// Entries present on disk but absent from every index are relocated to
	// quarantine before the rebuild would silently re-index them.
	unindexed, err := s.st.UnindexedEntryIDs(ctx, scope)
	if err != nil {
		rec.Errors = append(rec.Errors, fmt.Sprintf("find unindexed: %v", err))
	}
	for _, id := range unindexed {
		if dryRun {
			rec.Counts["would_quarantine_unindexed"]++
			continue
		}
		raw := s.rawRow(ctx, id)
		if err := s.st.Quarantine(ctx, id, raw, "absent from every index"); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("quarantine %s: %v", id, err))
			continue
		}
		rec.Counts["quarantined_unindexed"]++
	}

	if dryRun {
		inconsistencies, err := s.st.ValidateIndices(ctx, scope)
		if err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("validate indices: %v", err))
		} else {
			rec.Counts["would_fix"] = len(inconsistencies)
		}
	} else {
		if err := s.st.RebuildIndices(ctx, scope); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("rebuild indices: %v", err))
		} else {
			rec.Counts["rebuilt"] = 1
		}
	}

	archived, err := s.st.ListArchivedScope(ctx, scope)
	if err != nil {
		rec.Errors = append(rec.Errors, fmt.Sprintf("list archived: %v", err))
		return s.finishSweep(ctx, rec, dryRun)
	}
	for _, entry := range archived {
		if entry.Type != schema.TypeEpisodic {
			continue
		}
		if now.Sub(entry.CreatedAt) <= s.episodicRetention {
			continue
		}
		summary := entry.Summary()
		if entry.Content == summary {
			continue
		}
		if dryRun {
			rec.Counts["would_compact"]++
			continue
		}
		if err := s.st.CompactContent(ctx, entry.ID, summary); err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("compact %s: %v", entry.ID, err))
			continue
		}
		rec.Counts["compacted"]++
	}

	return s.finishSweep(ctx, rec, dryRun)
}

// Sweep runs one policy over a single scope.
func (s *Sweeper) Sweep(ctx context.Context, policy string, scope schema.Scope, dryRun bool) (store.SweepRecord, error) {
	switch policy {
	case PolicyExpiry:
		return s.SweepExpiry(ctx, scope, dryRun)
	case PolicyStaleness:
		return s.SweepStaleness(ctx, scope, dryRun)
	case PolicyFullRebuild:
		return s.FullRebuild(ctx, scope, dryRun)
	default:
		return store.SweepRecord{}, fmt.Errorf("unknown sweep policy %q", policy)
	}
}

// SweepAll runs one policy across every scope, continuing past per-scope
// failures.
func (s *Sweeper) SweepAll(ctx context.Context, policy string, dryRun bool) ([]store.SweepRecord, error) {
	switch policy {
	case PolicyExpiry, PolicyStaleness, PolicyFullRebuild:
	default:
		return nil, fmt.Errorf("unknown sweep policy %q", policy)
	}

	var records []store.SweepRecord
	var firstErr error
	for _, scope := range schema.AllScopes {
		rec, err := s.Sweep(ctx, policy, scope, dryRun)
		if err != nil {
			s.log.Error("sweep failed", "policy", policy, "scope", scope, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records = append(records, rec)
	}
	return records, firstErr
}

// acquire takes the per-scope sweep slot.
func (s *Sweeper) acquire(scope schema.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[scope] {
		return fmt.Errorf("%w: %s", ErrSweepInFlight, scope)
	}
	s.inFlight[scope] = true
	return nil
}

func (s *Sweeper) release(scope schema.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, scope)
}

func (s *Sweeper) newRecord(policy string, scope schema.Scope) store.SweepRecord {
	return store.SweepRecord{
		SweptAt: s.nowFn(),
		Policy:  policy,
		Scope:   scope,
		Counts:  map[string]int{},
	}
}

// finishSweep persists the record and announces it. A dry run is reported
// but never logged to the sweep log.
func (s *Sweeper) finishSweep(ctx context.Context, rec store.SweepRecord, dryRun bool) (store.SweepRecord, error) {
	if dryRun {
		return rec, nil
	}
	saved, err := s.st.AppendSweepRecord(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("append sweep record: %w", err)
	}
	if s.bus != nil {
		_, _ = s.bus.Push(ctx, eventbus.EventInput{
			Stream:    schema.StreamSweeps,
			ScopeType: "scope",
			ScopeID:   string(rec.Scope),
			Subject:   fmt.Sprintf("%s sweep over %s", rec.Policy, rec.Scope),
			Body:      summarizeCounts(rec.Counts),
			Metadata: map[string]any{
				schema.MetaKind:   "sweep",
				schema.MetaPolicy: rec.Policy,
				schema.MetaScope:  string(rec.Scope),
				"errors":          len(rec.Errors),
			},
		})
	}
	return saved, nil
}

func (s *Sweeper) pruneReferences(ctx context.Context, refs []string) ([]string, bool, error) {
	if len(refs) == 0 {
		return nil, false, nil
	}
	var kept []string
	for _, ref := range refs {
		ok, err := s.st.Exists(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		if ok {
			kept = append(kept, ref)
		}
	}
	return kept, len(kept) != len(refs), nil
}

// rawRow fetches whatever content column survives for a corrupt row, best
// effort.
func (s *Sweeper) rawRow(ctx context.Context, id string) string {
	var raw string
	_ = s.st.DB().QueryRowContext(ctx, `SELECT COALESCE(content, '') FROM entries WHERE id = ?`, id).Scan(&raw)
	return raw
}

func canonicalTags(tags []string) []string {
	mapped := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if canonical, ok := tagSynonyms[t]; ok {
			t = canonical
		}
		mapped = append(mapped, t)
	}
	return store.NormalizeTags(mapped)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func summarizeCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "no changes"
	}
	parts := make([]string, 0, len(counts))
	for _, key := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s=%d", key, counts[key]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
