package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tanglehq/loom/internal/idgen"
	"github.com/tanglehq/loom/internal/store"
)

// MaxLoadedEntries bounds how many store entries a session keeps warm.
const MaxLoadedEntries = 20

// Session is the per-session execution state. It is owned by exactly one
// executor at a time and passed explicitly through the pipeline; nothing
// here is ambient or global. Pending writes are deferred until the task
// completes and flushed to the store at teardown.
type Session struct {
	mu sync.Mutex

	ID             string
	Active         bool
	StartedAt      time.Time
	LastActivity   time.Time
	ActiveHandlers map[string]struct{}
	LoadedEntryIDs []string

	pendingWrites []store.Entry
}

func NewSession(now time.Time) *Session {
	return &Session{
		ID:             idgen.New(),
		Active:         true,
		StartedAt:      now,
		LastActivity:   now,
		ActiveHandlers: map[string]struct{}{},
	}
}

// IsActive reports whether the session is still accepting tasks.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Active
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = now
}

// LastActive returns the most recent activity time.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActivity
}

func (s *Session) HandlerStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActiveHandlers[id] = struct{}{}
}

func (s *Session) HandlerFinished(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ActiveHandlers, id)
}

// NoteLoaded records entries preloaded into handler context, keeping only
// the most recent MaxLoadedEntries ids.
func (s *Session) NoteLoaded(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoadedEntryIDs = append(s.LoadedEntryIDs, ids...)
	if over := len(s.LoadedEntryIDs) - MaxLoadedEntries; over > 0 {
		s.LoadedEntryIDs = append([]string(nil), s.LoadedEntryIDs[over:]...)
	}
}

// QueueWrite defers an entry creation until the task completes.
func (s *Session) QueueWrite(entry store.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingWrites = append(s.pendingWrites, entry)
}

// PendingWrites returns a snapshot of the queued entries.
func (s *Session) PendingWrites() []store.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Entry(nil), s.pendingWrites...)
}

// Teardown consolidates the session into the store and deactivates it.
// Pending writes that fail validation are dropped with the error collected;
// one bad write never loses the rest.
func (s *Session) Teardown(ctx context.Context, st *store.Store) []error {
	s.mu.Lock()
	writes := s.pendingWrites
	s.pendingWrites = nil
	s.Active = false
	s.mu.Unlock()

	var errs []error
	for _, entry := range writes {
		if _, err := st.Put(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("flush session write: %w", err))
		}
	}
	return errs
}
