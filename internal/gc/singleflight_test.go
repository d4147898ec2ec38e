package gc

import (
	"context"
	"errors"
	"testing"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
	"github.com/tanglehq/loom/internal/testutil"
)

func TestOneSweepPerScopeAtATime(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := New(store.New(db), eventbus.NewBus(db))
	ctx := context.Background()

	if err := s.acquire(schema.ScopeProject); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := s.SweepExpiry(ctx, schema.ScopeProject, false); !errors.Is(err, ErrSweepInFlight) {
		t.Fatalf("expected ErrSweepInFlight, got %v", err)
	}
	if _, err := s.FullRebuild(ctx, schema.ScopeProject, false); !errors.Is(err, ErrSweepInFlight) {
		t.Fatalf("rebuild on busy scope: expected ErrSweepInFlight, got %v", err)
	}

	// Other scopes are unaffected.
	if _, err := s.SweepExpiry(ctx, schema.ScopeGlobal, false); err != nil {
		t.Fatalf("other scope blocked: %v", err)
	}

	s.release(schema.ScopeProject)
	if _, err := s.SweepExpiry(ctx, schema.ScopeProject, false); err != nil {
		t.Fatalf("sweep after release: %v", err)
	}
}

func TestSweepDispatchRejectsUnknownPolicy(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := New(store.New(db), eventbus.NewBus(db))

	if _, err := s.Sweep(context.Background(), "defrag", schema.ScopeProject, false); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
