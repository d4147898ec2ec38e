package idgen

import (
	"errors"
	"strings"
	"testing"
)

func TestNewEntryIDShape(t *testing.T) {
	id, err := NewEntryID("mem", func(string) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(id, "mem-") {
		t.Fatalf("expected mem- prefix, got %q", id)
	}
	token := strings.TrimPrefix(id, "mem-")
	if len(token) != entryIDLength {
		t.Fatalf("expected %d-char token, got %q", entryIDLength, token)
	}
	for _, r := range token {
		if !strings.ContainsRune(entryAlphabet, r) {
			t.Fatalf("token %q contains %q outside the alphabet", token, r)
		}
	}
}

func TestNewEntryIDUniqueness(t *testing.T) {
	seen := map[string]struct{}{}
	exists := func(id string) (bool, error) {
		_, ok := seen[id]
		return ok, nil
	}
	for i := 0; i < 10000; i++ {
		id, err := NewEntryID("mem", exists)
		if err != nil {
			t.Fatalf("generate #%d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q at #%d", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestNewEntryIDExhaustion(t *testing.T) {
	calls := 0
	// Every candidate collides.
	exists := func(string) (bool, error) {
		calls++
		return true, nil
	}
	_, err := NewEntryID("mem", exists)
	if !errors.Is(err, ErrIDExhaustion) {
		t.Fatalf("expected ErrIDExhaustion, got %v", err)
	}
	var exhausted *ExhaustionError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustionError, got %T", err)
	}
	if exhausted.Attempts != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, exhausted.Attempts)
	}
	if calls != maxAttempts {
		t.Fatalf("expected %d existence checks, got %d", maxAttempts, calls)
	}
}

func TestReservedNeverGenerated(t *testing.T) {
	if !IsReserved("mem-system-config") {
		t.Fatalf("expected mem-system-config to be reserved")
	}
	id, err := NewEntryID("mem", func(string) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if IsReserved(id) {
		t.Fatalf("generated a reserved id %q", id)
	}
}

func TestNewFallsBackToUUID(t *testing.T) {
	id := New()
	if id == "" {
		t.Fatalf("expected non-empty id")
	}
	if len(strings.Split(id, "-")) != 5 {
		t.Fatalf("expected uuid shape, got %q", id)
	}
}
