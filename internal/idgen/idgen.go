package idgen

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string, used for session and internal
// record ids. If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Entry ids look like "mem-k3f9x2qw041z": a namespace tag, a dash, and 12
// characters from a fixed alphabet. The alphabet omits visually ambiguous
// characters (0/o, 1/l are kept apart by being lowercase-only).
const (
	entryAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	entryIDLength = 12
	maxAttempts   = 3
)

// ErrIDExhaustion is returned when maxAttempts consecutive candidates
// collide with existing ids. It signals a flawed generator or a poisoned
// id space, not a transient condition: callers must abort the write and
// alert an operator.
var ErrIDExhaustion = errors.New("id space exhausted")

// ExhaustionError carries the namespace that failed to yield a fresh id.
type ExhaustionError struct {
	Namespace string
	Attempts  int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("no unique id for namespace %q after %d attempts", e.Namespace, e.Attempts)
}

func (e *ExhaustionError) Unwrap() error {
	return ErrIDExhaustion
}

// Exists reports whether a candidate id is already taken. Implementations
// must check both live and archived records.
type Exists func(id string) (bool, error)

// Reserved ids may never be produced by NewEntryID; they are only creatable
// through the store's privileged bootstrap path.
var Reserved = map[string]struct{}{
	"mem-system-config": {},
	"mem-glossary":      {},
}

// IsReserved reports whether id is one of the bootstrap-only ids.
func IsReserved(id string) bool {
	_, ok := Reserved[id]
	return ok
}

// NewEntryID generates a namespaced entry id, retrying on collision up to
// maxAttempts times before failing with an ExhaustionError.
func NewEntryID(namespace string, exists Exists) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := namespace + "-" + randomToken(entryIDLength)
		if IsReserved(candidate) {
			continue
		}
		taken, err := exists(candidate)
		if err != nil {
			return "", fmt.Errorf("check id %s: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", &ExhaustionError{Namespace: namespace, Attempts: maxAttempts}
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process has bigger problems than id generation.
		panic(fmt.Sprintf("idgen: read random: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = entryAlphabet[int(b)%len(entryAlphabet)]
	}
	return string(out)
}
