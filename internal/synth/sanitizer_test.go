package synth_test

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/tanglehq/loom/internal/synth"
)

var handlerIDPattern = regexp.MustCompile(`TEAM-\d{3}`)

func TestSanitizeRemovesHandlerIDs(t *testing.T) {
	s := synth.NewSanitizer()

	out, err := s.Sanitize("TEAM-301 recommends rotating the key. TEAM-202 will wire it up.")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if handlerIDPattern.MatchString(out) {
		t.Fatalf("handler id leaked: %q", out)
	}
}

func TestSanitizeRewritesProcessLanguage(t *testing.T) {
	s := synth.NewSanitizer()

	cases := []string{
		"Routing this to our security handlers for review.",
		"We'll start by spawning a checker, then handing this off to TEAM-401.",
		"Our team believes escalating to the specialists is right. We are confident.",
		"One of us will follow up once our pipeline finishes.",
	}
	for _, input := range cases {
		out, err := s.Sanitize(input)
		if err != nil {
			t.Fatalf("sanitize %q: %v", input, err)
		}
		if synth.ContainsForbidden(out) {
			t.Fatalf("forbidden phrasing survived: %q -> %q", input, out)
		}
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	s := synth.NewSanitizer()

	inputs := []string{
		"TEAM-302 requires audit logging. We'll add it and our team will verify.",
		"plain text with nothing to rewrite",
		"Routing to TEAM-100, spawning helpers, handing off to TEAM-201.",
	}
	for _, input := range inputs {
		once, err := s.Sanitize(input)
		if err != nil {
			t.Fatalf("first pass %q: %v", input, err)
		}
		twice, err := s.Sanitize(once)
		if err != nil {
			t.Fatalf("second pass %q: %v", once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", input, once, twice)
		}
	}
}

func TestSanitizeFailsClosed(t *testing.T) {
	s := synth.NewSanitizer()

	// "we 'll" trips the forbidden scan but no rewrite rule touches it, so
	// the rewrite can never converge and must fail closed.
	input := "we 'll ship it, says TEAM-202"
	out, err := s.Sanitize(input)
	if err == nil {
		t.Fatalf("expected sanitization failure, got %q", out)
	}
	var failure *synth.SanitizationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected SanitizationFailure, got %v", err)
	}
	if !errors.Is(err, synth.ErrSanitization) {
		t.Fatalf("failure must unwrap to ErrSanitization")
	}
	if out != synth.FallbackText {
		t.Fatalf("fail-closed must return fallback text, got %q", out)
	}
	if strings.Contains(out, "TEAM-") {
		t.Fatalf("fallback text leaks identifiers")
	}
}

func TestSanitizeTidiesWhitespace(t *testing.T) {
	s := synth.NewSanitizer()

	out, err := s.Sanitize("keep  the   spacing   sane\n\nacross   paragraphs")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if strings.Contains(out, "  ") {
		t.Fatalf("double spaces survived: %q", out)
	}
}
