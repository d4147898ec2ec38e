package synth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrSanitization = errors.New("sanitization failed")

// SanitizationFailure means the rewrite never reached a fixed point. The
// caller must emit the sanitizer's fallback text instead of the input.
type SanitizationFailure struct {
	Passes int
}

func (e *SanitizationFailure) Error() string {
	return fmt.Sprintf("no sanitization fixed point after %d passes", e.Passes)
}

func (e *SanitizationFailure) Unwrap() error {
	return ErrSanitization
}

// FallbackText is the fail-closed response: generic, safe, and free of any
// internal structure.
const FallbackText = "I wasn't able to put together a complete answer for this one. Could you rephrase or narrow the request?"

// forbiddenPatterns must never appear in anything that leaves the system:
// internal handler identifiers, process verbs that narrate routing, and
// first-person-plural references to internal process.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bTEAM-\d{3}\b`),
	regexp.MustCompile(`(?i)\brouting (this |it )?to\b`),
	regexp.MustCompile(`(?i)\bspawning\b`),
	regexp.MustCompile(`(?i)\bhanding (this |it )?off\b`),
	regexp.MustCompile(`(?i)\bdelegating (this |it )?to\b`),
	regexp.MustCompile(`(?i)\bescalating (this |it )?to\b`),
	regexp.MustCompile(`(?i)\bour (team|specialists?|pipeline|handlers?)\b`),
	regexp.MustCompile(`(?i)\bwe (will|'ll|are|'re|have|'ve)\b`),
	regexp.MustCompile(`(?i)\bone of (us|our)\b`),
}

type rewriteRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// rewriteRules map banned phrasings to an equivalent first-person-singular
// phrasing. Replacements are chosen so that re-applying the rule set to its
// own output changes nothing.
var rewriteRules = []rewriteRule{
	{regexp.MustCompile(`\bTEAM-\d{3}\b`), "I"},
	{regexp.MustCompile(`(?i)\brouting (this |it )?to\b`), "turning to"},
	{regexp.MustCompile(`(?i)\bspawning\b`), "starting"},
	{regexp.MustCompile(`(?i)\bhanding (this |it )?off to\b`), "continuing with"},
	{regexp.MustCompile(`(?i)\bhanding (this |it )?off\b`), "continuing"},
	{regexp.MustCompile(`(?i)\bdelegating (this |it )?to\b`), "working through"},
	{regexp.MustCompile(`(?i)\bescalating (this |it )?to\b`), "prioritizing"},
	{regexp.MustCompile(`(?i)\bour (team|specialists?|pipeline|handlers?)\b`), "I"},
	{regexp.MustCompile(`(?i)\bwe will\b`), "I will"},
	{regexp.MustCompile(`(?i)\bwe'll\b`), "I'll"},
	{regexp.MustCompile(`(?i)\bwe are\b`), "I am"},
	{regexp.MustCompile(`(?i)\bwe're\b`), "I'm"},
	{regexp.MustCompile(`(?i)\bwe have\b`), "I have"},
	{regexp.MustCompile(`(?i)\bwe've\b`), "I've"},
	{regexp.MustCompile(`(?i)\bone of (us|our)\b`), "I"},
}

// Sanitizer rewrites a synthesized result to the single unified voice and
// guarantees no internal identifier or process language leaks.
type Sanitizer struct {
	maxPasses int
}

type SanitizerOption func(*Sanitizer)

func WithMaxPasses(n int) SanitizerOption {
	return func(s *Sanitizer) {
		if n > 0 {
			s.maxPasses = n
		}
	}
}

func NewSanitizer(opts ...SanitizerOption) *Sanitizer {
	s := &Sanitizer{maxPasses: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sanitize rewrites text until a re-scan finds zero forbidden matches. If
// that fixed point is not reached within the pass budget it fails closed:
// the fallback text is returned along with a SanitizationFailure.
func (s *Sanitizer) Sanitize(text string) (string, error) {
	current := text
	for pass := 0; pass < s.maxPasses; pass++ {
		rewritten := applyRules(current)
		if !ContainsForbidden(rewritten) {
			return tidy(rewritten), nil
		}
		if rewritten == current {
			// Stuck: rules cannot remove what the scan still finds.
			break
		}
		current = rewritten
	}
	return FallbackText, &SanitizationFailure{Passes: s.maxPasses}
}

// ContainsForbidden reports whether any forbidden pattern matches text.
func ContainsForbidden(text string) bool {
	for _, pattern := range forbiddenPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func applyRules(text string) string {
	out := text
	for _, rule := range rewriteRules {
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
	}
	return out
}

// tidy collapses whitespace artifacts left by replacements.
func tidy(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
