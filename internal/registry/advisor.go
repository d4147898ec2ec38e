package registry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// advisor is the built-in handler implementation: it turns the task and the
// preloaded context into a domain-tagged recommendation deterministically.
// Deployments with real capability backends replace advisors per id via
// New's impls map; the routing layers treat both identically.
type advisor struct {
	desc Descriptor
}

func newAdvisor(desc Descriptor) Handler {
	return &advisor{desc: desc}
}

func (a *advisor) ID() string {
	return a.desc.ID
}

func (a *advisor) Invoke(ctx context.Context, task Task, hc Context) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	matched := a.matchedTerms(task)
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", a.desc.Domain)
	if len(matched) > 0 {
		fmt.Fprintf(&b, "Addressing %s: ", strings.Join(matched, ", "))
	}
	if hc.Narrowed {
		fmt.Fprintf(&b, "focus on the minimal %s-safe change for: %s", a.desc.Domain, firstLine(task.Text))
	} else {
		fmt.Fprintf(&b, "recommendation for: %s", firstLine(task.Text))
		if n := len(hc.PriorOutputs); n > 0 {
			fmt.Fprintf(&b, " (building on %d earlier result(s))", n)
		}
		if n := len(hc.Entries); n > 0 {
			fmt.Fprintf(&b, " (informed by %d stored note(s))", n)
		}
	}

	return Output{
		HandlerID:      a.desc.ID,
		Domain:         a.desc.Domain,
		Recommendation: b.String(),
		Status:         a.statusPhrase(len(matched)),
		DurationHint:   time.Duration(1+len(matched)) * time.Second,
	}, nil
}

func (a *advisor) matchedTerms(task Task) []string {
	var out []string
	for _, tt := range a.desc.TriggerTerms {
		for _, term := range task.Terms {
			if strings.EqualFold(term, tt.Term) {
				out = append(out, tt.Term)
				break
			}
		}
	}
	return out
}

func (a *advisor) statusPhrase(matched int) string {
	if len(a.desc.StatusTemplates) == 0 {
		return "working"
	}
	return a.desc.StatusTemplates[matched%len(a.desc.StatusTemplates)]
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
