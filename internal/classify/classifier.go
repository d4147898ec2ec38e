// Package classify scores a task's extracted feature terms against the
// handler registry's trigger vocabulary and produces a ranked candidate
// set. It never reports "no match": when nothing clears the score floor the
// configured default handler is selected.
package classify

import (
	"sort"
	"strings"
	"time"

	"github.com/tanglehq/loom/internal/registry"
)

// Cross-cutting domains escalate a task regardless of score arithmetic.
var crossCuttingDomains = map[string]struct{}{
	"security":   {},
	"compliance": {},
}

type Candidate struct {
	HandlerID string   `json:"handler_id"`
	Domain    string   `json:"domain"`
	Score     float64  `json:"score"`
	Matched   []string `json:"matched,omitempty"`
}

type Result struct {
	Primary      Candidate   `json:"primary"`
	Secondary    []Candidate `json:"secondary,omitempty"`
	Domains      []string    `json:"domains"`
	CrossCutting bool        `json:"cross_cutting"`
	Fallback     bool        `json:"fallback"`
}

type Classifier struct {
	reg *registry.Registry

	minScore        float64
	signalThreshold int
	nowFn           func() time.Time
}

type Option func(*Classifier)

// WithMinScore sets the floor below which a handler is not considered
// matched at all.
func WithMinScore(v float64) Option {
	return func(c *Classifier) { c.minScore = v }
}

// WithSignalThreshold sets how many distinct matched domains count as a
// strong enough aggregate signal to pull in supporting handlers.
func WithSignalThreshold(n int) Option {
	return func(c *Classifier) { c.signalThreshold = n }
}

func WithClock(nowFn func() time.Time) Option {
	return func(c *Classifier) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

func New(reg *registry.Registry, opts ...Option) *Classifier {
	c := &Classifier{
		reg:             reg,
		minScore:        1.0,
		signalThreshold: 2,
		nowFn:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify ranks every handler against the task's feature terms.
func (c *Classifier) Classify(task registry.Task) Result {
	terms := normalizeTerms(task.Terms)

	var candidates []Candidate
	for _, desc := range c.reg.Descriptors() {
		cand := scoreHandler(desc, terms)
		if cand.Score >= c.minScore {
			candidates = append(candidates, cand)
		}
	}

	if len(candidates) == 0 {
		defaultID := c.reg.DefaultID()
		desc, _ := c.reg.Describe(defaultID)
		return Result{
			Primary:  Candidate{HandlerID: defaultID, Domain: desc.Domain},
			Domains:  nil,
			Fallback: true,
		}
	}

	c.rank(candidates)

	domains := map[string]struct{}{}
	crossCutting := false
	for _, cand := range candidates {
		domains[cand.Domain] = struct{}{}
		if _, ok := crossCuttingDomains[cand.Domain]; ok {
			crossCutting = true
		}
	}

	primary := candidates[0]
	secondary := candidates[1:]

	// Strong aggregate signal pulls the primary's declared supporters in as
	// secondary participants even if their own vocabulary did not fire.
	if len(domains) >= c.signalThreshold || crossCutting {
		present := map[string]struct{}{primary.HandlerID: {}}
		for _, cand := range secondary {
			present[cand.HandlerID] = struct{}{}
		}
		for _, id := range c.reg.Supporters(primary.HandlerID) {
			if _, ok := present[id]; ok {
				continue
			}
			desc, ok := c.reg.Describe(id)
			if !ok {
				continue
			}
			secondary = append(secondary, Candidate{HandlerID: id, Domain: desc.Domain})
			domains[desc.Domain] = struct{}{}
		}
	}

	domainList := make([]string, 0, len(domains))
	for d := range domains {
		domainList = append(domainList, d)
	}
	sort.Strings(domainList)

	return Result{
		Primary:      primary,
		Secondary:    secondary,
		Domains:      domainList,
		CrossCutting: crossCutting,
	}
}

// rank orders candidates by score descending; ties fall back to registry
// declaration order, then to whichever handler worked most recently.
func (c *Classifier) rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		di := c.reg.DeclarationIndex(candidates[i].HandlerID)
		dj := c.reg.DeclarationIndex(candidates[j].HandlerID)
		if di != dj {
			return di < dj
		}
		return c.reg.LastActive(candidates[i].HandlerID).After(c.reg.LastActive(candidates[j].HandlerID))
	})
}

// scoreHandler sums declared weights for matched trigger terms. Multi-word
// phrases get a per-word bonus: a matched three-word phrase is a much
// stronger signal than three generic single words.
func scoreHandler(desc registry.Descriptor, terms map[string]struct{}) Candidate {
	cand := Candidate{HandlerID: desc.ID, Domain: desc.Domain}
	for _, tt := range desc.TriggerTerms {
		term := strings.ToLower(strings.TrimSpace(tt.Term))
		if term == "" {
			continue
		}
		if _, ok := terms[term]; !ok {
			continue
		}
		weight := tt.Weight
		if weight <= 0 {
			weight = 1
		}
		words := len(strings.Fields(term))
		if words > 1 {
			weight += 0.5 * float64(words)
		}
		cand.Score += weight
		cand.Matched = append(cand.Matched, term)
	}
	return cand
}

func normalizeTerms(terms []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}
