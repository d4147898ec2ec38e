// Package synth merges per-handler outputs into one result and sanitizes
// it before anything leaves the system.
package synth

import (
	"sort"
	"strings"

	"github.com/tanglehq/loom/internal/registry"
)

// domainRank fixes the merge and conflict-resolution order. Lower wins:
// security/compliance beat correctness, correctness beats style. Unknown
// domains rank after the known set.
var domainRank = map[string]int{
	"compliance":     0,
	"security":       1,
	"correctness":    2,
	"architecture":   3,
	"implementation": 4,
	"performance":    5,
	"general":        6,
	"style":          7,
}

func rankOf(domain string) int {
	if r, ok := domainRank[domain]; ok {
		return r
	}
	return len(domainRank)
}

// Result is a merged, ordered synthesis. Conflicts lists the handler ids
// whose recommendations were displaced; it is internal bookkeeping and
// never part of the rendered text.
type Result struct {
	Text      string            `json:"text"`
	Accepted  []registry.Output `json:"accepted"`
	Conflicts []string          `json:"conflicts,omitempty"`
	Degraded  bool              `json:"degraded"`
}

// Merge combines handler outputs in fixed domain-priority order, making
// the result deterministic regardless of completion order. Outputs sharing
// a topic with different positions conflict: only the highest-priority
// domain's recommendation survives, and the conflict itself is not
// narrated in the text.
func Merge(outputs []registry.Output) Result {
	ordered := make([]registry.Output, 0, len(outputs))
	for _, out := range outputs {
		if strings.TrimSpace(out.Recommendation) == "" {
			continue
		}
		ordered = append(ordered, out)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rankOf(ordered[i].Domain), rankOf(ordered[j].Domain)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].HandlerID < ordered[j].HandlerID
	})

	var res Result
	winnersByTopic := map[string]registry.Output{}
	for _, out := range ordered {
		if out.Topic == "" {
			res.Accepted = append(res.Accepted, out)
			continue
		}
		winner, seen := winnersByTopic[out.Topic]
		if !seen {
			winnersByTopic[out.Topic] = out
			res.Accepted = append(res.Accepted, out)
			continue
		}
		if winner.Position == out.Position {
			// Compatible: same stance, merge it in.
			res.Accepted = append(res.Accepted, out)
			continue
		}
		// Conflict. ordered is ranked, so the earlier output already won.
		res.Conflicts = append(res.Conflicts, out.HandlerID)
	}

	var b strings.Builder
	for i, out := range res.Accepted {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(out.Recommendation))
	}
	res.Text = b.String()
	res.Degraded = len(res.Accepted) == 0
	return res
}
