// Package plan turns a classified candidate set into an ordered execution
// plan: parallel groups of handler invocations in sequence, where a later
// stage consumes the merged output of the one before it.
package plan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tanglehq/loom/internal/classify"
	"github.com/tanglehq/loom/internal/registry"
)

var ErrPlanning = errors.New("planning failed")

// PlanningError reports an invalid dependency graph between handoffs.
// Callers recover by falling back to a single-stage primary-only plan.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed: %s", e.Reason)
}

func (e *PlanningError) Unwrap() error {
	return ErrPlanning
}

type Invocation struct {
	HandlerID string `json:"handler_id"`
	Domain    string `json:"domain"`
}

// Stage is a set of invocations with no data dependency among themselves.
type Stage struct {
	Name        string       `json:"name"`
	Invocations []Invocation `json:"invocations"`
}

type Plan struct {
	TaskID     string  `json:"task_id"`
	Complexity string  `json:"complexity"`
	Stages     []Stage `json:"stages"`
}

// HandlerIDs returns every participating handler across stages.
func (p Plan) HandlerIDs() []string {
	var out []string
	for _, stage := range p.Stages {
		for _, inv := range stage.Invocations {
			out = append(out, inv.HandlerID)
		}
	}
	return out
}

const (
	complexitySimple  = "simple"
	complexityMedium  = "medium"
	complexityComplex = "complex"
)

// Domain roles order the dependency graph: assessment produces context that
// execution consumes, refinement polishes what execution produced.
const (
	roleAssess = iota
	roleExecute
	roleRefine
)

var stageNames = map[int]string{
	roleAssess:  "assess",
	roleExecute: "execute",
	roleRefine:  "refine",
}

func domainRole(domain string) int {
	switch domain {
	case "architecture", "security", "compliance", "correctness":
		return roleAssess
	case "style", "docs":
		return roleRefine
	default:
		return roleExecute
	}
}

type Planner struct {
	reg *registry.Registry

	// Extra producer→consumer edges between handler ids, beyond the role
	// ordering. Declared by operators for capability backends that feed
	// each other; a cycle here is a PlanningError.
	handoffs map[string][]string
}

type Option func(*Planner)

func WithHandoffs(handoffs map[string][]string) Option {
	return func(p *Planner) { p.handoffs = handoffs }
}

func New(reg *registry.Registry, opts ...Option) *Planner {
	p := &Planner{reg: reg}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Build converts a classification into an executable plan. The resulting
// stage graph is guaranteed acyclic: declared handoffs that cycle are
// rejected rather than silently executed.
func (p *Planner) Build(task registry.Task, result classify.Result) (Plan, error) {
	participants := []classify.Candidate{result.Primary}
	participants = append(participants, result.Secondary...)

	complexity := complexitySimple
	switch {
	case len(result.Domains) >= 4 || result.CrossCutting:
		complexity = complexityComplex
	case len(result.Domains) >= 2:
		complexity = complexityMedium
	}

	if complexity == complexitySimple {
		return Plan{
			TaskID:     task.ID,
			Complexity: complexitySimple,
			Stages: []Stage{{
				Name:        stageNames[domainRole(result.Primary.Domain)],
				Invocations: []Invocation{{HandlerID: result.Primary.HandlerID, Domain: result.Primary.Domain}},
			}},
		}, nil
	}

	deps := p.dependencyGraph(participants)
	levels, err := topoLevels(participants, deps)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{TaskID: task.ID, Complexity: complexity}
	for i, level := range levels {
		stage := Stage{Name: levelName(level, i)}
		for _, cand := range level {
			stage.Invocations = append(stage.Invocations, Invocation{HandlerID: cand.HandlerID, Domain: cand.Domain})
		}
		plan.Stages = append(plan.Stages, stage)
	}
	return plan, nil
}

// SingleStageFallback is the recovery plan when Build rejects the graph:
// only the primary handler, one stage.
func (p *Planner) SingleStageFallback(task registry.Task, result classify.Result) Plan {
	return Plan{
		TaskID:     task.ID,
		Complexity: complexitySimple,
		Stages: []Stage{{
			Name:        stageNames[domainRole(result.Primary.Domain)],
			Invocations: []Invocation{{HandlerID: result.Primary.HandlerID, Domain: result.Primary.Domain}},
		}},
	}
}

// dependencyGraph builds producer→consumer edges: every later-role handler
// consumes every earlier-role handler's output, plus any declared handoffs
// among the participants.
func (p *Planner) dependencyGraph(participants []classify.Candidate) map[string][]string {
	deps := map[string][]string{}
	for _, consumer := range participants {
		for _, producer := range participants {
			if producer.HandlerID == consumer.HandlerID {
				continue
			}
			if domainRole(producer.Domain) < domainRole(consumer.Domain) {
				deps[consumer.HandlerID] = append(deps[consumer.HandlerID], producer.HandlerID)
			}
		}
	}
	present := map[string]struct{}{}
	for _, cand := range participants {
		present[cand.HandlerID] = struct{}{}
	}
	for producer, consumers := range p.handoffs {
		if _, ok := present[producer]; !ok {
			continue
		}
		for _, consumer := range consumers {
			if _, ok := present[consumer]; !ok {
				continue
			}
			deps[consumer] = append(deps[consumer], producer)
		}
	}
	return deps
}

// topoLevels is Kahn's algorithm producing parallel groups: every handler
// in a level has all its producers in earlier levels.
func topoLevels(participants []classify.Candidate, deps map[string][]string) ([][]classify.Candidate, error) {
	byID := map[string]classify.Candidate{}
	indegree := map[string]int{}
	for _, cand := range participants {
		byID[cand.HandlerID] = cand
		indegree[cand.HandlerID] = 0
	}
	consumers := map[string][]string{}
	for consumer, producers := range deps {
		seen := map[string]struct{}{}
		for _, producer := range producers {
			if _, dup := seen[producer]; dup {
				continue
			}
			seen[producer] = struct{}{}
			indegree[consumer]++
			consumers[producer] = append(consumers[producer], consumer)
		}
	}

	placed := 0
	var levels [][]classify.Candidate
	frontier := readyIDs(indegree)
	for len(frontier) > 0 {
		var level []classify.Candidate
		for _, id := range frontier {
			level = append(level, byID[id])
			delete(indegree, id)
			placed++
		}
		for _, id := range frontier {
			for _, consumer := range consumers[id] {
				if _, ok := indegree[consumer]; ok {
					indegree[consumer]--
				}
			}
		}
		levels = append(levels, level)
		frontier = readyIDs(indegree)
	}

	if placed != len(participants) {
		var stuck []string
		for id := range indegree {
			stuck = append(stuck, id)
		}
		sort.Strings(stuck)
		return nil, &PlanningError{Reason: fmt.Sprintf("cyclic handoff among %v", stuck)}
	}
	return levels, nil
}

func readyIDs(indegree map[string]int) []string {
	var out []string
	for id, n := range indegree {
		if n == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func levelName(level []classify.Candidate, idx int) string {
	if len(level) == 0 {
		return fmt.Sprintf("stage-%d", idx+1)
	}
	role := domainRole(level[0].Domain)
	uniform := true
	for _, cand := range level[1:] {
		if domainRole(cand.Domain) != role {
			uniform = false
			break
		}
	}
	if uniform {
		return stageNames[role]
	}
	return fmt.Sprintf("stage-%d", idx+1)
}
