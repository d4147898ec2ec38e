// Package exec runs execution plans: handlers within a stage concurrently
// under a bounded limit, stages strictly in sequence, with prior-stage
// outputs threaded forward. Handler failures degrade the result instead of
// aborting it, and critical-priority tasks may preempt in-flight stages of
// lower-priority work.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/plan"
	"github.com/tanglehq/loom/internal/registry"
	"github.com/tanglehq/loom/internal/schema"
)

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageTimedOut  StageStatus = "timed-out"
)

// errPreempted aborts a stage for checkpointing; it never leaves the
// executor.
var errPreempted = errors.New("stage preempted")

// HandlerFailure records a handler that contributed nothing after its
// retry. It is internal bookkeeping: the fact of a failure is logged and
// reflected as a degraded result, never surfaced as raw error text.
type HandlerFailure struct {
	HandlerID string
	Stage     string
	TimedOut  bool
	Err       error
}

func (e *HandlerFailure) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("handler %s timed out in stage %s", e.HandlerID, e.Stage)
	}
	return fmt.Sprintf("handler %s failed in stage %s: %v", e.HandlerID, e.Stage, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

type StageResult struct {
	Name    string            `json:"name"`
	Status  StageStatus       `json:"status"`
	Outputs []registry.Output `json:"outputs,omitempty"`
	Absent  []string          `json:"absent,omitempty"`
}

type TaskResult struct {
	TaskID   string            `json:"task_id"`
	Stages   []StageResult     `json:"stages"`
	Outputs  []registry.Output `json:"outputs,omitempty"`
	Degraded bool              `json:"degraded"`

	// TotalFailure: every handler in every stage contributed nothing.
	TotalFailure bool `json:"total_failure"`

	failures []*HandlerFailure
}

// Failures exposes the internal failure records for logging.
func (r TaskResult) Failures() []*HandlerFailure {
	return r.failures
}

type flight struct {
	taskID   string
	priority schema.Priority

	preemptCh chan struct{} // one token per preemption
	mu        sync.Mutex
	resumeCh  chan struct{} // non-nil while preempted
}

func (f *flight) resumeChan() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeCh
}

type Executor struct {
	reg *registry.Registry
	bus *eventbus.Bus

	maxConcurrent  int
	handlerTimeout time.Duration
	nowFn          func() time.Time
	log            *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
	waiters []*flight // FIFO resumption order among preempted tasks
}

type Option func(*Executor)

func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.handlerTimeout = d
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(e *Executor) {
		if nowFn != nil {
			e.nowFn = nowFn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

func New(reg *registry.Registry, bus *eventbus.Bus, opts ...Option) *Executor {
	e := &Executor{
		reg:            reg,
		bus:            bus,
		maxConcurrent:  6,
		handlerTimeout: 30 * time.Second,
		nowFn:          func() time.Time { return time.Now().UTC() },
		log:            slog.Default(),
		flights:        map[string]*flight{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run executes the plan. Stages run strictly in sequence; a preempted stage
// is cancelled, its partial output discarded, and re-run from scratch after
// resumption, while completed stages are retained as the checkpoint.
func (e *Executor) Run(ctx context.Context, task registry.Task, p plan.Plan, session *Session, preload []registry.ContextEntry) (TaskResult, error) {
	f := e.register(task, schema.ParsePriority(task.Priority))
	defer e.finish(f)

	result := TaskResult{TaskID: task.ID}
	var prior []registry.Output

	for _, stage := range p.Stages {
		if err := e.waitIfPreempted(ctx, f); err != nil {
			return result, err
		}
		for {
			stageResult, stageFailures, err := e.runStage(ctx, f, task, stage, session, preload, prior)
			if errors.Is(err, errPreempted) {
				// Cancel-and-checkpoint: completed stages stay, this one
				// reruns once the higher-priority task is done.
				if waitErr := e.waitIfPreempted(ctx, f); waitErr != nil {
					return result, waitErr
				}
				continue
			}
			if err != nil {
				return result, err
			}
			result.Stages = append(result.Stages, stageResult)
			result.Outputs = append(result.Outputs, stageResult.Outputs...)
			result.failures = append(result.failures, stageFailures...)
			if len(stageResult.Absent) > 0 {
				result.Degraded = true
			}
			prior = append(prior, stageResult.Outputs...)
			break
		}
	}

	result.TotalFailure = len(result.Outputs) == 0
	session.Touch(e.nowFn())
	return result, nil
}

func (e *Executor) runStage(ctx context.Context, f *flight, task registry.Task, stage plan.Stage, session *Session, preload []registry.ContextEntry, prior []registry.Output) (StageResult, []*HandlerFailure, error) {
	result := StageResult{Name: stage.Name, Status: StageRunning}

	stageCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Watch for preemption while the stage is in flight.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-f.preemptCh:
			e.markPreempted(f)
			cancel(errPreempted)
		case <-stageCtx.Done():
		case <-watchDone:
		}
	}()

	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(e.maxConcurrent)

	var mu sync.Mutex
	var outputs []registry.Output
	var absent []string
	var failures []*HandlerFailure
	timedOut := false

	for _, inv := range stage.Invocations {
		g.Go(func() error {
			out, failure := e.invokeWithRetry(gctx, task, stage.Name, inv, session, preload, prior)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				absent = append(absent, inv.HandlerID)
				failures = append(failures, failure)
				if failure.TimedOut {
					timedOut = true
				}
				return nil
			}
			outputs = append(outputs, out)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(context.Cause(stageCtx), errPreempted) {
			return result, nil, errPreempted
		}
		return result, nil, err
	}
	if errors.Is(context.Cause(stageCtx), errPreempted) {
		return result, nil, errPreempted
	}

	result.Outputs = outputs
	result.Absent = absent
	switch {
	case len(outputs) > 0:
		result.Status = StageCompleted
	case timedOut:
		result.Status = StageTimedOut
	default:
		result.Status = StageFailed
	}

	for _, failure := range failures {
		e.log.Warn("handler contribution absent",
			"task", task.ID, "stage", stage.Name, "handler", failure.HandlerID, "timed_out", failure.TimedOut)
	}
	e.pushStageEvent(task, result)
	return result, failures, nil
}

// invokeWithRetry runs one handler with the per-handler timeout. On failure
// or timeout it retries once with a narrowed input; a second failure marks
// the contribution absent.
func (e *Executor) invokeWithRetry(ctx context.Context, task registry.Task, stageName string, inv plan.Invocation, session *Session, preload []registry.ContextEntry, prior []registry.Output) (registry.Output, *HandlerFailure) {
	handler, ok := e.reg.Handler(inv.HandlerID)
	if !ok {
		return registry.Output{}, &HandlerFailure{HandlerID: inv.HandlerID, Stage: stageName, Err: fmt.Errorf("handler not registered")}
	}

	session.HandlerStarted(inv.HandlerID)
	e.reg.SetStatus(inv.HandlerID, registry.StatusBusy)
	defer func() {
		session.HandlerFinished(inv.HandlerID)
		e.reg.SetStatus(inv.HandlerID, registry.StatusReady)
		e.reg.MarkActive(inv.HandlerID, e.nowFn())
	}()

	hc := registry.Context{
		SessionID:    session.ID,
		Entries:      preload,
		PriorOutputs: prior,
	}

	e.pushHandlerEvent(task, stageName, inv.HandlerID, "started", "")
	out, err := e.invokeOnce(ctx, handler, task, hc)
	if err == nil {
		e.pushHandlerEvent(task, stageName, inv.HandlerID, "completed", out.Status)
		return out, nil
	}
	if ctx.Err() != nil {
		return registry.Output{}, &HandlerFailure{HandlerID: inv.HandlerID, Stage: stageName, Err: ctx.Err()}
	}

	// Retry with a simplified, narrower input.
	e.pushHandlerEvent(task, stageName, inv.HandlerID, "retrying", "")
	hc.Narrowed = true
	out, retryErr := e.invokeOnce(ctx, handler, task, hc)
	if retryErr == nil {
		e.pushHandlerEvent(task, stageName, inv.HandlerID, "completed", out.Status)
		return out, nil
	}

	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(retryErr, context.DeadlineExceeded)
	kind := "failed"
	if timedOut {
		kind = "timed_out"
	}
	e.pushHandlerEvent(task, stageName, inv.HandlerID, kind, "")
	return registry.Output{}, &HandlerFailure{HandlerID: inv.HandlerID, Stage: stageName, TimedOut: timedOut, Err: retryErr}
}

// invokeOnce applies the per-handler timeout. A timed-out invocation is
// cancelled and whatever it produced is discarded.
func (e *Executor) invokeOnce(ctx context.Context, handler registry.Handler, task registry.Task, hc registry.Context) (registry.Output, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	type invokeResult struct {
		out registry.Output
		err error
	}
	done := make(chan invokeResult, 1)
	go func() {
		out, err := handler.Invoke(invokeCtx, task, hc)
		done <- invokeResult{out, err}
	}()

	select {
	case <-invokeCtx.Done():
		return registry.Output{}, invokeCtx.Err()
	case res := <-done:
		return res.out, res.err
	}
}

func (e *Executor) register(task registry.Task, priority schema.Priority) *flight {
	f := &flight{
		taskID:    task.ID,
		priority:  priority,
		preemptCh: make(chan struct{}, 1),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flights[task.ID] = f

	if priority == schema.PriorityCritical {
		for _, other := range e.flights {
			if other == f || !priority.Preempts(other.priority) {
				continue
			}
			select {
			case other.preemptCh <- struct{}{}:
			default:
				// Already has a pending preemption token.
			}
		}
	}
	return f
}

// markPreempted parks f in the FIFO resumption queue. Queue position is
// preemption order: among preempted tasks, first preempted is first
// resumed. If the critical work already finished by the time f notices the
// preemption, f is not parked and re-runs its stage immediately.
func (e *Executor) markPreempted(f *flight) {
	e.mu.Lock()
	criticalRemains := false
	for _, other := range e.flights {
		if other.priority == schema.PriorityCritical {
			criticalRemains = true
			break
		}
	}
	if !criticalRemains {
		e.mu.Unlock()
		return
	}
	f.mu.Lock()
	f.resumeCh = make(chan struct{})
	f.mu.Unlock()
	e.waiters = append(e.waiters, f)
	e.mu.Unlock()

	e.log.Info("task preempted", "task", f.taskID, "priority", f.priority)
}

func (e *Executor) finish(f *flight) {
	e.mu.Lock()
	delete(e.flights, f.taskID)
	criticalRemains := false
	for _, other := range e.flights {
		if other.priority == schema.PriorityCritical {
			criticalRemains = true
			break
		}
	}
	var toResume []*flight
	if !criticalRemains {
		toResume = e.waiters
		e.waiters = nil
	}
	e.mu.Unlock()

	// Release in FIFO order.
	for _, waiter := range toResume {
		waiter.mu.Lock()
		ch := waiter.resumeCh
		waiter.resumeCh = nil
		waiter.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	}
}

// waitIfPreempted consumes a pending preemption token between stages and
// blocks until resumption.
func (e *Executor) waitIfPreempted(ctx context.Context, f *flight) error {
	select {
	case <-f.preemptCh:
		e.markPreempted(f)
	default:
	}

	ch := f.resumeChan()
	if ch == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (e *Executor) pushHandlerEvent(task registry.Task, stageName, handlerID, kind, status string) {
	if e.bus == nil {
		return
	}
	body := kind
	if status != "" {
		body = status
	}
	_, _ = e.bus.Push(context.Background(), eventbus.EventInput{
		Stream:    schema.StreamHandlerStatus,
		ScopeType: "task",
		ScopeID:   task.ID,
		Subject:   fmt.Sprintf("Task %s handler update", task.ID),
		Body:      body,
		Metadata: map[string]any{
			schema.MetaKind:      kind,
			schema.MetaTaskID:    task.ID,
			schema.MetaHandlerID: handlerID,
			schema.MetaStage:     stageName,
		},
	})
}

func (e *Executor) pushStageEvent(task registry.Task, result StageResult) {
	if e.bus == nil {
		return
	}
	_, _ = e.bus.Push(context.Background(), eventbus.EventInput{
		Stream:    schema.StreamStageOutput,
		ScopeType: "task",
		ScopeID:   task.ID,
		Subject:   fmt.Sprintf("Task %s stage %s", task.ID, result.Name),
		Body:      string(result.Status),
		Metadata: map[string]any{
			schema.MetaKind:   "stage",
			schema.MetaTaskID: task.ID,
			schema.MetaStage:  result.Name,
			"outputs":         len(result.Outputs),
			"absent":          len(result.Absent),
		},
	})
}
