package gc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the three sweep policies on independent cadences. A
// mutex per policy keeps runs single-flight: a slow sweep never overlaps
// the next tick of the same policy.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

type Cadences struct {
	Expiry      string
	Staleness   string
	FullRebuild string
}

func NewScheduler(sweeper *Sweeper, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		sweeper: sweeper,
		cron:    cron.New(),
		log:     log,
		running: map[string]bool{},
	}
}

// Start registers the cadences and begins ticking. Specs use cron syntax,
// including the @every form.
func (s *Scheduler) Start(ctx context.Context, cadences Cadences) error {
	jobs := []struct {
		policy string
		spec   string
	}{
		{PolicyExpiry, cadences.Expiry},
		{PolicyStaleness, cadences.Staleness},
		{PolicyFullRebuild, cadences.FullRebuild},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, func() {
			s.runPolicy(ctx, job.policy)
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the ticker and waits for in-flight jobs started by it.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Trigger runs one policy immediately, subject to the same single-flight
// guard as scheduled runs. Returns false if that policy is already running.
func (s *Scheduler) Trigger(ctx context.Context, policy string) bool {
	return s.runPolicy(ctx, policy)
}

func (s *Scheduler) runPolicy(ctx context.Context, policy string) bool {
	s.mu.Lock()
	if s.running[policy] {
		s.mu.Unlock()
		s.log.Info("sweep already running, skipping tick", "policy", policy)
		return false
	}
	s.running[policy] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[policy] = false
		s.mu.Unlock()
	}()

	records, err := s.sweeper.SweepAll(ctx, policy, false)
	if err != nil {
		s.log.Error("scheduled sweep finished with errors", "policy", policy, "error", err)
	}
	s.log.Info("sweep complete", "policy", policy, "scopes", len(records))
	return true
}
