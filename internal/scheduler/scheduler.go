// ============================================================================
// Jobserver Scheduler Loop
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: The periodic pass that pairs waiting jobs with idle machines,
// dispatches ready setup tasks, launches workers, and reaps cancellations
// (C5).
//
// The running-worker handle table (jid -> cancel channel) is owned
// exclusively by the Scheduler and never shared with the registry or
// dispatcher, per the specification's resource model.
//
// ============================================================================

// Package scheduler runs the server's periodic dispatch-and-reap loop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hollow-creek/jobserver/internal/metrics"
	"github.com/hollow-creek/jobserver/internal/registry"
	"github.com/hollow-creek/jobserver/internal/runner"
	"github.com/hollow-creek/jobserver/internal/types"
)

var log = slog.Default()

// Scheduler periodically matches jobs to machines and reaps cancellations.
type Scheduler struct {
	reg       *registry.Registry
	runnerCfg runner.Config
	period    time.Duration
	met       *metrics.Collector

	mu      sync.Mutex
	cancels map[types.JobID]chan struct{}
}

// New builds a Scheduler. period is the tick interval (the specification
// documents ~1s). met may be nil, in which case outcome metrics are skipped.
func New(reg *registry.Registry, runnerCfg runner.Config, period time.Duration, met *metrics.Collector) *Scheduler {
	return &Scheduler{
		reg:       reg,
		runnerCfg: runnerCfg,
		period:    period,
		met:       met,
		cancels:   make(map[types.JobID]chan struct{}),
	}
}

// Run blocks, ticking every period, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs the four scheduling phases in order.
func (s *Scheduler) tick() {
	s.dispatchJob()
	s.dispatchSetupTasks()
	s.reapCancelledJob()
	s.reapCancelledSetupTask()
}

// dispatchJob is Phase 1: at most one job started per tick.
func (s *Scheduler) dispatchJob() {
	jid, addr, ok := s.reg.DispatchOneJob()
	if !ok {
		return
	}

	cancel := s.registerWorker(jid)
	started := time.Now()
	go func() {
		runner.RunJob(s.reg, s.runnerCfg, jid, cancel)
		s.forgetWorker(jid)
		s.recordOutcome(jid, started)
	}()
	log.Info("scheduler: dispatched job", "jid", jid, "machine", addr)
}

// dispatchSetupTasks is Phase 2: every waiting setup task starts this tick.
func (s *Scheduler) dispatchSetupTasks() {
	started := s.reg.DispatchWaitingSetupTasks()
	for _, jid := range started {
		cancel := s.registerWorker(jid)
		go func(jid types.JobID, cancel chan struct{}) {
			runner.RunSetupTask(s.reg, s.runnerCfg, jid, cancel)
			s.forgetWorker(jid)
		}(jid, cancel)
		log.Info("scheduler: dispatched setup task", "jid", jid)
	}
}

// reapCancelledJob is Phase 3: remove and signal at most one cancelled job.
func (s *Scheduler) reapCancelledJob() {
	jid, ok := s.reg.ReapCancelledJob()
	if !ok {
		return
	}
	s.signalAndForget(jid)
	log.Info("scheduler: reaped cancelled job", "jid", jid)
}

// reapCancelledSetupTask is Phase 4: the same reap for setup tasks.
func (s *Scheduler) reapCancelledSetupTask() {
	jid, ok := s.reg.ReapCancelledSetupTask()
	if !ok {
		return
	}
	s.signalAndForget(jid)
	log.Info("scheduler: reaped cancelled setup task", "jid", jid)
}

// registerWorker allocates a fresh cancellation channel for jid and records
// it in the handle table.
func (s *Scheduler) registerWorker(jid types.JobID) chan struct{} {
	cancel := make(chan struct{})

	s.mu.Lock()
	s.cancels[jid] = cancel
	s.mu.Unlock()

	return cancel
}

// forgetWorker removes jid's handle once its worker has exited on its own
// (not via cancellation), so the handle table does not grow without bound.
func (s *Scheduler) forgetWorker(jid types.JobID) {
	s.mu.Lock()
	delete(s.cancels, jid)
	s.mu.Unlock()
}

// recordOutcome observes the job's terminal status against the metrics
// collector, if one is configured. Cancelled and already-evicted jobs are
// not counted: the dispatcher's CancelJob request handler records the
// cancellation counter at the point of cancellation, not here.
func (s *Scheduler) recordOutcome(jid types.JobID, started time.Time) {
	if s.met == nil {
		return
	}
	view, ok := s.reg.JobStatus(jid)
	if !ok {
		return
	}
	duration := time.Since(started).Seconds()
	switch view.Status.Kind {
	case types.StatusDone:
		s.met.RecordDone(duration)
	case types.StatusFailed:
		s.met.RecordFailed(duration)
	}
}

// signalAndForget closes jid's cancellation channel (non-blocking — workers
// only ever receive from it, never send) and forgets the handle. It is safe
// to call even if the worker has already exited.
func (s *Scheduler) signalAndForget(jid types.JobID) {
	s.mu.Lock()
	cancel, ok := s.cancels[jid]
	delete(s.cancels, jid)
	s.mu.Unlock()

	if ok {
		close(cancel)
	}
}
