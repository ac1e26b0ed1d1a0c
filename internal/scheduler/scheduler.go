package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to execute workflows.
// Satisfied by the engine runner (avoids import cycle).
type WorkflowRunner interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (*schema.WorkflowResult, error)
}

// DefinitionSource resolves workflow names to definitions.
// Satisfied by the catalog.
type DefinitionSource interface {
	Get(name string) (*schema.WorkflowDefinition, error)
}

// Scheduler polls the store for due scheduled jobs and runs their workflows.
type Scheduler struct {
	store  store.Store
	source DefinitionSource
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	// running tracks in-flight job goroutines so Stop can drain them.
	running sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, source DefinitionSource, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		source:   source,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and dispatches those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			s.dispatch(ctx, job, now)
		}
	}
}

// dispatch runs a due job on its own goroutine so a long workflow cannot
// stall the tick loop. Returns false if the job is already in flight.
// The job's bookkeeping is updated before the in-flight slot is released, so
// a tick overlapping a slow run either sees the job in flight or sees its
// advanced next_run_at; it never double-runs.
func (s *Scheduler) dispatch(ctx context.Context, job *store.ScheduledJob, now time.Time) bool {
	if !s.tryAcquire(job.ID) {
		return false
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.releaseJob(job.ID)
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// runJob resolves the job's workflow from the catalog, executes it, and
// updates the job's timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow", job.Workflow),
	)

	var vars map[string]any
	if len(job.Variables) > 0 {
		if err := json.Unmarshal(job.Variables, &vars); err != nil {
			s.logger.Error("scheduled job has undecodable variables",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return s.updateJobStatus(ctx, job, now, "error")
		}
	}

	def, err := s.source.Get(job.Workflow)
	if err != nil {
		s.logger.Error("scheduled workflow not registered",
			slog.String("job_id", job.ID),
			slog.String("workflow", job.Workflow),
		)
		return s.updateJobStatus(ctx, job, now, "error")
	}

	result, err := s.runner.Execute(ctx, def, vars)
	status := "success"
	switch {
	case err != nil:
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	case !result.Success:
		status = "error"
		s.logger.Warn("scheduled job run did not succeed",
			slog.String("job_id", job.ID),
			slog.String("status", string(result.Status)),
		)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a five-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, cancelling the loop and waiting
// for in-flight jobs. Cancellation propagates into running workflows, so the
// wait ends as fast as their steps yield.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.running.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed dispatches jobs whose next_run_at passed while the process
// was down. Called once at startup, before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if s.dispatch(ctx, job, now) {
				recovered++
			}
		}
	}

	if recovered > 0 {
		s.logger.Info("recovering missed jobs", slog.Int("count", recovered))
	}
	return nil
}
