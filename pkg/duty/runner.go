// Package duty runs a scheduled task on whichever peer currently believes
// it is leader. It only reads coordination.Leadership.
package duty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"peerelect/pkg/coordination"
	"peerelect/pkg/metrics"
	"peerelect/pkg/models"
	"peerelect/pkg/storage"
)

var ErrNoSchedule = errors.New("duty schedule is required")

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Config describes the single duty this peer may run.
type Config struct {
	Name     string
	Scope    string
	Schedule string // standard 5-field cron or a descriptor like "@every 30s"
	Command  string
	Timeout  time.Duration
}

// ElectionSource optionally exposes the accepted election id for run records.
type ElectionSource interface {
	Status() coordination.Status
}

type Runner struct {
	cfg        Config
	leadership coordination.Leadership
	executor   Executor
	runs       storage.RunStore
	outputs    storage.OutputStore // optional
	log        *zap.Logger
	now        func() time.Time

	cron    *cron.Cron
	running sync.Mutex
}

func NewRunner(cfg Config, leadership coordination.Leadership, executor Executor, runs storage.RunStore, outputs storage.OutputStore, log *zap.Logger) (*Runner, error) {
	if cfg.Schedule == "" {
		return nil, ErrNoSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		cfg:        cfg,
		leadership: leadership,
		executor:   executor,
		runs:       runs,
		outputs:    outputs,
		log:        log.Named("duty").With(zap.String("duty", cfg.Name)),
		now:        time.Now,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := r.cron.AddFunc(cfg.Schedule, func() { r.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid duty schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// an in-flight tick to finish.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("Duty runner started", zap.String("schedule", r.cfg.Schedule))
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.log.Info("Duty runner stopped")
}

// Tick runs the duty once if this peer is leader. Overlapping ticks are
// skipped rather than queued.
func (r *Runner) Tick(ctx context.Context) (*models.DutyRun, error) {
	if !r.leadership.IsCurrentlyLeader() {
		metrics.RecordDutyRun(r.cfg.Name, StatusSkipped, 0)
		r.log.Debug("Not leader, skipping tick", zap.String("leader", r.leadership.LeaderID()))
		return nil, nil
	}
	if !r.running.TryLock() {
		metrics.RecordDutyRun(r.cfg.Name, StatusSkipped, 0)
		r.log.Warn("Previous tick still running, skipping")
		return nil, nil
	}
	defer r.running.Unlock()

	run := &models.DutyRun{
		Duty:      r.cfg.Name,
		Scope:     r.cfg.Scope,
		ClientID:  r.leadership.ClientID(),
		Command:   r.cfg.Command,
		Status:    models.RunRunning,
		StartedAt: r.now(),
	}
	if src, ok := r.leadership.(ElectionSource); ok {
		run.ElectionID = src.Status().ElectionID
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	res := r.executor.Execute(execCtx, r.cfg.Command)
	cancel()

	status := models.RunSucceeded
	switch {
	case res.TimedOut:
		status = models.RunTimedOut
	case res.Err != nil || res.ExitCode != 0:
		status = models.RunFailed
	}

	var uri string
	if r.outputs != nil && len(res.Output) > 0 {
		ref, err := r.outputs.Store(ctx, run.ID.String(), res.Output)
		if err != nil {
			r.log.Warn("Failed to store output", zap.String("run_id", run.ID.String()), zap.Error(err))
		} else {
			uri = ref
		}
	}

	completed := r.now()
	if err := r.runs.FinishRun(ctx, run.ID, status, res.ExitCode, uri, completed); err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}
	run.Status, run.ExitCode, run.OutputURI, run.CompletedAt = status, res.ExitCode, uri, &completed

	metricStatus := StatusSuccess
	if status != models.RunSucceeded {
		metricStatus = StatusFailed
	}
	metrics.RecordDutyRun(r.cfg.Name, metricStatus, res.Duration.Seconds())

	fields := []zap.Field{
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	}
	if status == models.RunSucceeded {
		r.log.Info("Duty run completed", fields...)
	} else {
		r.log.Warn("Duty run failed", append(fields, zap.Error(res.Err))...)
	}
	return run, nil
}
