package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/qrun/internal/jobspec"
	"github.com/mattjoyce/qrun/internal/log"
	"github.com/mattjoyce/qrun/internal/queue"
)

// Loop drains the job queue serially: one job process per submission,
// never more than one at a time.
type Loop struct {
	queue    *queue.Queue
	disp     *Dispatcher
	interval time.Duration
	logger   *slog.Logger
}

// NewLoop creates a serve loop polling the queue every interval.
func NewLoop(q *queue.Queue, d *Dispatcher, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		queue:    q,
		disp:     d,
		interval: interval,
		logger:   log.WithComponent("serve"),
	}
}

// Start runs the loop until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("serve loop started", "interval", l.interval)
	defer l.logger.Info("serve loop stopped")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.processNext(ctx); err != nil {
				l.logger.Error("failed to process job", "error", err)
				// Keep draining; one bad job must not stop the loop.
			}
		}
	}
}

// processNext dequeues and runs at most one job.
func (l *Loop) processNext(ctx context.Context) error {
	job, err := l.queue.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	l.runJob(ctx, job)
	return nil
}

// runJob executes one queued job and records its terminal state.
func (l *Loop) runJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("name", job.Name, "spec", job.SpecPath)
	jobLogger.Info("executing queued job")

	spec, err := jobspec.Load(job.SpecPath)
	if err != nil {
		msg := err.Error()
		l.complete(ctx, job.ID, queue.StatusFailed, nil, &msg, nil)
		jobLogger.Error("spec load failed", "error", err)
		return
	}

	result, err := l.disp.Submit(ctx, spec)
	if err != nil {
		msg := err.Error()
		l.complete(ctx, job.ID, queue.StatusFailed, nil, &msg, nil)
		jobLogger.Error("dispatch failed before execution", "error", err)
		return
	}

	status := queue.StatusSucceeded
	var lastError *string
	switch {
	case result.TimedOut:
		status = queue.StatusTimedOut
		msg := fmt.Sprintf("walltime limit exceeded after %s", result.Runtime.Round(time.Second))
		lastError = &msg
	case result.ExitCode != 0:
		status = queue.StatusFailed
		msg := fmt.Sprintf("command exited with code %d", result.ExitCode)
		lastError = &msg
	}

	var stderrTail *string
	if result.StderrTail != "" {
		stderrTail = &result.StderrTail
	}
	l.complete(ctx, job.ID, status, &result.ExitCode, lastError, stderrTail)
	jobLogger.Info("queued job finished", "status", string(status), "exit_code", result.ExitCode)
}

func (l *Loop) complete(ctx context.Context, jobID string, status queue.Status, exitCode *int, lastError, stderrTail *string) {
	if err := l.queue.Complete(ctx, jobID, status, exitCode, lastError, stderrTail); err != nil {
		l.logger.Error("failed to complete job", "job_id", jobID, "error", err)
	}
}
