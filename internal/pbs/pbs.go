// Package pbs hands jobs to an external PBS scheduler through its command
// line tools. qrun only invokes the scheduler; it never implements one.
package pbs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mattjoyce/qrun/internal/jobspec"
	"github.com/mattjoyce/qrun/internal/log"
)

// Executor runs a scheduler command line and returns its combined output.
type Executor interface {
	Exec(ctx context.Context, cmd string) (string, error)
}

// Client drives qsub/qdel/qstat.
type Client struct {
	executor Executor
	logger   *slog.Logger
}

// NewClient creates a PBS client on top of an Executor.
func NewClient(executor Executor) *Client {
	return &Client{
		executor: executor,
		logger:   log.WithComponent("pbs"),
	}
}

// Submit renders the submission script for spec and feeds it to qsub via a
// heredoc. Returns the scheduler-assigned job ID.
func (c *Client) Submit(ctx context.Context, spec *jobspec.Spec) (string, error) {
	eof := "QRUN-" + uuid.NewString()
	cmd := fmt.Sprintf("qsub << '%s'\n%s%s", eof, Script(spec), eof)

	out, err := c.executor.Exec(ctx, cmd)
	if err != nil {
		c.logger.Error("qsub failed", "job", spec.Name, "output", strings.TrimSpace(out), "error", err)
		return "", fmt.Errorf("qsub: %w", err)
	}

	jobID := strings.TrimSpace(out)
	if jobID == "" {
		return "", fmt.Errorf("qsub returned no job ID")
	}
	c.logger.Info("job submitted to scheduler", "job", spec.Name, "pbs_job_id", jobID)
	return jobID, nil
}

// Cancel kills a scheduler job using qdel.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is empty")
	}
	_, err := c.executor.Exec(ctx, "qdel "+jobID)
	if err != nil {
		c.logger.Error("qdel failed", "pbs_job_id", jobID, "error", err)
		return fmt.Errorf("qdel: %w", err)
	}
	return nil
}

// Status returns the scheduler's job_state letter (Q, R, F, ...) for a job
// using qstat.
func (c *Client) Status(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job ID is empty")
	}
	out, err := c.executor.Exec(ctx, "qstat -f -x "+jobID)
	if err != nil {
		c.logger.Error("qstat failed", "pbs_job_id", jobID, "error", err)
		return "", fmt.Errorf("qstat: %w", err)
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "job_state ="); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("qstat output has no job_state for %s", jobID)
}

// HealthCheck probes the scheduler by listing the queue.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.executor.Exec(ctx, "qstat")
	if err != nil {
		c.logger.Error("scheduler healthcheck failed", "error", err)
	}
	return err
}
