// Package dispatch runs one external command per job: validate the spec,
// prepare the environment, execute, and report the exit code unchanged.
// All failures are fatal and non-retried.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/qrun/internal/envprep"
	"github.com/mattjoyce/qrun/internal/jobspec"
	"github.com/mattjoyce/qrun/internal/log"
)

const (
	// maxStderrBytes caps the stderr tail kept in the job record.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before
	// sending SIGKILL when the walltime limit elapses.
	terminationGracePeriod = 5 * time.Second
)

// ErrCommandNotFound reports an executable that did not resolve on PATH
// after environment preparation completed.
var ErrCommandNotFound = errors.New("command not found")

// Result is the terminal outcome of one job execution.
type Result struct {
	ExitCode int
	// TimedOut is set when the walltime limit killed the job. The exit
	// code then reflects the signal death (e.g. 143 or 137).
	TimedOut   bool
	Runtime    time.Duration
	StderrTail string
}

// Succeeded reports whether the wrapped command exited zero.
func (r *Result) Succeeded() bool { return !r.TimedOut && r.ExitCode == 0 }

// Dispatcher executes job specifications. The zero value is not usable;
// call New.
type Dispatcher struct {
	shell  string
	grace  time.Duration
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithShell sets the shell that interprets environment steps.
func WithShell(shell string) Option {
	return func(d *Dispatcher) { d.shell = shell }
}

// WithGracePeriod sets the SIGTERM-to-SIGKILL grace period.
func WithGracePeriod(grace time.Duration) Option {
	return func(d *Dispatcher) { d.grace = grace }
}

// WithOutput redirects the wrapped command's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(d *Dispatcher) {
		d.stdout = stdout
		d.stderr = stderr
	}
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		shell:  envprep.DefaultShell,
		grace:  terminationGracePeriod,
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit runs one job synchronously: validate, prepare environment,
// resolve the executable, execute, report. A non-nil error means the
// wrapped command never ran (or could not be waited on); a non-zero exit
// from the command itself comes back in Result with a nil error.
func (d *Dispatcher) Submit(ctx context.Context, spec *jobspec.Spec) (*Result, error) {
	if err := jobspec.Validate(spec); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	jobLogger := d.logger.With("job", spec.Name)
	jobLogger.Info("preparing environment", "steps", len(spec.Environment))

	plan := envprep.New(d.shell, spec.Environment)
	env, err := plan.Capture(ctx, nil)
	if err != nil {
		var stepErr *envprep.StepError
		if errors.As(err, &stepErr) {
			jobLogger.Error("environment preparation failed",
				"step", stepErr.Index, "kind", string(stepErr.Step.Kind), "stderr", stepErr.Stderr)
		}
		return nil, fmt.Errorf("prepare environment: %w", err)
	}

	argv := spec.Command.Argv(spec.Resources)
	resolved, err := resolveExecutable(envprep.LookupPath(env), argv[0])
	if err != nil {
		jobLogger.Error("executable not resolvable", "executable", argv[0])
		return nil, err
	}

	jobLogger.Info("executing", "argv", argv, "walltime", spec.Resources.Walltime.PBS())
	return d.execute(ctx, jobLogger, resolved, argv, env, spec.Resources.Walltime.Duration())
}

// execute runs the resolved command, enforcing walltime with SIGTERM then
// SIGKILL after the grace period.
func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, path string, argv, env []string, walltime time.Duration) (*Result, error) {
	var tail cappedBuffer

	cmd := exec.Command(path)
	cmd.Args = argv
	cmd.Env = env
	cmd.Stdout = d.stdout
	cmd.Stderr = io.MultiWriter(d.stderr, &tail)
	// Workdir mode current_dir: inherit the submission directory, which is
	// the dispatcher's own working directory.

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	timer := time.NewTimer(walltime)
	defer timer.Stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timedOut := false
	select {
	case <-ctx.Done():
		logger.Warn("context cancelled, sending SIGTERM")
		d.terminate(logger, cmd, waitErr)
	case <-timer.C:
		logger.Warn("walltime limit reached, sending SIGTERM", "walltime", walltime)
		timedOut = true
		d.terminate(logger, cmd, waitErr)
	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("wait for process: %w", err)
			}
		}
	}

	result := &Result{
		ExitCode:   exitCode(cmd.ProcessState),
		TimedOut:   timedOut,
		Runtime:    time.Since(started),
		StderrTail: tail.String(),
	}
	logger.Info("job finished", "exit_code", result.ExitCode, "timed_out", result.TimedOut, "runtime", result.Runtime)
	return result, nil
}

// terminate sends SIGTERM, waits for the grace period, then SIGKILLs. It
// always drains waitErr so the process is fully reaped.
func (d *Dispatcher) terminate(logger *slog.Logger, cmd *exec.Cmd, waitErr chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(d.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("process exited after SIGTERM")
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// exitCode maps the process state to a scheduler-style exit code: the
// command's own code when it exited, 128+signal when a signal killed it.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// resolveExecutable resolves exe against the PATH captured from the
// environment plan, not the dispatcher's own PATH. Paths containing a
// separator are checked directly.
func resolveExecutable(pathList, exe string) (string, error) {
	isExecutable := func(p string) bool {
		info, err := os.Stat(p)
		return err == nil && !info.IsDir() && info.Mode()&0111 != 0
	}

	if strings.ContainsRune(exe, os.PathSeparator) {
		if isExecutable(exe) {
			return exe, nil
		}
		return "", fmt.Errorf("%w: %q is not an executable file", ErrCommandNotFound, exe)
	}

	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, exe)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q not on PATH after environment preparation", ErrCommandNotFound, exe)
}

// cappedBuffer keeps at most maxStderrBytes of what is written to it.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := maxStderrBytes - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		c.buf.Write(p)
	}
	return n, nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
