// Package envprep applies an ordered environment plan (profile sourcing,
// virtualenv activation, module loads) and captures the resulting process
// environment. The qrun process environment is never mutated: steps run in
// a child shell and the environment is read back, so the dispatcher stays
// usable as a library.
package envprep

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/qrun/internal/jobspec"
)

// maxStderrBytes caps the amount of stderr captured from a failing step.
const maxStderrBytes = 8 * 1024

// DefaultShell interprets environment steps.
const DefaultShell = "/bin/sh"

// Plan is an ordered sequence of environment preparation steps.
type Plan struct {
	Shell string
	Steps []jobspec.EnvStep
}

// New creates a Plan for the given steps using shell, or DefaultShell when
// shell is empty.
func New(shell string, steps []jobspec.EnvStep) Plan {
	if shell == "" {
		shell = DefaultShell
	}
	return Plan{Shell: shell, Steps: steps}
}

// StepError reports the first environment step that failed. Steps after it
// are never attempted.
type StepError struct {
	Index  int
	Step   jobspec.EnvStep
	Stderr string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("environment step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Fragment renders the shell fragment for one step.
func Fragment(step jobspec.EnvStep) string {
	switch step.Kind {
	case jobspec.StepSource:
		return ". " + Quote(step.Value)
	case jobspec.StepVenv:
		return ". " + Quote(strings.TrimRight(step.Value, "/")+"/bin/activate")
	case jobspec.StepModule:
		return "module load " + Quote(step.Value)
	default:
		return step.Value
	}
}

// Script renders all step fragments, one per line, in declared order.
func Script(steps []jobspec.EnvStep) string {
	var b strings.Builder
	for _, step := range steps {
		b.WriteString(Fragment(step))
		b.WriteByte('\n')
	}
	return b.String()
}

// Capture applies the plan on top of base (os.Environ() when nil) and
// returns the resulting environment. Steps are applied strictly in declared
// order; the first failure aborts with a *StepError and later steps never
// run. Probing is cumulative: step k runs in a shell that has already
// executed steps 1..k-1, so shell functions defined by a sourced profile
// (such as "module") stay available to later steps.
func (p Plan) Capture(ctx context.Context, base []string) ([]string, error) {
	if base == nil {
		base = os.Environ()
	}
	if len(p.Steps) == 0 {
		return base, nil
	}

	shell := p.Shell
	if shell == "" {
		shell = DefaultShell
	}

	var env []string
	for k := 1; k <= len(p.Steps); k++ {
		out, stderr, err := p.probe(ctx, shell, p.Steps[:k], base)
		if err != nil {
			return nil, &StepError{
				Index:  k - 1,
				Step:   p.Steps[k-1],
				Stderr: stderr,
				Err:    err,
			}
		}
		if k == len(p.Steps) {
			env = parseNulEnv(out)
		}
	}
	return env, nil
}

// ApplyToProcess captures the plan's environment and installs it into the
// current process, returning a restore function that reinstates the prior
// environment. Intended for library callers; the dispatcher itself passes
// the captured environment straight to the child process.
func (p Plan) ApplyToProcess(ctx context.Context) (func() error, error) {
	captured, err := p.Capture(ctx, nil)
	if err != nil {
		return nil, err
	}

	saved := os.Environ()
	install := func(env []string) error {
		os.Clearenv()
		for _, kv := range env {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				continue
			}
			if err := os.Setenv(kv[:i], kv[i+1:]); err != nil {
				return err
			}
		}
		return nil
	}

	if err := install(captured); err != nil {
		_ = install(saved)
		return nil, err
	}
	return func() error { return install(saved) }, nil
}

// probe runs the first k steps and dumps the resulting environment to
// stdout, NUL-separated. Step output is pushed to stderr so the dump stays
// parseable.
func (p Plan) probe(ctx context.Context, shell string, steps []jobspec.EnvStep, base []string) ([]byte, string, error) {
	var script strings.Builder
	script.WriteString("{\nset -e\n")
	for _, step := range steps {
		script.WriteString(Fragment(step))
		script.WriteByte('\n')
	}
	script.WriteString("} 1>&2\nexec env -0\n")

	cmd := exec.CommandContext(ctx, shell, "-c", script.String())
	cmd.Env = base

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, truncate(stderr.String()), err
	}
	return stdout.Bytes(), "", nil
}

// parseNulEnv splits an `env -0` dump into KEY=VALUE entries. NUL
// separation keeps multi-line values intact.
func parseNulEnv(out []byte) []string {
	parts := bytes.Split(out, []byte{0})
	env := make([]string, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 || !bytes.ContainsRune(part, '=') {
			continue
		}
		env = append(env, string(part))
	}
	return env
}

// LookupPath returns the PATH value from a captured environment.
func LookupPath(env []string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return kv[len("PATH="):]
		}
	}
	return ""
}

// Quote single-quotes s for safe interpolation into a shell command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
