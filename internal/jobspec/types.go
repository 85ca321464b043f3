// Package jobspec defines the declarative job specification: resource
// requests, the ordered environment plan, and the single command invocation.
package jobspec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkdirMode declares which directory the job runs in.
type WorkdirMode string

// WorkdirCurrent runs the job in the submission directory rather than a
// scheduler-assigned default.
const WorkdirCurrent WorkdirMode = "current_dir"

// Spec is a complete job specification. It is read once at submission time
// and never mutated afterwards.
type Spec struct {
	Name        string            `yaml:"name"`
	Resources   ResourceSpec      `yaml:"resources"`
	Environment []EnvStep         `yaml:"environment,omitempty"`
	Command     CommandInvocation `yaml:"command"`
}

// ResourceSpec declares what the job needs from the scheduler. All fields
// are required and must be positive/non-empty.
type ResourceSpec struct {
	Project  string      `yaml:"project"`
	Queue    string      `yaml:"queue"`
	Walltime Duration    `yaml:"walltime"`
	Memory   ByteSize    `yaml:"memory"`
	NCPUs    int         `yaml:"ncpus"`
	Jobfs    ByteSize    `yaml:"jobfs"`
	Workdir  WorkdirMode `yaml:"workdir,omitempty"`
}

// StepKind identifies an environment preparation step type.
type StepKind string

const (
	// StepSource sources a shell profile file.
	StepSource StepKind = "source"
	// StepVenv activates a Python virtual environment rooted at the value.
	StepVenv StepKind = "venv"
	// StepModule loads a named (optionally versioned) software module.
	StepModule StepKind = "module"
	// StepShell runs a raw shell fragment. Escape hatch.
	StepShell StepKind = "shell"
)

// EnvStep is one environment preparation step. Steps are applied strictly
// in declared order because later steps may depend on earlier ones.
type EnvStep struct {
	Kind  StepKind
	Value string
}

// UnmarshalYAML decodes a step written as a single-key mapping, e.g.
// "- module: openmpi/4.1.4".
func (s *EnvStep) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]string
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("environment step must be a single-key mapping: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("environment step must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		kind := StepKind(k)
		switch kind {
		case StepSource, StepVenv, StepModule, StepShell:
			s.Kind = kind
			s.Value = v
		default:
			return fmt.Errorf("unknown environment step kind %q (want source, venv, module or shell)", k)
		}
	}
	return nil
}

// MarshalYAML renders the step back to its single-key mapping form.
func (s EnvStep) MarshalYAML() (any, error) {
	return map[string]string{string(s.Kind): s.Value}, nil
}

// String returns a short human label for logs and error messages.
func (s EnvStep) String() string {
	switch s.Kind {
	case StepSource:
		return "source " + s.Value
	case StepVenv:
		return "activate " + s.Value
	case StepModule:
		return "module load " + s.Value
	default:
		return "shell " + s.Value
	}
}

// Launcher wraps the executable when distributed execution is required,
// e.g. mpirun starting one rank per allocated CPU.
type Launcher struct {
	Name    string   `yaml:"name"`
	Options []string `yaml:"options,omitempty"`
}

// CommandInvocation is the single external command a job runs. Arguments
// are opaque strings; qrun never interprets their semantics.
type CommandInvocation struct {
	Executable string    `yaml:"executable"`
	Args       []string  `yaml:"args,omitempty"`
	Launcher   *Launcher `yaml:"launcher,omitempty"`
}

// Argv builds the final argument vector, wrapping the executable in the
// launcher when one is declared. Resource placeholders ({ncpus}, {mem},
// {walltime}, {jobfs}) in launcher options and args are expanded from res.
func (c CommandInvocation) Argv(res ResourceSpec) []string {
	argv := make([]string, 0, 2+len(c.Args)+8)
	if c.Launcher != nil {
		argv = append(argv, c.Launcher.Name)
		for _, opt := range c.Launcher.Options {
			argv = append(argv, ExpandPlaceholders(opt, res))
		}
	}
	argv = append(argv, c.Executable)
	for _, arg := range c.Args {
		argv = append(argv, ExpandPlaceholders(arg, res))
	}
	return argv
}

// ExpandPlaceholders substitutes resource placeholders in s.
func ExpandPlaceholders(s string, res ResourceSpec) string {
	r := strings.NewReplacer(
		"{ncpus}", strconv.Itoa(res.NCPUs),
		"{mem}", res.Memory.PBS(),
		"{walltime}", res.Walltime.PBS(),
		"{jobfs}", res.Jobfs.PBS(),
	)
	return r.Replace(s)
}

// Duration is a wall-time limit. YAML accepts Go duration syntax ("10h30m")
// or the scheduler's HH:MM:SS form.
type Duration time.Duration

// UnmarshalYAML parses either duration form.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseWalltime(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML renders the HH:MM:SS form.
func (d Duration) MarshalYAML() (any, error) { return d.PBS(), nil }

// Duration converts to the standard library type.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// PBS renders the walltime as HH:MM:SS.
func (d Duration) PBS() string {
	total := int64(time.Duration(d) / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ParseWalltime parses "HH:MM:SS" or a Go duration string.
func ParseWalltime(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("walltime is empty")
	}
	if strings.Contains(raw, ":") {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("invalid walltime %q (want HH:MM:SS)", raw)
		}
		var h, m, s int
		var err error
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid walltime %q: %w", raw, err)
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("invalid walltime %q: %w", raw, err)
		}
		if s, err = strconv.Atoi(parts[2]); err != nil {
			return 0, fmt.Errorf("invalid walltime %q: %w", raw, err)
		}
		if h < 0 || m < 0 || m > 59 || s < 0 || s > 59 {
			return 0, fmt.Errorf("invalid walltime %q", raw)
		}
		return Duration(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid walltime %q: %w", raw, err)
	}
	return Duration(d), nil
}

// ByteSize is a memory or scratch-disk size in bytes. YAML accepts plain
// byte counts or values with a KB/MB/GB/TB suffix.
type ByteSize int64

const (
	kb ByteSize = 1024
	mb          = 1024 * kb
	gb          = 1024 * mb
	tb          = 1024 * gb
)

// UnmarshalYAML parses sizes like "128GB", "512mb" or "1073741824".
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseByteSize(raw)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalYAML renders the PBS form.
func (b ByteSize) MarshalYAML() (any, error) { return b.PBS(), nil }

// PBS renders the size with the largest unit that divides it evenly, the
// way resource directives are conventionally written (e.g. "128GB").
func (b ByteSize) PBS() string {
	switch {
	case b >= tb && b%tb == 0:
		return strconv.FormatInt(int64(b/tb), 10) + "TB"
	case b >= gb && b%gb == 0:
		return strconv.FormatInt(int64(b/gb), 10) + "GB"
	case b >= mb && b%mb == 0:
		return strconv.FormatInt(int64(b/mb), 10) + "MB"
	case b >= kb && b%kb == 0:
		return strconv.FormatInt(int64(b/kb), 10) + "KB"
	default:
		return strconv.FormatInt(int64(b), 10) + "B"
	}
}

// ParseByteSize parses a size string with an optional unit suffix.
func ParseByteSize(raw string) (ByteSize, error) {
	s := strings.TrimSpace(strings.ToUpper(raw))
	if s == "" {
		return 0, fmt.Errorf("size is empty")
	}
	unit := ByteSize(1)
	switch {
	case strings.HasSuffix(s, "TB"):
		unit, s = tb, s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		unit, s = gb, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		unit, s = mb, s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		unit, s = kb, s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", raw)
	}
	return ByteSize(n) * unit, nil
}
