package jobspec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates and validates a job specification file. If a
// .checksums manifest exists next to the file, the file is verified against
// it before parsing.
func Load(specPath string) (*Spec, error) {
	absPath, err := filepath.Abs(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve spec path %q: %w", specPath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("job spec not found: %s", absPath)
	}

	if err := verifySpecHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var spec Spec
	if err := yaml.Unmarshal([]byte(interpolated), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec YAML: %w", err)
	}

	applyDefaults(&spec, absPath)

	if err := Validate(&spec); err != nil {
		return nil, fmt.Errorf("invalid job spec %s: %w", absPath, err)
	}

	return &spec, nil
}

// verifySpecHash checks the spec file against a sibling .checksums manifest.
// A missing manifest skips verification; a manifest missing this file fails.
func verifySpecHash(absPath string) error {
	dir := filepath.Dir(absPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	basename := filepath.Base(absPath)
	expected, ok := manifest.Hashes[basename]
	if !ok {
		return fmt.Errorf("job spec %s has no hash in checksums at %s\n"+
			"Run: qrun config lock --dir %s", basename, dir, dir)
	}
	if err := VerifyFileHash(absPath, expected); err != nil {
		return fmt.Errorf("job spec verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: qrun config lock --dir %s", absPath, err, dir)
	}
	return nil
}

// applyDefaults fills optional fields before validation.
func applyDefaults(spec *Spec, absPath string) {
	if spec.Name == "" {
		base := filepath.Base(absPath)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if spec.Resources.Workdir == "" {
		spec.Resources.Workdir = WorkdirCurrent
	}
}

// Validate checks the invariants the dispatcher relies on: resource fields
// present and positive, exactly one well-formed command, known step kinds.
func Validate(spec *Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("name is required")
	}

	res := spec.Resources
	if res.Project == "" {
		return fmt.Errorf("resources.project is required")
	}
	if res.Queue == "" {
		return fmt.Errorf("resources.queue is required")
	}
	if res.Walltime <= 0 {
		return fmt.Errorf("resources.walltime must be positive")
	}
	if res.Memory <= 0 {
		return fmt.Errorf("resources.memory must be positive")
	}
	if res.NCPUs <= 0 {
		return fmt.Errorf("resources.ncpus must be positive")
	}
	if res.Jobfs <= 0 {
		return fmt.Errorf("resources.jobfs must be positive")
	}
	if res.Workdir != WorkdirCurrent {
		return fmt.Errorf("resources.workdir must be %q (got %q)", WorkdirCurrent, res.Workdir)
	}

	for i, step := range spec.Environment {
		if step.Value == "" {
			return fmt.Errorf("environment[%d]: %s step has empty value", i, step.Kind)
		}
		if envVarPattern.MatchString(step.Value) {
			matches := envVarPattern.FindStringSubmatch(step.Value)
			return fmt.Errorf("environment[%d]: environment variable ${%s} is not set", i, matches[1])
		}
	}

	cmd := spec.Command
	if cmd.Executable == "" {
		return fmt.Errorf("command.executable is required")
	}
	if cmd.Launcher != nil && cmd.Launcher.Name == "" {
		return fmt.Errorf("command.launcher.name is required when a launcher is declared")
	}

	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
