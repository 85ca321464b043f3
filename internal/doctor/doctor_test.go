package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/qrun/internal/jobspec"
)

func validSpec() *jobspec.Spec {
	return &jobspec.Spec{
		Name: "test",
		Resources: jobspec.ResourceSpec{
			Project:  "ga32",
			Queue:    "normal",
			Walltime: jobspec.Duration(time.Hour),
			Memory:   1024 * 1024 * 1024,
			NCPUs:    1,
			Jobfs:    1024 * 1024 * 1024,
			Workdir:  jobspec.WorkdirCurrent,
		},
		Command: jobspec.CommandInvocation{Executable: "/bin/sh"},
	}
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidateOKSpec(t *testing.T) {
	r := New(validSpec(), "").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidateBrokenSpecStructure(t *testing.T) {
	spec := validSpec()
	spec.Resources.Project = ""

	r := New(spec, "").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "spec", "resources.project") {
		t.Fatalf("missing spec error: %v", r.Errors)
	}
}

func TestValidateMissingShell(t *testing.T) {
	r := New(validSpec(), "/no/such/shell").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "host", "not found") {
		t.Fatalf("missing shell error: %v", r.Errors)
	}
}

func TestValidateMissingProfile(t *testing.T) {
	spec := validSpec()
	spec.Environment = []jobspec.EnvStep{
		{Kind: jobspec.StepSource, Value: filepath.Join(t.TempDir(), "absent-profile")},
	}

	r := New(spec, "").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "environment", "does not exist") {
		t.Fatalf("missing profile error: %v", r.Errors)
	}
}

func TestValidateExistingProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile")
	if err := os.WriteFile(profile, []byte("export A=1\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	spec := validSpec()
	spec.Environment = []jobspec.EnvStep{{Kind: jobspec.StepSource, Value: profile}}

	r := New(spec, "").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidateMissingVenv(t *testing.T) {
	spec := validSpec()
	spec.Environment = []jobspec.EnvStep{
		{Kind: jobspec.StepVenv, Value: filepath.Join(t.TempDir(), "no-venv")},
	}

	r := New(spec, "").Validate()
	if !hasIssue(r.Errors, "environment", "activate") {
		t.Fatalf("missing venv error: %v", r.Errors)
	}
}

func TestValidateExistingVenv(t *testing.T) {
	venv := t.TempDir()
	binDir := filepath.Join(venv, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "activate"), []byte("# venv\n"), 0o644); err != nil {
		t.Fatalf("write activate: %v", err)
	}

	spec := validSpec()
	spec.Environment = []jobspec.EnvStep{{Kind: jobspec.StepVenv, Value: venv}}

	r := New(spec, "").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidateModuleSystemWarning(t *testing.T) {
	// Hide any real module system from the check.
	t.Setenv("MODULESHOME", "")
	t.Setenv("PATH", t.TempDir())

	spec := validSpec()
	spec.Environment = []jobspec.EnvStep{
		{Kind: jobspec.StepModule, Value: "openmpi/4.1.4"},
		{Kind: jobspec.StepModule, Value: "gdal/3.6.2"},
	}

	r := New(spec, "").Validate()
	if !r.Valid {
		t.Fatalf("module warning must not invalidate: %v", r.Errors)
	}

	count := 0
	for _, w := range r.Warnings {
		if strings.Contains(w.Message, "module system") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one module system warning, got %d: %v", count, r.Warnings)
	}
}

func TestValidateLauncherAndExecutableWarnings(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	spec := validSpec()
	spec.Command = jobspec.CommandInvocation{
		Executable: "predict",
		Launcher:   &jobspec.Launcher{Name: "mpirun"},
	}

	r := New(spec, "").Validate()
	if !r.Valid {
		t.Fatalf("PATH warnings must not invalidate: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "command", "mpirun") {
		t.Fatalf("missing launcher warning: %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "command", "predict") {
		t.Fatalf("missing executable warning: %v", r.Warnings)
	}
}
