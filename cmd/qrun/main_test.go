package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeSpecFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func shellSpecYAML(script string, extra string) string {
	return `
name: main-test
resources:
  project: ga32
  queue: normal
  walltime: "00:01:00"
  memory: 1GB
  ncpus: 1
  jobfs: 1GB
` + extra + `
command:
  executable: /bin/sh
  args: ["-c", "` + script + `"]
`
}

func TestRunRunPropagatesExitCode(t *testing.T) {
	spec := writeSpecFile(t, t.TempDir(), "exit4.yaml", shellSpecYAML("exit 4", ""))

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runRun([]string{spec})
	})
	if code != 4 {
		t.Fatalf("exit code = %d, want 4", code)
	}
}

func TestRunRunExitZero(t *testing.T) {
	spec := writeSpecFile(t, t.TempDir(), "ok.yaml", shellSpecYAML("exit 0", ""))

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runRun([]string{spec})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunRunMissingSpecArgument(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runRun(nil)
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunRunCommandNotFound(t *testing.T) {
	doc := `
name: missing
resources:
  project: ga32
  queue: normal
  walltime: "00:01:00"
  memory: 1GB
  ncpus: 1
  jobfs: 1GB
command:
  executable: qrun-no-such-binary-77af
`
	spec := writeSpecFile(t, t.TempDir(), "missing.yaml", doc)

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runRun([]string{spec})
	})
	if code != exitNotFound {
		t.Fatalf("exit code = %d, want %d", code, exitNotFound)
	}
}

func TestRunRunEnvironmentFailure(t *testing.T) {
	extra := `environment:
  - shell: "false"
`
	spec := writeSpecFile(t, t.TempDir(), "envfail.yaml", shellSpecYAML("exit 0", extra))

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runRun([]string{spec})
	})
	if code != exitDispatchFailure {
		t.Fatalf("exit code = %d, want %d", code, exitDispatchFailure)
	}
}

func TestRunJobScript(t *testing.T) {
	spec := writeSpecFile(t, t.TempDir(), "render.yaml", shellSpecYAML("exit 0", ""))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runJobScript([]string{"--spec", spec})
	})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"#!/bin/sh", "#PBS -N main-test", "#PBS -l walltime=00:01:00", "#PBS -l wd"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("script missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunConfigLockAndCheck(t *testing.T) {
	dir := t.TempDir()
	spec := writeSpecFile(t, dir, "render.yaml", shellSpecYAML("exit 0", ""))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--dir", dir})
	})
	if code != 0 {
		t.Fatalf("lock exit code = %d", code)
	}
	if !strings.Contains(stdout, "locked render.yaml") {
		t.Fatalf("lock output = %q", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--dir", dir})
	})
	if code != 0 {
		t.Fatalf("check exit code = %d", code)
	}

	// Tampering with the locked spec must fail the check.
	if err := os.WriteFile(spec, []byte(shellSpecYAML("exit 1", "")), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--dir", dir})
	})
	if code != 1 {
		t.Fatalf("check after tamper exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunDoctorValidSpec(t *testing.T) {
	spec := writeSpecFile(t, t.TempDir(), "ok.yaml", shellSpecYAML("exit 0", ""))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--spec", spec, "--json"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stdout = %q", code, stdout)
	}

	var report struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("doctor output is not JSON: %v\n%s", err, stdout)
	}
	if !report.Valid {
		t.Fatalf("doctor reported invalid: %s", stdout)
	}
}

func TestRunDoctorBrokenSpec(t *testing.T) {
	doc := "name: broken\ncommand:\n  executable: /bin/true\n"
	spec := writeSpecFile(t, t.TempDir(), "broken.yaml", doc)

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--spec", spec})
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunJobSubmitListInspect(t *testing.T) {
	dir := t.TempDir()
	spec := writeSpecFile(t, dir, "render.yaml", shellSpecYAML("exit 0", ""))
	state := filepath.Join(dir, "state.db")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJobSubmit([]string{"--spec", spec, "--state", state})
	})
	if code != 0 {
		t.Fatalf("submit exit code = %d, stderr = %q", code, stderr)
	}
	jobID := strings.TrimSpace(stdout)
	if jobID == "" {
		t.Fatal("submit printed no job ID")
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runJobList([]string{"--state", state})
	})
	if code != 0 {
		t.Fatalf("list exit code = %d", code)
	}
	if !strings.Contains(stdout, jobID) || !strings.Contains(stdout, "queued") {
		t.Fatalf("list output missing job: %q", stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runJobInspect([]string{"--state", state, jobID})
	})
	if code != 0 {
		t.Fatalf("inspect exit code = %d", code)
	}
	if !strings.Contains(stdout, jobID) || !strings.Contains(stdout, "main-test") {
		t.Fatalf("inspect output = %q", stdout)
	}
}

func TestRunJobSubmitRequiresSpec(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runJobSubmit(nil)
	})
	if code != 1 || !strings.Contains(stderr, "Usage") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestUnknownNounActions(t *testing.T) {
	for _, run := range []func([]string) int{runJobNoun, runSystemNoun, runConfigNoun} {
		code, _, _ := captureOutputWithExitCode(t, func() int {
			return run([]string{"bogus"})
		})
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	}
}
