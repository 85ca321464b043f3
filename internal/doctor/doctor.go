// Package doctor preflights a job spec against the host: are the shell,
// profiles, virtualenv, module system and tools actually there before a
// submission burns queue time.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/mattjoyce/qrun/internal/envprep"
	"github.com/mattjoyce/qrun/internal/jobspec"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a job spec against the host environment.
type Doctor struct {
	spec  *jobspec.Spec
	shell string
}

// New creates a Doctor for a loaded spec. shell defaults to the
// dispatcher's default when empty.
func New(spec *jobspec.Spec, shell string) *Doctor {
	if shell == "" {
		shell = envprep.DefaultShell
	}
	return &Doctor{spec: spec, shell: shell}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkSpec(r)
	d.checkShell(r)
	d.checkWorkdir(r)
	d.checkEnvironmentSteps(r)
	d.checkLauncher(r)
	d.checkExecutable(r)
	d.checkScheduler(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkSpec re-runs structural validation so doctor stands alone.
func (d *Doctor) checkSpec(r *Result) {
	if err := jobspec.Validate(d.spec); err != nil {
		d.addError(r, "spec", "", err.Error())
	}
}

// checkShell verifies the environment-step interpreter exists.
func (d *Doctor) checkShell(r *Result) {
	if _, err := os.Stat(d.shell); err != nil {
		d.addError(r, "host", "shell", fmt.Sprintf("shell %s not found", d.shell))
	}
}

// checkWorkdir verifies the submission directory is writable; workdir mode
// current_dir runs the job right here.
func (d *Doctor) checkWorkdir(r *Result) {
	wd, err := os.Getwd()
	if err != nil {
		d.addError(r, "host", "workdir", "cannot determine working directory")
		return
	}
	const wOK = 0x2
	if err := syscall.Access(wd, wOK); err != nil {
		d.addWarning(r, "host", "workdir",
			fmt.Sprintf("working directory %s is not writable", wd))
	}
}

// checkEnvironmentSteps verifies each step's target exists on this host.
func (d *Doctor) checkEnvironmentSteps(r *Result) {
	moduleChecked := false
	for i, step := range d.spec.Environment {
		field := fmt.Sprintf("environment[%d]", i)
		switch step.Kind {
		case jobspec.StepSource:
			if _, err := os.Stat(step.Value); err != nil {
				d.addError(r, "environment", field,
					fmt.Sprintf("profile %s does not exist", step.Value))
			}
		case jobspec.StepVenv:
			activate := strings.TrimRight(step.Value, "/") + "/bin/activate"
			if _, err := os.Stat(activate); err != nil {
				d.addError(r, "environment", field,
					fmt.Sprintf("virtualenv activation script %s does not exist", activate))
			}
		case jobspec.StepModule:
			if moduleChecked {
				continue
			}
			moduleChecked = true
			if !moduleSystemPresent() {
				d.addWarning(r, "environment", field,
					"no module system detected (MODULESHOME unset and modulecmd not on PATH); module loads may only work after profile sourcing")
			}
		}
	}
}

// checkLauncher warns when the declared launcher is not on the current
// PATH. It may still appear after environment preparation.
func (d *Doctor) checkLauncher(r *Result) {
	l := d.spec.Command.Launcher
	if l == nil || l.Name == "" {
		return
	}
	if _, err := exec.LookPath(l.Name); err != nil {
		d.addWarning(r, "command", "command.launcher.name",
			fmt.Sprintf("launcher %q not on PATH before environment preparation", l.Name))
	}
}

// checkExecutable warns when the executable is not resolvable yet.
func (d *Doctor) checkExecutable(r *Result) {
	exe := d.spec.Command.Executable
	if exe == "" {
		return
	}
	if strings.Contains(exe, "/") {
		if _, err := os.Stat(exe); err != nil {
			d.addWarning(r, "command", "command.executable",
				fmt.Sprintf("executable %s does not exist before environment preparation", exe))
		}
		return
	}
	if _, err := exec.LookPath(exe); err != nil {
		d.addWarning(r, "command", "command.executable",
			fmt.Sprintf("executable %q not on PATH before environment preparation", exe))
	}
}

// checkScheduler warns when qsub is missing; direct dispatch still works.
func (d *Doctor) checkScheduler(r *Result) {
	if _, err := exec.LookPath("qsub"); err != nil {
		d.addWarning(r, "scheduler", "",
			"qsub not on PATH; 'qrun job submit --qsub' will not work on this host")
	}
}

func moduleSystemPresent() bool {
	if os.Getenv("MODULESHOME") != "" {
		return true
	}
	_, err := exec.LookPath("modulecmd")
	return err == nil
}
