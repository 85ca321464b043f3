package pbs

import (
	"strconv"
	"strings"

	"github.com/mattjoyce/qrun/internal/envprep"
	"github.com/mattjoyce/qrun/internal/jobspec"
)

// Script renders a complete PBS submission script: resource directives,
// the environment plan, then the single command invocation. Directives are
// consumed by the scheduler before dispatch; qrun never interprets them.
func Script(spec *jobspec.Spec) string {
	res := spec.Resources

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("#PBS -N " + spec.Name + "\n")
	b.WriteString("#PBS -P " + res.Project + "\n")
	b.WriteString("#PBS -q " + res.Queue + "\n")
	b.WriteString("#PBS -l walltime=" + res.Walltime.PBS() + "\n")
	b.WriteString("#PBS -l mem=" + res.Memory.PBS() + "\n")
	b.WriteString("#PBS -l ncpus=" + strconv.Itoa(res.NCPUs) + "\n")
	b.WriteString("#PBS -l jobfs=" + res.Jobfs.PBS() + "\n")
	if res.Workdir == jobspec.WorkdirCurrent {
		b.WriteString("#PBS -l wd\n")
	}
	b.WriteString("\n")

	if len(spec.Environment) > 0 {
		b.WriteString(envprep.Script(spec.Environment))
		b.WriteString("\n")
	}

	argv := spec.Command.Argv(res)
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = envprep.Quote(a)
	}
	b.WriteString(strings.Join(quoted, " ") + "\n")

	return b.String()
}
