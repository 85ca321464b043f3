package jobspec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSpecYAML = `
name: render-tiles
resources:
  project: ga32
  queue: normal
  walltime: "02:00:00"
  memory: 128GB
  ncpus: 48
  jobfs: 20GB
environment:
  - source: /etc/profile
  - module: openmpi/4.1.4
command:
  executable: predict
  args: ["config.yaml"]
  launcher:
    name: mpirun
    options: ["-np", "{ncpus}"]
`

func writeSpec(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidSpec(t *testing.T) {
	path := writeSpec(t, t.TempDir(), "render.yaml", validSpecYAML)

	spec, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "render-tiles", spec.Name)
	assert.Equal(t, "ga32", spec.Resources.Project)
	assert.Equal(t, "normal", spec.Resources.Queue)
	assert.Equal(t, 2*time.Hour, spec.Resources.Walltime.Duration())
	assert.Equal(t, ByteSize(128*1024*1024*1024), spec.Resources.Memory)
	assert.Equal(t, 48, spec.Resources.NCPUs)
	assert.Equal(t, WorkdirCurrent, spec.Resources.Workdir)
	assert.Len(t, spec.Environment, 2)
	assert.Equal(t, StepModule, spec.Environment[1].Kind)
	assert.Equal(t, "mpirun", spec.Command.Launcher.Name)
}

func TestLoadDefaultsNameFromFilename(t *testing.T) {
	yamlDoc := `
resources:
  project: ga32
  queue: normal
  walltime: "00:10:00"
  memory: 4GB
  ncpus: 1
  jobfs: 1GB
command:
  executable: /bin/true
`
	path := writeSpec(t, t.TempDir(), "nightly-extract.yaml", yamlDoc)

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-extract", spec.Name)
	assert.Equal(t, WorkdirCurrent, spec.Resources.Workdir)
}

func TestLoadInterpolatesEnvironmentVariables(t *testing.T) {
	t.Setenv("QRUN_TEST_PROJECT", "ga32")

	yamlDoc := `
name: interp
resources:
  project: ${QRUN_TEST_PROJECT}
  queue: normal
  walltime: "00:10:00"
  memory: 4GB
  ncpus: 1
  jobfs: 1GB
command:
  executable: /bin/true
`
	path := writeSpec(t, t.TempDir(), "interp.yaml", yamlDoc)

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ga32", spec.Resources.Project)
}

func TestLoadRejectsUnsetEnvironmentVariable(t *testing.T) {
	yamlDoc := `
name: interp
resources:
  project: ga32
  queue: normal
  walltime: "00:10:00"
  memory: 4GB
  ncpus: 1
  jobfs: 1GB
environment:
  - source: ${QRUN_DEFINITELY_UNSET_VAR}/profile
command:
  executable: /bin/true
`
	path := writeSpec(t, t.TempDir(), "interp.yaml", yamlDoc)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QRUN_DEFINITELY_UNSET_VAR")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidate(t *testing.T) {
	base := func() *Spec {
		return &Spec{
			Name: "ok",
			Resources: ResourceSpec{
				Project:  "ga32",
				Queue:    "normal",
				Walltime: Duration(time.Hour),
				Memory:   4 * 1024 * 1024 * 1024,
				NCPUs:    4,
				Jobfs:    1024 * 1024 * 1024,
				Workdir:  WorkdirCurrent,
			},
			Command: CommandInvocation{Executable: "/bin/true"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr string
	}{
		{"valid", func(s *Spec) {}, ""},
		{"missing name", func(s *Spec) { s.Name = "" }, "name is required"},
		{"missing project", func(s *Spec) { s.Resources.Project = "" }, "resources.project"},
		{"missing queue", func(s *Spec) { s.Resources.Queue = "" }, "resources.queue"},
		{"zero walltime", func(s *Spec) { s.Resources.Walltime = 0 }, "resources.walltime"},
		{"zero memory", func(s *Spec) { s.Resources.Memory = 0 }, "resources.memory"},
		{"zero ncpus", func(s *Spec) { s.Resources.NCPUs = 0 }, "resources.ncpus"},
		{"negative ncpus", func(s *Spec) { s.Resources.NCPUs = -2 }, "resources.ncpus"},
		{"zero jobfs", func(s *Spec) { s.Resources.Jobfs = 0 }, "resources.jobfs"},
		{"unknown workdir", func(s *Spec) { s.Resources.Workdir = "scratch" }, "resources.workdir"},
		{"empty step value", func(s *Spec) {
			s.Environment = []EnvStep{{Kind: StepModule, Value: ""}}
		}, "empty value"},
		{"unresolved variable in step", func(s *Spec) {
			s.Environment = []EnvStep{{Kind: StepSource, Value: "${HOME_UNSET_XYZ}/profile"}}
		}, "HOME_UNSET_XYZ"},
		{"missing executable", func(s *Spec) { s.Command.Executable = "" }, "command.executable"},
		{"launcher without name", func(s *Spec) {
			s.Command.Launcher = &Launcher{}
		}, "command.launcher.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(spec)
			err := Validate(spec)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
