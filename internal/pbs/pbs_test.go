package pbs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qrun/internal/pbs/mocks"
)

func TestSubmitFeedsScriptToQsub(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	var seen string
	mockExec.EXPECT().
		Exec(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd string) (string, error) {
			seen = cmd
			return "12345.gadi-pbs\n", nil
		})

	jobID, err := NewClient(mockExec).Submit(context.Background(), renderSpec())
	require.NoError(t, err)
	assert.Equal(t, "12345.gadi-pbs", jobID)

	assert.True(t, strings.HasPrefix(seen, "qsub << 'QRUN-"), "qsub heredoc prefix, got %q", seen)
	assert.Contains(t, seen, "#PBS -N render-tiles")
	assert.Contains(t, seen, "#PBS -l walltime=01:30:00")
	// The heredoc marker must close the script.
	marker := strings.SplitN(strings.TrimPrefix(seen, "qsub << '"), "'", 2)[0]
	assert.True(t, strings.HasSuffix(seen, marker), "heredoc not terminated with %q", marker)
}

func TestSubmitEmptyQsubOutput(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Exec(gomock.Any(), gomock.Any()).Return("  \n", nil)

	_, err := NewClient(mockExec).Submit(context.Background(), renderSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job ID")
}

func TestSubmitQsubFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Exec(gomock.Any(), gomock.Any()).
		Return("qsub: would exceed project quota", errors.New("exit status 1"))

	_, err := NewClient(mockExec).Submit(context.Background(), renderSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qsub")
}

func TestCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Exec(gomock.Any(), "qdel 12345.gadi-pbs").Return("", nil)

	assert.NoError(t, NewClient(mockExec).Cancel(context.Background(), "12345.gadi-pbs"))
}

func TestCancelEmptyJobID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	err := NewClient(mocks.NewMockExecutor(ctrl)).Cancel(context.Background(), "")
	assert.Error(t, err)
}

func TestStatusParsesJobState(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	out := `Job Id: 12345.gadi-pbs
    Job_Name = render-tiles
    job_state = R
    queue = normal
`
	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Exec(gomock.Any(), "qstat -f -x 12345.gadi-pbs").Return(out, nil)

	state, err := NewClient(mockExec).Status(context.Background(), "12345.gadi-pbs")
	require.NoError(t, err)
	assert.Equal(t, "R", state)
}

func TestStatusMissingJobState(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Exec(gomock.Any(), gomock.Any()).Return("qstat: Unknown Job Id\n", nil)

	_, err := NewClient(mockExec).Status(context.Background(), "99999.gadi-pbs")
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Exec(gomock.Any(), "qstat").Return("", nil)
	assert.NoError(t, NewClient(mockExec).HealthCheck(context.Background()))

	mockExec.EXPECT().Exec(gomock.Any(), "qstat").Return("", errors.New("command not found"))
	assert.Error(t, NewClient(mockExec).HealthCheck(context.Background()))
}
