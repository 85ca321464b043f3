package pbs

import (
	"context"
	"os/exec"
)

// Shell executes scheduler command lines through /bin/sh as the invoking
// user. Combined output comes back so qsub/qstat diagnostics survive.
type Shell struct{}

func (*Shell) Exec(ctx context.Context, cmd string) (string, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	out, err := c.CombinedOutput()
	return string(out), err
}
