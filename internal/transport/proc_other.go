//go:build windows

package transport

import (
	"os/exec"
	"time"
)

// prepareProcessGroup falls back to killing the direct child; Windows has no
// process groups reachable through os/exec.
func prepareProcessGroup(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}
