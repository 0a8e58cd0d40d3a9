//go:build !windows

package transport

import (
	"os/exec"
	"syscall"
	"time"
)

// prepareProcessGroup runs cmd in its own process group and makes context
// cancellation signal the whole group: SIGTERM first, SIGKILL once grace has
// elapsed. Children of the server are terminated with it.
func prepareProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if grace <= 0 {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group is gone is harmless.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
