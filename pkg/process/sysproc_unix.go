//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configure puts the child in its own process group so cancellation also
// reaches anything a stage or its shell spawned.
func configure(cmd *exec.Cmd, _ Mode) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
