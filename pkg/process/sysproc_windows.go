//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const createNewConsole = 0x00000010

// configure hides the console of captured commands and gives shell-mode
// commands a console window of their own.
func configure(cmd *exec.Cmd, mode Mode) {
	switch mode {
	case Logged:
		cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	case Shell:
		cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewConsole}
	}
}
