//go:build !windows

package kit

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc detaches the spawned worker process into its own
// session so it outlives the parent's controlling terminal.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
