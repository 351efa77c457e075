//go:build windows

package kit

import "os/exec"

// configureDaemonProc is a no-op on Windows: a started process is
// independent enough for StartProcesses' purposes without Setsid.
func configureDaemonProc(cmd *exec.Cmd) {}
