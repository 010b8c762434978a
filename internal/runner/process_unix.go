//go:build !windows

package runner

import (
	"fmt"
	"os/exec"
	"syscall"
)

// configureProcAttr puts the daemon in its own process group so the whole
// group (daemon plus any children it forks) can be signalled at once.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessGroup signals an entire process group, falling back to the
// individual process when the group signal fails.
func killProcessGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if err2 := syscall.Kill(pid, sig); err2 != nil {
			return fmt.Errorf("failed to signal process group -%d: %v, also failed to signal process %d: %v", pid, err, pid, err2)
		}
	}
	return nil
}
