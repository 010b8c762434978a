package runner

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"salttesting/pkg/logging"
)

// staleBinaries are the daemon binaries a previous interrupted run may
// have left behind.
var staleBinaries = []string{"salt-master", "salt-minion", "salt-syndic"}

// SweepStaleProcesses kills leftover daemon processes from previous runs.
// Only processes whose command line points at a configuration under
// tmpPrefix are touched, concurrently running unrelated salt daemons are
// left alone. Best effort: lookup failures are ignored.
func SweepStaleProcesses(tmpPrefix string, logger TestLogger) {
	if tmpPrefix == "" {
		return
	}
	for _, binary := range staleBinaries {
		output, err := exec.Command("pgrep", "-f", binary+" -c "+tmpPrefix).Output()
		if err != nil {
			// pgrep exits 1 when nothing matched
			continue
		}
		for _, field := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			logging.Warn("Daemons", "killing stale %s process %d from a previous run", binary, pid)
			logger.Info(" * Killing stale %s process %d\n", binary, pid)
			if err := killProcessGroup(pid, syscall.SIGKILL); err != nil {
				logging.Debug("Daemons", "failed to kill stale process %d: %v", pid, err)
			}
		}
	}
}
