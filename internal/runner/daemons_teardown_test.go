//go:build !windows

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDaemonBinary drops an executable shell script named like a salt
// daemon binary into dir so startDaemon resolves it through PATH.
func stubDaemonBinary(t *testing.T, dir, name, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
}

func prependTestPath(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestStopProcessGracefulTermination(t *testing.T) {
	binDir := t.TempDir()
	stubDaemonBinary(t, binDir, "salt-minion", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n")
	prependTestPath(t, binDir)

	d := newFastDaemon(t, &fakeClient{})
	d.cfg.GracePeriod = 5 * time.Second
	require.NoError(t, d.startDaemon(context.Background(), "minion"))

	start := time.Now()
	d.teardownProcesses()

	assert.Less(t, time.Since(start), d.cfg.GracePeriod)
	assert.Empty(t, d.processes)
}

func TestStopProcessKillsAfterGrace(t *testing.T) {
	binDir := t.TempDir()
	// The stub ignores the termination signal, forcing the hard kill
	stubDaemonBinary(t, binDir, "salt-minion", "#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 0.1; done\n")
	prependTestPath(t, binDir)

	d := newFastDaemon(t, &fakeClient{})
	d.cfg.GracePeriod = 200 * time.Millisecond
	require.NoError(t, d.startDaemon(context.Background(), "minion"))
	proc := d.processes[0]

	start := time.Now()
	d.teardownProcesses()

	assert.GreaterOrEqual(t, time.Since(start), d.cfg.GracePeriod)
	select {
	case <-proc.done:
	default:
		t.Fatal("process still running after teardown")
	}
	assert.Empty(t, d.processes)
}

func TestExitRunsHooksAndRemovesTemp(t *testing.T) {
	binDir := t.TempDir()
	stubDaemonBinary(t, binDir, "salt-minion", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n")
	prependTestPath(t, binDir)

	d := newFastDaemon(t, &fakeClient{})
	tmpRoot := d.cfg.Vars.Get(VarTmp)
	require.NoError(t, os.MkdirAll(tmpRoot, 0o755))

	var exitRan, postRan bool
	d.cfg.Meta.DaemonExit = append(d.cfg.Meta.DaemonExit, func(ctx context.Context, vars *RuntimeVars) error {
		exitRan = true
		return errors.New("hook failed")
	})
	d.cfg.Meta.PostDaemonExit = append(d.cfg.Meta.PostDaemonExit, func(ctx context.Context, vars *RuntimeVars) error {
		postRan = true
		return nil
	})

	require.NoError(t, d.startDaemon(context.Background(), "minion"))
	d.Exit(context.Background())

	// A failing exit hook never prevents teardown or the later hooks
	assert.True(t, exitRan)
	assert.True(t, postRan)
	assert.Empty(t, d.processes)
	_, err := os.Stat(tmpRoot)
	assert.True(t, os.IsNotExist(err))
}
