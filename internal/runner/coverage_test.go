package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoverageStartExportsEnvironment(t *testing.T) {
	t.Setenv(goCoverDirEnvVar, "")
	t.Setenv(CoverageOptionsEnvVar, "")

	dataDir := filepath.Join(t.TempDir(), "covdata")
	cov := NewCoverage(CoverageOptions{
		DataDir: dataDir,
		Include: []string{"salttesting/..."},
	}, NewSilentLogger(false, false))

	require.NoError(t, cov.Start())
	t.Cleanup(func() {
		os.Unsetenv(goCoverDirEnvVar)
		os.Unsetenv(CoverageOptionsEnvVar)
	})

	assert.Equal(t, dataDir, os.Getenv(goCoverDirEnvVar))
	assert.DirExists(t, dataDir)

	// The propagated blob round-trips for child processes
	opts, ok, err := CoverageOptionsFromEnv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dataDir, opts.DataDir)
	assert.Equal(t, []string{"salttesting/..."}, opts.Include)
}

func TestCoverageOptionsFromEnvUnset(t *testing.T) {
	t.Setenv(CoverageOptionsEnvVar, "")
	_, ok, err := CoverageOptionsFromEnv()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoverageOptionsFromEnvInvalid(t *testing.T) {
	t.Setenv(CoverageOptionsEnvVar, "{not json")
	_, _, err := CoverageOptionsFromEnv()
	require.Error(t, err)
}

func TestCoverageOptionsBlobShape(t *testing.T) {
	opts := CoverageOptions{DataDir: "/tmp/cov", Omit: []string{"vendor/"}}
	blob, err := json.Marshal(opts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data_dir":"/tmp/cov","omit":["vendor/"]}`, string(blob))
}

func TestCoverageStopWithoutStartIsNoop(t *testing.T) {
	cov := NewCoverage(CoverageOptions{DataDir: t.TempDir()}, NewSilentLogger(false, false))
	require.NoError(t, cov.Stop(context.Background()))
}
