package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFindMetaDefaults(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "tests", "integration")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	meta := loader.FindMeta(dir)

	assert.Equal(t, DefaultTestModulePattern, meta.TestModulePattern)
	assert.True(t, meta.DaemonsRequired())
	assert.Equal(t, filepath.Join(workspace, "tests"), meta.SuiteRoot)
	assert.Empty(t, meta.Dir)
}

func TestFindMetaInAncestor(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "tests", MetaFileName), "test_module_pattern: check_*.yaml\nneeds_daemons: false\n")
	dir := filepath.Join(workspace, "tests", "unit", "nested")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	meta := loader.FindMeta(dir)

	assert.Equal(t, "check_*.yaml", meta.TestModulePattern)
	assert.False(t, meta.DaemonsRequired())
	assert.Equal(t, filepath.Join(workspace, "tests"), meta.Dir)
}

func TestFindMetaStopsAtWorkspace(t *testing.T) {
	parent := t.TempDir()
	// Metadata above the workspace root must not be picked up
	writeFile(t, filepath.Join(parent, MetaFileName), "needs_daemons: false\n")
	workspace := filepath.Join(parent, "workspace")
	dir := filepath.Join(workspace, "tests")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	meta := loader.FindMeta(dir)

	assert.True(t, meta.DaemonsRequired())
	assert.Empty(t, meta.Dir)
}

func TestFindMetaMalformedFallsBackToDefaults(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "tests")
	writeFile(t, filepath.Join(dir, MetaFileName), ":\n  - not valid yaml {{{")

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	meta := loader.FindMeta(dir)

	assert.Equal(t, DefaultTestModulePattern, meta.TestModulePattern)
	assert.True(t, meta.DaemonsRequired())
}

func TestMetaMergesRootsOrderPreserving(t *testing.T) {
	workspace := t.TempDir()
	dirA := filepath.Join(workspace, "a")
	dirB := filepath.Join(workspace, "b")
	writeFile(t, filepath.Join(dirA, MetaFileName), "file_roots:\n  base:\n    - /srv/extra\n    - /srv/more\n")
	writeFile(t, filepath.Join(dirB, MetaFileName), "file_roots:\n  base:\n    - /srv/extra\n    - /srv/other\n")

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	loader.FindMeta(dirA)
	loader.FindMeta(dirB)

	assert.Equal(t, []string{"/srv/extra", "/srv/more", "/srv/other"}, loader.FileRoots["base"])
}

func TestMetaResolvesRegisteredHooks(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "tests")
	writeFile(t, filepath.Join(dir, MetaFileName), "pre_daemon_enter:\n  - stage-fixtures\n  - no-such-hook\n")

	called := false
	RegisterHook("stage-fixtures", func(ctx context.Context, vars *RuntimeVars) error {
		called = true
		return nil
	})

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	loader.FindMeta(dir)

	// The unknown hook name is skipped with a warning, the known one is
	// appended
	require.Len(t, loader.PreDaemonEnter, 1)
	require.NoError(t, loader.PreDaemonEnter[0](context.Background(), NewRuntimeVars()))
	assert.True(t, called)
}

func TestMetaContributesOncePerFile(t *testing.T) {
	workspace := t.TempDir()
	RegisterHook("seed-once", func(ctx context.Context, vars *RuntimeVars) error { return nil })
	dir := filepath.Join(workspace, "tests")
	writeFile(t, filepath.Join(dir, MetaFileName),
		"daemon_enter: [seed-once]\next_pillar:\n  - cmd_yaml: cat pillar.yaml\n")

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	for i := 0; i < 3; i++ {
		loader.FindMeta(dir)
	}
	// Sibling directories resolve to the same ancestor metadata file
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	loader.FindMeta(sub)

	assert.Len(t, loader.DaemonEnter, 1)
	assert.Len(t, loader.ExtPillar, 1)
}

func TestMetaHooksAccumulateAcrossDirectories(t *testing.T) {
	workspace := t.TempDir()
	RegisterHook("noop", func(ctx context.Context, vars *RuntimeVars) error { return nil })
	writeFile(t, filepath.Join(workspace, "a", MetaFileName), "daemon_enter: [noop]\n")
	writeFile(t, filepath.Join(workspace, "b", MetaFileName), "daemon_enter: [noop]\n")

	loader := NewMetaLoader(workspace, "", NewSilentLogger(false, false))
	loader.FindMeta(filepath.Join(workspace, "a"))
	loader.FindMeta(filepath.Join(workspace, "b"))

	assert.Len(t, loader.DaemonEnter, 2)
}
