package runner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pkgModule = `
suites:
  - name: pkg
    cases:
      - name: install
        steps:
          - function: pkg.install
            expect:
              result: true
      - name: remove
        destructive: true
        steps:
          - function: pkg.remove
            expect:
              result: true
`

const nestedModule = `
suites:
  - name: states
    suites:
      - name: file
        cases:
          - name: managed
            steps:
              - function: state.single
                expect:
                  result: true
`

func newTestDiscovery(t *testing.T, workspace string) *Discovery {
	t.Helper()
	logger := NewSilentLogger(false, false)
	return NewDiscovery(workspace, NewMetaLoader(workspace, "", logger), logger)
}

func discoveredIDs(d *Discovery) []string {
	var ids []string
	for _, record := range d.Records() {
		ids = append(ids, record.ID)
	}
	return ids
}

func TestDiscoverPath(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	assert.Equal(t, []string{
		"integration.test_pkg.pkg.install",
		"integration.test_pkg.pkg.remove",
	}, discoveredIDs(d))
	assert.True(t, d.NeedsDaemons())
}

func TestDiscoverPathFlattensNestedSuites(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_states.yaml"), nestedModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	assert.Equal(t, []string{"integration.test_states.states.file.managed"}, discoveredIDs(d))
}

func TestDiscoverPathMergesMetadataOnce(t *testing.T) {
	workspace := t.TempDir()
	RegisterHook("prepare-tree", func(ctx context.Context, vars *RuntimeVars) error { return nil })
	dir := filepath.Join(workspace, "integration")
	writeFile(t, filepath.Join(dir, MetaFileName),
		"daemon_enter: [prepare-tree]\next_pillar:\n  - cmd_yaml: cat pillar.yaml\n")
	writeFile(t, filepath.Join(dir, "test_pkg.yaml"), pkgModule)
	writeFile(t, filepath.Join(dir, "test_states.yaml"), nestedModule)

	logger := NewSilentLogger(false, false)
	loader := NewMetaLoader(workspace, "", logger)
	d := NewDiscovery(workspace, loader, logger)
	require.NoError(t, d.DiscoverPath(workspace))

	// One metadata file, many walked files: its hooks and pillar sources
	// accumulate exactly once
	assert.Len(t, loader.DaemonEnter, 1)
	assert.Len(t, loader.ExtPillar, 1)
	assert.Equal(t, 3, d.Len())
}

func TestDiscoveryIdempotence(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))
	first := discoveredIDs(d)

	// The second walk of the same root is skipped by the visited set and
	// the mapping stays identical
	require.NoError(t, d.DiscoverPath(workspace))
	require.NoError(t, d.DiscoverPath(filepath.Join(workspace, "integration")))
	assert.Equal(t, first, discoveredIDs(d))

	// Loading the same file again overwrites rather than duplicates
	require.NoError(t, d.LoadFile(filepath.Join(workspace, "integration", "test_pkg.yaml")))
	assert.Equal(t, first, discoveredIDs(d))
}

func TestDiscoveryLoadFailureEntry(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_broken.yaml"), "suites: [not: {valid")

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	records := d.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].IsLoadFailure())
	assert.Equal(t, "ModuleImportFailure.integration.test_broken", records[0].MethodName)
}

func TestDiscoveryFilter(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)
	writeFile(t, filepath.Join(workspace, "integration", "test_states.yaml"), nestedModule)
	writeFile(t, filepath.Join(workspace, "integration", "test_broken.yaml"), "suites: [not: {valid")

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	d.Filter([]string{"integration.test_pkg."})
	assert.Equal(t, []string{
		"integration.test_pkg.pkg.install",
		"integration.test_pkg.pkg.remove",
	}, discoveredIDs(d))
}

func TestDiscoveryFilterMatchesLoadFailuresByMethodName(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_broken.yaml"), "suites: [not: {valid")
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	d.Filter([]string{"ModuleImportFailure."})
	records := d.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].IsLoadFailure())
}

func TestDiscoveryEmptyFilterKeepsEverything(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	d.Filter(nil)
	assert.Equal(t, 2, d.Len())
}

func TestDiscoveryLoadNames(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	require.NoError(t, d.LoadNames([]string{"integration.test_pkg.pkg.install"}))
	assert.Equal(t, []string{"integration.test_pkg.pkg.install"}, discoveredIDs(d))
}

func TestDiscoveryLoadNamesUnknownIsFatal(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "integration", "test_pkg.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(workspace))

	err := d.LoadNames([]string{"integration.no_such_module"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_module")
}

func TestDiscoveryHonorsMetadataPattern(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "unit", MetaFileName), "test_module_pattern: check_*.yaml\nneeds_daemons: false\n")
	writeFile(t, filepath.Join(workspace, "unit", "check_config.yaml"), nestedModule)
	writeFile(t, filepath.Join(workspace, "unit", "test_ignored.yaml"), pkgModule)

	d := newTestDiscovery(t, workspace)
	require.NoError(t, d.DiscoverPath(filepath.Join(workspace, "unit")))

	records := d.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].ID, "check_config")
	assert.False(t, records[0].NeedsDaemons)
	assert.False(t, d.NeedsDaemons())
}
