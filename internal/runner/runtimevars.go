package runner

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// ErrLocked is returned when a runtime variable is modified after the set
// has been sealed for the run.
var ErrLocked = errors.New("runtime variables are locked")

// Well known runtime variable names. Components resolve their paths
// through these instead of hardcoding temp layout.
const (
	VarTmp                     = "tmp"
	VarTmpConfDir              = "tmp_conf_dir"
	VarTmpConfMasterIncludes   = "tmp_conf_master_includes"
	VarTmpConfMinionIncludes   = "tmp_conf_minion_includes"
	VarTmpConfCloudConfIncl    = "tmp_conf_cloud_conf_includes"
	VarTmpConfCloudProfileIncl = "tmp_conf_cloud_profile_includes"
	VarTmpScriptDir            = "tmp_script_dir"
	VarTmpIntegrationFiles     = "tmp_salt_integration_files"
	VarTmpBaseEnvStateTree     = "tmp_baseenv_state_tree"
	VarTmpProdEnvStateTree     = "tmp_prodenv_state_tree"
	VarTmpBaseEnvPillarTree    = "tmp_baseenv_pillar_tree"
	VarTmpProdEnvPillarTree    = "tmp_prodenv_pillar_tree"
)

// RuntimeVars holds the per-run mutable configuration shared between the
// metadata hooks, the daemon orchestrator and the test runner. After the
// setup phase completes the set is locked and any further writes fail.
type RuntimeVars struct {
	mu     sync.RWMutex
	locked bool
	values map[string]string
}

// NewRuntimeVars creates an empty, unlocked variable set.
func NewRuntimeVars() *RuntimeVars {
	return &RuntimeVars{values: make(map[string]string)}
}

// DefaultRuntimeVars creates a variable set pre-populated with the
// standard temp layout rooted at tmpRoot.
func DefaultRuntimeVars(tmpRoot string) *RuntimeVars {
	v := NewRuntimeVars()
	confDir := filepath.Join(tmpRoot, "config")
	defaults := map[string]string{
		VarTmp:                     tmpRoot,
		VarTmpConfDir:              confDir,
		VarTmpConfMasterIncludes:   filepath.Join(confDir, "master.d"),
		VarTmpConfMinionIncludes:   filepath.Join(confDir, "minion.d"),
		VarTmpConfCloudConfIncl:    filepath.Join(confDir, "cloud.conf.d"),
		VarTmpConfCloudProfileIncl: filepath.Join(confDir, "cloud.profiles.d"),
		VarTmpScriptDir:            filepath.Join(tmpRoot, "scripts"),
		VarTmpIntegrationFiles:     filepath.Join(tmpRoot, "integration-files"),
		VarTmpBaseEnvStateTree:     filepath.Join(tmpRoot, "file-root", "base"),
		VarTmpProdEnvStateTree:     filepath.Join(tmpRoot, "file-root", "prod"),
		VarTmpBaseEnvPillarTree:    filepath.Join(tmpRoot, "pillar-root", "base"),
		VarTmpProdEnvPillarTree:    filepath.Join(tmpRoot, "pillar-root", "prod"),
	}
	for key, value := range defaults {
		v.values[key] = value
	}
	return v
}

// Set stores a variable. It fails with ErrLocked once the set is sealed.
func (v *RuntimeVars) Set(key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked {
		return fmt.Errorf("cannot set %q: %w", key, ErrLocked)
	}
	v.values[key] = value
	return nil
}

// Get returns the value for key, or the empty string when unset.
func (v *RuntimeVars) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Has reports whether key is set.
func (v *RuntimeVars) Has(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.values[key]
	return ok
}

// Lock seals the variable set. Locking an already locked set is a no-op.
func (v *RuntimeVars) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = true
}

// Locked reports whether the set has been sealed.
func (v *RuntimeVars) Locked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locked
}

// Snapshot returns a copy of the current values. The copy stays valid
// after the set is locked or mutated.
func (v *RuntimeVars) Snapshot() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.values))
	for key, value := range v.values {
		out[key] = value
	}
	return out
}
