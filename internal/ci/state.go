package ci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"salttesting/pkg/logging"
)

// StateFileName is the per-workspace pipeline state cache
const StateFileName = ".state.json"

// State caches values derived in earlier pipeline steps so later steps
// need not re-derive them.
type State struct {
	Workspace              string `json:"workspace,omitempty"`
	RequireSudo            *bool  `json:"require_sudo,omitempty"`
	OutputColumns          int    `json:"output_columns,omitempty"`
	SaltMinionSynced       bool   `json:"salt_minion_synced,omitempty"`
	MinionIPAddress        string `json:"minion_ip_address,omitempty"`
	MinionPythonExecutable string `json:"minion_python_executable,omitempty"`
	SaltMinionBootstrapped bool   `json:"salt_minion_bootstrapped,omitempty"`
}

func statePath(workspace string) string {
	return filepath.Join(workspace, StateFileName)
}

// readState reads the state file; missing or corrupt files are treated
// as empty.
func readState(workspace string) *State {
	data, err := os.ReadFile(statePath(workspace))
	if err != nil {
		return &State{}
	}
	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		logging.Warn("CI", "corrupt %s, ignoring: %v", statePath(workspace), err)
		return &State{}
	}
	return state
}

// Load merges the persisted state into current. Values already set on
// current win, saved values only fill the gaps; the workspace always
// tracks the current invocation.
func Load(workspace string, current *State) *State {
	saved := readState(workspace)

	merged := *current
	merged.Workspace = workspace
	if current.OutputColumns == 0 {
		merged.OutputColumns = saved.OutputColumns
	}
	if merged.RequireSudo == nil {
		merged.RequireSudo = saved.RequireSudo
	}
	if !merged.SaltMinionSynced {
		merged.SaltMinionSynced = saved.SaltMinionSynced
	}
	if merged.MinionIPAddress == "" {
		merged.MinionIPAddress = saved.MinionIPAddress
	}
	if merged.MinionPythonExecutable == "" {
		merged.MinionPythonExecutable = saved.MinionPythonExecutable
	}
	if !merged.SaltMinionBootstrapped {
		merged.SaltMinionBootstrapped = saved.SaltMinionBootstrapped
	}
	return &merged
}

// Save persists s, filling only keys the existing file does not already
// carry. Workspace always reflects the current invocation.
func Save(workspace string, s *State) error {
	existing := readState(workspace)

	existing.Workspace = workspace
	if existing.RequireSudo == nil {
		existing.RequireSudo = s.RequireSudo
	}
	if existing.OutputColumns == 0 {
		existing.OutputColumns = s.OutputColumns
	}
	if !existing.SaltMinionSynced {
		existing.SaltMinionSynced = s.SaltMinionSynced
	}
	if existing.MinionIPAddress == "" {
		existing.MinionIPAddress = s.MinionIPAddress
	}
	if existing.MinionPythonExecutable == "" {
		existing.MinionPythonExecutable = s.MinionPythonExecutable
	}
	if !existing.SaltMinionBootstrapped {
		existing.SaltMinionBootstrapped = s.SaltMinionBootstrapped
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	if err := os.WriteFile(statePath(workspace), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", statePath(workspace), err)
	}
	return nil
}
