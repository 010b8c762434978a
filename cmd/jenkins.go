package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"salttesting/internal/ci"
)

var jenkinsFlags struct {
	workspace        string
	outputColumns    int
	requireSudo      bool
	minionSynced     bool
	minionBootstrap  bool
	pythonExecutable string
}

// interfaceAddrs lists the local IP addresses, overridable in tests
var interfaceAddrs = localAddrs

// newJenkinsCmd creates the command maintaining the per-workspace
// pipeline state cache. Each pipeline step invokes it to persist what it
// derived, later steps read the merged state back instead of re-deriving.
func newJenkinsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jenkins",
		Short: "Refresh and print the pipeline state cache",
		Long: `Merges the given values into the .state.json cache under the
workspace and prints the resulting state. Values already persisted by an
earlier pipeline step are kept, the minion IP address is derived from the
local interfaces when no step recorded one yet.`,
		RunE: runJenkins,
	}

	flags := cmd.Flags()
	flags.StringVar(&jenkinsFlags.workspace, "workspace", "", "workspace holding the state cache (default $WORKSPACE or the current directory)")
	flags.IntVar(&jenkinsFlags.outputColumns, "output-columns", 0, "record the terminal width for later steps")
	flags.BoolVar(&jenkinsFlags.requireSudo, "require-sudo", false, "record that later steps must run under sudo")
	flags.BoolVar(&jenkinsFlags.minionSynced, "minion-synced", false, "record that the salt minion finished syncing")
	flags.BoolVar(&jenkinsFlags.minionBootstrap, "minion-bootstrapped", false, "record that the salt minion was bootstrapped")
	flags.StringVar(&jenkinsFlags.pythonExecutable, "minion-python", "", "record the python executable used on the minion")

	return cmd
}

func runJenkins(cmd *cobra.Command, args []string) error {
	workspace := jenkinsFlags.workspace
	if workspace == "" {
		workspace = os.Getenv("WORKSPACE")
	}
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine workspace: %w", err)
		}
		workspace = cwd
	}

	current := &ci.State{
		OutputColumns:          jenkinsFlags.outputColumns,
		SaltMinionSynced:       jenkinsFlags.minionSynced,
		SaltMinionBootstrapped: jenkinsFlags.minionBootstrap,
		MinionPythonExecutable: jenkinsFlags.pythonExecutable,
	}
	if cmd.Flags().Changed("require-sudo") {
		current.RequireSudo = &jenkinsFlags.requireSudo
	}

	state := ci.Load(workspace, current)
	if state.MinionIPAddress == "" {
		state.MinionIPAddress = ci.FindPrivateAddr(interfaceAddrs())
	}

	if err := ci.Save(workspace, state); err != nil {
		return err
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func localAddrs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			out = append(out, ipnet.IP.String())
		}
	}
	return out
}
