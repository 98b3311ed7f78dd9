package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents <swarm-id>",
	Short: "List the agents of a swarm",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgents,
}

func init() {
	agentsCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "",
		"workspace root directory")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(_ *cobra.Command, args []string) error {
	root := cfg.Workspace.Root
	if runWorkspace != "" {
		root = runWorkspace
	}

	snap, err := readSnapshot(filepath.Join(root, args[0], "shared-memory.json"))
	if err != nil {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("Error: no snapshot for %s under %s", args[0], root)}
	}

	fmt.Printf("%-28s %-12s %-10s %-8s %s\n", "NAME", "TYPE", "STATUS", "DONE", "WORKSPACE")
	for _, a := range snap.Agents {
		fmt.Printf("%-28s %-12s %-10s %-8s %s\n",
			a.Name, a.Type, a.Status,
			fmt.Sprintf("%d/%d", a.Metrics.TasksCompleted, a.Metrics.TasksCompleted+a.Metrics.TasksFailed),
			strings.TrimPrefix(a.WorkspaceDir, root+string(filepath.Separator)))
	}
	return nil
}
