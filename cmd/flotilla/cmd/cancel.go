package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flotilla-ai/flotilla/internal/swarm"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <swarm-id>",
	Short: "Request cancellation of a running swarm",
	Long: `Cancel drops a cancellation marker into the swarm's communication
directory. The coordinator running the swarm picks it up on its next
snapshot tick, kills every worker gracefully and settles the tasks as
cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "",
		"workspace root directory")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(_ *cobra.Command, args []string) error {
	root := cfg.Workspace.Root
	if runWorkspace != "" {
		root = runWorkspace
	}

	commDir := filepath.Join(root, args[0], "communication")
	if _, err := os.Stat(commDir); err != nil {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("Error: no swarm %s under %s", args[0], root)}
	}

	marker := filepath.Join(commDir, swarm.CancelRequestFile)
	if err := os.WriteFile(marker, []byte{}, 0o600); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for %s\n", args[0])
	return nil
}
