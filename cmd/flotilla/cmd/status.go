package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flotilla-ai/flotilla/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [swarm-id]",
	Short: "Show the state of a swarm from its published snapshot",
	Long: `Status reads the shared-memory.json snapshot a swarm publishes into its
workspace. Without an argument it lists every swarm under the workspace
root; with a swarm id it prints that swarm's agents and tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "",
		"workspace root directory")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root := cfg.Workspace.Root
	if runWorkspace != "" {
		root = runWorkspace
	}

	if len(args) == 0 {
		return listSwarms(root)
	}
	return showSwarm(root, args[0])
}

func listSwarms(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No swarms found.")
			return nil
		}
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "swarm-") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		fmt.Println("No swarms found.")
		return nil
	}
	sort.Strings(names)

	for _, name := range names {
		snap, err := readSnapshot(filepath.Join(root, name, "shared-memory.json"))
		if err != nil {
			fmt.Printf("%-24s (no snapshot)\n", name)
			continue
		}
		done := 0
		for _, t := range snap.Tasks {
			if t.Status == "completed" {
				done++
			}
		}
		fmt.Printf("%-24s %-10s %s  tasks %d/%d\n",
			name, snap.Status, snap.Metadata.Strategy, done, len(snap.Tasks))
	}
	return nil
}

func showSwarm(root, swarmID string) error {
	path := filepath.Join(root, swarmID, "shared-memory.json")
	snap, err := readSnapshot(path)
	if err != nil {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("Error: no snapshot for %s under %s", swarmID, root)}
	}

	fmt.Printf("Swarm:     %s\n", snap.SwarmID)
	fmt.Printf("Status:    %s\n", snap.Status)
	fmt.Printf("Strategy:  %s\n", snap.Metadata.Strategy)
	fmt.Printf("Topology:  %s\n", snap.Metadata.Topology)
	fmt.Printf("Objective: %s\n", snap.Metadata.Objective)

	fmt.Printf("\nAgents (%d):\n", len(snap.Agents))
	for _, a := range snap.Agents {
		fmt.Printf("  %-28s %-12s %-10s done=%d failed=%d\n",
			a.Name, a.Type, a.Status, a.Metrics.TasksCompleted, a.Metrics.TasksFailed)
	}

	fmt.Printf("\nTasks (%d):\n", len(snap.Tasks))
	for _, t := range snap.Tasks {
		assigned := t.AssignedTo
		if assigned == "" {
			assigned = "-"
		}
		fmt.Printf("  %-24s %-10s attempts=%d  agent=%s\n",
			t.ID, t.Status, len(t.Attempts), assigned)
	}
	return nil
}

func readSnapshot(path string) (*store.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
