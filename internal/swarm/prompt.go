package swarm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// buildPrompt renders the enhanced prompt handed to the worker. The
// worker's only channel back to the swarm is the files it writes into
// its working directory, so the prompt spells that contract out.
func buildPrompt(obj *core.Objective, task core.Task, agent core.Agent, depArtifacts map[string][]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Name)
	fmt.Fprintf(&b, "You are %s, a %s agent in a multi-agent swarm.\n\n", agent.Name, agent.Type)

	b.WriteString("## Objective\n\n")
	b.WriteString(obj.Description)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Execution strategy: %s\n\n", obj.Strategy)

	b.WriteString("## Your assignment\n\n")
	if task.Description != "" {
		b.WriteString(task.Description)
	} else {
		b.WriteString(task.Name)
	}
	b.WriteString("\n\n")
	if tags := task.Requirements.Capabilities.Tags(); len(tags) > 0 {
		fmt.Fprintf(&b, "Required capabilities: %s\n\n", strings.Join(tags, ", "))
	}

	if len(depArtifacts) > 0 {
		b.WriteString("## Completed prerequisite work\n\n")
		names := make([]string, 0, len(depArtifacts))
		for name := range depArtifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s", name)
			if artifacts := depArtifacts[name]; len(artifacts) > 0 {
				fmt.Fprintf(&b, " (produced: %s)", strings.Join(artifacts, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Output contract\n\n")
	b.WriteString("Work entirely inside your current working directory. ")
	b.WriteString("Every deliverable must be written as a file there; ")
	b.WriteString("files are collected automatically when you finish. ")
	b.WriteString("Do not ask questions, no one is reading your output interactively.\n")

	return b.String()
}
