// Package decompose turns a free-form objective into a concrete task
// graph and an agent team sized to the configured cap. Decomposition is
// fully deterministic: the same inputs always yield the same plan.
package decompose

import (
	"fmt"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// Plan is the decomposer's output: a task DAG plus the team to run it.
type Plan struct {
	Strategy core.Strategy
	Tasks    []*core.Task
	Team     []core.AgentProfile
}

// Decompose builds the execution plan for an objective. An auto strategy
// is first resolved against the objective text; when no keyword matches,
// a minimal analyze-implement-validate pipeline is produced.
func Decompose(objective string, strategy core.Strategy, maxAgents int) (*Plan, error) {
	if objective == "" {
		return nil, core.ErrInvalidInput(core.CodeEmptyObjective, "objective cannot be empty")
	}
	if maxAgents < 1 {
		return nil, core.ErrInvalidInput("BAD_MAX_AGENTS", "maxAgents must be at least 1")
	}
	if !core.ValidStrategy(strategy) {
		return nil, core.ErrInvalidInput(core.CodeBadStrategy, "unknown strategy: "+string(strategy))
	}

	resolved := strategy
	if resolved == core.StrategyAuto {
		if inferred, ok := InferStrategy(objective); ok {
			resolved = inferred
		}
	}

	var tasks []*core.Task
	var team []core.AgentProfile
	switch resolved {
	case core.StrategyResearch:
		tasks, team = researchRecipe(maxAgents)
	case core.StrategyDevelopment:
		tasks, team = developmentRecipe(maxAgents)
	case core.StrategyAnalysis:
		tasks, team = analysisRecipe(maxAgents)
	case core.StrategyTesting:
		tasks, team = testingRecipe(maxAgents)
	case core.StrategyOptimization:
		tasks, team = optimizationRecipe(maxAgents)
	case core.StrategyMaintenance:
		tasks, team = maintenanceRecipe(maxAgents)
	default:
		resolved = core.StrategyAuto
		tasks, team = fallbackRecipe(maxAgents)
	}

	team = foldCapabilities(team, tasks)
	if err := ValidateDAG(tasks); err != nil {
		return nil, err
	}
	return &Plan{Strategy: resolved, Tasks: tasks, Team: team}, nil
}

// ValidateDAG rejects graphs with unknown dependencies or cycles.
func ValidateDAG(tasks []*core.Task) error {
	byID := make(map[core.TaskID]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[core.TaskID]int, len(tasks))

	var visit func(id core.TaskID) error
	visit = func(id core.TaskID) error {
		switch color[id] {
		case grey:
			return &core.DomainError{
				Kind:    core.ErrKindInvalidInput,
				Code:    core.CodeDAGCycle,
				Message: "task graph contains a cycle through " + string(id),
			}
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				return core.ErrInvalidInput(core.CodeTaskNotFound, fmt.Sprintf("task %s depends on unknown task %s", id, dep))
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// foldCapabilities guarantees every task requirement is coverable by the
// truncated team: capability tags no member carries are added to the
// first specialist, or to the coordinator when it works alone.
func foldCapabilities(team []core.AgentProfile, tasks []*core.Task) []core.AgentProfile {
	if len(team) == 0 {
		return team
	}

	covered := make(map[string]bool)
	for _, p := range team {
		caps := p.Capabilities
		if caps.Len() == 0 {
			caps = core.DefaultCapabilities(p.Type)
		}
		for _, tag := range caps.Tags() {
			covered[tag] = true
		}
	}

	var missing []string
	for _, t := range tasks {
		for _, tag := range t.Requirements.Capabilities.Tags() {
			if !covered[tag] {
				covered[tag] = true
				missing = append(missing, tag)
			}
		}
	}
	if len(missing) == 0 {
		return team
	}

	target := 0
	for i, p := range team {
		if p.Type != core.AgentTypeCoordinator {
			target = i
			break
		}
	}
	base := team[target].Capabilities
	if base.Len() == 0 {
		base = core.DefaultCapabilities(team[target].Type)
	}
	team[target].Capabilities = core.NewCapabilitySet(append(base.Tags(), missing...)...)

	// A truncated team may leave a preferred type with no member; drop
	// the preference so the folded specialist can pick the task up.
	present := make(map[core.AgentType]bool, len(team))
	for _, p := range team {
		present[p.Type] = true
	}
	for _, t := range tasks {
		if pt := t.Requirements.PreferredType; pt != "" && !present[pt] {
			t.Requirements.PreferredType = ""
		}
	}
	return team
}

// task builds a recipe task with a stable slug id.
func task(slug, name string, tt core.TaskType, layer int, deps ...core.TaskID) *core.Task {
	return core.NewTask(core.TaskID("task-"+slug), name, tt).
		WithLayer(layer).
		WithDependencies(deps...)
}

// profile builds a team member with its type's default capabilities.
func profile(at core.AgentType, instance, layer int) core.AgentProfile {
	return core.AgentProfile{
		Type:     at,
		Name:     fmt.Sprintf("%s-%d", at, instance),
		Priority: core.PriorityNormal,
		Layer:    layer,
	}
}

// truncate caps the team at maxAgents, keeping the front of the list.
func truncate(team []core.AgentProfile, maxAgents int) []core.AgentProfile {
	if len(team) > maxAgents {
		return team[:maxAgents]
	}
	return team
}
