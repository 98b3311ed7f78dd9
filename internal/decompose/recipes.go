package decompose

import (
	"github.com/flotilla-ai/flotilla/internal/core"
)

// Each recipe returns the task DAG and a priority-ordered team for one
// strategy. The team list's front is what survives a small maxAgents.

func researchRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	lit := task("literature-review", "Literature review", core.TaskTypeResearch, 1)
	primary := task("primary-research", "Primary research", core.TaskTypeResearch, 2, lit.ID)
	data := task("data-analysis", "Data analysis", core.TaskTypeAnalysis, 2, lit.ID)
	synth := task("synthesis", "Synthesis of findings", core.TaskTypeAnalysis, 3, lit.ID, primary.ID, data.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeResearcher, 1, 1),
		profile(core.AgentTypeAnalyst, 1, 1),
		profile(core.AgentTypeResearcher, 2, 1),
	}
	return []*core.Task{lit, primary, data, synth}, truncate(team, maxAgents)
}

func developmentRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	arch := task("architecture", "Architecture design", core.TaskTypeOther, 1)
	arch.Requirements.Capabilities = core.NewCapabilitySet("architecture")

	// With enough hands the implementation splits in two parallel
	// halves; small teams get a single linear chain.
	if maxAgents >= 5 {
		backend := task("backend-implementation", "Backend implementation", core.TaskTypeCoding, 2, arch.ID)
		frontend := task("frontend-implementation", "Frontend implementation", core.TaskTypeCoding, 2, arch.ID)
		tests := task("test-suite", "Test suite", core.TaskTypeTesting, 3, backend.ID, frontend.ID)

		team := []core.AgentProfile{
			profile(core.AgentTypeCoordinator, 1, 0),
			profile(core.AgentTypeArchitect, 1, 1),
			profile(core.AgentTypeCoder, 1, 1),
			profile(core.AgentTypeCoder, 2, 1),
			profile(core.AgentTypeTester, 1, 1),
		}
		return []*core.Task{arch, backend, frontend, tests}, truncate(team, maxAgents)
	}

	impl := task("implementation", "Implementation", core.TaskTypeCoding, 2, arch.ID)
	tests := task("test-suite", "Test suite", core.TaskTypeTesting, 3, impl.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeCoder, 1, 1),
		profile(core.AgentTypeTester, 1, 1),
		profile(core.AgentTypeArchitect, 1, 1),
	}
	return []*core.Task{arch, impl, tests}, truncate(team, maxAgents)
}

func analysisRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	collect := task("data-collection", "Data collection", core.TaskTypeResearch, 1)
	statistical := task("statistical-analysis", "Statistical analysis", core.TaskTypeAnalysis, 2, collect.ID)
	patterns := task("pattern-analysis", "Pattern analysis", core.TaskTypeAnalysis, 2, collect.ID)
	report := task("analysis-report", "Analysis report", core.TaskTypeAnalysis, 3, statistical.ID, patterns.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeAnalyst, 1, 1),
		profile(core.AgentTypeResearcher, 1, 1),
		profile(core.AgentTypeAnalyst, 2, 1),
	}
	return []*core.Task{collect, statistical, patterns, report}, truncate(team, maxAgents)
}

func testingRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	plan := task("test-plan", "Test plan", core.TaskTypeAnalysis, 1)
	unit := task("unit-tests", "Unit tests", core.TaskTypeTesting, 2, plan.ID)
	integration := task("integration-tests", "Integration tests", core.TaskTypeTesting, 2, plan.ID)
	report := task("test-report", "Test report", core.TaskTypeAnalysis, 3, unit.ID, integration.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeTester, 1, 1),
		profile(core.AgentTypeTester, 2, 1),
		profile(core.AgentTypeReviewer, 1, 1),
	}
	return []*core.Task{plan, unit, integration, report}, truncate(team, maxAgents)
}

func optimizationRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	baseline := task("performance-baseline", "Performance baseline", core.TaskTypeAnalysis, 1)
	bottlenecks := task("bottleneck-analysis", "Bottleneck analysis", core.TaskTypeAnalysis, 2, baseline.ID)
	optimize := task("optimization", "Apply optimizations", core.TaskTypeOther, 3, bottlenecks.ID)
	optimize.Requirements.Capabilities = core.NewCapabilitySet("optimization")
	validate := task("validation", "Validate improvements", core.TaskTypeTesting, 4, optimize.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeOptimizer, 1, 1),
		profile(core.AgentTypeAnalyst, 1, 1),
		profile(core.AgentTypeTester, 1, 1),
	}
	return []*core.Task{baseline, bottlenecks, optimize, validate}, truncate(team, maxAgents)
}

func maintenanceRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	triage := task("issue-triage", "Issue triage", core.TaskTypeAnalysis, 1)
	remediate := task("remediation", "Apply fixes", core.TaskTypeCoding, 2, triage.ID)
	regression := task("regression-tests", "Regression tests", core.TaskTypeTesting, 3, remediate.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeCoder, 1, 1),
		profile(core.AgentTypeReviewer, 1, 1),
		profile(core.AgentTypeTester, 1, 1),
	}
	return []*core.Task{triage, remediate, regression}, truncate(team, maxAgents)
}

// fallbackRecipe is the minimal pipeline for objectives auto inference
// could not classify.
func fallbackRecipe(maxAgents int) ([]*core.Task, []core.AgentProfile) {
	analyze := task("analyze-requirements", "Analyze requirements", core.TaskTypeAnalysis, 1)
	implement := task("implement", "Implement", core.TaskTypeCoding, 2, analyze.ID)
	validate := task("validate", "Validate", core.TaskTypeTesting, 3, implement.ID)

	team := []core.AgentProfile{
		profile(core.AgentTypeCoordinator, 1, 0),
		profile(core.AgentTypeCoder, 1, 1),
		profile(core.AgentTypeAnalyst, 1, 1),
		profile(core.AgentTypeTester, 1, 1),
	}
	return []*core.Task{analyze, implement, validate}, truncate(team, maxAgents)
}
