package decompose

import (
	"reflect"
	"testing"

	"github.com/flotilla-ai/flotilla/internal/core"
)

func taskIDs(tasks []*core.Task) []core.TaskID {
	out := make([]core.TaskID, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestResearchRecipeShape(t *testing.T) {
	plan, err := Decompose("Research and analyze AI trends", core.StrategyResearch, 4)
	if err != nil {
		t.Fatal(err)
	}

	want := []core.TaskID{"task-literature-review", "task-primary-research", "task-data-analysis", "task-synthesis"}
	if !reflect.DeepEqual(taskIDs(plan.Tasks), want) {
		t.Fatalf("unexpected tasks %v", taskIDs(plan.Tasks))
	}

	byID := map[core.TaskID]*core.Task{}
	for _, task := range plan.Tasks {
		byID[task.ID] = task
	}
	if len(byID["task-literature-review"].Dependencies) != 0 {
		t.Fatal("literature review must be a root")
	}
	for _, mid := range []core.TaskID{"task-primary-research", "task-data-analysis"} {
		if !reflect.DeepEqual(byID[mid].Dependencies, []core.TaskID{"task-literature-review"}) {
			t.Fatalf("%s has wrong deps %v", mid, byID[mid].Dependencies)
		}
	}
	if len(byID["task-synthesis"].Dependencies) != 3 {
		t.Fatalf("synthesis deps %v", byID["task-synthesis"].Dependencies)
	}

	if len(plan.Team) != 4 {
		t.Fatalf("expected team of 4, got %d", len(plan.Team))
	}
	if plan.Team[0].Type != core.AgentTypeCoordinator {
		t.Fatal("coordinator must lead the team")
	}
	researchers := 0
	for _, p := range plan.Team {
		if p.Type == core.AgentTypeResearcher {
			researchers++
		}
	}
	if researchers != 2 {
		t.Fatalf("expected 2 researchers, got %d", researchers)
	}
}

func TestDevelopmentSmallTeamCollapses(t *testing.T) {
	plan, err := Decompose("Write a hello world in Python", core.StrategyDevelopment, 2)
	if err != nil {
		t.Fatal(err)
	}

	want := []core.TaskID{"task-architecture", "task-implementation", "task-test-suite"}
	if !reflect.DeepEqual(taskIDs(plan.Tasks), want) {
		t.Fatalf("unexpected tasks %v", taskIDs(plan.Tasks))
	}
	if len(plan.Team) != 2 {
		t.Fatalf("expected team of 2, got %d", len(plan.Team))
	}
	if plan.Team[0].Type != core.AgentTypeCoordinator || plan.Team[1].Type != core.AgentTypeCoder {
		t.Fatalf("expected coordinator+coder, got %v", plan.Team)
	}

	// The lone coder must be able to pick up every task in the chain.
	coder := plan.Team[1]
	for _, task := range plan.Tasks {
		if !coder.Capabilities.ContainsAll(task.Requirements.Capabilities) {
			t.Fatalf("coder cannot satisfy %s: missing %v", task.ID,
				coder.Capabilities.Missing(task.Requirements.Capabilities))
		}
	}
}

func TestDevelopmentLargeTeamSplits(t *testing.T) {
	plan, err := Decompose("Build a web application", core.StrategyDevelopment, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := []core.TaskID{"task-architecture", "task-backend-implementation", "task-frontend-implementation", "task-test-suite"}
	if !reflect.DeepEqual(taskIDs(plan.Tasks), want) {
		t.Fatalf("unexpected tasks %v", taskIDs(plan.Tasks))
	}
	coders := 0
	for _, p := range plan.Team {
		if p.Type == core.AgentTypeCoder {
			coders++
		}
	}
	if coders != 2 {
		t.Fatalf("expected 2 coders, got %d", coders)
	}
}

func TestDeterministic(t *testing.T) {
	a, err := Decompose("Optimize query latency in the API", core.StrategyAuto, 3)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decompose("Optimize query latency in the API", core.StrategyAuto, 3)
	if err != nil {
		t.Fatal(err)
	}
	if a.Strategy != b.Strategy {
		t.Fatalf("strategy not deterministic: %s vs %s", a.Strategy, b.Strategy)
	}
	if !reflect.DeepEqual(taskIDs(a.Tasks), taskIDs(b.Tasks)) {
		t.Fatal("task graph not deterministic")
	}
	if !reflect.DeepEqual(a.Team, b.Team) {
		t.Fatal("team not deterministic")
	}
}

func TestInferStrategy(t *testing.T) {
	cases := []struct {
		objective string
		want      core.Strategy
	}{
		{"Research the history of neural networks", core.StrategyResearch},
		{"Build a REST API for user management", core.StrategyDevelopment},
		{"Fix the login bug in production", core.StrategyMaintenance},
		{"Optimize the database query performance", core.StrategyOptimization},
		{"Analyze quarterly sales figures", core.StrategyAnalysis},
		{"Verify the checkout flow end to end", core.StrategyTesting},
	}
	for _, tc := range cases {
		got, ok := InferStrategy(tc.objective)
		if !ok || got != tc.want {
			t.Errorf("InferStrategy(%q) = %s/%v, want %s", tc.objective, got, ok, tc.want)
		}
	}
}

func TestAutoFallback(t *testing.T) {
	plan, err := Decompose("zzz qqq xyzzy", core.StrategyAuto, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []core.TaskID{"task-analyze-requirements", "task-implement", "task-validate"}
	if !reflect.DeepEqual(taskIDs(plan.Tasks), want) {
		t.Fatalf("expected fallback pipeline, got %v", taskIDs(plan.Tasks))
	}
}

func TestTeamNeverExceedsMaxAgents(t *testing.T) {
	for _, strategy := range core.Strategies() {
		for maxAgents := 1; maxAgents <= 6; maxAgents++ {
			plan, err := Decompose("do the thing: build test analyze", strategy, maxAgents)
			if err != nil {
				t.Fatal(err)
			}
			if len(plan.Team) > maxAgents {
				t.Fatalf("%s/%d produced team of %d", strategy, maxAgents, len(plan.Team))
			}
		}
	}
}

func TestValidateDAGDetectsCycle(t *testing.T) {
	a := core.NewTask("task-a", "a", core.TaskTypeOther).WithDependencies("task-b")
	b := core.NewTask("task-b", "b", core.TaskTypeOther).WithDependencies("task-a")

	err := ValidateDAG([]*core.Task{a, b})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !core.IsKind(err, core.ErrKindInvalidInput) {
		t.Fatalf("unexpected kind: %v", err)
	}
}

func TestEmptyObjectiveRejected(t *testing.T) {
	_, err := Decompose("", core.StrategyAuto, 3)
	if !core.IsKind(err, core.ErrKindInvalidInput) {
		t.Fatalf("expected invalid-input, got %v", err)
	}
}
