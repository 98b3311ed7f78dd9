package scheduler

import (
	"math/rand"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// Place picks the agent for a task under the given topology. It is a
// pure function over the candidate snapshots except for the rng used to
// break mesh ties. Candidates must already be capable and accepting.
func Place(topology core.Topology, task core.Task, candidates []core.Agent, rng *rand.Rand) (core.AgentID, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	switch topology {
	case core.TopologyCentralized:
		return placeCentralized(task, candidates)
	case core.TopologyHierarchical:
		return placeHierarchical(task, candidates)
	case core.TopologyMesh:
		return placeMesh(candidates, rng)
	case core.TopologyHybrid:
		if id, ok := placeHierarchical(task, candidates); ok {
			return id, true
		}
		return placeMesh(candidates, rng)
	default:
		return "", false
	}
}

// placeCentralized routes coordination work to the coordinator and
// everything else to the least-loaded capable agent.
func placeCentralized(task core.Task, candidates []core.Agent) (core.AgentID, bool) {
	if task.Requirements.Capabilities.Has("coordination") || task.Requirements.Capabilities.Has("synthesis") {
		for _, a := range candidates {
			if a.Type == core.AgentTypeCoordinator {
				return a.ID, true
			}
		}
	}
	return leastLoaded(candidates)
}

// placeHierarchical only allows agents whose layer is at or above the
// task's layer in the hierarchy, ties broken by workload.
func placeHierarchical(task core.Task, candidates []core.Agent) (core.AgentID, bool) {
	var eligible []core.Agent
	for _, a := range candidates {
		if a.Layer <= task.Layer {
			eligible = append(eligible, a)
		}
	}
	return leastLoaded(eligible)
}

// placeMesh picks by (min workload, min recent failure rate, random).
func placeMesh(candidates []core.Agent, rng *rand.Rand) (core.AgentID, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	best := []core.Agent{candidates[0]}
	for _, a := range candidates[1:] {
		switch compareMesh(a, best[0]) {
		case -1:
			best = best[:0]
			best = append(best, a)
		case 0:
			best = append(best, a)
		}
	}
	if len(best) == 1 || rng == nil {
		return best[0].ID, true
	}
	return best[rng.Intn(len(best))].ID, true
}

func compareMesh(a, b core.Agent) int {
	if a.Workload != b.Workload {
		if a.Workload < b.Workload {
			return -1
		}
		return 1
	}
	ar, br := a.Metrics.FailureRate(), b.Metrics.FailureRate()
	switch {
	case ar < br:
		return -1
	case ar > br:
		return 1
	}
	return 0
}

func leastLoaded(candidates []core.Agent) (core.AgentID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Workload < best.Workload {
			best = a
		}
	}
	return best.ID, true
}
