// Package graph provides the dependency-DAG utilities shared by the
// forward/backward pass, the critical-chain service, and the
// resource-leveling service: topological sort, longest-path-by-weight,
// and the reverse (successor) adjacency. Grounded on the teacher's
// Kahn's-algorithm ready-queue pattern in dag_engine.go, made
// synchronous (no goroutines/channels) since the engine's public
// operations are single-threaded per spec §5.
package graph

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// TopoOrder returns tasks in an order where every predecessor precedes
// its successors. Ties among simultaneously-ready tasks are broken by
// ascending task id, so the result is deterministic regardless of
// input order (spec §9: "fixed canonical order"). Fails with
// *model.CycleDetected if the dependency graph is not acyclic.
func TopoOrder(tasks []*model.Task) ([]*model.Task, error) {
	byID := make(map[string]*model.Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	successors := ReverseGraph(tasks)

	for _, t := range tasks {
		byID[t.ID] = t
		indegree[t.ID] = len(t.Dependencies)
	}

	ready := make([]string, 0, len(tasks))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]*model.Task, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		next := make([]string, 0)
		for _, childID := range successors[id] {
			indegree[childID]--
			if indegree[childID] == 0 {
				next = append(next, childID)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}

	if len(ordered) != len(tasks) {
		return nil, &model.CycleDetected{Path: findCycle(byID)}
	}
	return ordered, nil
}

// ReverseGraph returns, for each task id, the ascending-sorted list of
// task ids that directly depend on it (its successors) — the
// dependency graph with edges reversed, used for the backward pass
// and for walking forward from a task to what it feeds.
func ReverseGraph(tasks []*model.Task) map[string][]string {
	successors := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := successors[t.ID]; !ok {
			successors[t.ID] = nil
		}
		for _, dep := range t.Dependencies {
			successors[dep] = append(successors[dep], t.ID)
		}
	}
	for id := range successors {
		sort.Strings(successors[id])
	}
	return successors
}

// WeightFunc extracts the scalar duration a task contributes to a
// path, e.g. aggressive duration or planned duration.
type WeightFunc func(*model.Task) decimal.Decimal

// LongestPathByDuration returns the ordered task sequence maximizing
// the sum of weightFn over the chain, among all paths through the
// dependency DAG restricted to tasks. Ties are broken by the lower
// task id of the terminal (last) task of the path, per spec §4.5
// step 1. tasks must already be acyclic; callers typically pass the
// output of TopoOrder.
func LongestPathByDuration(tasks []*model.Task, weightFn WeightFunc) ([]*model.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	ordered, err := TopoOrder(tasks)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Task, len(ordered))
	for _, t := range ordered {
		byID[t.ID] = t
	}

	dist := make(map[string]decimal.Decimal, len(ordered))
	pred := make(map[string]string, len(ordered))

	for _, t := range ordered {
		best := decimal.Zero
		bestPred := ""
		havePred := false
		for _, depID := range sortedDeps(t.Dependencies) {
			if d, ok := dist[depID]; ok {
				if !havePred || d.GreaterThan(best) || (d.Equal(best) && depID < bestPred) {
					best = d
					bestPred = depID
					havePred = true
				}
			}
		}
		dist[t.ID] = best.Add(weightFn(t))
		pred[t.ID] = bestPred
	}

	bestEnd := ordered[0].ID
	for _, t := range ordered {
		if dist[t.ID].GreaterThan(dist[bestEnd]) ||
			(dist[t.ID].Equal(dist[bestEnd]) && t.ID < bestEnd) {
			bestEnd = t.ID
		}
	}

	var path []*model.Task
	for id := bestEnd; id != ""; id = pred[id] {
		path = append([]*model.Task{byID[id]}, path...)
	}
	return path, nil
}

// LongestPathByEndDate returns the ordered task sequence whose
// terminal task has the latest absolute EndDate among all tasks,
// walking back through whichever dependency has the latest EndDate at
// each step. Unlike LongestPathByDuration, this does not sum a
// per-task weight along the path: StartDate/EndDate are already
// absolute calendar dates fixed by a completed forward/backward pass
// and leveling run, so a branch delayed by resource contention (not
// reflected in any single task's own duration) is still correctly
// favored whenever it pushes a task's real finish date later than
// every other candidate path. Ties are broken by the lower task id, at
// both the terminal task and at each predecessor step, per spec §4.5
// step 1's tie-break rule. tasks must already be acyclic and carry
// StartDate/EndDate from a leveled schedule.
func LongestPathByEndDate(tasks []*model.Task) ([]*model.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	ordered, err := TopoOrder(tasks)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Task, len(ordered))
	for _, t := range ordered {
		byID[t.ID] = t
	}

	pred := make(map[string]string, len(ordered))
	for _, t := range ordered {
		best := ""
		for _, depID := range sortedDeps(t.Dependencies) {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if best == "" || dep.EndDate.After(byID[best].EndDate) ||
				(dep.EndDate == byID[best].EndDate && depID < best) {
				best = depID
			}
		}
		pred[t.ID] = best
	}

	bestEnd := ordered[0].ID
	for _, t := range ordered {
		if t.EndDate.After(byID[bestEnd].EndDate) ||
			(t.EndDate == byID[bestEnd].EndDate && t.ID < bestEnd) {
			bestEnd = t.ID
		}
	}

	var path []*model.Task
	for id := bestEnd; id != ""; id = pred[id] {
		path = append([]*model.Task{byID[id]}, path...)
	}
	return path, nil
}

func sortedDeps(deps []string) []string {
	out := make([]string, len(deps))
	copy(out, deps)
	sort.Strings(out)
	return out
}

// findCycle locates one cycle in the (known-cyclic) graph for error
// reporting, via DFS with a recursion-stack marker.
func findCycle(byID map[string]*model.Task) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
		color[id] = white
	}
	sort.Strings(ids)

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		deps := sortedDeps(byID[id].Dependencies)
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				// found the back-edge id -> dep; extract the cycle from stack.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle = append([]string{}, stack[start:]...)
				cycle = append(cycle, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}
