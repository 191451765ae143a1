// Package leveling implements the resource-leveling service (C7):
// priority-based graph coloring combined with forward scheduling,
// assigning every task a resource-feasible start/end date. The
// conflict-graph-plus-coloring shape is grounded on spec §4.7; the
// deterministic, eager allocate-as-you-advance search for a feasible
// start is grounded on the teacher's retry-with-backoff idiom in
// libs/go/core/resilience/retry.go, adapted from time-delay retries
// to calendar-day advances.
package leveling

import (
	"sort"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/graph"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
	"github.com/criticalpath/ccpm/internal/ccpm/resource"
)

// maxSearchDays bounds how far a candidate start is advanced while
// searching for a resource-feasible slot, the concrete form the spec's
// "fixed bound (documented at 8 iterations)" takes here: each task's
// own search is capped, and a task that cannot find a feasible day
// within the bound surfaces as non-convergence rather than looping
// forever. See the project's design notes for the full reasoning.
const maxSearchDays = 3650

// Options configures a leveling pass.
type Options struct {
	AllowOverallocation bool
	ProjectStart        calendar.Date
}

// Level assigns StartDate, EndDate, and Color to every task in tasks,
// honoring dependency order and, unless AllowOverallocation is set,
// resource capacity. tasks must already have EarlyStart/Slack
// populated by graph.ForwardBackwardPass, which supplies the priority
// ordering's is_on_critical_path and early_start terms. Returns
// *model.LevelingDidNotConverge if a resource-feasible slot cannot be
// found within the search bound for some task.
func Level(tasks []*model.Task, cal *calendar.Calendar, resources *resource.Registry, opts Options) error {
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	assignColors(tasks, byID)

	ordered, err := graph.TopoOrder(tasks)
	if err != nil {
		return err
	}
	successors := graph.ReverseGraph(ordered)
	indegree := make(map[string]int, len(ordered))
	for _, t := range ordered {
		indegree[t.ID] = len(t.Dependencies)
	}

	ready := make([]*model.Task, 0)
	for _, t := range ordered {
		if indegree[t.ID] == 0 {
			ready = append(ready, t)
		}
	}

	for len(ready) > 0 {
		sortByPriorityThenColor(ready)
		batch := ready
		ready = nil

		for _, t := range batch {
			predecessorEnd := opts.ProjectStart
			first := true
			for _, depID := range t.Dependencies {
				dep, ok := byID[depID]
				if !ok {
					continue
				}
				if first || dep.EndDate.After(predecessorEnd) {
					predecessorEnd = dep.EndDate
					first = false
				}
			}

			start, err := findFeasibleStart(t, predecessorEnd, cal, resources, opts.AllowOverallocation)
			if err != nil {
				return err
			}
			end := cal.AddWorkdays(start, t.PlannedDuration)
			for _, req := range t.Resources {
				if err := resources.Allocate(req.Name, start, end, cal, req.Units, opts.AllowOverallocation); err != nil {
					return err
				}
			}
			t.StartDate = start
			t.EndDate = end

			for _, succID := range successors[t.ID] {
				indegree[succID]--
				if indegree[succID] == 0 {
					ready = append(ready, byID[succID])
				}
			}
		}
	}
	return nil
}

// findFeasibleStart advances candidate forward from earliestStart one
// working day at a time until every resource t requires has capacity
// for its full duration, or the search bound is exhausted.
func findFeasibleStart(t *model.Task, earliestStart calendar.Date, cal *calendar.Calendar, resources *resource.Registry, allowOverallocation bool) (calendar.Date, error) {
	if allowOverallocation || len(t.Resources) == 0 {
		return earliestStart, nil
	}
	candidate := earliestStart
	for i := 0; i < maxSearchDays; i++ {
		end := cal.AddWorkdays(candidate, t.PlannedDuration)
		feasible := true
		for _, req := range t.Resources {
			ok, err := resources.CanAllocate(req.Name, candidate, end, cal, req.Units)
			if err != nil {
				return calendar.Date(0), err
			}
			if !ok {
				feasible = false
				break
			}
		}
		if feasible {
			return candidate, nil
		}
		candidate = candidate.AddDays(1)
	}
	return calendar.Date(0), &model.LevelingDidNotConverge{Iterations: maxSearchDays}
}

// sortByPriorityThenColor orders a batch of simultaneously-ready
// tasks by ascending color (lower color classes go first, per §4.7
// step 3), then by the same priority tuple used to build the
// coloring, then by ascending task id as the final tie-break.
func sortByPriorityThenColor(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Color != b.Color {
			return a.Color < b.Color
		}
		return higherPriority(a, b)
	})
}

// assignColors greedily colors the resource-conflict graph, visiting
// tasks in decreasing (is_on_critical_path, -early_start,
// -aggressive_duration) priority order per §4.7 step 2, assigning
// each task the lowest color not used by an already-colored
// conflicting neighbor.
func assignColors(tasks []*model.Task, byID map[string]*model.Task) {
	ancestors := ancestorSets(tasks, byID)

	ordered := make([]*model.Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool { return higherPriority(ordered[i], ordered[j]) })

	conflicts := make(map[string][]string, len(tasks))
	for i, a := range ordered {
		for _, b := range ordered[i+1:] {
			if !shareResource(a, b) {
				continue
			}
			if ancestors[a.ID][b.ID] || ancestors[b.ID][a.ID] {
				continue // ordered by dependency: cannot overlap, no conflict edge
			}
			conflicts[a.ID] = append(conflicts[a.ID], b.ID)
			conflicts[b.ID] = append(conflicts[b.ID], a.ID)
		}
	}

	colored := make(map[string]int, len(tasks))
	for _, t := range ordered {
		used := make(map[int]bool)
		for _, neighborID := range conflicts[t.ID] {
			if c, ok := colored[neighborID]; ok {
				used[c] = true
			}
		}
		color := 0
		for used[color] {
			color++
		}
		colored[t.ID] = color
		t.Color = color
	}
}

func shareResource(a, b *model.Task) bool {
	for _, ra := range a.Resources {
		for _, rb := range b.Resources {
			if ra.Name == rb.Name {
				return true
			}
		}
	}
	return false
}

// ancestorSets returns, for every task id, the set of task ids
// reachable by following dependency edges backward (its transitive
// predecessors), used to decide whether two tasks could ever overlap.
func ancestorSets(tasks []*model.Task, byID map[string]*model.Task) map[string]map[string]bool {
	memo := make(map[string]map[string]bool, len(tasks))
	var resolve func(id string) map[string]bool
	resolve = func(id string) map[string]bool {
		if set, ok := memo[id]; ok {
			return set
		}
		set := make(map[string]bool)
		memo[id] = set // break cycles defensively; callers guarantee acyclic input
		t, ok := byID[id]
		if !ok {
			return set
		}
		for _, depID := range t.Dependencies {
			set[depID] = true
			for anc := range resolve(depID) {
				set[anc] = true
			}
		}
		return set
	}
	result := make(map[string]map[string]bool, len(tasks))
	for _, t := range tasks {
		result[t.ID] = resolve(t.ID)
	}
	return result
}

// higherPriority reports whether a should be colored/scheduled before
// b under §4.7's priority tuple: decreasing (is_on_critical_path,
// -early_start, -aggressive_duration), ties broken by lower task id.
func higherPriority(a, b *model.Task) bool {
	aCrit, bCrit := graph.OnCriticalPath(a), graph.OnCriticalPath(b)
	if aCrit != bCrit {
		return aCrit
	}
	if a.EarlyStart != b.EarlyStart {
		return a.EarlyStart.Before(b.EarlyStart)
	}
	if !a.AggressiveDuration.Equal(b.AggressiveDuration) {
		return a.AggressiveDuration.GreaterThan(b.AggressiveDuration)
	}
	return a.ID < b.ID
}
