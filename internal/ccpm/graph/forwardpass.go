package graph

import (
	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// ForwardBackwardPass computes early_start/early_finish/late_start/
// late_finish/slack for every task from its dependency structure and
// planned_duration alone, ignoring resource constraints — the phase
// the data flow runs immediately after topological sort and before
// resource leveling. projectStart anchors the tasks with no
// predecessors. Mutates tasks in place; tasks must already be
// acyclic (TopoOrder is called internally and its error, if any, is
// returned unchanged).
func ForwardBackwardPass(tasks []*model.Task, cal *calendar.Calendar, projectStart calendar.Date) error {
	ordered, err := TopoOrder(tasks)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Task, len(ordered))
	for _, t := range ordered {
		byID[t.ID] = t
	}

	for _, t := range ordered {
		if len(t.Dependencies) == 0 {
			t.EarlyStart = projectStart
		} else {
			earliest := calendar.Date(0)
			first := true
			for _, depID := range sortedDeps(t.Dependencies) {
				dep, ok := byID[depID]
				if !ok {
					continue
				}
				if first || dep.EarlyFinish.After(earliest) {
					earliest = dep.EarlyFinish
					first = false
				}
			}
			t.EarlyStart = earliest
		}
		t.EarlyFinish = cal.AddWorkdays(t.EarlyStart, t.PlannedDuration)
	}

	successors := ReverseGraph(ordered)

	projectEnd := ordered[0].EarlyFinish
	for _, t := range ordered {
		if len(successors[t.ID]) == 0 && t.EarlyFinish.After(projectEnd) {
			projectEnd = t.EarlyFinish
		}
	}

	for i := len(ordered) - 1; i >= 0; i-- {
		t := ordered[i]
		succIDs := successors[t.ID]
		if len(succIDs) == 0 {
			t.LateFinish = projectEnd
		} else {
			latest := calendar.Date(0)
			first := true
			for _, succID := range succIDs {
				succ, ok := byID[succID]
				if !ok {
					continue
				}
				if first || succ.LateStart.Before(latest) {
					latest = succ.LateStart
					first = false
				}
			}
			t.LateFinish = latest
		}
		t.LateStart = cal.SubtractWorkdays(t.LateFinish, t.PlannedDuration)
		t.Slack = cal.WorkdaysBetween(t.EarlyStart, t.LateStart)
	}
	return nil
}

// OnCriticalPath reports whether t currently has zero slack, i.e. its
// early and late start coincide under the most recent
// ForwardBackwardPass. Used both as the provisional critical-path
// flag feeding leveling's priority order and as step 1 of final
// critical-chain identification.
func OnCriticalPath(t *model.Task) bool {
	return t.Slack.Equal(decimal.Zero)
}
