// Package execution implements the execution tracker (C10): the
// per-task Planned/InProgress/Completed state machine, the
// recalculate-from-progress rule applied to a single task, the
// buffer-consumption re-propagation formulas, chain completion
// percentage, and the fever-chart zone classifier. Grounded on spec
// §4.9-§4.10; the state-machine shape (forward-only transitions,
// rejecting updates to a terminal state) mirrors the teacher's
// CancellationManager/CancellableExecution lifecycle in
// cancellation.go, adapted from Running/Completed/Failed/Cancelled to
// Planned/InProgress/Completed.
package execution

import (
	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// ApplyProgress records a progress report against t, per spec §4.9's
// update_task_progress and §4.10's state machine. The first report
// sets ActualStartDate and transitions Planned->InProgress; a report
// with remaining=0 sets ActualEndDate and transitions to Completed.
// Reports against an already-Completed task fail with
// *model.TaskAlreadyCompleted.
func ApplyProgress(t *model.Task, remaining decimal.Decimal, asOf calendar.Date) error {
	if t.Status == model.TaskCompleted {
		return &model.TaskAlreadyCompleted{TaskID: t.ID}
	}
	t.UpdateRemaining(remaining, asOf)

	if t.ActualStartDate == nil {
		start := asOf
		t.ActualStartDate = &start
	}
	if t.Status == model.TaskPlanned {
		t.Status = model.TaskInProgress
	}
	if remaining.IsZero() {
		end := asOf
		t.ActualEndDate = &end
		t.Status = model.TaskCompleted
	}
	return nil
}

// Recalculate applies spec §4.9's recalculate_network_from_progress
// rule to a single task, given the (already-recalculated)
// end date of its latest predecessor. Completed tasks take their
// actual start/end dates (where set) as their StartDate/EndDate, so
// successors propagate from the real finish. In-progress tasks get a new
// end date from their current remaining duration. Not-yet-started
// tasks get a new start no earlier than the latest predecessor end or
// asOf, whichever is later.
func Recalculate(t *model.Task, predecessorEnd calendar.Date, asOf calendar.Date, cal *calendar.Calendar) {
	switch t.Status {
	case model.TaskCompleted:
		// Retain actual dates, but surface them as the task's current
		// start/end so downstream tasks propagate from when this task
		// really finished, not its original planned end.
		if t.ActualStartDate != nil {
			t.StartDate = *t.ActualStartDate
		}
		if t.ActualEndDate != nil {
			t.EndDate = *t.ActualEndDate
		}
	case model.TaskInProgress:
		t.EndDate = cal.AddWorkdays(asOf, t.RemainingDuration)
	default:
		newStart := predecessorEnd
		if asOf.After(newStart) {
			newStart = asOf
		}
		t.StartDate = newStart
		t.EndDate = cal.AddWorkdays(newStart, t.PlannedDuration)
	}
}

// FeedingBufferConsumption computes the remaining size of a feeding
// buffer after re-propagation, per spec §4.10: delay is how far the
// feeding chain's last task has slipped past the buffer's original
// start date; remaining is clamped at zero when delay exceeds the
// original size. The excess delay beyond the original size is not
// returned or stored anywhere: the buffer simply reads as 100%
// consumed.
func FeedingBufferConsumption(originalSize decimal.Decimal, originalBufferStart, newLastTaskEnd calendar.Date, cal *calendar.Calendar) decimal.Decimal {
	return consumptionRemaining(originalSize, originalBufferStart, newLastTaskEnd, cal)
}

// ProjectBufferConsumption computes the remaining size of the project
// buffer after re-propagation: delay is how far the critical chain's
// last task has slipped past its baseline end date.
func ProjectBufferConsumption(originalSize decimal.Decimal, baselineCriticalEnd, newCriticalEnd calendar.Date, cal *calendar.Calendar) decimal.Decimal {
	return consumptionRemaining(originalSize, baselineCriticalEnd, newCriticalEnd, cal)
}

func consumptionRemaining(originalSize decimal.Decimal, baseline, actual calendar.Date, cal *calendar.Calendar) decimal.Decimal {
	var delay decimal.Decimal
	if actual.After(baseline) {
		delay = cal.WorkdaysBetween(baseline, actual)
	}
	remaining := originalSize.Sub(delay)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return remaining
}

// ChainCompletionPct returns the chain's completion percentage as the
// ratio of total completed work to total planned duration across its
// tasks — the work-based policy chosen to resolve the spec's open
// question over elapsed-workdays-based completion (see the project's
// design notes).
func ChainCompletionPct(tasks []*model.Task) decimal.Decimal {
	plannedTotal := decimal.Zero
	completedTotal := decimal.Zero
	for _, t := range tasks {
		plannedTotal = plannedTotal.Add(t.PlannedDuration)
		completed := t.PlannedDuration.Sub(t.RemainingDuration)
		if completed.IsNegative() {
			completed = decimal.Zero
		}
		completedTotal = completedTotal.Add(completed)
	}
	if !plannedTotal.IsPositive() {
		return decimal.Zero
	}
	return completedTotal.Div(plannedTotal).Mul(decimal.NewFromInt(100))
}

// Fever-chart zone classifications.
const (
	ZoneGreen  = "green"
	ZoneYellow = "yellow"
	ZoneRed    = "red"
)

// FeverChartZone classifies a (completion%, consumption%) pair per
// spec §4.10's boundaries: green if y < 10+0.6x, yellow if
// y < 30+0.6x, red otherwise.
func FeverChartZone(completionPct, consumptionPct decimal.Decimal) string {
	sixTenths := decimal.NewFromFloat(0.6)
	greenCeiling := decimal.NewFromInt(10).Add(sixTenths.Mul(completionPct))
	if consumptionPct.LessThan(greenCeiling) {
		return ZoneGreen
	}
	yellowCeiling := decimal.NewFromInt(30).Add(sixTenths.Mul(completionPct))
	if consumptionPct.LessThan(yellowCeiling) {
		return ZoneYellow
	}
	return ZoneRed
}
