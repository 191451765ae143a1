// Package report renders the plain-text schedule and execution
// snapshots external collaborators consume (spec §6). Wording is not
// normative; section order and field values are. Grounded on the
// shape of the teacher's stats-dump helpers
// (GetScheduleStats/GetStats in scheduler.go/persistence.go), adapted
// from JSON-ish map dumps to the fixed-section plain text §6 calls
// for.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// ChainBuffer pairs a chain with the buffer protecting it and, for
// feeding chains, the critical task it merges into.
type ChainBuffer struct {
	Chain       *model.Chain
	Buffer      *model.Buffer
	MergeTaskID string // empty for the project buffer's chain
}

// Schedule carries everything the schedule report needs. Defined
// here (rather than depending on the scheduler package) so report has
// no dependency on its caller.
type Schedule struct {
	StartDate    calendar.Date
	ProjectedEnd calendar.Date
	Tasks        []*model.Task // canonical (ascending id) order
	Critical     ChainBuffer
	Feeding      []ChainBuffer
}

func taskByID(tasks []*model.Task) map[string]*model.Task {
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// ScheduleGenerate renders the baseline schedule report: project
// header, critical chain tasks, feeding chains, the complete task
// schedule in ascending start-date order (ties by id), and buffer
// information.
func ScheduleGenerate(s Schedule) string {
	var b strings.Builder
	byID := taskByID(s.Tasks)

	fmt.Fprintf(&b, "Project Schedule\n")
	fmt.Fprintf(&b, "  start date:       %s\n", s.StartDate)
	fmt.Fprintf(&b, "  projected end:    %s\n", s.ProjectedEnd)
	fmt.Fprintf(&b, "  duration:         %d calendar days\n", s.ProjectedEnd.Sub(s.StartDate))
	if s.Critical.Buffer != nil {
		fmt.Fprintf(&b, "  project buffer:   %s working days\n", s.Critical.Buffer.SizeDays)
	}

	fmt.Fprintf(&b, "\nCritical Chain Tasks\n")
	for _, id := range s.Critical.Chain.Tasks {
		writeTaskLine(&b, byID[id])
	}

	fmt.Fprintf(&b, "\nFeeding Chains\n")
	for _, fc := range s.Feeding {
		fmt.Fprintf(&b, "  chain %s -> merges into %s, buffer %s working days\n",
			fc.Chain.ID, fc.MergeTaskID, fc.Buffer.SizeDays)
		for _, id := range fc.Chain.Tasks {
			writeTaskLine(&b, byID[id])
		}
	}

	fmt.Fprintf(&b, "\nComplete Task Schedule\n")
	ordered := append([]*model.Task(nil), s.Tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].StartDate.Equal(ordered[j].StartDate) {
			return ordered[i].StartDate.Before(ordered[j].StartDate)
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, t := range ordered {
		writeTaskLine(&b, t)
	}

	fmt.Fprintf(&b, "\nBuffer Information\n")
	writeBufferLine(&b, s.Critical.Buffer, "project")
	for _, fc := range s.Feeding {
		writeBufferLine(&b, fc.Buffer, "feeding:"+fc.Chain.ID)
	}

	return b.String()
}

// Execution carries the additional state the execution report needs
// beyond the baseline schedule: current buffer remaining/zone, and
// each task's current status.
type Execution struct {
	Schedule Schedule
	Zones    map[string]string // buffer id -> fever-chart zone
}

// ExecutionGenerate renders the execution-status report: buffer
// status, tasks in progress, completed tasks (with schedule
// variance), and upcoming tasks.
func ExecutionGenerate(e Execution) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Buffer Status\n")
	writeBufferStatus(&b, e.Schedule.Critical.Buffer, "project", e.Zones)
	for _, fc := range e.Schedule.Feeding {
		writeBufferStatus(&b, fc.Buffer, "feeding:"+fc.Chain.ID, e.Zones)
	}

	ordered := append([]*model.Task(nil), e.Schedule.Tasks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	fmt.Fprintf(&b, "\nTasks In Progress\n")
	for _, t := range ordered {
		if t.Status == model.TaskInProgress {
			writeTaskLine(&b, t)
		}
	}

	fmt.Fprintf(&b, "\nCompleted Tasks\n")
	for _, t := range ordered {
		if t.Status != model.TaskCompleted {
			continue
		}
		// Diffed against BaselineEndDate, not EndDate: recalculate_network_from_progress
		// syncs a completed task's EndDate to its ActualEndDate, which
		// would make a t.EndDate-relative variance always zero.
		variance := 0
		if t.ActualEndDate != nil {
			variance = t.ActualEndDate.Sub(t.BaselineEndDate)
		}
		fmt.Fprintf(&b, "  %-8s variance=%+d days\n", t.ID, variance)
	}

	fmt.Fprintf(&b, "\nUpcoming Tasks\n")
	for _, t := range ordered {
		if t.Status == model.TaskPlanned {
			writeTaskLine(&b, t)
		}
	}

	return b.String()
}

func writeTaskLine(b *strings.Builder, t *model.Task) {
	if t == nil {
		return
	}
	fmt.Fprintf(b, "  %-8s start=%s end=%s duration=%s critical=%v\n",
		t.ID, t.StartDate, t.EndDate, t.PlannedDuration, t.IsCritical)
}

func writeBufferLine(b *strings.Builder, buf *model.Buffer, label string) {
	if buf == nil {
		return
	}
	fmt.Fprintf(b, "  %-16s size=%s start=%s end=%s\n", label, buf.SizeDays, buf.StartDate, buf.EndDate)
}

func writeBufferStatus(b *strings.Builder, buf *model.Buffer, label string, zones map[string]string) {
	if buf == nil {
		return
	}
	zone := zones[buf.ID]
	fmt.Fprintf(b, "  %-16s size=%s consumed=%s%% remaining=%s zone=%s\n",
		label, buf.SizeDays, roundPct(buf.ConsumptionPct()), buf.Remaining, zone)
}

func roundPct(d decimal.Decimal) string {
	return d.StringFixed(1)
}
