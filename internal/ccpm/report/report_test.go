package report

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// TestExecutionGenerateVarianceUsesBaselineNotLiveEndDate reproduces
// recalculate_network_from_progress's sync of a completed task's
// EndDate to its ActualEndDate: by the time a report runs, t.EndDate
// always equals t.ActualEndDate, so a variance computed against
// t.EndDate would always read zero. Variance must instead be computed
// against BaselineEndDate, which is fixed once at schedule() build
// time and never mutated afterward.
func TestExecutionGenerateVarianceUsesBaselineNotLiveEndDate(t *testing.T) {
	start := calendar.NewDate(2025, time.April, 1)
	task, err := model.NewTask("T1", "T1", decimal.NewFromInt(10), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	task.StartDate = start
	task.EndDate = start.AddDays(10)
	task.BaselineEndDate = task.EndDate // fixed at schedule() build time

	// Simulate recalculate_network_from_progress completing the task 3
	// days late and syncing EndDate to ActualEndDate, as
	// execution.Recalculate's TaskCompleted branch does.
	actualEnd := start.AddDays(13)
	task.ActualEndDate = &actualEnd
	task.Status = model.TaskCompleted
	task.EndDate = actualEnd

	chain := model.NewChain("critical", model.ChainCritical, []string{"T1"})
	buf := model.NewBuffer("buf-project", model.BufferProject, decimal.NewFromInt(5), "T1", "critical")

	out := ExecutionGenerate(Execution{
		Schedule: Schedule{
			StartDate:    start,
			ProjectedEnd: task.EndDate,
			Tasks:        []*model.Task{task},
			Critical:     ChainBuffer{Chain: chain, Buffer: buf},
		},
		Zones: map[string]string{buf.ID: "green"},
	})

	completed := out[strings.Index(out, "Completed Tasks"):]
	if !strings.Contains(completed, "T1") || !strings.Contains(completed, "variance=+3 days") {
		t.Fatalf("expected T1 with variance=+3 days, got:\n%s", completed)
	}
}
