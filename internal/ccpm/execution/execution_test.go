package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

func TestApplyProgressTransitionsPlannedToInProgress(t *testing.T) {
	task, _ := model.NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(10))
	d := calendar.NewDate(2025, time.April, 1)
	if err := ApplyProgress(task, decimal.NewFromInt(5), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != model.TaskInProgress {
		t.Fatalf("status = %s, want in_progress", task.Status)
	}
	if task.ActualStartDate == nil || *task.ActualStartDate != d {
		t.Fatalf("ActualStartDate not set to first report date")
	}
}

func TestApplyProgressCompletesOnZeroRemaining(t *testing.T) {
	task, _ := model.NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(10))
	d0 := calendar.NewDate(2025, time.April, 1)
	d1 := d0.AddDays(10)
	ApplyProgress(task, decimal.NewFromInt(5), d0)
	if err := ApplyProgress(task, decimal.Zero, d1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != model.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.ActualEndDate == nil || *task.ActualEndDate != d1 {
		t.Fatalf("ActualEndDate not set")
	}
}

func TestApplyProgressRejectsUpdateToCompletedTask(t *testing.T) {
	task, _ := model.NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(10))
	d := calendar.NewDate(2025, time.April, 1)
	ApplyProgress(task, decimal.Zero, d)

	err := ApplyProgress(task, decimal.NewFromInt(1), d.AddDays(1))
	var already *model.TaskAlreadyCompleted
	if !errors.As(err, &already) {
		t.Fatalf("expected TaskAlreadyCompleted, got %v", err)
	}
}

func TestRecalculateLeavesCompletedTaskUntouched(t *testing.T) {
	task, _ := model.NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(10))
	task.Status = model.TaskCompleted
	frozen := calendar.NewDate(2025, time.April, 5)
	task.EndDate = frozen

	cal := calendar.NewSevenDay()
	Recalculate(task, calendar.NewDate(2025, time.April, 1), calendar.NewDate(2025, time.April, 20), cal)
	if task.EndDate != frozen {
		t.Fatalf("completed task's EndDate changed: got %s, want %s", task.EndDate, frozen)
	}
}

func TestFeedingBufferConsumptionFullyConsumedOnLargeSlip(t *testing.T) {
	cal := calendar.NewSevenDay()
	originalSize := decimal.NewFromInt(8)
	bufferStart := calendar.NewDate(2025, time.April, 21)
	newEnd := bufferStart.AddDays(30) // slipped well past the buffer
	remaining := FeedingBufferConsumption(originalSize, bufferStart, newEnd, cal)
	if !remaining.IsZero() {
		t.Fatalf("remaining = %s, want 0 (buffer fully consumed)", remaining)
	}
	zone := FeverChartZone(decimal.Zero, decimal.NewFromInt(100))
	if zone != ZoneRed {
		t.Fatalf("zone = %s, want red", zone)
	}
}

func TestFeverChartZoneBoundaries(t *testing.T) {
	cases := []struct {
		completion, consumption float64
		want                    string
	}{
		{0, 10, ZoneYellow},
		{100, 70, ZoneYellow},
		{100, 90, ZoneRed},
		{0, 0, ZoneGreen},
	}
	for _, c := range cases {
		got := FeverChartZone(decimal.NewFromFloat(c.completion), decimal.NewFromFloat(c.consumption))
		if got != c.want {
			t.Fatalf("FeverChartZone(%v,%v) = %s, want %s", c.completion, c.consumption, got, c.want)
		}
	}
}

func TestChainCompletionPctIsWorkBased(t *testing.T) {
	t1, _ := model.NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(10))
	t1.RemainingDuration = decimal.Zero // fully complete
	t2, _ := model.NewTask("t2", "y", decimal.NewFromInt(10), decimal.NewFromInt(10))
	t2.RemainingDuration = decimal.NewFromInt(10) // not started

	pct := ChainCompletionPct([]*model.Task{t1, t2})
	if !pct.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("completion pct = %s, want 50", pct)
	}
}
