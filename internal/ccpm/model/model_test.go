package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
)

func TestNewTaskRejectsEmptyID(t *testing.T) {
	_, err := NewTask("", "x", decimal.NewFromInt(1), decimal.NewFromInt(1))
	var invalid *InvalidTask
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTask, got %v", err)
	}
}

func TestNewTaskRejectsSafeLessThanAggressive(t *testing.T) {
	_, err := NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(5))
	var invalid *InvalidTask
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTask, got %v", err)
	}
}

func TestAddResourceRequirementRejectsNonPositiveUnits(t *testing.T) {
	task, err := NewTask("t1", "x", decimal.NewFromInt(10), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := task.AddResourceRequirement("Red", decimal.Zero); err == nil {
		t.Fatalf("expected error for zero units")
	}
}

func TestUpdateRemainingComputesProgress(t *testing.T) {
	task, _ := NewTask("t1", "x", decimal.NewFromInt(20), decimal.NewFromInt(30))
	task.PlannedDuration = decimal.NewFromInt(20)
	d := calendar.NewDate(2025, time.April, 10)
	task.UpdateRemaining(decimal.NewFromInt(5), d)

	if len(task.ProgressHistory) != 1 {
		t.Fatalf("expected one progress record, got %d", len(task.ProgressHistory))
	}
	rec := task.ProgressHistory[0]
	if !rec.CompletedWork.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("completed work = %s, want 15", rec.CompletedWork)
	}
	wantPct := decimal.NewFromInt(75)
	if !rec.ProgressPct.Equal(wantPct) {
		t.Fatalf("progress pct = %s, want %s", rec.ProgressPct, wantPct)
	}
}

func TestBufferConsumptionPctMonotonic(t *testing.T) {
	b := NewBuffer("b1", BufferProject, decimal.NewFromInt(40), "critical-last", "critical")
	d0 := calendar.NewDate(2025, time.April, 1)
	b.RecordConsumption(d0)
	b.Remaining = decimal.NewFromInt(30)
	d1 := d0.AddDays(5)
	b.RecordConsumption(d1)

	if b.ConsumptionHistory[0].ConsumptionPct.GreaterThan(b.ConsumptionHistory[1].ConsumptionPct) {
		t.Fatalf("consumption pct must be non-decreasing over time")
	}
	if b.ConsumptionPct().LessThan(decimal.Zero) || b.ConsumptionPct().GreaterThan(decimal.NewFromInt(100)) {
		t.Fatalf("consumption pct out of [0,100]: %s", b.ConsumptionPct())
	}
}
