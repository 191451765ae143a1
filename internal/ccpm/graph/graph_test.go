package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

func mustTask(t *testing.T, id string, aggressive int64, deps ...string) *model.Task {
	t.Helper()
	task, err := model.NewTask(id, id, decimal.NewFromInt(aggressive), decimal.NewFromInt(aggressive))
	if err != nil {
		t.Fatalf("NewTask(%s): %v", id, err)
	}
	for _, d := range deps {
		task.AddDependency(d)
	}
	return task
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	a := mustTask(t, "A", 1)
	b := mustTask(t, "B", 1, "A")
	c := mustTask(t, "C", 1, "A")
	d := mustTask(t, "D", 1, "B", "C")

	ordered, err := TopoOrder([]*model.Task{d, c, b, a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(ordered))
	for i, task := range ordered {
		pos[task.ID] = i
	}
	if pos["A"] > pos["B"] || pos["A"] > pos["C"] || pos["B"] > pos["D"] || pos["C"] > pos["D"] {
		t.Fatalf("topo order violates dependencies: %v", pos)
	}
}

func TestTopoOrderIsDeterministicAmongReadyTasks(t *testing.T) {
	a := mustTask(t, "A", 1)
	b := mustTask(t, "B", 1)
	c := mustTask(t, "C", 1)

	ordered, err := TopoOrder([]*model.Task{c, a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"A", "B", "C"}
	for i, task := range ordered {
		if task.ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, task.ID, want[i])
		}
	}
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	a := mustTask(t, "A", 1, "C")
	b := mustTask(t, "B", 1, "A")
	c := mustTask(t, "C", 1, "B")

	_, err := TopoOrder([]*model.Task{a, b, c})
	var cycleErr *model.CycleDetected
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetected, got %v", err)
	}
	if len(cycleErr.Path) == 0 {
		t.Fatalf("expected a non-empty cycle path")
	}
}

func TestReverseGraphListsSuccessors(t *testing.T) {
	a := mustTask(t, "A", 1)
	b := mustTask(t, "B", 1, "A")
	c := mustTask(t, "C", 1, "A")

	successors := ReverseGraph([]*model.Task{a, b, c})
	if len(successors["A"]) != 2 || successors["A"][0] != "B" || successors["A"][1] != "C" {
		t.Fatalf("successors of A = %v, want [B C]", successors["A"])
	}
	if len(successors["B"]) != 0 {
		t.Fatalf("successors of B = %v, want none", successors["B"])
	}
}

func TestLongestPathByDurationPicksHeaviestChain(t *testing.T) {
	a := mustTask(t, "A", 1)
	b := mustTask(t, "B", 5, "A")
	c := mustTask(t, "C", 1, "A")
	d := mustTask(t, "D", 1, "B", "C")

	path, err := LongestPathByDuration([]*model.Task{a, b, c, d}, func(task *model.Task) decimal.Decimal {
		return task.AggressiveDuration
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"A", "B", "D"}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i, task := range path {
		if task.ID != want[i] {
			t.Fatalf("path[%d] = %s, want %s", i, task.ID, want[i])
		}
	}
}

func TestLongestPathByEndDateFavorsLaterAbsoluteFinish(t *testing.T) {
	// A->B has a longer summed duration (10+10=20) than C alone (15),
	// but C's EndDate (set here as leveling would, reflecting a
	// resource-contention delay with no relation to C's own duration)
	// is later in absolute terms, so it must win.
	start := calendar.NewDate(2025, time.April, 1)
	a := mustTask(t, "A", 10)
	a.StartDate = start
	a.EndDate = start.AddDays(10)
	b := mustTask(t, "B", 10, "A")
	b.StartDate = a.EndDate
	b.EndDate = b.StartDate.AddDays(10)
	c := mustTask(t, "C", 15)
	c.StartDate = start.AddDays(10)
	c.EndDate = c.StartDate.AddDays(15)

	path, err := LongestPathByEndDate([]*model.Task{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(path) != 1 || path[0].ID != "C" {
		t.Fatalf("path = %v, want [C]", path)
	}
}

func TestLongestPathByEndDateBreaksTiesByLowerTerminalID(t *testing.T) {
	start := calendar.NewDate(2025, time.April, 1)
	a := mustTask(t, "A", 1)
	a.StartDate = start
	a.EndDate = start.AddDays(1)
	x := mustTask(t, "X", 1, "A")
	x.StartDate = a.EndDate
	x.EndDate = x.StartDate.AddDays(5)
	y := mustTask(t, "Y", 1, "A")
	y.StartDate = a.EndDate
	y.EndDate = y.StartDate.AddDays(5)

	path, err := LongestPathByEndDate([]*model.Task{a, x, y})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(path) != 2 || path[0].ID != "A" || path[1].ID != "X" {
		t.Fatalf("path = %v, want [A X]", path)
	}
}

func TestLongestPathByDurationBreaksTiesByLowerTerminalID(t *testing.T) {
	a := mustTask(t, "A", 1)
	x := mustTask(t, "X", 1, "A")
	y := mustTask(t, "Y", 1, "A")

	path, err := LongestPathByDuration([]*model.Task{a, x, y}, func(task *model.Task) decimal.Decimal {
		return task.AggressiveDuration
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := path[len(path)-1]
	if last.ID != "X" {
		t.Fatalf("terminal task = %s, want X (lower id tie-break)", last.ID)
	}
}

func TestForwardBackwardPassZeroSlackOnLinearChain(t *testing.T) {
	a := mustTask(t, "A", 30)
	b := mustTask(t, "B", 20, "A")
	c := mustTask(t, "C", 30, "B")

	cal := calendar.NewSevenDay()
	start := calendar.NewDate(2025, time.April, 1)
	if err := ForwardBackwardPass([]*model.Task{a, b, c}, cal, start); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, task := range []*model.Task{a, b, c} {
		if !OnCriticalPath(task) {
			t.Fatalf("task %s: expected zero slack on a linear chain, got %s", task.ID, task.Slack)
		}
	}
	if a.EarlyStart != start {
		t.Fatalf("A.EarlyStart = %s, want %s", a.EarlyStart, start)
	}
	if b.EarlyStart != a.EarlyFinish {
		t.Fatalf("B.EarlyStart = %s, want A.EarlyFinish = %s", b.EarlyStart, a.EarlyFinish)
	}
}

func TestForwardBackwardPassGivesSlackToOffCriticalBranch(t *testing.T) {
	a := mustTask(t, "A", 10)
	b := mustTask(t, "B", 30, "A")
	c := mustTask(t, "C", 5, "A")
	d := mustTask(t, "D", 1, "B", "C")

	cal := calendar.NewSevenDay()
	start := calendar.NewDate(2025, time.April, 1)
	if err := ForwardBackwardPass([]*model.Task{a, b, c, d}, cal, start); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if OnCriticalPath(c) {
		t.Fatalf("C should have positive slack (shorter branch into D)")
	}
	if !OnCriticalPath(b) {
		t.Fatalf("B should be on the critical path (longer branch into D)")
	}
	if c.Slack.IsZero() {
		t.Fatalf("C.Slack should be positive, got zero")
	}
}
