package criticalchain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/graph"
	"github.com/criticalpath/ccpm/internal/ccpm/leveling"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
	"github.com/criticalpath/ccpm/internal/ccpm/resource"
)

func ccTask(t *testing.T, id string, aggressive int64, res string, deps ...string) *model.Task {
	t.Helper()
	task, err := model.NewTask(id, id, decimal.NewFromInt(aggressive), decimal.NewFromInt(aggressive))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if res != "" {
		task.AddResourceRequirement(res, decimal.NewFromInt(1))
	}
	for _, d := range deps {
		task.AddDependency(d)
	}
	return task
}

// buildScenarioS1 reproduces the linear-chain-no-leveling scenario:
// T1(agg=30,Red) -> T2(agg=20,Green) -> T3(agg=30,Magenta).
func buildScenarioS1(t *testing.T) ([]*model.Task, *calendar.Calendar, calendar.Date) {
	t.Helper()
	t1 := ccTask(t, "T1", 30, "Red")
	t2 := ccTask(t, "T2", 20, "Green", "T1")
	t3 := ccTask(t, "T3", 30, "Magenta", "T2")
	tasks := []*model.Task{t1, t2, t3}

	cal := calendar.NewSevenDay()
	start := calendar.NewDate(2025, time.April, 1)
	if err := graph.ForwardBackwardPass(tasks, cal, start); err != nil {
		t.Fatalf("forward/backward pass: %v", err)
	}

	reg := resource.NewRegistry()
	reg.Register("Red", decimal.NewFromInt(1))
	reg.Register("Green", decimal.NewFromInt(1))
	reg.Register("Magenta", decimal.NewFromInt(1))
	if err := leveling.Level(tasks, cal, reg, leveling.Options{ProjectStart: start}); err != nil {
		t.Fatalf("Level: %v", err)
	}
	return tasks, cal, start
}

func TestIdentifyFindsLinearCriticalChain(t *testing.T) {
	tasks, _, _ := buildScenarioS1(t)
	chain, err := Identify(tasks)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	want := []string{"T1", "T2", "T3"}
	for i, task := range chain {
		if task.ID != want[i] {
			t.Fatalf("chain[%d] = %s, want %s", i, task.ID, want[i])
		}
		if !task.IsCritical {
			t.Fatalf("task %s should be marked critical", task.ID)
		}
	}
}

// TestIdentifyFavorsResourceDelayedBranch reproduces the case where a
// nominally shorter branch is pushed later than a nominally longer one
// by resource contention leveling inserts: T1(agg=10,R)->T2(agg=10, no
// resource) sums to 20 and is the slack=0 path from the
// forward/backward pass, but T3(agg=15,R) shares R with T1 and has no
// dependents, so leveling delays T3's start until T1 releases R. T3
// then finishes at day 25 (10 from T1's hold plus its own 15), later
// than T2's day 20, and must be the critical chain even though its own
// planned duration (15) is shorter than T1+T2's summed duration (20).
func TestIdentifyFavorsResourceDelayedBranch(t *testing.T) {
	t1 := ccTask(t, "T1", 10, "R")
	t2 := ccTask(t, "T2", 10, "", "T1")
	t3 := ccTask(t, "T3", 15, "R")
	tasks := []*model.Task{t1, t2, t3}

	cal := calendar.NewSevenDay()
	start := calendar.NewDate(2025, time.April, 1)
	if err := graph.ForwardBackwardPass(tasks, cal, start); err != nil {
		t.Fatalf("forward/backward pass: %v", err)
	}

	reg := resource.NewRegistry()
	reg.Register("R", decimal.NewFromInt(1))
	if err := leveling.Level(tasks, cal, reg, leveling.Options{ProjectStart: start}); err != nil {
		t.Fatalf("Level: %v", err)
	}

	wantT2End := start.AddDays(20)
	if t2.EndDate != wantT2End {
		t.Fatalf("T2 end = %s, want %s (sanity check on the fixture)", t2.EndDate, wantT2End)
	}
	wantT3End := start.AddDays(25)
	if t3.EndDate != wantT3End {
		t.Fatalf("T3 end = %s, want %s (sanity check on the fixture)", t3.EndDate, wantT3End)
	}

	chain, err := Identify(tasks)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if len(chain) != 1 || chain[0].ID != "T3" {
		ids := make([]string, len(chain))
		for i, task := range chain {
			ids[i] = task.ID
		}
		t.Fatalf("critical chain = %v, want [T3]", ids)
	}
	if !t3.IsCritical {
		t.Fatalf("T3 should be marked critical")
	}
	if t2.IsCritical {
		t.Fatalf("T2 should not be marked critical: its real finish (day 20) is earlier than T3's (day 25)")
	}
}

func TestIdentifyMarksOffChainTasksNotCritical(t *testing.T) {
	tasks, cal, start := buildScenarioS1(t)
	// T4 is an isolated task off the chain with shorter duration.
	t4 := ccTask(t, "T4", 5, "Blue")
	reg := resource.NewRegistry()
	reg.Register("Blue", decimal.NewFromInt(1))
	allTasks := append(tasks, t4)
	if err := graph.ForwardBackwardPass(allTasks, cal, start); err != nil {
		t.Fatalf("forward/backward pass: %v", err)
	}
	t4.StartDate = start
	t4.EndDate = cal.AddWorkdays(start, t4.PlannedDuration)

	chain, err := Identify(allTasks)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	for _, task := range chain {
		if task.ID == "T4" {
			t.Fatalf("T4 should not be part of the critical chain")
		}
	}
	if t4.IsCritical {
		t.Fatalf("T4 should not be marked critical")
	}
}
