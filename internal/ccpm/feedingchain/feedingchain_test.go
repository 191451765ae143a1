package feedingchain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/criticalchain"
	"github.com/criticalpath/ccpm/internal/ccpm/graph"
	"github.com/criticalpath/ccpm/internal/ccpm/leveling"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
	"github.com/criticalpath/ccpm/internal/ccpm/resource"
)

func fcTask(t *testing.T, id string, aggressive int64, res string, deps ...string) *model.Task {
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

// buildScenarioS2 reproduces: T1->T2->T3, plus T4->T5->T3 feeding in.
func buildScenarioS2(t *testing.T) ([]*model.Task, []*model.Task, *calendar.Calendar) {
	t.Helper()
	t1 := fcTask(t, "T1", 30, "Red")
	t2 := fcTask(t, "T2", 20, "Green", "T1")
	t4 := fcTask(t, "T4", 20, "Blue")
	t5 := fcTask(t, "T5", 10, "Green", "T4")
	t3 := fcTask(t, "T3", 30, "Magenta", "T2", "T5")
	tasks := []*model.Task{t1, t2, t3, t4, t5}

	cal := calendar.NewSevenDay()
	start := calendar.NewDate(2025, time.April, 1)
	if err := graph.ForwardBackwardPass(tasks, cal, start); err != nil {
		t.Fatalf("forward/backward pass: %v", err)
	}

	reg := resource.NewRegistry()
	for _, name := range []string{"Red", "Green", "Blue", "Magenta"} {
		reg.Register(name, decimal.NewFromInt(1))
	}
	if err := leveling.Level(tasks, cal, reg, leveling.Options{ProjectStart: start}); err != nil {
		t.Fatalf("Level: %v", err)
	}
	chain, err := criticalchain.Identify(tasks)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	return tasks, chain, cal
}

func TestExtractFindsSingleFeedingChain(t *testing.T) {
	tasks, chain, _ := buildScenarioS2(t)
	results := Extract(tasks, chain)
	if len(results) != 1 {
		t.Fatalf("expected exactly one feeding chain, got %d", len(results))
	}
	got := results[0].Chain.Tasks
	want := []string{"T4", "T5"}
	if len(got) != len(want) {
		t.Fatalf("feeding chain = %v, want %v", got, want)
	}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("feeding chain[%d] = %s, want %s", i, got[i], id)
		}
	}
	if results[0].MergeTaskID != "T3" {
		t.Fatalf("merge task = %s, want T3", results[0].MergeTaskID)
	}
}

func TestExtractLeavesCriticalChainUnclaimed(t *testing.T) {
	tasks, chain, _ := buildScenarioS2(t)
	results := Extract(tasks, chain)
	criticalSet := make(map[string]bool)
	for _, tsk := range chain {
		criticalSet[tsk.ID] = true
	}
	for _, r := range results {
		for _, id := range r.Chain.Tasks {
			if criticalSet[id] {
				t.Fatalf("feeding chain must not include critical-chain task %s", id)
			}
		}
	}
}
