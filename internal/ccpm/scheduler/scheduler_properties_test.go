package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/criticalpath/ccpm/internal/ccpm/bufferstrategy"
	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/execution"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// buildLinearChain constructs a single-resource, strictly sequential
// chain of n tasks (T0->T1->...->Tn-1), each with aggressive duration
// durations[i] and safe = aggressive + slack[i]. Every task shares the
// same resource name, so resource capacity and leveling are both
// exercised deterministically from a simple parameter list.
func buildLinearChain(t *testing.T, durations, slack []int, capacity int64) *Scheduler {
	t.Helper()
	start := calendar.NewDate(2025, time.April, 1)
	s := New(start, bufferstrategy.CutAndPaste, false)
	if err := s.SetCalendar(calendar.NewSevenDay()); err != nil {
		t.Fatalf("SetCalendar: %v", err)
	}
	if err := s.SetResources(map[string]decimal.Decimal{
		"R": decimal.NewFromInt(capacity),
	}); err != nil {
		t.Fatalf("SetResources: %v", err)
	}
	var prev string
	for i, d := range durations {
		id := taskName(i)
		aggressive := decimal.NewFromInt(int64(d))
		safe := aggressive.Add(decimal.NewFromInt(int64(slack[i])))
		task, err := model.NewTask(id, id, aggressive, safe)
		if err != nil {
			t.Fatalf("NewTask: %v", err)
		}
		if err := task.AddResourceRequirement("R", decimal.NewFromInt(1)); err != nil {
			t.Fatalf("AddResourceRequirement: %v", err)
		}
		if prev != "" {
			task.AddDependency(prev)
		}
		if err := s.AddTask(task); err != nil {
			t.Fatalf("AddTask(%s): %v", id, err)
		}
		prev = id
	}
	return s
}

func taskName(i int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	return "T" + string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}

// genDurationSlice produces a slice of five positive aggressive
// durations, one per task in a five-task linear chain.
func genDurationSlice() gopter.Gen {
	return gen.SliceOfN(5, gen.IntRange(1, 30))
}

func genSlackSlice() gopter.Gen {
	return gen.SliceOfN(5, gen.IntRange(0, 20))
}

// TestSchedulerDeterminism checks that scheduling the same linear
// chain twice from scratch yields an identical projected end date and
// an identical critical-chain task ordering, per the requirement that
// schedule() be a pure function of its inputs.
func TestSchedulerDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs produce the same projected end and critical chain", prop.ForAll(
		func(durations, slack []int) bool {
			s1 := buildLinearChain(t, durations, slack, 1)
			sched1, err := s1.Schedule(context.Background())
			require.NoError(t, err)

			s2 := buildLinearChain(t, durations, slack, 1)
			sched2, err := s2.Schedule(context.Background())
			require.NoError(t, err)

			if sched1.ProjectedEnd != sched2.ProjectedEnd {
				return false
			}
			var c1, c2 *model.Chain
			for _, c := range sched1.Chains {
				if c.Kind == model.ChainCritical {
					c1 = c
				}
			}
			for _, c := range sched2.Chains {
				if c.Kind == model.ChainCritical {
					c2 = c
				}
			}
			if len(c1.Tasks) != len(c2.Tasks) {
				return false
			}
			for i := range c1.Tasks {
				if c1.Tasks[i] != c2.Tasks[i] {
					return false
				}
			}
			return true
		},
		genDurationSlice(),
		genSlackSlice(),
	))

	properties.TestingRun(t)
}

// TestResourceCapacityConservation checks that, with
// allow_overallocation left at its default false, leveling never
// leaves a resource over capacity on any working day.
func TestResourceCapacityConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("no resource day exceeds its capacity after scheduling", prop.ForAll(
		func(durations, slack []int) bool {
			s := buildLinearChain(t, durations, slack, 1)
			_, err := s.Schedule(context.Background())
			require.NoError(t, err)

			for _, task := range s.tasks {
				overallocated, err := s.resources.IsOverallocated("R", task.StartDate)
				require.NoError(t, err)
				if overallocated {
					return false
				}
			}
			return true
		},
		genDurationSlice(),
		genSlackSlice(),
	))

	properties.TestingRun(t)
}

// TestProjectBufferConsumptionBounded checks that, across a range of
// reported delays, the project buffer's Remaining never goes negative
// and never exceeds its OriginalSize.
func TestProjectBufferConsumptionBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("buffer remaining stays within [0, originalSize]", prop.ForAll(
		func(durations, slack []int, delayDays int) bool {
			s := buildLinearChain(t, durations, slack, 1)
			sched, err := s.Schedule(context.Background())
			require.NoError(t, err)

			var critical *model.Chain
			for _, c := range sched.Chains {
				if c.Kind == model.ChainCritical {
					critical = c
				}
			}
			lastID := critical.Tasks[len(critical.Tasks)-1]
			lateDate := s.tasks[lastID].EndDate.AddDays(delayDays)

			if err := s.UpdateTaskProgress(lastID, decimal.Zero, lateDate); err != nil {
				return false
			}
			sched2, err := s.RecalculateNetworkFromProgress(context.Background(), lateDate)
			require.NoError(t, err)

			buf := sched2.Buffers[critical.BufferID]
			if buf.Remaining.IsNegative() {
				return false
			}
			if buf.Remaining.GreaterThan(buf.OriginalSize) {
				return false
			}
			return true
		},
		genDurationSlice(),
		genSlackSlice(),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

// TestFeverChartZoneMonotonic checks that, for a fixed completion
// percentage, increasing buffer consumption never moves the fever
// chart zone backwards (red never reverts to yellow or green, yellow
// never reverts to green) as spec §4.10's boundaries are strictly
// increasing thresholds in consumption.
func TestFeverChartZoneMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	rank := map[string]int{execution.ZoneGreen: 0, execution.ZoneYellow: 1, execution.ZoneRed: 2}

	properties.Property("zone rank is monotonically non-decreasing in consumption", prop.ForAll(
		func(completion, lowConsumption, delta int) bool {
			high := lowConsumption + delta
			lowZone := execution.FeverChartZone(decimal.NewFromInt(int64(completion)), decimal.NewFromInt(int64(lowConsumption)))
			highZone := execution.FeverChartZone(decimal.NewFromInt(int64(completion)), decimal.NewFromInt(int64(high)))
			return rank[highZone] >= rank[lowZone]
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 150),
		gen.IntRange(0, 150),
	))

	properties.TestingRun(t)
}
