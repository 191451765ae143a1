package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

func TestAllocateWithinCapacitySucceeds(t *testing.T) {
	cal := calendar.New()
	reg := NewRegistry()
	reg.Register("Red", decimal.NewFromInt(2))

	mon := calendar.NewDate(2025, time.April, 7)
	wed := mon.AddDays(2)

	if err := reg.Allocate("Red", mon, wed, cal, decimal.NewFromInt(1), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	allocated, _ := reg.Allocated("Red", mon)
	if !allocated.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("allocated = %s, want 1", allocated)
	}
}

func TestAllocateOverCapacityFailsAndRollsBack(t *testing.T) {
	cal := calendar.New()
	reg := NewRegistry()
	reg.Register("Red", decimal.NewFromInt(1))

	mon := calendar.NewDate(2025, time.April, 7)
	wed := mon.AddDays(2)

	if err := reg.Allocate("Red", mon, wed, cal, decimal.NewFromInt(1), false); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	err := reg.Allocate("Red", mon, wed, cal, decimal.NewFromInt(1), false)
	var overErr *model.ResourceOverallocationError
	if !errors.As(err, &overErr) {
		t.Fatalf("expected ResourceOverallocationError, got %v", err)
	}

	tue := mon.AddDays(1)
	allocated, _ := reg.Allocated("Red", tue)
	if !allocated.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("allocated on tue = %s, want 1 (failed allocation must not partially commit)", allocated)
	}
}

func TestAllocateWithOverallocationAllowedFlagsButSucceeds(t *testing.T) {
	cal := calendar.New()
	reg := NewRegistry()
	reg.Register("Red", decimal.NewFromInt(1))

	mon := calendar.NewDate(2025, time.April, 7)
	tue := mon.AddDays(1)

	if err := reg.Allocate("Red", mon, tue, cal, decimal.NewFromInt(1), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Allocate("Red", mon, tue, cal, decimal.NewFromInt(1), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	over, _ := reg.IsOverallocated("Red", mon)
	if !over {
		t.Fatalf("expected Red to be flagged overallocated on mon")
	}
}

func TestDeallocateReversesAllocation(t *testing.T) {
	cal := calendar.New()
	reg := NewRegistry()
	reg.Register("Red", decimal.NewFromInt(2))

	mon := calendar.NewDate(2025, time.April, 7)
	tue := mon.AddDays(1)

	reg.Allocate("Red", mon, tue, cal, decimal.NewFromInt(2), false)
	reg.Deallocate("Red", mon, tue, cal, decimal.NewFromInt(2))

	allocated, _ := reg.Allocated("Red", mon)
	if !allocated.IsZero() {
		t.Fatalf("allocated after deallocate = %s, want 0", allocated)
	}
}

func TestRegisterWithOptionsUsesResourceOwnCalendar(t *testing.T) {
	// Red works its own Tue-Thu week; the caller passes a plain Mon-Fri
	// calendar, which must be ignored in favor of Red's own.
	callerCal := calendar.New()
	reg := NewRegistry()
	resourceCal := calendar.New()
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		resourceCal.SetWeeklyAvailability(wd, decimal.Zero)
	}
	for _, wd := range []time.Weekday{time.Tuesday, time.Wednesday, time.Thursday} {
		resourceCal.SetWeeklyAvailability(wd, decimal.NewFromInt(1))
	}
	reg.RegisterWithOptions("Red", decimal.NewFromInt(1), resourceCal, false)

	mon := calendar.NewDate(2025, time.April, 7) // a Monday
	fri := mon.AddDays(4)
	if err := reg.Allocate("Red", mon, fri, callerCal, decimal.NewFromInt(1), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if allocated, _ := reg.Allocated("Red", mon); !allocated.IsZero() {
		t.Fatalf("Red should not be allocated on Monday (off its own calendar), got %s", allocated)
	}
	tue := mon.AddDays(1)
	if allocated, _ := reg.Allocated("Red", tue); !allocated.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("Red should be allocated on Tuesday (on its own calendar), got %s", allocated)
	}
}

func TestRegisterWithOptionsAllowOverallocationOverridesCaller(t *testing.T) {
	cal := calendar.New()
	reg := NewRegistry()
	reg.RegisterWithOptions("Red", decimal.NewFromInt(1), nil, true)

	mon := calendar.NewDate(2025, time.April, 7)
	tue := mon.AddDays(1)

	// allowOverallocation=false here is overridden by Red's own flag.
	if err := reg.Allocate("Red", mon, tue, cal, decimal.NewFromInt(1), false); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	if err := reg.Allocate("Red", mon, tue, cal, decimal.NewFromInt(1), false); err != nil {
		t.Fatalf("second allocation should succeed via resource's own allow-overallocation flag: %v", err)
	}
	over, _ := reg.IsOverallocated("Red", mon)
	if !over {
		t.Fatalf("expected Red to be flagged overallocated on mon")
	}
}

func TestUnknownResourceNameErrors(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Utilization("Ghost", calendar.NewDate(2025, time.April, 7))
	var unknown *model.UnknownResourceName
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownResourceName, got %v", err)
	}
}
