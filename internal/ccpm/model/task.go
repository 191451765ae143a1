package model

import (
	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
)

// TaskStatus is the per-task execution state machine defined in
// spec §4.10: Planned -> InProgress -> Completed, no backward
// transitions.
type TaskStatus string

const (
	TaskPlanned    TaskStatus = "planned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// ResourceRequirement names a resource and the units of it a task
// consumes for its full duration.
type ResourceRequirement struct {
	Name  string
	Units decimal.Decimal
}

// ProgressRecord is one append-only entry in a task's progress
// history: a snapshot taken as of a reported date.
type ProgressRecord struct {
	Date          calendar.Date
	Remaining     decimal.Decimal
	CompletedWork decimal.Decimal
	ProgressPct   decimal.Decimal
}

// Task is the engine's unit of schedulable work. Fields split into
// the caller-supplied planning inputs, the scheduler-assigned
// scheduling attributes (set during Schedule()), and the
// execution-time attributes (set during UpdateTaskProgress /
// RecalculateFromProgress). See spec §3.
type Task struct {
	ID                 string
	Name               string
	AggressiveDuration decimal.Decimal
	SafeDuration       decimal.Decimal
	PlannedDuration    decimal.Decimal
	Resources          []ResourceRequirement
	Dependencies       []string

	// Scheduling attributes, assigned by the engine.
	EarlyStart  calendar.Date
	EarlyFinish calendar.Date
	LateStart   calendar.Date
	LateFinish  calendar.Date
	Slack       decimal.Decimal
	IsCritical  bool
	StartDate   calendar.Date
	EndDate     calendar.Date
	ChainID     string
	Color       int

	// BaselineEndDate is EndDate as fixed by the baseline schedule()
	// build, before any execution-phase recalculation mutates EndDate
	// to track actual progress. Reports diff ActualEndDate against this
	// instead of against the live EndDate, which RecalculateNetworkFromProgress
	// overwrites with ActualEndDate itself for completed tasks.
	BaselineEndDate calendar.Date

	// Execution attributes.
	Status            TaskStatus
	ActualStartDate   *calendar.Date
	ActualEndDate     *calendar.Date
	RemainingDuration decimal.Decimal
	ProgressHistory   []ProgressRecord
}

// NewTask validates and constructs a task. safe must be >= aggressive,
// both must be >= 0, and id must be non-empty; all other invariants
// (dependency existence, resource registration) are checked by the
// scheduler, which has visibility into the full registries.
func NewTask(id, name string, aggressive, safe decimal.Decimal) (*Task, error) {
	if id == "" {
		return nil, &InvalidTask{TaskID: id, Reason: "id must not be empty"}
	}
	if aggressive.IsNegative() {
		return nil, &InvalidTask{TaskID: id, Reason: "aggressive_duration must be >= 0"}
	}
	if safe.LessThan(aggressive) {
		return nil, &InvalidTask{TaskID: id, Reason: "safe_duration must be >= aggressive_duration"}
	}
	return &Task{
		ID:                 id,
		Name:               name,
		AggressiveDuration: aggressive,
		SafeDuration:       safe,
		PlannedDuration:    aggressive,
		RemainingDuration:  aggressive,
		Status:             TaskPlanned,
	}, nil
}

// AddDependency records a predecessor id, de-duplicating repeats.
func (t *Task) AddDependency(predecessorID string) {
	for _, id := range t.Dependencies {
		if id == predecessorID {
			return
		}
	}
	t.Dependencies = append(t.Dependencies, predecessorID)
}

// AddResourceRequirement validates units > 0 and appends a
// requirement; the resource name's registration is checked by the
// scheduler.
func (t *Task) AddResourceRequirement(name string, units decimal.Decimal) error {
	if !units.IsPositive() {
		return &InvalidTask{TaskID: t.ID, Reason: "resource units must be > 0"}
	}
	t.Resources = append(t.Resources, ResourceRequirement{Name: name, Units: units})
	return nil
}

// UpdateRemaining appends a progress record and recomputes
// completed_work / progress_percentage from the task's planned
// duration, per spec §4.4. It does not manage actual_start_date,
// actual_end_date, or the task's Status transitions — those are the
// Scheduler's responsibility (spec §4.9/§4.10), since they require
// cross-task context (whether this is the task's first report).
func (t *Task) UpdateRemaining(remaining decimal.Decimal, date calendar.Date) {
	completed := t.PlannedDuration.Sub(remaining)
	if completed.IsNegative() {
		completed = decimal.Zero
	}
	var pct decimal.Decimal
	if t.PlannedDuration.IsPositive() {
		pct = completed.Div(t.PlannedDuration).Mul(decimal.NewFromInt(100))
	}
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		pct = decimal.NewFromInt(100)
	}
	t.RemainingDuration = remaining
	t.ProgressHistory = append(t.ProgressHistory, ProgressRecord{
		Date:          date,
		Remaining:     remaining,
		CompletedWork: completed,
		ProgressPct:   pct,
	})
}

// Clone returns a deep copy of t, used by the scheduler to take a
// working snapshot during schedule() so a failed build never mutates
// the caller's original task objects.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Resources = append([]ResourceRequirement(nil), t.Resources...)
	clone.Dependencies = append([]string(nil), t.Dependencies...)
	clone.ProgressHistory = append([]ProgressRecord(nil), t.ProgressHistory...)
	if t.ActualStartDate != nil {
		d := *t.ActualStartDate
		clone.ActualStartDate = &d
	}
	if t.ActualEndDate != nil {
		d := *t.ActualEndDate
		clone.ActualEndDate = &d
	}
	return &clone
}

// ActualDuration returns the elapsed working days between
// ActualStartDate and ActualEndDate under cal, per spec §4.4: "actual
// duration at completion ... not the originally planned duration."
// Returns a zero decimal if the task has not completed.
func (t *Task) ActualDuration(cal *calendar.Calendar) decimal.Decimal {
	if t.ActualStartDate == nil || t.ActualEndDate == nil {
		return decimal.Zero
	}
	return cal.WorkdaysBetween(*t.ActualStartDate, *t.ActualEndDate)
}
