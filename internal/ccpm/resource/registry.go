// Package resource tracks named resources, their daily capacity, and
// the per-day allocations placed against them during forward
// scheduling and leveling. Allocation is transactional across a
// task's full day span: either every day succeeds or the whole
// allocation is rolled back, mirroring the teacher's in-memory cache
// + rollback-on-failure shape in persistence.go's memCache.
package resource

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// Resource is a named, day-indexed capacity pool. Cal, when set,
// overrides the calendar passed into Allocate/CanAllocate/Deallocate
// for this resource only, so distinct resources can work distinct
// weeks (e.g. a Tue-Thu contractor alongside a Mon-Fri employee).
// AllowOverallocation, when true, makes this resource always accept
// overallocation regardless of the scheduler-wide flag passed by the
// caller.
type Resource struct {
	Name                string
	Capacity            decimal.Decimal
	Cal                 *calendar.Calendar
	AllowOverallocation bool
	allocations         map[calendar.Date]decimal.Decimal
}

// Registry holds every resource known to a schedule.
type Registry struct {
	resources map[string]*Resource
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register adds a resource with a constant daily capacity, using
// whatever calendar and allow-overallocation flag the caller later
// supplies to Allocate/CanAllocate/Deallocate. Registering an existing
// name replaces its capacity but keeps its allocations.
func (r *Registry) Register(name string, capacity decimal.Decimal) {
	if existing, ok := r.resources[name]; ok {
		existing.Capacity = capacity
		return
	}
	r.resources[name] = &Resource{
		Name:        name,
		Capacity:    capacity,
		allocations: make(map[calendar.Date]decimal.Decimal),
	}
}

// RegisterWithOptions adds a resource carrying its own calendar and/or
// allow-overallocation override, per spec §3/§4.3's
// register(name, capacity, calendar) contract. A nil cal means inherit
// the calendar passed into Allocate/CanAllocate/Deallocate, same as
// Register. Registering an existing name replaces its capacity,
// calendar, and flag but keeps its allocations.
func (r *Registry) RegisterWithOptions(name string, capacity decimal.Decimal, cal *calendar.Calendar, allowOverallocation bool) {
	if existing, ok := r.resources[name]; ok {
		existing.Capacity = capacity
		existing.Cal = cal
		existing.AllowOverallocation = allowOverallocation
		return
	}
	r.resources[name] = &Resource{
		Name:                name,
		Capacity:            capacity,
		Cal:                 cal,
		AllowOverallocation: allowOverallocation,
		allocations:         make(map[calendar.Date]decimal.Decimal),
	}
}

// Names returns every registered resource name, ascending.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (*Resource, error) {
	res, ok := r.resources[name]
	if !ok {
		return nil, &model.UnknownResourceName{Name: name}
	}
	return res, nil
}

// Allocated returns the total units of name already allocated on day.
func (r *Registry) Allocated(name string, day calendar.Date) (decimal.Decimal, error) {
	res, err := r.lookup(name)
	if err != nil {
		return decimal.Zero, err
	}
	return res.allocations[day], nil
}

// Available returns the unallocated capacity of name on day.
func (r *Registry) Available(name string, day calendar.Date) (decimal.Decimal, error) {
	res, err := r.lookup(name)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Capacity.Sub(res.allocations[day]), nil
}

// IsOverallocated reports whether name's allocation on day exceeds its
// capacity.
func (r *Registry) IsOverallocated(name string, day calendar.Date) (bool, error) {
	res, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	return res.allocations[day].GreaterThan(res.Capacity), nil
}

// Utilization returns allocated/capacity for name on day, or zero if
// capacity is zero.
func (r *Registry) Utilization(name string, day calendar.Date) (decimal.Decimal, error) {
	res, err := r.lookup(name)
	if err != nil {
		return decimal.Zero, err
	}
	if !res.Capacity.IsPositive() {
		return decimal.Zero, nil
	}
	return res.allocations[day].Div(res.Capacity), nil
}

// Allocate reserves units of name on every working day in [from, to)
// per cal, unless the resource was registered with its own calendar
// (RegisterWithOptions), in which case that calendar governs instead.
// When allowOverallocation is false and the resource was not itself
// registered with AllowOverallocation, the whole span is checked
// before any day is committed; if any day would exceed capacity,
// nothing is allocated and a *model.ResourceOverallocationError naming
// the first offending day is returned. Otherwise the allocation always
// succeeds but days pushed over capacity remain flagged via
// IsOverallocated.
func (r *Registry) Allocate(name string, from, to calendar.Date, cal *calendar.Calendar, units decimal.Decimal, allowOverallocation bool) error {
	res, err := r.lookup(name)
	if err != nil {
		return err
	}
	days := workingDaysBetween(from, to, res.effectiveCalendar(cal))

	if !(allowOverallocation || res.AllowOverallocation) {
		for _, day := range days {
			projected := res.allocations[day].Add(units)
			if projected.GreaterThan(res.Capacity) {
				return &model.ResourceOverallocationError{
					Resource:  name,
					Day:       day.String(),
					Requested: projected.InexactFloat64(),
					Available: res.Capacity.InexactFloat64(),
				}
			}
		}
	}

	for _, day := range days {
		res.allocations[day] = res.allocations[day].Add(units)
	}
	return nil
}

// Deallocate releases units of name on every working day in [from,
// to) per cal (or the resource's own calendar, if registered with
// one), the inverse of Allocate. Used when leveling retries a task at
// a different start date.
func (r *Registry) Deallocate(name string, from, to calendar.Date, cal *calendar.Calendar, units decimal.Decimal) error {
	res, err := r.lookup(name)
	if err != nil {
		return err
	}
	for _, day := range workingDaysBetween(from, to, res.effectiveCalendar(cal)) {
		remaining := res.allocations[day].Sub(units)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		res.allocations[day] = remaining
	}
	return nil
}

// CanAllocate reports, without committing, whether units of name
// could be allocated across every working day in [from, to) without
// exceeding capacity on any of them. Used by leveling to probe
// candidate start dates before committing an allocation.
func (r *Registry) CanAllocate(name string, from, to calendar.Date, cal *calendar.Calendar, units decimal.Decimal) (bool, error) {
	res, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	for _, day := range workingDaysBetween(from, to, res.effectiveCalendar(cal)) {
		if res.allocations[day].Add(units).GreaterThan(res.Capacity) {
			return false, nil
		}
	}
	return true, nil
}

// effectiveCalendar returns the resource's own calendar if it was
// registered with one via RegisterWithOptions, otherwise fallback (the
// calendar the caller passed into Allocate/CanAllocate/Deallocate).
func (res *Resource) effectiveCalendar(fallback *calendar.Calendar) *calendar.Calendar {
	if res.Cal != nil {
		return res.Cal
	}
	return fallback
}

func workingDaysBetween(from, to calendar.Date, cal *calendar.Calendar) []calendar.Date {
	var days []calendar.Date
	for d := from; d.Before(to); d = d.AddDays(1) {
		if cal.IsWorkingDay(d) {
			days = append(days, d)
		}
	}
	return days
}
