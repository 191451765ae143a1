package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
	"github.com/criticalpath/ccpm/internal/ccpm/scheduler"
	"github.com/criticalpath/ccpm/internal/eventbus"
	"github.com/criticalpath/ccpm/internal/store"
)

// publisher is the subset of eventbus.Publisher's behavior the
// registry depends on, so main.go can wrap it with a circuit breaker
// without the registry knowing about resilience at all.
type publisher interface {
	PublishScheduleBuilt(ctx context.Context, ev eventbus.ScheduleBuiltEvent) error
	PublishBufferConsumption(ctx context.Context, ev eventbus.BufferConsumptionEvent) error
}

// projectRegistry holds one live *scheduler.Scheduler per tracked
// project, keyed by name. Unlike the teacher's workflowStore (a bare
// map guarded by a mutex with no backing persistence), every mutation
// here is also durably written through to store.Store.
type projectRegistry struct {
	mu     sync.RWMutex
	live   map[string]*scheduler.Scheduler
	db     *store.Store
	bus    publisher // nil if CCPM_NATS_URL is unset
	tracer trace.Tracer

	buildRuns  metric.Int64Counter
	buildFails metric.Int64Counter
}

func newProjectRegistry(db *store.Store, bus publisher) *projectRegistry {
	meter := otel.Meter("ccpmd")
	buildRuns, _ := meter.Int64Counter("ccpm_project_build_runs_total")
	buildFails, _ := meter.Int64Counter("ccpm_project_build_failures_total")
	return &projectRegistry{
		live:       make(map[string]*scheduler.Scheduler),
		db:         db,
		bus:        bus,
		tracer:     otel.Tracer("ccpmd-projects"),
		buildRuns:  buildRuns,
		buildFails: buildFails,
	}
}

// Create registers a project's planning inputs, builds its baseline
// schedule, and persists both the definition and the resulting
// snapshot.
func (r *projectRegistry) Create(ctx context.Context, def store.ProjectDef) (*scheduler.Schedule, error) {
	ctx, span := r.tracer.Start(ctx, "projects.create", trace.WithAttributes(attribute.String("project", def.Name)))
	defer span.End()

	s := scheduler.New(def.StartDate, def.StrategyName, def.AllowOverallocation)
	plainResources := make(map[string]decimal.Decimal)
	for _, rs := range def.Resources {
		capacity, err := decimal.NewFromString(rs.Capacity)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rs.Name, err)
		}
		if len(rs.WorkingDays) == 0 && !rs.AllowOverallocation {
			plainResources[rs.Name] = capacity
			continue
		}
		var resourceCal *calendar.Calendar
		if len(rs.WorkingDays) > 0 {
			cal, err := weeklyCalendarFromDayNames(rs.WorkingDays)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", rs.Name, err)
			}
			resourceCal = cal
		}
		if err := s.SetResourceWithOptions(rs.Name, capacity, resourceCal, rs.AllowOverallocation); err != nil {
			return nil, err
		}
	}
	if err := s.SetResources(plainResources); err != nil {
		return nil, err
	}
	for _, td := range def.Tasks {
		aggressive, err := decimal.NewFromString(td.Aggressive)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", td.ID, err)
		}
		safe, err := decimal.NewFromString(td.Safe)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", td.ID, err)
		}
		task, err := model.NewTask(td.ID, td.Name, aggressive, safe)
		if err != nil {
			return nil, err
		}
		for _, req := range td.Resources {
			units, err := decimal.NewFromString(req.Units)
			if err != nil {
				return nil, fmt.Errorf("task %q resource %q: %w", td.ID, req.Name, err)
			}
			if err := task.AddResourceRequirement(req.Name, units); err != nil {
				return nil, err
			}
		}
		for _, dep := range td.Dependencies {
			task.AddDependency(dep)
		}
		if err := s.AddTask(task); err != nil {
			return nil, err
		}
	}

	sched, err := s.Schedule(ctx)
	if err != nil {
		r.buildFails.Add(ctx, 1, metric.WithAttributes(attribute.String("project", def.Name)))
		span.RecordError(err)
		return nil, err
	}
	r.buildRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("project", def.Name)))

	r.mu.Lock()
	r.live[def.Name] = s
	r.mu.Unlock()

	if err := r.db.PutProject(ctx, def); err != nil {
		return nil, err
	}
	report, err := s.GenerateScheduleReport()
	if err != nil {
		return nil, err
	}
	if err := r.db.PutSchedule(ctx, store.ScheduleSnapshot{
		ProjectName:     def.Name,
		ProjectedEnd:    sched.ProjectedEnd,
		CriticalChainID: sched.CriticalChainID,
		TaskCount:       len(sched.Tasks),
		ReportText:      report,
	}); err != nil {
		return nil, err
	}

	if r.bus != nil {
		_ = r.bus.PublishScheduleBuilt(ctx, eventbus.ScheduleBuiltEvent{
			ProjectedEnd:    sched.ProjectedEnd.String(),
			CriticalChainID: sched.CriticalChainID,
			TaskCount:       len(sched.Tasks),
		})
	}
	return sched, nil
}

// Get returns the live scheduler for a tracked project.
func (r *projectRegistry) Get(name string) (*scheduler.Scheduler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.live[name]
	return s, ok
}

// Names returns every currently tracked project name.
func (r *projectRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for name := range r.live {
		names = append(names, name)
	}
	return names
}

// RecalculateAll runs recalculate_network_from_progress against every
// tracked project as of now, persisting and publishing each result.
// This is the body of the cron heartbeat cmd/ccpmd installs; the core
// itself has no notion of "now" or of iterating multiple projects.
func (r *projectRegistry) RecalculateAll(ctx context.Context) {
	asOf := calendar.FromTime(time.Now())
	for _, name := range r.Names() {
		s, ok := r.Get(name)
		if !ok {
			continue
		}
		sched, err := s.RecalculateNetworkFromProgress(ctx, asOf)
		if err != nil {
			continue
		}
		report, err := s.GenerateExecutionReport()
		if err != nil {
			continue
		}
		buffers := make([]store.BufferStatus, 0, len(sched.Buffers))
		fever := s.FeverChartData()
		for chainID, data := range fever {
			if len(data.Status) == 0 {
				continue
			}
			last := len(data.Status) - 1
			buf := sched.Buffers[chainBufferID(sched, chainID)]
			if buf == nil {
				continue
			}
			status := store.BufferStatus{
				BufferID:       buf.ID,
				ChainID:        chainID,
				ConsumptionPct: data.Consumption[last].InexactFloat64(),
				Remaining:      buf.Remaining.String(),
				Zone:           data.Status[last],
			}
			buffers = append(buffers, status)
			if r.bus != nil {
				_ = r.bus.PublishBufferConsumption(ctx, eventbus.BufferConsumptionEvent{
					BufferID:       status.BufferID,
					ChainID:        status.ChainID,
					ConsumptionPct: status.ConsumptionPct,
					Zone:           status.Zone,
				})
			}
		}
		_ = r.db.PutExecution(ctx, store.ExecutionSnapshot{
			ProjectName: name,
			AsOf:        asOf,
			ReportText:  report,
			Buffers:     buffers,
		})
	}
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// weeklyCalendarFromDayNames builds a calendar where only the named
// weekdays (e.g. "tue", "wed", "thu") are full working days, every
// other day unavailable, for a resource registered with its own
// working week via store.ResourceSpec.WorkingDays.
func weeklyCalendarFromDayNames(names []string) (*calendar.Calendar, error) {
	cal := calendar.New()
	for _, wd := range []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday} {
		cal.SetWeeklyAvailability(wd, decimal.Zero)
	}
	for _, name := range names {
		wd, ok := dayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown working day %q", name)
		}
		cal.SetWeeklyAvailability(wd, decimal.NewFromInt(1))
	}
	return cal, nil
}

func chainBufferID(sched *scheduler.Schedule, chainID string) string {
	for _, c := range sched.Chains {
		if c.ID == chainID {
			return c.BufferID
		}
	}
	return ""
}
