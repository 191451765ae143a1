// Package scheduler implements the Scheduler (C9): the public
// orchestrator composing C1 (topo order + forward/backward pass), C7
// (leveling), C5 (critical chain), C6 (feeding chains), and C8
// (buffer placement) into schedule(), plus the execution-phase
// operations update_task_progress and
// recalculate_network_from_progress. Grounded on the teacher's
// main.go/dag_engine.go orchestration shape — a single owning struct
// exposing synchronous, OTel-traced public operations over an
// in-memory task registry — adapted from goroutine/channel execution
// to the synchronous, non-reentrant contract spec §5 requires.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/criticalpath/ccpm/internal/ccpm/bufferstrategy"
	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/ccpm/criticalchain"
	"github.com/criticalpath/ccpm/internal/ccpm/execution"
	"github.com/criticalpath/ccpm/internal/ccpm/feedingchain"
	"github.com/criticalpath/ccpm/internal/ccpm/graph"
	"github.com/criticalpath/ccpm/internal/ccpm/leveling"
	"github.com/criticalpath/ccpm/internal/ccpm/model"
	"github.com/criticalpath/ccpm/internal/ccpm/report"
	"github.com/criticalpath/ccpm/internal/ccpm/resource"
)

var (
	tracer = otel.Tracer("github.com/criticalpath/ccpm/scheduler")
	meter  = otel.Meter("github.com/criticalpath/ccpm/scheduler")

	scheduleDuration, _   = meter.Float64Histogram("ccpm_schedule_duration_seconds")
	recalcCount, _        = meter.Int64Counter("ccpm_recalculations_total")
	levelingFailures, _   = meter.Int64Counter("ccpm_leveling_failures_total")
)

// resourceSpec is a planning-phase resource registration. cal, when
// set, gives this resource its own calendar distinct from the
// scheduler-wide one (spec §3's per-resource calendar), and
// allowOverallocation, when true, lets this resource accept
// overallocation even if the scheduler-wide flag is false.
type resourceSpec struct {
	name                string
	capacity            decimal.Decimal
	cal                 *calendar.Calendar
	allowOverallocation bool
}

// baseline captures the values recalculate_network_from_progress
// measures slip against: each buffer's original size/position, fixed
// at the end of a successful schedule() and never mutated again.
type baseline struct {
	criticalLastTaskEnd calendar.Date
	feedingBufferStart  map[string]calendar.Date // chain id -> buffer.start_date at baseline
}

// Scheduler owns the task registry, resource registry, and buffer
// list for one schedule, per spec §3's ownership rule. A Scheduler is
// single-threaded and non-reentrant: callers must not invoke its
// public operations concurrently (spec §5).
type Scheduler struct {
	startDate    calendar.Date
	cal          *calendar.Calendar
	strategyName string
	strategies   *bufferstrategy.Registry
	allowOver    bool
	logger       *slog.Logger

	resourceSpecs []resourceSpec
	tasks         map[string]*model.Task

	built     bool
	resources *resource.Registry
	chains    map[string]*model.Chain
	buffers   map[string]*model.Buffer
	// completionHistory parallels each buffer's ConsumptionHistory:
	// the chain's completion% recorded at the same recalculation call,
	// so fever_chart_data can zip the two without re-deriving history.
	completionHistory map[string][]decimal.Decimal
	base              baseline
}

// New constructs a Scheduler with a project start date and named
// buffer strategy ("cut_and_paste" or "sum_of_squares"; see
// bufferstrategy.Registry for custom policies). allowOverallocation
// resolves spec §9's leveling-under-overallocation open question:
// leveling still runs and records violations rather than failing.
func New(startDate calendar.Date, strategyName string, allowOverallocation bool) *Scheduler {
	return &Scheduler{
		startDate:         startDate,
		cal:               calendar.New(),
		strategyName:      strategyName,
		strategies:        bufferstrategy.NewRegistry(),
		allowOver:         allowOverallocation,
		logger:            slog.Default(),
		tasks:             make(map[string]*model.Task),
		chains:            make(map[string]*model.Chain),
		buffers:           make(map[string]*model.Buffer),
		completionHistory: make(map[string][]decimal.Decimal),
	}
}

// SetLogger overrides the scheduler's structured logger (defaults to
// slog.Default()).
func (s *Scheduler) SetLogger(l *slog.Logger) { s.logger = l }

// SetCalendar overrides the default Mon-Fri calendar used for every
// resource and for buffer placement.
func (s *Scheduler) SetCalendar(cal *calendar.Calendar) error {
	if s.built {
		return &model.ScheduleAlreadyBuilt{Operation: "set_calendar"}
	}
	s.cal = cal
	return nil
}

// RegisterBufferStrategy adds a custom buffer-sizing policy, usable
// by name via New's strategyName parameter.
func (s *Scheduler) RegisterBufferStrategy(name string, fn bufferstrategy.Func) {
	s.strategies.Register(name, fn)
}

// SetStartDate is a planning-phase setter; fails once schedule() has
// built a baseline.
func (s *Scheduler) SetStartDate(d calendar.Date) error {
	if s.built {
		return &model.ScheduleAlreadyBuilt{Operation: "set_start_date"}
	}
	s.startDate = d
	return nil
}

// SetResources registers named resources with a constant daily
// capacity, a planning-phase setter. Every resource registered this
// way shares the scheduler's calendar and allowOverallocation flag;
// use SetResourceWithOptions to give a resource its own calendar or
// overallocation override.
func (s *Scheduler) SetResources(specs map[string]decimal.Decimal) error {
	if s.built {
		return &model.ScheduleAlreadyBuilt{Operation: "set_resources"}
	}
	for name, capacity := range specs {
		s.resourceSpecs = append(s.resourceSpecs, resourceSpec{name: name, capacity: capacity})
	}
	return nil
}

// SetResourceWithOptions registers a single named resource with its
// own calendar and/or allow-overallocation override, per spec §3/§4.3's
// register(name, capacity, calendar) contract. A nil cal falls back to
// the scheduler's calendar for this resource.
func (s *Scheduler) SetResourceWithOptions(name string, capacity decimal.Decimal, cal *calendar.Calendar, allowOverallocation bool) error {
	if s.built {
		return &model.ScheduleAlreadyBuilt{Operation: "set_resources"}
	}
	s.resourceSpecs = append(s.resourceSpecs, resourceSpec{
		name:                name,
		capacity:            capacity,
		cal:                 cal,
		allowOverallocation: allowOverallocation,
	})
	return nil
}

// AddTask inserts a task in the planning phase. t itself is stored
// until schedule() runs, so mutations made to t before then are seen;
// schedule() works from deep clones, so mutating t after a successful
// schedule() has no effect on the built schedule.
func (s *Scheduler) AddTask(t *model.Task) error {
	if s.built {
		return &model.ScheduleAlreadyBuilt{Operation: "add_task"}
	}
	if _, exists := s.tasks[t.ID]; exists {
		return &model.InvalidTask{TaskID: t.ID, Reason: "a task with this id already exists"}
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Scheduler) orderedTaskIDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Schedule executes schedule(): C1 -> forward pass -> C7 -> C5 -> C6
// -> C8 -> buffer placement, and returns a Schedule snapshot or an
// error. On any error the scheduler's state is unchanged — schedule()
// works from deep clones of the added tasks and only commits them
// once every phase succeeds, satisfying spec §7's atomicity
// requirement.
func (s *Scheduler) Schedule(ctx context.Context) (*Schedule, error) {
	ctx, span := tracer.Start(ctx, "Scheduler.Schedule")
	defer span.End()
	startedAt := time.Now()
	defer func() { scheduleDuration.Record(ctx, time.Since(startedAt).Seconds()) }()

	if s.built {
		return nil, &model.ScheduleAlreadyBuilt{Operation: "schedule"}
	}

	clones := make(map[string]*model.Task, len(s.tasks))
	ids := s.orderedTaskIDs()
	ordered := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		clone := s.tasks[id].Clone()
		clones[id] = clone
		ordered = append(ordered, clone)
	}

	resources := resource.NewRegistry()
	registeredResource := make(map[string]bool, len(s.resourceSpecs))
	for _, spec := range s.resourceSpecs {
		if spec.cal != nil || spec.allowOverallocation {
			resources.RegisterWithOptions(spec.name, spec.capacity, spec.cal, spec.allowOverallocation)
		} else {
			resources.Register(spec.name, spec.capacity)
		}
		registeredResource[spec.name] = true
	}

	for _, t := range ordered {
		for _, depID := range t.Dependencies {
			if _, ok := clones[depID]; !ok {
				return nil, &model.InvalidTask{TaskID: t.ID, Reason: fmt.Sprintf("unknown dependency %q", depID)}
			}
		}
		for _, req := range t.Resources {
			if !registeredResource[req.Name] {
				return nil, &model.UnknownResourceName{Name: req.Name}
			}
		}
	}

	if err := graph.ForwardBackwardPass(ordered, s.cal, s.startDate); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := leveling.Level(ordered, s.cal, resources, leveling.Options{
		ProjectStart:        s.startDate,
		AllowOverallocation: s.allowOver,
	}); err != nil {
		levelingFailures.Add(ctx, 1)
		span.RecordError(err)
		return nil, err
	}

	criticalOrder, err := criticalchain.Identify(ordered)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	feedingResults := feedingchain.Extract(ordered, criticalOrder)

	strategyFn, err := s.strategies.Get(s.strategyName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	criticalIDs := make([]string, len(criticalOrder))
	for i, t := range criticalOrder {
		criticalIDs[i] = t.ID
	}
	criticalChainID := uuid.NewString()
	criticalChainModel := model.NewChain(criticalChainID, model.ChainCritical, criticalIDs)

	lastCritical := criticalOrder[len(criticalOrder)-1]
	projectBufferSize := bufferstrategy.ProjectBufferSize(strategyFn, criticalOrder)
	projectBuffer := model.NewBuffer(uuid.NewString(), model.BufferProject, projectBufferSize, lastCritical.ID, criticalChainID)
	projectBuffer.StartDate = lastCritical.EndDate
	projectBuffer.EndDate = s.cal.AddWorkdays(projectBuffer.StartDate, projectBufferSize)
	criticalChainModel.BufferID = projectBuffer.ID

	chains := map[string]*model.Chain{criticalChainID: criticalChainModel}
	buffers := map[string]*model.Buffer{projectBuffer.ID: projectBuffer}
	base := baseline{
		criticalLastTaskEnd: lastCritical.EndDate,
		feedingBufferStart:  make(map[string]calendar.Date, len(feedingResults)),
	}

	for _, fr := range feedingResults {
		feedTasks := make([]*model.Task, len(fr.Chain.Tasks))
		for i, id := range fr.Chain.Tasks {
			feedTasks[i] = clones[id]
		}
		size := bufferstrategy.FeedingBufferSize(strategyFn, feedTasks, fr.Chain.BufferRatio)
		mergeTask := clones[fr.MergeTaskID]
		buf := model.NewBuffer(uuid.NewString(), model.BufferFeeding, size, fr.MergeTaskID, fr.Chain.ID)
		buf.EndDate = mergeTask.StartDate
		buf.StartDate = s.cal.SubtractWorkdays(buf.EndDate, size)

		lastFeedingTask := feedTasks[len(feedTasks)-1]
		if lastFeedingTask.EndDate.After(buf.StartDate) {
			lastFeedingTask.EndDate = buf.StartDate
			lastFeedingTask.StartDate = s.cal.SubtractWorkdays(buf.StartDate, lastFeedingTask.PlannedDuration)
		}

		fr.Chain.BufferID = buf.ID
		chains[fr.Chain.ID] = fr.Chain
		buffers[buf.ID] = buf
		base.feedingBufferStart[fr.Chain.ID] = buf.StartDate
	}

	for _, t := range ordered {
		t.BaselineEndDate = t.EndDate
	}

	// Every phase succeeded: commit.
	s.tasks = clones
	s.resources = resources
	s.chains = chains
	s.buffers = buffers
	s.base = base
	s.built = true

	span.SetAttributes(
		attribute.Int("ccpm.task_count", len(ordered)),
		attribute.Int("ccpm.feeding_chain_count", len(feedingResults)),
	)
	s.logger.Info("schedule built",
		"task_count", len(ordered),
		"critical_chain_length", len(criticalOrder),
		"feeding_chains", len(feedingResults),
		"projected_end", projectBuffer.EndDate.String(),
	)

	return s.snapshot(), nil
}

func (s *Scheduler) snapshot() *Schedule {
	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, id := range s.orderedTaskIDs() {
		tasks = append(tasks, s.tasks[id])
	}
	chains := make([]*model.Chain, 0, len(s.chains))
	for _, c := range s.chains {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })

	projectBuf := s.buffers[s.chains[s.criticalChainID()].BufferID]
	return &Schedule{
		Tasks:           tasks,
		Chains:          chains,
		Buffers:         s.buffers,
		ProjectedEnd:    projectBuf.EndDate,
		CriticalChainID: s.criticalChainID(),
	}
}

func (s *Scheduler) criticalChainID() string {
	for id, c := range s.chains {
		if c.Kind == model.ChainCritical {
			return id
		}
	}
	return ""
}

// Schedule is the immutable-in-spirit snapshot returned by
// schedule() and recalculate_network_from_progress(). Callers must
// not mutate it; Scheduler continues to own the underlying tasks,
// chains, and buffers.
type Schedule struct {
	Tasks           []*model.Task
	Chains          []*model.Chain
	Buffers         map[string]*model.Buffer
	ProjectedEnd    calendar.Date
	CriticalChainID string
}

// UpdateTaskProgress records a progress report for taskID, per spec
// §4.9/§4.10.
func (s *Scheduler) UpdateTaskProgress(taskID string, remaining decimal.Decimal, asOf calendar.Date) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return &model.UnknownTaskID{TaskID: taskID}
	}
	return execution.ApplyProgress(t, remaining, asOf)
}

// RecalculateNetworkFromProgress re-propagates start/end dates
// forward from in-progress and completed tasks as of asOf, updates
// every buffer's consumption, and returns the refreshed schedule
// snapshot.
func (s *Scheduler) RecalculateNetworkFromProgress(ctx context.Context, asOf calendar.Date) (*Schedule, error) {
	ctx, span := tracer.Start(ctx, "Scheduler.RecalculateNetworkFromProgress")
	defer span.End()
	recalcCount.Add(ctx, 1)

	if !s.built {
		return nil, fmt.Errorf("ccpm: recalculate_network_from_progress called before schedule()")
	}

	ordered := make([]*model.Task, 0, len(s.tasks))
	for _, id := range s.orderedTaskIDs() {
		ordered = append(ordered, s.tasks[id])
	}
	topo, err := graph.TopoOrder(ordered)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	byID := taskByID(topo)

	for _, t := range topo {
		predecessorEnd := s.startDate
		first := true
		for _, depID := range t.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if first || dep.EndDate.After(predecessorEnd) {
				predecessorEnd = dep.EndDate
				first = false
			}
		}
		execution.Recalculate(t, predecessorEnd, asOf, s.cal)
	}

	for chainID, chain := range s.chains {
		buf := s.buffers[chain.BufferID]
		chainTasks := make([]*model.Task, len(chain.Tasks))
		for i, id := range chain.Tasks {
			chainTasks[i] = s.tasks[id]
		}
		lastTask := chainTasks[len(chainTasks)-1]

		var remaining decimal.Decimal
		if chain.Kind == model.ChainCritical {
			remaining = execution.ProjectBufferConsumption(buf.OriginalSize, s.base.criticalLastTaskEnd, lastTask.EndDate, s.cal)
		} else {
			remaining = execution.FeedingBufferConsumption(buf.OriginalSize, s.base.feedingBufferStart[chainID], lastTask.EndDate, s.cal)
		}
		buf.Remaining = remaining
		buf.RecordConsumption(asOf)
		s.completionHistory[chainID] = append(s.completionHistory[chainID], execution.ChainCompletionPct(chainTasks))
	}

	s.logger.Info("recalculated network from progress", "as_of", asOf.String())
	return s.snapshot(), nil
}

func taskByID(tasks []*model.Task) map[string]*model.Task {
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// ChainFeverData is one chain's fever-chart time series: parallel
// dates/completion/consumption/status arrays, one entry per
// recalculation that has run so far.
type ChainFeverData struct {
	Dates       []calendar.Date
	Completion  []decimal.Decimal
	Consumption []decimal.Decimal
	Status      []string
}

// FeverChartData returns, per chain, the time series feeding the
// fever-chart renderer (spec §6).
func (s *Scheduler) FeverChartData() map[string]ChainFeverData {
	out := make(map[string]ChainFeverData, len(s.chains))
	for chainID, chain := range s.chains {
		buf := s.buffers[chain.BufferID]
		completions := s.completionHistory[chainID]
		data := ChainFeverData{}
		for i, rec := range buf.ConsumptionHistory {
			data.Dates = append(data.Dates, rec.Date)
			data.Consumption = append(data.Consumption, rec.ConsumptionPct)
			var completion decimal.Decimal
			if i < len(completions) {
				completion = completions[i]
			}
			data.Completion = append(data.Completion, completion)
			data.Status = append(data.Status, execution.FeverChartZone(completion, rec.ConsumptionPct))
		}
		out[chainID] = data
	}
	return out
}

// GenerateScheduleReport renders the baseline schedule report.
func (s *Scheduler) GenerateScheduleReport() (string, error) {
	if !s.built {
		return "", fmt.Errorf("ccpm: schedule_report called before schedule()")
	}
	return report.ScheduleGenerate(s.toReportSchedule()), nil
}

// GenerateExecutionReport renders the execution-status report.
func (s *Scheduler) GenerateExecutionReport() (string, error) {
	if !s.built {
		return "", fmt.Errorf("ccpm: execution_report called before schedule()")
	}
	zones := make(map[string]string, len(s.buffers))
	for _, chain := range s.chains {
		buf := s.buffers[chain.BufferID]
		chainTasks := make([]*model.Task, len(chain.Tasks))
		for i, id := range chain.Tasks {
			chainTasks[i] = s.tasks[id]
		}
		zones[buf.ID] = execution.FeverChartZone(execution.ChainCompletionPct(chainTasks), buf.ConsumptionPct())
	}
	return report.ExecutionGenerate(report.Execution{
		Schedule: s.toReportSchedule(),
		Zones:    zones,
	}), nil
}

func (s *Scheduler) toReportSchedule() report.Schedule {
	var critical, feeding []report.ChainBuffer
	for _, chain := range s.chains {
		cb := report.ChainBuffer{Chain: chain, Buffer: s.buffers[chain.BufferID]}
		if chain.Kind == model.ChainCritical {
			critical = append(critical, cb)
		} else {
			findMergeTask := ""
			if buf, ok := s.buffers[chain.BufferID]; ok {
				findMergeTask = buf.AttachesTo
			}
			cb.MergeTaskID = findMergeTask
			feeding = append(feeding, cb)
		}
	}
	sort.Slice(feeding, func(i, j int) bool { return feeding[i].Chain.ID < feeding[j].Chain.ID })

	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, id := range s.orderedTaskIDs() {
		tasks = append(tasks, s.tasks[id])
	}

	var criticalCB report.ChainBuffer
	if len(critical) > 0 {
		criticalCB = critical[0]
	}
	return report.Schedule{
		StartDate:    s.startDate,
		ProjectedEnd: s.snapshot().ProjectedEnd,
		Tasks:        tasks,
		Critical:     criticalCB,
		Feeding:      feeding,
	}
}

// Stats summarizes the scheduler's current state, grounded on the
// teacher's GetScheduleStats/GetStats introspection helpers.
type Stats struct {
	Built            bool
	TaskCount        int
	ChainCount       int
	BufferCount      int
	RecalculationRuns int
}

// Stats returns a point-in-time summary of the scheduler.
func (s *Scheduler) Stats() Stats {
	runs := 0
	for _, hist := range s.completionHistory {
		if len(hist) > runs {
			runs = len(hist)
		}
	}
	return Stats{
		Built:             s.built,
		TaskCount:         len(s.tasks),
		ChainCount:        len(s.chains),
		BufferCount:       len(s.buffers),
		RecalculationRuns: runs,
	}
}
