// Package store persists the external-collaborator contract named in
// spec §6 (the engine core itself is stateless — spec §6: "Persisted
// state: None in the core"): project definitions, baseline schedule
// snapshots, and execution-recalculation snapshots, for cmd/ccpmd.
// Adapted from the teacher's persistence.go WorkflowStore, with
// workflows/executions renamed to projects/schedules/executions and
// bbolt buckets renamed to match.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
)

// TaskDef is a persisted planning-phase task definition.
type TaskDef struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Aggressive   string           `json:"aggressive_duration"`
	Safe         string           `json:"safe_duration"`
	Resources    []ResourceReqDef `json:"resources,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
}

// ResourceReqDef is a persisted per-task resource requirement.
type ResourceReqDef struct {
	Name  string `json:"name"`
	Units string `json:"units"`
}

// ResourceSpec is a persisted resource registration. WorkingDays,
// when non-empty, gives this resource its own working week (e.g.
// ["tue","wed","thu"] for a part-time contractor) distinct from the
// project's default calendar, per spec §3's per-resource calendar.
// AllowOverallocation, when true, lets this resource accept
// overallocation even on a project that otherwise forbids it.
type ResourceSpec struct {
	Name                string   `json:"name"`
	Capacity            string   `json:"capacity"`
	WorkingDays         []string `json:"working_days,omitempty"`
	AllowOverallocation bool     `json:"allow_overallocation,omitempty"`
}

// ProjectDef is everything needed to rebuild a scheduler.Scheduler
// for one named project.
type ProjectDef struct {
	Name                string         `json:"name"`
	StartDate           calendar.Date  `json:"start_date"`
	StrategyName        string         `json:"strategy_name"`
	AllowOverallocation bool           `json:"allow_overallocation"`
	Resources           []ResourceSpec `json:"resources"`
	Tasks               []TaskDef      `json:"tasks"`
}

// ScheduleSnapshot is the baseline schedule() result, persisted for
// the external-collaborator schedule report contract.
type ScheduleSnapshot struct {
	ProjectName     string        `json:"project_name"`
	BuiltAt         calendar.Date `json:"built_at"`
	ProjectedEnd    calendar.Date `json:"projected_end"`
	CriticalChainID string        `json:"critical_chain_id"`
	TaskCount       int           `json:"task_count"`
	ReportText      string        `json:"report_text"`
}

// BufferStatus is one buffer's state at an execution snapshot.
type BufferStatus struct {
	BufferID       string  `json:"buffer_id"`
	ChainID        string  `json:"chain_id"`
	ConsumptionPct float64 `json:"consumption_pct"`
	Remaining      string  `json:"remaining"`
	Zone           string  `json:"zone"`
}

// ExecutionSnapshot is one recalculate_network_from_progress() result.
type ExecutionSnapshot struct {
	ProjectName string         `json:"project_name"`
	AsOf        calendar.Date  `json:"as_of"`
	ReportText  string         `json:"report_text"`
	Buffers     []BufferStatus `json:"buffers"`
}

var (
	bucketProjects   = []byte("projects")
	bucketSchedules  = []byte("schedules")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketIndexes    = []byte("indexes")
)

// Store is a BoltDB-backed store for project definitions and their
// schedule/execution history, with an in-memory read cache for the
// hot path (the latest schedule of each tracked project).
type Store struct {
	db             *bbolt.DB
	mu             sync.RWMutex
	projectCache   map[string]ProjectDef
	latestSchedule map[string]ScheduleSnapshot

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (or creates) a BoltDB file under dbPath and prepares its
// buckets.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketProjects, bucketSchedules, bucketExecutions, bucketVersions, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("ccpm_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("ccpm_store_write_ms")
	cacheHits, _ := meter.Int64Counter("ccpm_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("ccpm_store_cache_misses_total")

	s := &Store{
		db:             db,
		projectCache:   make(map[string]ProjectDef),
		latestSchedule: make(map[string]ScheduleSnapshot),
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutProject stores (or updates, keeping the prior version) a project
// definition.
func (s *Store) PutProject(ctx context.Context, def ProjectDef) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_project")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProjects)
		if existing := bucket.Get([]byte(def.Name)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", def.Name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(def.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write project: %w", err)
	}
	s.projectCache[def.Name] = def
	return nil
}

// GetProject retrieves a project definition by name, checking the
// cache first.
func (s *Store) GetProject(ctx context.Context, name string) (ProjectDef, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_project")))
	}()

	s.mu.RLock()
	if def, ok := s.projectCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "project")))
		return def, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "project")))

	var def ProjectDef
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return ProjectDef{}, false, fmt.Errorf("read project: %w", err)
	}
	if found {
		s.mu.Lock()
		s.projectCache[name] = def
		s.mu.Unlock()
	}
	return def, found, nil
}

// ListProjects returns every tracked project definition.
func (s *Store) ListProjects() []ProjectDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProjectDef, 0, len(s.projectCache))
	for _, def := range s.projectCache {
		out = append(out, def)
	}
	return out
}

// PutSchedule persists a baseline schedule snapshot and refreshes the
// "latest schedule" cache entry for its project.
func (s *Store) PutSchedule(ctx context.Context, snap ScheduleSnapshot) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_schedule")))
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(snap.ProjectName), data)
	})
	if err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	s.mu.Lock()
	s.latestSchedule[snap.ProjectName] = snap
	s.mu.Unlock()
	return nil
}

// GetLatestSchedule returns the most recently persisted schedule
// snapshot for a project.
func (s *Store) GetLatestSchedule(ctx context.Context, projectName string) (ScheduleSnapshot, bool, error) {
	s.mu.RLock()
	if snap, ok := s.latestSchedule[projectName]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "schedule")))
		return snap, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "schedule")))

	var snap ScheduleSnapshot
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(projectName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return ScheduleSnapshot{}, false, fmt.Errorf("read schedule: %w", err)
	}
	return snap, found, nil
}

// PutExecution appends an execution-recalculation snapshot, indexed by
// project name and timestamp so ListExecutions can range-scan.
func (s *Store) PutExecution(ctx context.Context, snap ExecutionSnapshot) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	key := fmt.Sprintf("%s:%020d", snap.ProjectName, int64(snap.AsOf))
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndexes).Put([]byte(key), []byte(snap.ProjectName))
	})
}

// ListExecutions returns, oldest first, up to limit execution
// snapshots for projectName whose as_of date falls in [from, to].
func (s *Store) ListExecutions(projectName string, from, to calendar.Date, limit int) ([]ExecutionSnapshot, error) {
	out := make([]ExecutionSnapshot, 0, limit)
	prefix := []byte(projectName + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketExecutions).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && len(out) < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var snap ExecutionSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue
			}
			if snap.AsOf < from || snap.AsOf > to {
				continue
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var def ProjectDef
			if err := json.Unmarshal(v, &def); err != nil {
				return nil
			}
			s.projectCache[def.Name] = def
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var snap ScheduleSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil
			}
			s.latestSchedule[snap.ProjectName] = snap
			return nil
		})
	})
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
