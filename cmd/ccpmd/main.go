// Command ccpmd is the demo HTTP service around the ccpm scheduling
// engine: it registers projects, builds their baseline schedules,
// accepts progress updates, and runs a cron heartbeat that
// recalculates every tracked project's network and publishes buffer
// status to NATS. None of this lives inside internal/ccpm, which
// stays a synchronous library with no persistence, network or
// environment configuration of its own. Adapted
// from the teacher's main.go wiring shape (logging -> otel -> http
// server -> graceful shutdown), with the workflow DAG executor
// replaced by the ccpm scheduler and bbolt persistence promoted from
// optional to load-bearing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
	"github.com/criticalpath/ccpm/internal/eventbus"
	"github.com/criticalpath/ccpm/internal/resilience"
	"github.com/criticalpath/ccpm/internal/store"
	"github.com/criticalpath/ccpm/internal/telemetry/logging"
	"github.com/criticalpath/ccpm/internal/telemetry/otelinit"
)

func main() {
	const service = "ccpmd"
	logger := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)

	dbPath := envOr("CCPM_STORE_PATH", "./ccpmd.db")
	db, err := store.Open(dbPath, otel.Meter(service))
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var bus publisher
	if natsURL := os.Getenv("CCPM_NATS_URL"); natsURL != "" {
		raw, err := eventbus.NewPublisher(natsURL)
		if err != nil {
			logger.Warn("eventbus connect failed, continuing without it", "error", err)
		} else {
			defer raw.Close()
			bus = &guardedBus{
				inner:   raw,
				breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
			}
		}
	}

	registry := newProjectRegistry(db, bus)

	progressLimiter := resilience.NewRateLimiter(20, 5, time.Second, 50)

	heartbeat := cron.New()
	cronExpr := envOr("CCPM_RECALC_CRON", "@every 5m")
	if _, err := heartbeat.AddFunc(cronExpr, func() {
		registry.RecalculateAll(context.Background())
	}); err != nil {
		logger.Error("invalid CCPM_RECALC_CRON expression", "expr", cronExpr, "error", err)
		os.Exit(1)
	}
	heartbeat.Start()
	defer heartbeat.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/projects", handleProjects(registry))
	mux.HandleFunc("/v1/progress", handleProgress(registry, progressLimiter))
	mux.HandleFunc("/v1/execution", handleExecution(registry))

	addr := envOr("CCPM_LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()
	logger.Info("service started", "addr", addr)

	<-ctx.Done()
	logger.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}

// guardedBus wraps an eventbus.Publisher's publish calls with a
// circuit breaker so a slow or unreachable NATS subscriber cannot
// stall schedule()/recalculate_network_from_progress(): once the
// breaker trips, publishes are skipped rather than retried inline.
type guardedBus struct {
	inner   *eventbus.Publisher
	breaker *resilience.CircuitBreaker
}

func (g *guardedBus) PublishScheduleBuilt(ctx context.Context, ev eventbus.ScheduleBuiltEvent) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("ccpmd: event bus circuit open, dropping schedule.built")
	}
	err := g.inner.PublishScheduleBuilt(ctx, ev)
	g.breaker.RecordResult(err == nil)
	return err
}

func (g *guardedBus) PublishBufferConsumption(ctx context.Context, ev eventbus.BufferConsumptionEvent) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("ccpmd: event bus circuit open, dropping buffer.consumption.updated")
	}
	err := g.inner.PublishBufferConsumption(ctx, ev)
	g.breaker.RecordResult(err == nil)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func handleProjects(registry *projectRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var def store.ProjectDef
			if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if def.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			sched, err := registry.Create(r.Context(), def)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(sched)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			s, ok := registry.Get(name)
			if !ok {
				http.NotFound(w, r)
				return
			}
			report, err := s.GenerateScheduleReport()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(report))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

type progressRequest struct {
	Project   string `json:"project"`
	TaskID    string `json:"task_id"`
	Remaining string `json:"remaining"`
	AsOf      string `json:"as_of"` // YYYY-MM-DD
}

func handleProgress(registry *projectRegistry, limiter *resilience.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		var req progressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s, ok := registry.Get(req.Project)
		if !ok {
			http.Error(w, "unknown project", http.StatusNotFound)
			return
		}
		remaining, err := parseDecimal(req.Remaining)
		if err != nil {
			http.Error(w, fmt.Sprintf("remaining: %v", err), http.StatusBadRequest)
			return
		}
		asOf, err := parseDate(req.AsOf)
		if err != nil {
			http.Error(w, fmt.Sprintf("as_of: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.UpdateTaskProgress(req.TaskID, remaining, asOf); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleExecution(registry *projectRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		s, ok := registry.Get(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		report, err := s.GenerateExecutionReport()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(report))
	}
}

func parseDate(s string) (calendar.Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, err
	}
	return calendar.FromTime(t), nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
