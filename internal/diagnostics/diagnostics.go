// Package diagnostics exposes an optional Prometheus metrics surface for
// the runtime: task run counters by outcome and a queue-depth gauge by
// priority, served on a configurable address.
//
// Grounded on the teacher's cmd/worker/main.go (promauto.NewCounterVec /
// NewGaugeVec registered at package scope, promhttp.Handler on a
// dedicated goroutine, a periodic collector updating the gauge).
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
)

// TaskRunsTotal counts completed runs by task name and outcome
// ("success", "failure", "timeout").
var TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clodputer_task_runs_total",
	Help: "Total number of task runs by outcome.",
}, []string{"task", "outcome"})

// QueueDepth reports the current number of queued items by priority.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "clodputer_queue_depth",
	Help: "Number of items currently queued, by priority.",
}, []string{"priority"})

// RecordRun increments the run counter for name/outcome. Called by the
// executor immediately after classifying a result.
func RecordRun(taskName string, outcome string) {
	TaskRunsTotal.WithLabelValues(taskName, outcome).Inc()
}

// DepthSampler is the narrow slice of queue.Manager the collector needs.
type DepthSampler interface {
	GetStatus() (queue.Status, error)
}

// Server serves the /metrics endpoint and periodically refreshes
// QueueDepth from a DepthSampler.
type Server struct {
	Addr    string
	Sampler DepthSampler
	Log     zerolog.Logger
}

// Run serves /metrics on Addr and refreshes QueueDepth every interval
// until ctx is cancelled. Intended to be run on its own goroutine.
func (s *Server) Run(ctx context.Context, interval time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go s.collectLoop(ctx, interval)

	s.Log.Info().Str("addr", s.Addr).Msg("diagnostics metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) collectLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Server) sampleOnce() {
	if s.Sampler == nil {
		return
	}
	status, err := s.Sampler.GetStatus()
	if err != nil {
		s.Log.Warn().Err(err).Msg("diagnostics: queue status sample failed")
		return
	}
	counts := map[task.Priority]float64{task.PriorityNormal: 0, task.PriorityHigh: 0}
	for _, it := range status.Queued {
		counts[it.Priority]++
	}
	for priority, n := range counts {
		QueueDepth.WithLabelValues(string(priority)).Set(n)
	}
}
