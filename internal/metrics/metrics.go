// Package metrics exposes worker counters and gauges for Prometheus.
// A nil *Metrics is valid and records nothing
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funcworker"

// Metrics holds the worker collectors
type Metrics struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	queued        prometheus.Gauge
	functionLoads *prometheus.CounterVec
	logLines      *prometheus.CounterVec
	logDropped    prometheus.Counter
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Invocations completed, by function and status",
		}, []string{"function_id", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time from invocation start to response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function_id"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invocations_in_flight",
			Help:      "Invocations currently running",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invocations_queued",
			Help:      "Invocations waiting for a free slot",
		}),
		functionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_loads_total",
			Help:      "Function loads, by result",
		}, []string{"result"}),
		logLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "User log lines forwarded to the host, by level",
		}, []string{"level"}),
		logDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_dropped_total",
			Help:      "User log lines dropped by throttling",
		}),
	}

	m.registry.MustRegister(
		m.invocations, m.duration, m.inFlight, m.queued,
		m.functionLoads, m.logLines, m.logDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// InvocationStarted marks an invocation as running
func (m *Metrics) InvocationStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// InvocationFinished records a completed invocation
func (m *Metrics) InvocationFinished(functionID, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.invocations.WithLabelValues(functionID, status).Inc()
	m.duration.WithLabelValues(functionID).Observe(elapsed.Seconds())
}

// InvocationRejected records an invocation answered without running
func (m *Metrics) InvocationRejected(functionID, status string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(functionID, status).Inc()
}

// SetQueued reports the number of queued invocations
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// FunctionLoaded implements registry.LoadObserver
func (m *Metrics) FunctionLoaded(_ string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.functionLoads.WithLabelValues(result).Inc()
}

// LogLine counts one forwarded user log line
func (m *Metrics) LogLine(level string) {
	if m == nil {
		return
	}
	m.logLines.WithLabelValues(level).Inc()
}

// LogDropped counts user log lines dropped by throttling
func (m *Metrics) LogDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.logDropped.Add(float64(n))
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve listens on addr and serves /metrics until ctx ends
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.serve(ctx, lis, logger)
}

func (m *Metrics) serve(ctx context.Context, lis net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
