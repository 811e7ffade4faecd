// Package metrics exposes pipeline run metrics in a dedicated Prometheus
// registry and serves them with a health endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"civicreg/internal/domain"
	"civicreg/internal/ingest"
)

const namespace = "civicreg"

type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	recordsTotal   *prometheus.CounterVec
	reasonsTotal   *prometheus.CounterVec
	gapFillTotal   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	lastSuccessTS  *prometheus.GaugeVec
	labelsTotal    *prometheus.CounterVec
	labelRunsTotal *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_runs_total",
		Help:      "Ingestion runs by final status",
	}, []string{"status", "mode"})
	m.recordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_records_total",
		Help:      "Records processed by ingestion stage",
	}, []string{"stage"})
	m.reasonsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_decisions_total",
		Help:      "Rejected or flagged records by decision reason",
	}, []string{"reason"})
	m.gapFillTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gap_fill_requests_total",
		Help:      "Gap-fill fetches by outcome",
	}, []string{"outcome"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingestion_run_duration_seconds",
		Help:      "Wall time of ingestion runs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status"})
	m.lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful run",
	}, []string{"job"})
	m.labelsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "labels_total",
		Help:      "Labeling outcomes by phase",
	}, []string{"phase", "outcome"})
	m.labelRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "labeling_runs_total",
		Help:      "Labeling runs by phase and final status",
	}, []string{"phase", "status"})

	m.registry.MustRegister(
		m.runsTotal, m.recordsTotal, m.reasonsTotal, m.gapFillTotal,
		m.runDuration, m.lastSuccessTS, m.labelsTotal, m.labelRunsTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun implements ingest.Recorder.
func (m *Metrics) ObserveRun(s ingest.RunSummary) {
	status := string(domain.RunSuccess)
	if s.Err != nil {
		status = string(domain.RunFailed)
	}
	mode := "live"
	if s.DryRun {
		mode = "dry_run"
	}
	m.runsTotal.WithLabelValues(status, mode).Inc()
	m.runDuration.WithLabelValues(status).Observe(s.Duration.Seconds())

	c := s.Counts
	m.recordsTotal.WithLabelValues("fetched").Add(float64(c.Fetched))
	m.recordsTotal.WithLabelValues("rejected").Add(float64(c.Rejected))
	m.recordsTotal.WithLabelValues("reviewed").Add(float64(c.Reviewed))
	m.recordsTotal.WithLabelValues("inserted").Add(float64(c.Inserted))
	m.recordsTotal.WithLabelValues("updated").Add(float64(c.Updated))
	for reason, n := range s.Reasons {
		m.reasonsTotal.WithLabelValues(string(reason)).Add(float64(n))
	}
	m.gapFillTotal.WithLabelValues("recovered").Add(float64(c.GapFill.Recovered))
	m.gapFillTotal.WithLabelValues("absent").Add(float64(c.GapFill.Absent))
	m.gapFillTotal.WithLabelValues("failed").Add(float64(c.GapFill.Failed))

	if s.Err == nil && !s.DryRun {
		m.lastSuccessTS.WithLabelValues("ingestion").Set(float64(time.Now().Unix()))
	}
}

func (m *Metrics) ObserveLabelRun(phase domain.LabelPhase, r domain.LabelRunResult, err error) {
	p := string(phase)
	m.labelsTotal.WithLabelValues(p, "inserted").Add(float64(r.Inserted))
	m.labelsTotal.WithLabelValues(p, "skipped").Add(float64(r.Skipped))
	m.labelsTotal.WithLabelValues(p, "failed").Add(float64(r.Failed))
	if err != nil {
		m.labelRunsTotal.WithLabelValues(p, string(domain.RunFailed)).Inc()
		return
	}
	m.labelRunsTotal.WithLabelValues(p, string(domain.RunSuccess)).Inc()
	m.lastSuccessTS.WithLabelValues(p).Set(float64(time.Now().Unix()))
}

// Handler serves /metrics from the dedicated registry and /healthz, which
// reports 503 when health returns an error.
func (m *Metrics) Handler(health func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type Server struct {
	server *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{server: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

func (s *Server) Serve() error                       { return s.server.ListenAndServe() }
func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }
