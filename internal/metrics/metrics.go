// Package metrics exposes an Engine's running Stats as Prometheus
// series, using prometheus/client_golang's registry/handler so real
// collectors own the "# HELP"/"# TYPE" wire format rather than a
// hand-written text exposition writer.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is anything that reports a named set of engines, the
// shape *runner.Runner (multi-spider) satisfies, declared here so this
// package need not import runner and create a cycle. *engine.Engine's
// Stats returns *engine.Stats and does not satisfy it directly.
type StatsSource interface {
	Stats() map[string]map[string]any
}

// Registry holds the Prometheus collectors crawlkit exposes. One
// Registry is shared across every spider an engine process runs;
// each series carries a "spider" label so /metrics distinguishes them.
type Registry struct {
	reg *prometheus.Registry

	requestsSent   *prometheus.GaugeVec
	responsesOK    *prometheus.GaugeVec
	responsesError *prometheus.GaugeVec
	itemsScraped   *prometheus.GaugeVec
	itemsDropped   *prometheus.GaugeVec

	logger *slog.Logger
	srv    *http.Server
}

// New builds a Registry with the crawlkit_* gauge families registered.
// Gauges (not counters) are used because Stats.Snapshot reports
// absolute totals polled from atomics, not per-scrape deltas.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		requestsSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlkit_requests_sent_total",
			Help: "Requests dispatched to the fetcher.",
		}, []string{"spider"}),
		responsesOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlkit_responses_ok_total",
			Help: "Responses delivered to a spider callback.",
		}, []string{"spider"}),
		responsesError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlkit_responses_error_total",
			Help: "Fetch attempts that ended in a dropped or rescheduled request.",
		}, []string{"spider"}),
		itemsScraped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlkit_items_scraped_total",
			Help: "Items that passed the pipeline and reached storage.",
		}, []string{"spider"}),
		itemsDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlkit_items_dropped_total",
			Help: "Items dropped by a pipeline stage or storage error.",
		}, []string{"spider"}),
		logger: logger.With("component", "metrics"),
	}
	reg.MustRegister(
		m.requestsSent, m.responsesOK, m.responsesError,
		m.itemsScraped, m.itemsDropped,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Collect pulls a fresh Snapshot from src and updates every gauge.
// Call it on a ticker, or once before each scrape if the exporter is
// also the process running the crawl.
func (m *Registry) Collect(src StatsSource) {
	for spider, snap := range src.Stats() {
		setGauge(m.requestsSent, spider, snap["requests_sent"])
		setGauge(m.responsesOK, spider, snap["responses_ok"])
		setGauge(m.responsesError, spider, snap["responses_error"])
		setGauge(m.itemsScraped, spider, snap["items_scraped"])
		setGauge(m.itemsDropped, spider, snap["items_dropped"])
	}
}

func setGauge(v *prometheus.GaugeVec, spider string, val any) {
	n, ok := val.(int64)
	if !ok {
		return
	}
	v.WithLabelValues(spider).Set(float64(n))
}

// StartServer serves the registered collectors at path on port via
// promhttp.HandlerFor, refreshing from src every interval until ctx is
// cancelled.
func (m *Registry) StartServer(ctx context.Context, port int, path string, src StatsSource, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	m.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Collect(src)
			}
		}
	}()

	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server exited", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("metrics server listening", "port", port, "path", path)
	return nil
}
