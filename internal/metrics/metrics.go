// Package metrics exposes mirror counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "mmirror"

// Cycle results.
const (
	CycleOK    = "ok"
	CycleIdle  = "idle"
	CycleError = "error"
)

// Eviction results.
const (
	EvictionSucceeded = "succeeded"
	EvictionFailed    = "failed"
)

// Metrics holds the mirror's counters.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	itemsMirrored   prometheus.Counter
	itemsFailed     prometheus.Counter
	bytesDownloaded prometheus.Counter
	uploads         prometheus.Counter
	evictions       *prometheus.CounterVec
}

// New creates and registers the counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Mirror cycles run, by result.",
		}, []string{"result"}),
		itemsMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_mirrored_total",
			Help:      "Items fully mirrored and recorded.",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items whose transfer failed.",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Media bytes written by successful item transfers.",
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Local files uploaded and processed by the remote.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Remote items evicted, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.cycles, m.itemsMirrored, m.itemsFailed, m.bytesDownloaded, m.uploads, m.evictions)
	return m
}

// Registry exposes the private registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CycleCompleted(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) ItemMirrored(bytes int64) {
	if m == nil {
		return
	}
	m.itemsMirrored.Inc()
	if bytes > 0 {
		m.bytesDownloaded.Add(float64(bytes))
	}
}

func (m *Metrics) ItemFailed() {
	if m == nil {
		return
	}
	m.itemsFailed.Inc()
}

func (m *Metrics) Uploaded() {
	if m == nil {
		return
	}
	m.uploads.Inc()
}

func (m *Metrics) Evicted(succeeded, failed int) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(EvictionSucceeded).Add(float64(succeeded))
	m.evictions.WithLabelValues(EvictionFailed).Add(float64(failed))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
