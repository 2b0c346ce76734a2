// Package metrics exposes message log activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-msglog/pkg/archive"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/security"
)

const namespace = "msglog"

// Recorder holds the message log metrics.
type Recorder struct {
	registry *prometheus.Registry

	archivesPublished prometheus.Counter
	archivedRecords   prometheus.Counter
	archiveSize       prometheus.Histogram
	archiveFailures   *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	verifyDuration    prometheus.Histogram
}

// NewRecorder registers the metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		archivesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "published_total",
			Help:      "Archive files published",
		}),
		archivedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_total",
			Help:      "Message records included in published archives",
		}),
		archiveSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "size_bytes",
			Help:      "Size of published archive files",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
		}),
		archiveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "failures_total",
			Help:      "Failed archive rotations by error kind",
		}, []string{"kind"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signature",
			Name:      "verifications_total",
			Help:      "Signature verifications by outcome",
		}, []string{"result"}),
		verifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "signature",
			Name:      "verification_duration_seconds",
			Help:      "Time spent verifying a signature",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the registry holding the metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ArchivePublished implements archive.Observer.
func (r *Recorder) ArchivePublished(name string, records int, size int) {
	r.archivesPublished.Inc()
	r.archivedRecords.Add(float64(records))
	r.archiveSize.Observe(float64(size))
}

// ArchiveFailed implements archive.Observer.
func (r *Recorder) ArchiveFailed(err error) {
	r.archiveFailures.WithLabelValues(fault.KindOf(err).String()).Inc()
}

// ObserveVerification counts the outcome of one verification. A nil err is
// counted as "ok", anything else by its error kind.
func (r *Recorder) ObserveVerification(err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = fault.KindOf(err).String()
	}
	r.verifications.WithLabelValues(result).Inc()
	r.verifyDuration.Observe(elapsed.Seconds())
}

// RegisterOCSPCache exports the counters of cache.
func (r *Recorder) RegisterOCSPCache(cache *security.OCSPCache) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ocsp_cache", Name: "hits_total",
			Help: "OCSP cache lookups answered from the cache",
		}, func() float64 { return float64(cache.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ocsp_cache", Name: "misses_total",
			Help: "OCSP cache lookups without a usable response",
		}, func() float64 { return float64(cache.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ocsp_cache", Name: "evictions_total",
			Help: "Stale OCSP responses dropped from the cache",
		}, func() float64 { return float64(cache.Stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ocsp_cache", Name: "entries",
			Help: "OCSP responses currently cached",
		}, func() float64 { return float64(cache.Stats().Entries) }),
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr under path until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle(path, r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "address", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

var _ archive.Observer = (*Recorder)(nil)
