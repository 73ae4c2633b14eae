package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is what the engine reports while installing.
type Metrics interface {
	FileInstalled(strategy string, err error)
	BytesDownloaded(n int64)
	CatalogRequest(provider string, err error)
	RunFinished(result string, elapsed time.Duration)
}

type installMetrics struct {
	filesInstalled  *prometheus.CounterVec
	bytesDownloaded prometheus.Counter
	catalogRequests *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
}

// New returns the process-wide metrics, or a no-op when metrics are disabled.
func New() Metrics { //nolint:ireturn
	if !IsEnabled() {
		return Noop()
	}
	sharedOnce.Do(func() { shared = NewWithRegistry(GetRegistry()) })
	return shared
}

// NewWithRegistry registers a fresh set of collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) Metrics { //nolint:ireturn
	return &installMetrics{
		filesInstalled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "instsync_files_installed_total",
				Help: "Files processed by install strategy and result",
			},
			[]string{"strategy", "result"},
		),
		bytesDownloaded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "instsync_bytes_downloaded_total",
				Help: "Bytes received from HTTP origins",
			},
		),
		catalogRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "instsync_catalog_requests_total",
				Help: "Catalog lookups by provider and status",
			},
			[]string{"provider", "status"},
		),
		runsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "instsync_install_runs_total",
				Help: "Install runs by terminal state",
			},
			[]string{"result"},
		),
		runDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "instsync_install_duration_seconds",
				Help:    "Duration of install runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
	}
}

func (m *installMetrics) FileInstalled(strategy string, err error) {
	m.filesInstalled.WithLabelValues(strategy, resultLabel(err)).Inc()
}

func (m *installMetrics) BytesDownloaded(n int64) {
	if n > 0 {
		m.bytesDownloaded.Add(float64(n))
	}
}

func (m *installMetrics) CatalogRequest(provider string, err error) {
	m.catalogRequests.WithLabelValues(provider, resultLabel(err)).Inc()
}

func (m *installMetrics) RunFinished(result string, elapsed time.Duration) {
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type noopMetrics struct{}

// Noop discards everything.
func Noop() Metrics { return noopMetrics{} } //nolint:ireturn

func (noopMetrics) FileInstalled(string, error)       {}
func (noopMetrics) BytesDownloaded(int64)             {}
func (noopMetrics) CatalogRequest(string, error)      {}
func (noopMetrics) RunFinished(string, time.Duration) {}
