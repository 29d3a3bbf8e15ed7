package receipt

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts what flows through a Service. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	filesTotal         *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	conversionInFlight prometheus.Gauge
	uploadsTotal       *prometheus.CounterVec
	extractionsTotal   *prometheus.CounterVec
	candidates         prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	filesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "receipt_scanner",
			Subsystem: "intake",
			Name:      "files_total",
			Help:      "Files offered to the session by outcome.",
		},
		[]string{"outcome"},
	)
	conversionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "receipt_scanner",
			Subsystem: "normalizer",
			Name:      "batch_duration_seconds",
			Help:      "HEIC conversion duration per batch by status.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)
	conversionInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "receipt_scanner",
			Subsystem: "normalizer",
			Name:      "batches_in_flight",
			Help:      "Number of HEIC batches being converted.",
		},
	)
	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "receipt_scanner",
			Subsystem: "upload",
			Name:      "files_total",
			Help:      "Object storage uploads by status.",
		},
		[]string{"status"},
	)
	extractionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "receipt_scanner",
			Subsystem: "reconciler",
			Name:      "extractions_total",
			Help:      "Extraction messages by outcome.",
		},
		[]string{"outcome"},
	)
	candidates := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "receipt_scanner",
			Subsystem: "session",
			Name:      "candidates",
			Help:      "Candidates currently in the upload session.",
		},
	)

	registry.MustRegister(filesTotal, conversionDuration, conversionInFlight, uploadsTotal, extractionsTotal, candidates)

	return &Metrics{
		registry:           registry,
		filesTotal:         filesTotal,
		conversionDuration: conversionDuration,
		conversionInFlight: conversionInFlight,
		uploadsTotal:       uploadsTotal,
		extractionsTotal:   extractionsTotal,
		candidates:         candidates,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveIntake counts added and skipped files
func (m *Metrics) ObserveIntake(added, skipped int) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues("added").Add(float64(added))
	m.filesTotal.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) StartConversion() {
	if m == nil {
		return
	}
	m.conversionInFlight.Inc()
}

func (m *Metrics) FinishConversion(duration time.Duration, failures int) {
	if m == nil {
		return
	}
	m.conversionInFlight.Dec()

	status := "success"
	if failures > 0 {
		status = "partial"
	}
	m.conversionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.uploadsTotal.WithLabelValues(status).Inc()
}

// ObserveExtraction counts an extraction as applied, failed or unknown
func (m *Metrics) ObserveExtraction(outcome string) {
	if m == nil {
		return
	}
	m.extractionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCandidates(n int) {
	if m == nil {
		return
	}
	m.candidates.Set(float64(n))
}
