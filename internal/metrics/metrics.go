package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records capture and pipeline activity for Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	CapturesStarted prometheus.Counter
	CaptureFailures *prometheus.CounterVec
	CapturesStopped *prometheus.CounterVec
	EmptyCaptures   prometheus.Counter
	AudioBytes      prometheus.Histogram
	SilenceFires    prometheus.Counter
	UploadDuration  prometheus.Histogram
	UploadFailures  prometheus.Counter
	SummaryDuration prometheus.Histogram
	SummaryFailures prometheus.Counter
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CapturesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "visit_scribe_captures_started_total",
			Help: "Total number of captures that reached recording",
		}),
		CaptureFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visit_scribe_capture_start_failures_total",
			Help: "Capture start failures by error kind",
		}, []string{"kind"}),
		CapturesStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visit_scribe_captures_stopped_total",
			Help: "Finalized captures by stop reason",
		}, []string{"reason"}),
		EmptyCaptures: f.NewCounter(prometheus.CounterOpts{
			Name: "visit_scribe_captures_empty_total",
			Help: "Finalized captures with no audio to upload",
		}),
		AudioBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "visit_scribe_capture_audio_bytes",
			Help:    "Size of finalized capture audio",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12), // 16KB to ~32MB
		}),
		SilenceFires: f.NewCounter(prometheus.CounterOpts{
			Name: "visit_scribe_silence_fired_total",
			Help: "Number of captures ended by sustained silence",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "visit_scribe_upload_duration_seconds",
			Help:    "Time spent uploading audio for transcription",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		UploadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "visit_scribe_upload_failures_total",
			Help: "Number of failed transcription uploads",
		}),
		SummaryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "visit_scribe_summary_duration_seconds",
			Help:    "Time spent generating encounter summaries",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9),
		}),
		SummaryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "visit_scribe_summary_failures_total",
			Help: "Number of failed encounter summaries",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CaptureStarted() {
	m.CapturesStarted.Inc()
}

func (m *Metrics) CaptureStartFailed(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.CaptureFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) CaptureStopped(reason string, audioBytes int) {
	m.CapturesStopped.WithLabelValues(reason).Inc()
	if audioBytes == 0 {
		m.EmptyCaptures.Inc()
		return
	}
	m.AudioBytes.Observe(float64(audioBytes))
}

func (m *Metrics) SilenceFired() {
	m.SilenceFires.Inc()
}

func (m *Metrics) UploadObserved(d time.Duration, err error) {
	m.UploadDuration.Observe(d.Seconds())
	if err != nil {
		m.UploadFailures.Inc()
	}
}

func (m *Metrics) SummaryObserved(d time.Duration, err error) {
	m.SummaryDuration.Observe(d.Seconds())
	if err != nil {
		m.SummaryFailures.Inc()
	}
}
