package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatchMetrics is what the dispatch use cases record.
type DispatchMetrics interface {
	ObserveAcquire(found bool)
	ObserveStatusReport(outcome string)
	ObserveRegistration(outcome string)
	ObserveSubmission(outcome string, apkBytes, reportBytes int64)
}

// HTTPMetrics is what the request middleware records.
type HTTPMetrics interface {
	ObserveRequest(path string, status int, d time.Duration)
}

// Metrics keeps its own registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	Acquires      *prometheus.CounterVec
	StatusReports *prometheus.CounterVec
	Registrations *prometheus.CounterVec
	Submissions   *prometheus.CounterVec
	ArtifactBytes *prometheus.CounterVec
	RequestTime   *prometheus.HistogramVec
}

var _ DispatchMetrics = (*Metrics)(nil)
var _ HTTPMetrics = (*Metrics)(nil)

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Acquires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquires_total",
			Help:      "Task acquisition calls, by whether a pending task was handed out",
		}, []string{"result"}),
		StatusReports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Status reports received from workers, by outcome",
		}, []string{"outcome"}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Task registrations, by outcome",
		}, []string{"outcome"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_submissions_total",
			Help:      "Artifact submissions, by outcome",
		}, []string{"outcome"}),
		ArtifactBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Bytes of stored artifacts, by kind",
		}, []string{"kind"}),
		RequestTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time taken to serve HTTP requests",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"path", "code"}),
	}
}

func (m *Metrics) ObserveAcquire(found bool) {
	if found {
		m.Acquires.WithLabelValues("hit").Inc()
		return
	}
	m.Acquires.WithLabelValues("empty").Inc()
}

func (m *Metrics) ObserveStatusReport(outcome string) {
	m.StatusReports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRegistration(outcome string) {
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSubmission(outcome string, apkBytes, reportBytes int64) {
	m.Submissions.WithLabelValues(outcome).Inc()
	if apkBytes > 0 {
		m.ArtifactBytes.WithLabelValues("apk").Add(float64(apkBytes))
	}
	if reportBytes > 0 {
		m.ArtifactBytes.WithLabelValues("report").Add(float64(reportBytes))
	}
}

func (m *Metrics) ObserveRequest(path string, status int, d time.Duration) {
	m.RequestTime.WithLabelValues(path, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
