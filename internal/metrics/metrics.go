// Package metrics exposes engine and API counters to Prometheus. Each
// Collector owns a private registry so tests and multiple processes in one
// binary never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/receiptflow/internal/receiptflow"
)

const namespace = "receiptflow"

// Collector implements receiptflow.Metrics.
type Collector struct {
	registry *prometheus.Registry

	documents       *prometheus.CounterVec
	documentLatency *prometheus.HistogramVec
	scans           *prometheus.CounterVec
	scanLatency     prometheus.Histogram
	scanDocuments   *prometheus.GaugeVec
	retriesGaveUp   prometheus.Counter
	tickErrors      prometheus.Counter
	lockBusy        *prometheus.CounterVec
	webhookPending  prometheus.Gauge
	retryDepth      prometheus.Gauge
	paused          prometheus.Gauge
	webhooks        *prometheus.CounterVec
}

var _ receiptflow.Metrics = (*Collector)(nil)

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_processed_total",
			Help:      "Document attempts by origin and final status.",
		}, []string{"origin", "status"}),
		documentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_duration_seconds",
			Help:      "Time spent on one document attempt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"origin"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Automation passes by result.",
		}, []string{"result"}),
		scanLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of automation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		scanDocuments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_documents",
			Help:      "Document counts of the most recent automation pass.",
		}, []string{"kind"}),
		retriesGaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_given_up_total",
			Help:      "Documents abandoned after reaching the retry limit.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Driver ticks that tripped the cooldown.",
		}),
		lockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Lock acquisitions refused because another holder had the lease.",
		}, []string{"section"}),
		webhookPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webhook_queue_pending",
			Help:      "Pending webhook queue entries.",
		}),
		retryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Documents waiting for another attempt.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_paused",
			Help:      "1 while processing is paused.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Inbound document notifications by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.documents,
		c.documentLatency,
		c.scans,
		c.scanLatency,
		c.scanDocuments,
		c.retriesGaveUp,
		c.tickErrors,
		c.lockBusy,
		c.webhookPending,
		c.retryDepth,
		c.paused,
		c.webhooks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveDocument(origin receiptflow.Origin, status receiptflow.Status, elapsed time.Duration) {
	if status == "" {
		return
	}
	c.documents.WithLabelValues(string(origin), string(status)).Inc()
	c.documentLatency.WithLabelValues(string(origin)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveScan(result receiptflow.ScanResult, elapsed time.Duration) {
	outcome := "ok"
	if result.Error != "" {
		outcome = "error"
	}
	c.scans.WithLabelValues(outcome).Inc()
	c.scanLatency.Observe(elapsed.Seconds())
	c.scanDocuments.WithLabelValues("found").Set(float64(result.DocumentsFound))
	c.scanDocuments.WithLabelValues("queued").Set(float64(result.DocumentsQueued))
	c.scanDocuments.WithLabelValues("skipped").Set(float64(result.DocumentsSkipped))
	c.scanDocuments.WithLabelValues("completed").Set(float64(result.DocumentsCompleted))
	c.scanDocuments.WithLabelValues("failed").Set(float64(result.DocumentsFailed))
}

func (c *Collector) RetryGaveUp() {
	c.retriesGaveUp.Inc()
}

func (c *Collector) TickError() {
	c.tickErrors.Inc()
}

func (c *Collector) LockBusy(section string) {
	c.lockBusy.WithLabelValues(section).Inc()
}

func (c *Collector) SetQueueDepths(webhookPending, retries int) {
	c.webhookPending.Set(float64(webhookPending))
	c.retryDepth.Set(float64(retries))
}

func (c *Collector) SetPaused(paused bool) {
	if paused {
		c.paused.Set(1)
		return
	}
	c.paused.Set(0)
}

// ObserveWebhook counts inbound notifications: queued, duplicate, rejected
// or invalid.
func (c *Collector) ObserveWebhook(outcome string) {
	c.webhooks.WithLabelValues(outcome).Inc()
}
