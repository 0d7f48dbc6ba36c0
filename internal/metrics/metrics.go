// Package metrics exposes sync activity as prometheus collectors on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "csync"

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

type Collector struct {
	registry *prometheus.Registry

	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	manifestWrites *prometheus.CounterVec
	validations    prometheus.Counter
	resubmissions  prometheus.Counter
	pending        prometheus.Gauge
	tracked        prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Files handed to the sync protocol, by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes stored on the target.",
		}),
		manifestWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_writes_total",
			Help:      "Manifest snapshots written to the target, by result.",
		}, []string{"result"}),
		validations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_runs_total",
			Help:      "Completed manifest validation passes.",
		}),
		resubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubmissions_total",
			Help:      "Files re-uploaded because validation found drift.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_uploads",
			Help:      "Uploads in flight.",
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_files",
			Help:      "Files waiting for their size to stabilize.",
		}),
	}

	c.registry.MustRegister(
		c.uploads,
		c.uploadBytes,
		c.manifestWrites,
		c.validations,
		c.resubmissions,
		c.pending,
		c.tracked,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) Upload(result string, bytes int64) {
	c.uploads.WithLabelValues(result).Inc()
	if result == ResultOK {
		c.uploadBytes.Add(float64(bytes))
	}
}

func (c *Collector) ManifestWrite(err error) {
	if err != nil {
		c.manifestWrites.WithLabelValues(ResultError).Inc()
		return
	}
	c.manifestWrites.WithLabelValues(ResultOK).Inc()
}

func (c *Collector) ValidationRun() {
	c.validations.Inc()
}

func (c *Collector) Resubmitted() {
	c.resubmissions.Inc()
}

func (c *Collector) SetPending(n int) {
	c.pending.Set(float64(n))
}

func (c *Collector) SetTracked(n int) {
	c.tracked.Set(float64(n))
}
