// Package metrics exposes Prometheus collectors for the receive loop, the
// transmit scheduler, the sniffer and the websocket server.
//
// All Collector methods are safe on a nil *Collector so callers can leave
// metrics disabled without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "ican").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry receives the collectors and backs Handler.
	// Default: a fresh prometheus.NewRegistry().
	Registry *prometheus.Registry
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics, typically the bus
// locator.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Collector holds the metrics of one bus session.
type Collector struct {
	registry *prometheus.Registry

	framesReceived  prometheus.Counter
	framesMalformed prometheus.Counter
	framesSent      prometheus.Counter
	sendFailures    prometheus.Counter
	overruns        prometheus.Counter
	sendLateness    prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	queueDropped    *prometheus.CounterVec
	snifferIDs      prometheus.Gauge
	wsClients       prometheus.Gauge
}

// New registers a Collector.
func New(opts ...Option) *Collector {
	config := Config{Namespace: "ican"}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		registry: config.Registry,

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_received_total",
			Help:        "Frames delivered by the driver to the receive loop",
			ConstLabels: config.ConstLabels,
		}),

		framesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_malformed_total",
			Help:        "Frames dropped because the transport reported them malformed",
			ConstLabels: config.ConstLabels,
		}),

		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_sent_total",
			Help:        "Frames written to the bus",
			ConstLabels: config.ConstLabels,
		}),

		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "send_failures_total",
			Help:        "Failed bus writes",
			ConstLabels: config.ConstLabels,
		}),

		overruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "schedule_overruns_total",
			Help:        "Periodic sends that started after their slot had passed",
			ConstLabels: config.ConstLabels,
		}),

		sendLateness: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "schedule_lateness_seconds",
			Help:        "Delay between the scheduled and actual start of a periodic send",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "consumer_queue_depth",
			Help:        "Frames waiting in a receive loop consumer queue",
			ConstLabels: config.ConstLabels,
		}, []string{"consumer"}),

		queueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "consumer_dropped_total",
			Help:        "Frames discarded because a consumer queue was full",
			ConstLabels: config.ConstLabels,
		}, []string{"consumer"}),

		snifferIDs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "sniffer_ids",
			Help:        "Distinct identifiers tracked by the sniffer",
			ConstLabels: config.ConstLabels,
		}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "websocket_clients",
			Help:        "Connected websocket bridge clients",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (c *Collector) FrameReceived() {
	if c != nil {
		c.framesReceived.Inc()
	}
}

func (c *Collector) FrameMalformed() {
	if c != nil {
		c.framesMalformed.Inc()
	}
}

func (c *Collector) FrameSent() {
	if c != nil {
		c.framesSent.Inc()
	}
}

func (c *Collector) SendFailed() {
	if c != nil {
		c.sendFailures.Inc()
	}
}

// SendLate records how far behind its slot a periodic send started. Overruns
// are counted separately.
func (c *Collector) SendLate(late time.Duration, overrun bool) {
	if c == nil {
		return
	}
	c.sendLateness.Observe(late.Seconds())
	if overrun {
		c.overruns.Inc()
	}
}

func (c *Collector) QueueDepth(consumer string, n int) {
	if c != nil {
		c.queueDepth.WithLabelValues(consumer).Set(float64(n))
	}
}

func (c *Collector) QueueDropped(consumer string) {
	if c != nil {
		c.queueDropped.WithLabelValues(consumer).Inc()
	}
}

// QueueClosed forgets the depth series of a consumer that went away.
func (c *Collector) QueueClosed(consumer string) {
	if c != nil {
		c.queueDepth.DeleteLabelValues(consumer)
	}
}

func (c *Collector) SnifferIDs(n int) {
	if c != nil {
		c.snifferIDs.Set(float64(n))
	}
}

func (c *Collector) ClientConnected() {
	if c != nil {
		c.wsClients.Inc()
	}
}

func (c *Collector) ClientDisconnected() {
	if c != nil {
		c.wsClients.Dec()
	}
}

// Registry returns the registry the collectors live in.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
