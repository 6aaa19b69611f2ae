// Package metrics exposes Prometheus collectors for the link engine
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors
type Config struct {
	Namespace   string
	ConstLabels prometheus.Labels
	Buckets     []float64 // photo transfer duration buckets
	Registry    prometheus.Registerer
}

// Option configures the collectors
type Option func(*Config)

// WithNamespace sets the metrics namespace (default "roverlink")
func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

// WithConstLabels adds labels to every metric, e.g. the rover id
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithBuckets sets the transfer duration buckets
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry registers the collectors somewhere other than the default registry
func WithRegistry(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = r }
}

// Metrics holds the collectors
type Metrics struct {
	LinkState        *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	CommandsSent     *prometheus.CounterVec
	KeepAliveActive  prometheus.Gauge
	Notifications    *prometheus.CounterVec
	Transfers        *prometheus.CounterVec
	TransferDuration prometheus.Histogram
	PhotoBytes       prometheus.Counter
	Temperature      prometheus.Gauge
	Humidity         prometheus.Gauge
}

// New creates and registers the collectors
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "roverlink",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 6, 10},
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		LinkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "link_state",
			Help:        "1 for the current connection manager state, 0 otherwise",
			ConstLabels: cfg.ConstLabels,
		}, []string{"state"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "reconnects_total",
			Help:        "Sessions restored by the automatic reconnect",
			ConstLabels: cfg.ConstLabels,
		}),
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "commands_total",
			Help:        "Commands written to the rover by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		KeepAliveActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "keepalive_active",
			Help:        "1 while a keep-alive command is repeating",
			ConstLabels: cfg.ConstLabels,
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "notifications_total",
			Help:        "Inbound notifications by kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "photo_transfers_total",
			Help:        "Finished photo transfers by result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
		TransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "photo_transfer_duration_seconds",
			Help:        "Time from transfer start to result",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
		PhotoBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "photo_bytes_total",
			Help:        "Bytes of delivered photos",
			ConstLabels: cfg.ConstLabels,
		}),
		Temperature: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "temperature_celsius",
			Help:        "Last temperature reported by the rover",
			ConstLabels: cfg.ConstLabels,
		}),
		Humidity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "humidity_percent",
			Help:        "Last relative humidity reported by the rover",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// SetLinkState marks state as current among all states
func (m *Metrics) SetLinkState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.LinkState.WithLabelValues(s).Set(v)
	}
}
