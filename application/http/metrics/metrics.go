// Package metrics exports connection pool watermarks to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hyperload/lib/stats"

	"github.com/prometheus/client_golang/prometheus"
)

// Source is a pool reporting its watermarks. Every call starts a new window.
type Source interface {
	Authority() string
	Stats(ctx context.Context) (map[string]stats.Snapshot, error)
}

// Collector reports the current, minimum and maximum of every statistic of
// its sources as gauges. A scrape closes the window, so the minimum and
// maximum cover the time since the previous scrape.
type Collector struct {
	timeout time.Duration
	logger  *slog.Logger

	current *prometheus.Desc
	min     *prometheus.Desc
	max     *prometheus.Desc
	errors  *prometheus.CounterVec

	mu      sync.Mutex
	sources []Source
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. timeout bounds the wait for each source.
func NewCollector(namespace string, timeout time.Duration, logger *slog.Logger) *Collector {
	labels := []string{"authority", "stat"}
	return &Collector{
		timeout: timeout,
		logger:  logger,
		current: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "current"),
			"Value of the pool statistic when scraped.",
			labels, nil,
		),
		min: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "min"),
			"Lowest value of the pool statistic since the previous scrape.",
			labels, nil,
		),
		max: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "max"),
			"Highest value of the pool statistic since the previous scrape.",
			labels, nil,
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "stats_errors_total",
				Help:      "Scrapes a pool could not report its statistics for.",
			},
			[]string{"authority"},
		),
	}
}

// Add registers another source.
func (c *Collector) Add(s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.current
	ch <- c.min
	ch <- c.max
	c.errors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	for _, s := range sources {
		c.collect(ch, s)
	}
	c.errors.Collect(ch)
}

func (c *Collector) collect(ch chan<- prometheus.Metric, s Source) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	authority := s.Authority()
	snaps, err := s.Stats(ctx)
	if err != nil {
		c.logger.Warn("collecting pool stats", "authority", authority, "error", err)
		c.errors.WithLabelValues(authority).Inc()
		return
	}

	for name, snap := range snaps {
		ch <- prometheus.MustNewConstMetric(c.current, prometheus.GaugeValue, float64(snap.Current), authority, name)
		ch <- prometheus.MustNewConstMetric(c.min, prometheus.GaugeValue, float64(snap.Min), authority, name)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(snap.Max), authority, name)
	}
}
