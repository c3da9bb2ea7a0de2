package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

type redisCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	queueDepthDesc  *prometheus.Desc
	dlqDepthDesc    *prometheus.Desc
	parentsDesc     *prometheus.Desc
	eventsDepthDesc *prometheus.Desc
}

func newRedisCollector(rdb *redis.Client, logger *slog.Logger) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCollector{
		rdb:    rdb,
		logger: logger,
		queueDepthDesc: prometheus.NewDesc(
			"mediaq_queue_depth",
			"Current step queue depth by queue state.",
			[]string{"queue"},
			nil,
		),
		dlqDepthDesc: prometheus.NewDesc(
			"mediaq_dlq_depth",
			"Current dead-letter queue depth.",
			nil,
			nil,
		),
		parentsDesc: prometheus.NewDesc(
			"mediaq_parents_total",
			"Number of parent jobs tracked in the queue store.",
			nil,
			nil,
		),
		eventsDepthDesc: prometheus.NewDesc(
			"mediaq_events_backlog",
			"Lifecycle events waiting for the flow supervisor.",
			nil,
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.dlqDepthDesc
	ch <- c.parentsDesc
	ch <- c.eventsDepthDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	ready := pipe.LLen(ctx, "mediaq:q:pending")
	delayed := pipe.ZCard(ctx, "mediaq:q:delayed")
	inprog := pipe.SCard(ctx, "mediaq:q:inprog")
	dlq := pipe.LLen(ctx, "mediaq:q:dlq")
	parents := pipe.SCard(ctx, "mediaq:parents")
	events := pipe.LLen(ctx, "mediaq:events")

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}

	emitGauge(ch, c.queueDepthDesc, float64(ready.Val()), "ready")
	emitGauge(ch, c.queueDepthDesc, float64(delayed.Val()), "delayed")
	emitGauge(ch, c.queueDepthDesc, float64(inprog.Val()), "in_progress")
	emitGauge(ch, c.queueDepthDesc, float64(dlq.Val()), "dlq")
	emitGauge(ch, c.dlqDepthDesc, float64(dlq.Val()))
	emitGauge(ch, c.parentsDesc, float64(parents.Val()))
	emitGauge(ch, c.eventsDepthDesc, float64(events.Val()))
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerRedisCollectorOnce sync.Once

func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger) {
	registerRedisCollectorOnce.Do(func() {
		prometheus.MustRegister(newRedisCollector(rdb, logger))
	})
}
