package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type EventType string

const (
	EventRequestReceived    EventType = "request_received"
	EventBackendSelected    EventType = "backend_selected"
	EventAttemptCompleted   EventType = "attempt_completed"
	EventRetryScheduled     EventType = "retry_scheduled"
	EventRequestFinished    EventType = "request_finished"
	EventReachabilityChange EventType = "reachability_changed"
)

// Outcomes recorded with EventRequestFinished.
const (
	OutcomePreflight = "preflight"
	OutcomeHealth    = "health"
	OutcomeRejected  = "rejected"
	OutcomeForwarded = "forwarded"
	OutcomeFailed    = "failed"
)

// StatusUpstreamError is recorded as the attempt status when the backend
// never produced a response.
const StatusUpstreamError = 0

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Outcome    string
	Healthy    bool
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	logger   *slog.Logger
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	reachable *prometheus.GaugeVec
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	c := &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		logger:   logger,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_requests_total",
			Help: "Inbound requests by how the proxy handled them",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_upstream_attempts_total",
			Help: "Upstream attempts by backend and status code, 0 for transport errors",
		}, []string{"backend", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_upstream_retries_total",
			Help: "Retries scheduled after a failed attempt",
		}, []string{"backend"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeproxy_upstream_duration_seconds",
			Help:    "Time to upstream response headers",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		reachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeproxy_backend_reachable",
			Help: "Last probe result per backend, 1 when reachable",
		}, []string{"backend"}),
	}

	c.registry.MustRegister(
		c.requests,
		c.attempts,
		c.retries,
		c.latency,
		c.reachable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues an event without blocking. Events are dropped when the
// buffer is full so the request path never waits on metrics.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.Run(ctx)
}

// Run processes events until ctx is done, then drains what is buffered.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests()

	case EventBackendSelected:
		c.metrics.RecordBackendSelection(event.Backend)

	case EventAttemptCompleted:
		c.metrics.RecordAttempt(event.Backend, event.Duration, event.StatusCode)
		c.attempts.WithLabelValues(event.Backend, strconv.Itoa(event.StatusCode)).Inc()
		if event.StatusCode != StatusUpstreamError {
			c.latency.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())
		}

	case EventRetryScheduled:
		c.metrics.RecordRetry(event.Backend)
		c.retries.WithLabelValues(event.Backend).Inc()

	case EventRequestFinished:
		c.metrics.RecordOutcome(event.Outcome)
		c.requests.WithLabelValues(event.Outcome).Inc()

	case EventReachabilityChange:
		c.metrics.UpdateReachability(event.Backend, event.Healthy)
		value := 0.0
		if event.Healthy {
			value = 1
		}
		c.reachable.WithLabelValues(event.Backend).Set(value)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(algorithm string) Snapshot {
	return c.metrics.Snapshot(algorithm)
}

// Registry exposes the prometheus registry backing /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
