package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventResponseCompleted EventType = "response_completed"
	EventRequestRejected   EventType = "request_rejected"
	EventHealthChanged     EventType = "health_changed"
	EventReload            EventType = "reload"
)

// RouteStatic is the route name used for requests that no proxy rule matched.
const RouteStatic = "static"

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	prom    *promMetrics
	logger  *slog.Logger
	done    chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		prom:    newPromMetrics(),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues an event without blocking; events are dropped when the
// buffer is full. A nil collector ignores events.
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
		c.logger.Debug("Metrics buffer full, dropping event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained its buffer after shutdown.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Registry exposes the Prometheus registry the collector reports into.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

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
		c.metrics.IncrementRequests(event.Route)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Route, event.Duration, event.StatusCode)
		c.prom.requests.WithLabelValues(event.Route, strconv.Itoa(event.StatusCode)).Inc()
		c.prom.duration.WithLabelValues(event.Route).Observe(event.Duration.Seconds())

	case EventRequestRejected:
		c.metrics.RecordRejection(event.Route)
		c.prom.rejected.WithLabelValues(event.Route).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Route, event.Healthy)
		up := 0.0
		if event.Healthy {
			up = 1
		}
		c.prom.upstreamUp.WithLabelValues(event.Route).Set(up)

	case EventReload:
		c.metrics.RecordReload()
		c.prom.reloads.Inc()
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
