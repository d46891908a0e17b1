// Package rabbitmq contains the AMQP 0.9.1 transport and a Prometheus metrics
// implementation for it. Metric names are derived from the provided service
// name. Labels for each metric are documented below:
//   - messages_received_total     {queue}
//   - messages_processed_total    {queue, status}
//   - message_processing_duration_seconds {queue}
//   - consumer_lifecycle_events_total {queue, event}
//   - messages_sent_total         {exchange, status}
//   - message_publish_duration_seconds {exchange}
//   - publish_confirms_total      {exchange, status}
//   - active_consumers            no labels
//   - active_producers            no labels
//   - uptime_seconds              no labels
package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zynerotech/amqpbridge/transport"
)

var _ transport.Metrics = (*RabbitMQMetrics)(nil)

// RabbitMQMetrics provides a Prometheus metrics implementation used by the
// RabbitMQ transport and integrates with the shared metrics package.
type RabbitMQMetrics struct {
	// Consumer metrics
	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	processingTime    *prometheus.HistogramVec
	lifecycleEvents   *prometheus.CounterVec

	// Producer metrics
	messagesSent    *prometheus.CounterVec
	publishTime     *prometheus.HistogramVec
	publishConfirms *prometheus.CounterVec

	// Common metrics
	activeConsumers prometheus.Gauge
	activeProducers prometheus.Gauge
	uptime          prometheus.Gauge

	startTime time.Time
	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewRabbitMQMetrics creates a new metrics collector for the RabbitMQ
// transport. Collectors are registered with reg, or with the default
// registerer when reg is nil.
func NewRabbitMQMetrics(serviceName string, reg prometheus.Registerer) *RabbitMQMetrics {
	if serviceName == "" {
		serviceName = "rabbitmq_transport"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &RabbitMQMetrics{
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	// Consumer metrics
	m.messagesReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_messages_received_total", serviceName),
			Help: "Total number of messages delivered by the broker",
		},
		[]string{"queue"},
	)

	m.messagesProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_messages_processed_total", serviceName),
			Help: "Total number of deliveries by outcome",
		},
		// status label has values: delivered, rejected, no_handler, ack_failed, error
		[]string{"queue", "status"},
	)

	m.processingTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_message_processing_duration_seconds", serviceName),
			Help:    "Time spent in the message handler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	m.lifecycleEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_consumer_lifecycle_events_total", serviceName),
			Help: "Total number of consumer start, stop and cancel events",
		},
		[]string{"queue", "event"},
	)

	// Producer metrics
	m.messagesSent = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_messages_sent_total", serviceName),
			Help: "Total number of messages published to exchanges",
		},
		// status label has values: success, error
		[]string{"exchange", "status"},
	)

	m.publishTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_message_publish_duration_seconds", serviceName),
			Help:    "Time spent publishing messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange"},
	)

	m.publishConfirms = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_publish_confirms_total", serviceName),
			Help: "Total number of publisher confirms received",
		},
		// status label has values: ack, nack
		[]string{"exchange", "status"},
	)

	// Common metrics
	m.activeConsumers = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_active_consumers", serviceName),
			Help: "Number of active consumers",
		},
	)

	m.activeProducers = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_active_producers", serviceName),
			Help: "Number of active producers",
		},
	)

	m.uptime = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_uptime_seconds", serviceName),
			Help: "Transport uptime in seconds",
		},
	)

	go m.updateUptimeLoop()

	return m
}

// Consumer metrics
func (m *RabbitMQMetrics) IncMessagesReceived(queue string) {
	m.messagesReceived.WithLabelValues(queue).Inc()
}

func (m *RabbitMQMetrics) IncMessagesProcessed(queue string, status string) {
	m.messagesProcessed.WithLabelValues(queue, status).Inc()
}

func (m *RabbitMQMetrics) RecordProcessingTime(queue string, duration time.Duration) {
	m.processingTime.WithLabelValues(queue).Observe(duration.Seconds())
}

func (m *RabbitMQMetrics) IncLifecycleEvents(queue string, event string) {
	m.lifecycleEvents.WithLabelValues(queue, event).Inc()
}

// Producer metrics
func (m *RabbitMQMetrics) IncMessagesSent(exchange string, status string) {
	m.messagesSent.WithLabelValues(exchange, status).Inc()
}

func (m *RabbitMQMetrics) RecordPublishTime(exchange string, duration time.Duration) {
	m.publishTime.WithLabelValues(exchange).Observe(duration.Seconds())
}

func (m *RabbitMQMetrics) IncPublishConfirms(exchange string, status string) {
	m.publishConfirms.WithLabelValues(exchange, status).Inc()
}

// Common metrics
func (m *RabbitMQMetrics) SetActiveConsumers(count int) {
	m.activeConsumers.Set(float64(count))
}

func (m *RabbitMQMetrics) SetActiveProducers(count int) {
	m.activeProducers.Set(float64(count))
}

func (m *RabbitMQMetrics) RecordUptime(duration time.Duration) {
	m.uptime.Set(duration.Seconds())
}

// updateUptimeLoop updates the uptime metric every 10 seconds until Close is
// called.
func (m *RabbitMQMetrics) updateUptimeLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RecordUptime(time.Since(m.startTime))
		case <-m.stopCh:
			close(m.doneCh)
			return
		}
	}
}

// Close stops internal goroutines and releases resources.
func (m *RabbitMQMetrics) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}

	<-m.doneCh
}
