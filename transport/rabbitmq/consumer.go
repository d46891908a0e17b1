package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
)

var (
	ErrConsumerClosed         = errors.New("consumer is closed")
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// Converter transforms a delivery before it is handed to the application,
// e.g. to unwrap an encoding. A returned error fails the delivery.
type Converter func(d transport.Delivery) (transport.Delivery, error)

// connectionState reports whether the owning connection has paused delivery.
type connectionState interface {
	IsStopped() bool
}

// Consumer owns a queue subscription and the ListenerConsumer that feeds the
// application handler.
type Consumer struct {
	state   connectionState
	channel *Channel
	cfg     ConsumerConfig

	mu        sync.Mutex
	listener  *ListenerConsumer
	converter Converter
	closed    bool

	metrics transport.Metrics
	log     *logger.Logger
}

func newConsumer(state connectionState, channel *Channel, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		state:   state,
		channel: channel,
		cfg:     cfg,
		metrics: &transport.NoOpMetrics{}, // По умолчанию no-op метрики
		log:     logger.Component("rabbitmq").WithField("queue", cfg.Queue),
	}
}

// SetMetrics устанавливает интерфейс метрик
func (c *Consumer) SetMetrics(metrics transport.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
	if c.listener != nil {
		c.listener.SetMetrics(metrics)
	}
}

// SetConverter installs a delivery converter used for subsequent deliveries.
func (c *Consumer) SetConverter(conv Converter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converter = conv
}

func (c *Consumer) Queue() string {
	return c.cfg.Queue
}

func (c *Consumer) IsAutoAck() bool {
	return c.cfg.AutoAck
}

func (c *Consumer) IsConnectionStopped() bool {
	return c.state != nil && c.state.IsStopped()
}

// Consume registers pc under a fresh consumer tag.
func (c *Consumer) Consume(pc transport.PushConsumer) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrConsumerClosed
	}

	opts := ConsumeOptions{
		ConsumerTag: c.cfg.GetTagPrefix() + "-" + uuid.NewString(),
		Exclusive:   c.cfg.Exclusive,
		NoLocal:     c.cfg.NoLocal,
		Arguments:   amqp.Table(c.cfg.Arguments),
	}
	return c.channel.Consume(c.cfg.Queue, opts, pc)
}

// ConvertDelivery builds the message handed to the application. Messages that
// were not acknowledged up front are acknowledged through Message.Ack.
func (c *Consumer) ConvertDelivery(d transport.Delivery, acked bool) (*transport.Message, error) {
	if len(c.cfg.ContentTypes) > 0 && !slices.Contains(c.cfg.ContentTypes, d.Properties.ContentType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, d.Properties.ContentType)
	}

	c.mu.Lock()
	conv := c.converter
	c.mu.Unlock()
	if conv != nil {
		converted, err := conv(d)
		if err != nil {
			return nil, err
		}
		d = converted
	}

	dtag := d.Envelope.DeliveryTag
	return transport.NewMessage(d, c.cfg.Queue, acked, func() error {
		return c.channel.Ack(dtag, false)
	}), nil
}

// SetMessageListener replaces the application handler. A previous listener is
// stopped first. The new listener starts right away unless the connection is
// stopped, in which case it starts with the connection.
func (c *Consumer) SetMessageListener(ctx context.Context, handler transport.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	previous := c.listener
	c.listener = nil
	c.mu.Unlock()

	if previous != nil {
		if err := previous.Stop(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Previous listener did not stop cleanly, aborting it")
			previous.Abort()
		}
	}

	if handler == nil {
		return nil
	}

	listener := NewListenerConsumer(c, c.channel, handler, c.cfg.GetTerminationTimeout())

	c.mu.Lock()
	listener.SetMetrics(c.metrics)
	c.listener = listener
	c.mu.Unlock()

	if !c.IsConnectionStopped() {
		listener.Start()
	}
	return nil
}

// Listener returns the current listener, nil when none is set.
func (c *Consumer) Listener() *ListenerConsumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Start (re)registers the current listener.
func (c *Consumer) Start() {
	if l := c.Listener(); l != nil {
		l.Start()
	}
}

// Stop gracefully cancels the current listener's subscription.
func (c *Consumer) Stop(ctx context.Context) error {
	if l := c.Listener(); l != nil {
		return l.Stop(ctx)
	}
	return nil
}

// Abort cancels the current listener's subscription without waiting.
func (c *Consumer) Abort() {
	if l := c.Listener(); l != nil {
		l.Abort()
	}
}

// Status describes the consumer for health and admin endpoints.
type Status struct {
	Queue       string `json:"queue"`
	ConsumerTag string `json:"consumer_tag"`
	State       string `json:"state"`
	Rejecting   bool   `json:"rejecting"`
	AutoAck     bool   `json:"auto_ack"`
}

// Status returns a snapshot of the consumer state.
func (c *Consumer) Status() Status {
	st := Status{
		Queue:   c.cfg.Queue,
		State:   transport.StateIdle.String(),
		AutoAck: c.cfg.AutoAck,
	}
	if l := c.Listener(); l != nil {
		st.ConsumerTag = l.ConsumerTag()
		st.State = l.State().String()
		st.Rejecting = l.IsRejecting()
	}
	return st
}

// Close aborts the listener and closes the consumer's channel.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.Abort()
	}

	if err := c.channel.Close(); err != nil {
		c.log.Error().Err(err).Msg("Error closing consumer channel")
		return fmt.Errorf("failed to close channel: %w", err)
	}
	c.channel.Wait()

	c.log.Info().Msg("Consumer closed successfully")
	return nil
}
