package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
)

var ErrConnectionClosed = errors.New("connection is closed")

// amqpConnection is the subset of *amqp.Connection used by Connection.
type amqpConnection interface {
	IsClosed() bool
	Close() error
}

var _ amqpConnection = (*amqp.Connection)(nil)

// Connection owns an AMQP connection, the channels opened on it and the
// started/stopped flag consulted by its consumers.
type Connection struct {
	conn        amqpConnection
	openChannel func() (amqpChannel, error)

	stopped atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	consumers []*Consumer
	producers []*Producer

	metrics transport.Metrics
	log     *logger.Logger
}

// Dial connects to the broker described by cfg.
func Dial(cfg Config) (*Connection, error) {
	return DialContext(context.Background(), cfg)
}

// DialContext connects to the broker, retrying failed attempts according to
// cfg.Retry. Rejected credentials or vhost are not retried.
func DialContext(ctx context.Context, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rabbitmq config: %w", err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	amqpCfg := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	}

	log := logger.Component("rabbitmq")
	var conn *amqp.Connection
	err := transport.Retry(ctx, cfg.Retry, func(attempt int) error {
		if attempt > 0 {
			log.Warn().Int("attempt", attempt).Str("address", redactedAddress(cfg)).Msg("Retrying RabbitMQ connection")
		}
		var err error
		conn, err = amqp.DialConfig(cfg.dialURL(), amqpCfg)
		return classifyDialError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	c := newConnection(conn, func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
	go c.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))

	c.log.Info().Str("address", redactedAddress(cfg)).Msg("Connected to RabbitMQ")
	return c, nil
}

// classifyDialError marks failures that a new attempt cannot fix.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	switch {
	case errors.Is(err, amqp.ErrCredentials), errors.Is(err, amqp.ErrVhost), errors.Is(err, amqp.ErrSASL):
		return transport.NewNonRetryableError(err)
	case errors.As(err, &amqpErr) && (amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotAllowed):
		return transport.NewNonRetryableError(err)
	}
	return err
}

func newConnection(conn amqpConnection, openChannel func() (amqpChannel, error)) *Connection {
	return &Connection{
		conn:        conn,
		openChannel: openChannel,
		metrics:     &transport.NoOpMetrics{}, // По умолчанию no-op метрики
		log:         logger.Component("rabbitmq"),
	}
}

func (c *Connection) watchClose(closes <-chan *amqp.Error) {
	if reason, ok := <-closes; ok && reason != nil {
		c.log.Error().
			Int("code", reason.Code).
			Str("reason", reason.Reason).
			Bool("server", reason.Server).
			Msg("Connection closed by broker")
	}
}

// SetMetrics устанавливает интерфейс метрик для соединения и всех созданных им клиентов
func (c *Connection) SetMetrics(metrics transport.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
	for _, consumer := range c.consumers {
		consumer.SetMetrics(metrics)
	}
	for _, producer := range c.producers {
		producer.SetMetrics(metrics)
	}
}

// NewChannel opens a new channel on the connection.
func (c *Connection) NewChannel() (*Channel, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	ch, err := c.openChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return newChannel(ch), nil
}

// NewConsumer opens a dedicated channel for cfg.Queue and returns its consumer.
// A listener must be attached with SetMessageListener before messages flow.
func (c *Connection) NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ch, err := c.NewChannel()
	if err != nil {
		return nil, err
	}
	if cfg.PrefetchCount > 0 || cfg.PrefetchSize > 0 {
		if err := ch.Qos(cfg.PrefetchCount, cfg.PrefetchSize); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	consumer := newConsumer(c, ch, cfg)

	c.mu.Lock()
	consumer.SetMetrics(c.metrics)
	c.consumers = append(c.consumers, consumer)
	c.metrics.SetActiveConsumers(len(c.consumers))
	c.mu.Unlock()

	return consumer, nil
}

// NewProducer opens a dedicated channel for publishing.
func (c *Connection) NewProducer(cfg ProducerConfig) (*Producer, error) {
	ch, err := c.NewChannel()
	if err != nil {
		return nil, err
	}

	producer, err := newProducer(ch, cfg)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.mu.Lock()
	producer.SetMetrics(c.metrics)
	c.producers = append(c.producers, producer)
	c.metrics.SetActiveProducers(len(c.producers))
	c.mu.Unlock()

	return producer, nil
}

// Consumers returns the consumers created on this connection.
func (c *Connection) Consumers() []*Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Consumer(nil), c.consumers...)
}

// IsStopped reports whether message delivery is paused.
func (c *Connection) IsStopped() bool {
	return c.stopped.Load()
}

// Stop pauses delivery: every consumer's listener is stopped gracefully.
// Listeners attached while stopped start with the next Start.
func (c *Connection) Stop(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, consumer := range c.Consumers() {
		if err := consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", consumer.Queue(), err))
		}
	}
	return errors.Join(errs...)
}

// Start resumes delivery for every consumer with a listener.
func (c *Connection) Start() {
	if !c.stopped.CompareAndSwap(true, false) {
		return
	}
	for _, consumer := range c.Consumers() {
		consumer.Start()
	}
}

// Check reports the first problem preventing delivery: a closed connection
// or channel, or a listener that lost its subscription while the connection
// is started.
func (c *Connection) Check(ctx context.Context) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	for _, consumer := range c.Consumers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if consumer.channel.IsClosed() {
			return fmt.Errorf("queue %s: %w", consumer.Queue(), transport.ErrChannelClosed)
		}
		if c.IsStopped() {
			continue
		}
		if l := consumer.Listener(); l != nil && l.State() == transport.StateCancelled {
			return fmt.Errorf("queue %s: consumer is not subscribed", consumer.Queue())
		}
	}
	return nil
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.conn.IsClosed()
}

// Close aborts every consumer, closes producers and then the connection.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.log.Info().Msg("Closing RabbitMQ connection...")

	c.mu.Lock()
	consumers := c.consumers
	producers := c.producers
	c.consumers = nil
	c.producers = nil
	c.metrics.SetActiveConsumers(0)
	c.metrics.SetActiveProducers(0)
	c.mu.Unlock()

	var errs []error
	for _, consumer := range consumers {
		consumer.channel.markClosedByApplication()
		if err := consumer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, producer := range producers {
		producer.channel.markClosedByApplication()
		if err := producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.log.Error().Err(err).Msg("Error closing RabbitMQ connection")
		return err
	}
	c.log.Info().Msg("RabbitMQ connection closed successfully")
	return nil
}

func redactedAddress(cfg Config) string {
	if cfg.URL != "" {
		if uri, err := amqp.ParseURI(cfg.URL); err == nil {
			return net.JoinHostPort(uri.Host, fmt.Sprint(uri.Port))
		}
		return "<invalid url>"
	}
	return cfg.Address
}
