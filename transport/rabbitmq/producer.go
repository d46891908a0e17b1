package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
)

var ErrProducerClosed = errors.New("producer is closed")

const confirmBuffer = 256

var _ transport.Producer = (*Producer)(nil)

// Producer publishes messages on a dedicated channel. With confirms enabled
// every registered transport.PublishListener learns the sequence number of a
// message before it is sent, and outstanding confirms are tracked until the
// broker acks or nacks them.
type Producer struct {
	channel           *Channel
	defaultExchange   string
	defaultRoutingKey string
	mandatory         bool
	confirms          bool

	mu        sync.RWMutex
	listeners []transport.PublishListener
	onConfirm func(seq uint64, acked bool)
	metrics   transport.Metrics
	closed    bool

	pendingMu sync.Mutex
	pending   map[uint64]string // seq -> exchange
	drained   *transport.Completion
	confirmWG sync.WaitGroup

	log *logger.Logger
}

func newProducer(ch *Channel, cfg ProducerConfig) (*Producer, error) {
	p := &Producer{
		channel:           ch,
		defaultExchange:   cfg.Exchange,
		defaultRoutingKey: cfg.RoutingKey,
		mandatory:         cfg.Mandatory,
		confirms:          cfg.Confirms,
		metrics:           &transport.NoOpMetrics{}, // По умолчанию no-op метрики
		pending:           make(map[uint64]string),
		drained:           transport.NewCompletion(),
		log:               logger.Component("rabbitmq").WithField("exchange", cfg.Exchange),
	}
	p.drained.Complete()

	if cfg.Confirms {
		confirmations, err := ch.Confirm(confirmBuffer)
		if err != nil {
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
		p.confirmWG.Add(1)
		go p.handleConfirms(confirmations)
	}

	return p, nil
}

// SetMetrics устанавливает интерфейс метрик
func (p *Producer) SetMetrics(metrics transport.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = metrics
}

// AddPublishListener registers l. Listeners are only called in confirm mode.
func (p *Producer) AddPublishListener(l transport.PublishListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// OnConfirm sets a callback for broker confirmations.
func (p *Producer) OnConfirm(fn func(seq uint64, acked bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConfirm = fn
}

// Publish sends msg to exchange with routingKey. Empty values fall back to
// the configured defaults.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, msg *transport.Publishing) error {
	if msg == nil {
		return errors.New("publishing is nil")
	}

	start := time.Now()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	if exchange == "" {
		exchange = p.defaultExchange
	}
	if routingKey == "" {
		routingKey = p.defaultRoutingKey
	}
	listeners := p.listeners
	metrics := p.metrics
	p.mu.RUnlock()

	if p.mandatory && !msg.Mandatory {
		mandatory := *msg
		mandatory.Mandatory = true
		msg = &mandatory
	}

	// Измеряем время публикации
	defer func() {
		metrics.RecordPublishTime(exchange, time.Since(start))
	}()

	var beforePublish func(seq uint64)
	if p.confirms {
		beforePublish = func(seq uint64) {
			p.track(seq, exchange)
			for _, l := range listeners {
				l.Published(msg, seq)
			}
		}
	}

	seq, err := p.channel.Publish(ctx, exchange, routingKey, msg, beforePublish)
	if err != nil {
		if p.confirms {
			p.untrack(seq)
		}
		metrics.IncMessagesSent(exchange, "error")
		return fmt.Errorf("publish to %q: %w", exchange, err)
	}

	metrics.IncMessagesSent(exchange, "success")
	return nil
}

func (p *Producer) track(seq uint64, exchange string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if len(p.pending) == 0 {
		p.drained = transport.NewCompletion()
	}
	p.pending[seq] = exchange
}

func (p *Producer) untrack(seq uint64) (string, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	exchange, ok := p.pending[seq]
	if !ok {
		return "", false
	}
	delete(p.pending, seq)
	if len(p.pending) == 0 {
		p.drained.Complete()
	}
	return exchange, true
}

// Outstanding returns the number of messages awaiting a broker confirm.
func (p *Producer) Outstanding() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// WaitForConfirms blocks until every message published so far is confirmed.
func (p *Producer) WaitForConfirms(ctx context.Context) error {
	p.pendingMu.Lock()
	drained := p.drained
	p.pendingMu.Unlock()
	return drained.Wait(ctx)
}

func (p *Producer) handleConfirms(confirmations <-chan amqp.Confirmation) {
	defer p.confirmWG.Done()

	for confirm := range confirmations {
		exchange, ok := p.untrack(confirm.DeliveryTag)
		if !ok {
			exchange = p.defaultExchange
		}

		p.mu.RLock()
		metrics := p.metrics
		onConfirm := p.onConfirm
		p.mu.RUnlock()

		if confirm.Ack {
			metrics.IncPublishConfirms(exchange, "ack")
		} else {
			metrics.IncPublishConfirms(exchange, "nack")
			p.log.Warn().Uint64("sequence_number", confirm.DeliveryTag).Msg("Broker nacked published message")
		}
		if onConfirm != nil {
			onConfirm(confirm.DeliveryTag, confirm.Ack)
		}
	}

	// Unconfirmed messages will never be confirmed once the channel is gone
	p.pendingMu.Lock()
	if n := len(p.pending); n > 0 {
		p.log.Warn().Int("outstanding", n).Msg("Channel closed with unconfirmed messages")
		clear(p.pending)
		p.drained.Complete()
	}
	p.pendingMu.Unlock()
}

// Close выполняет graceful shutdown producer
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.log.Info().Msg("Closing producer...")

	if err := p.channel.Close(); err != nil {
		p.log.Error().Err(err).Msg("Error closing producer channel")
		return fmt.Errorf("failed to close channel: %w", err)
	}
	p.confirmWG.Wait()

	p.log.Info().Msg("Producer closed successfully")
	return nil
}
