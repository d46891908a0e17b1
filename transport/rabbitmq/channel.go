package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
)

// amqpChannel is the subset of *amqp.Channel used by the transport.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Recover(requeue bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

var _ amqpChannel = (*amqp.Channel)(nil)

// ConsumeOptions configures a push consumer registration.
type ConsumeOptions struct {
	ConsumerTag string
	Exclusive   bool
	NoLocal     bool
	Arguments   amqp.Table
}

// Channel adapts an AMQP channel to transport.Channel and runs one dispatch
// goroutine per registration that drives a transport.PushConsumer.
type Channel struct {
	ch amqpChannel
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	regsMu sync.Mutex
	regs   map[string]*registration

	closedByApp atomic.Bool
	reasonMu    sync.RWMutex
	reason      *amqp.Error

	log *logger.Logger
}

type registration struct {
	tag             string
	consumer        transport.PushConsumer
	cancelRequested atomic.Bool
	recovered       chan struct{}
}

func newChannel(ch amqpChannel) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		ch:     ch,
		ctx:    ctx,
		cancel: cancel,
		regs:   make(map[string]*registration),
		log:    logger.Component("rabbitmq"),
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchClose(closes)

	return c
}

func (c *Channel) watchClose(closes <-chan *amqp.Error) {
	reason, ok := <-closes
	if ok && reason != nil {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		c.log.Warn().
			Int("code", reason.Code).
			Str("reason", reason.Reason).
			Bool("server", reason.Server).
			Msg("Channel closed")
	}
	c.cancel()
}

// closeReason returns the broker's close reason, nil for a local close.
func (c *Channel) closeReason() error {
	c.reasonMu.RLock()
	defer c.reasonMu.RUnlock()
	if c.reason == nil {
		return nil
	}
	return c.reason
}

func (c *Channel) mapError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) || (errors.As(err, &amqpErr) && c.ch.IsClosed()) {
		return transport.NewChannelClosedError(c.closedByApp.Load(), err)
	}
	return err
}

// Qos limits unacknowledged deliveries on the channel.
func (c *Channel) Qos(prefetchCount, prefetchSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapError(c.ch.Qos(prefetchCount, prefetchSize, false))
}

// Consume registers consumer for queue. The broker never acknowledges on
// our behalf; acknowledgement is decided by the consumer.
func (c *Channel) Consume(queue string, opts ConsumeOptions, consumer transport.PushConsumer) (string, error) {
	if opts.ConsumerTag == "" {
		return "", fmt.Errorf("consumer tag is required")
	}

	c.mu.Lock()
	deliveries, err := c.ch.Consume(queue, opts.ConsumerTag, false, opts.Exclusive, opts.NoLocal, false, opts.Arguments)
	c.mu.Unlock()
	if err != nil {
		return "", c.mapError(err)
	}

	reg := &registration{
		tag:       opts.ConsumerTag,
		consumer:  consumer,
		recovered: make(chan struct{}, 1),
	}
	c.regsMu.Lock()
	c.regs[reg.tag] = reg
	c.regsMu.Unlock()

	c.wg.Add(1)
	go c.dispatch(reg, deliveries)

	return reg.tag, nil
}

// dispatch delivers broker events for one registration, strictly in order.
func (c *Channel) dispatch(reg *registration, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	defer func() {
		c.regsMu.Lock()
		delete(c.regs, reg.tag)
		c.regsMu.Unlock()
	}()

	reg.consumer.HandleConsumeOk(reg.tag)

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.finish(reg)
				return
			}
			env, props := fromDelivery(d)
			if err := reg.consumer.HandleDelivery(c.ctx, reg.tag, env, props, d.Body); err != nil {
				c.log.Error().
					Err(err).
					Str("consumer_tag", reg.tag).
					Uint64("delivery_tag", d.DeliveryTag).
					Msg("Consumer failed to handle delivery, closing channel")
				// Closing the channel requeues everything left unacknowledged
				if closeErr := c.Close(); closeErr != nil {
					c.log.Error().Err(closeErr).Msg("Failed to close channel after delivery failure")
				}
			}
		case <-reg.recovered:
			reg.consumer.HandleRecoverOk(reg.tag)
		}
	}
}

func (c *Channel) finish(reg *registration) {
	closed := c.ch.IsClosed()
	switch {
	case reg.cancelRequested.Load() && !closed:
		reg.consumer.HandleCancelOk(reg.tag)
	case closed:
		reg.consumer.HandleShutdownSignal(reg.tag, transport.NewChannelClosedError(c.closedByApp.Load(), c.closeReason()))
	default:
		if err := reg.consumer.HandleCancel(reg.tag); err != nil {
			c.log.Error().Err(err).Str("consumer_tag", reg.tag).Msg("Consumer failed to handle broker cancel")
		}
	}
}

// Cancel asks the broker to cancel a registration. The consumer is told via
// HandleCancelOk on its dispatch goroutine.
func (c *Channel) Cancel(consumerTag string) error {
	c.regsMu.Lock()
	reg, ok := c.regs[consumerTag]
	c.regsMu.Unlock()
	if ok {
		reg.cancelRequested.Store(true)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapError(c.ch.Cancel(consumerTag, false))
}

func (c *Channel) Ack(deliveryTag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapError(c.ch.Ack(deliveryTag, multiple))
}

func (c *Channel) Nack(deliveryTag uint64, multiple bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapError(c.ch.Nack(deliveryTag, multiple, requeue))
}

// Recover redelivers unacknowledged messages and notifies active consumers.
func (c *Channel) Recover(requeue bool) error {
	c.mu.Lock()
	err := c.ch.Recover(requeue)
	c.mu.Unlock()
	if err != nil {
		return c.mapError(err)
	}

	c.regsMu.Lock()
	for _, reg := range c.regs {
		select {
		case reg.recovered <- struct{}{}:
		default:
		}
	}
	c.regsMu.Unlock()
	return nil
}

// Confirm puts the channel into publisher confirm mode and returns the
// channel confirmations are delivered on.
func (c *Channel) Confirm(buffer int) (<-chan amqp.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Confirm(false); err != nil {
		return nil, c.mapError(err)
	}
	return c.ch.NotifyPublish(make(chan amqp.Confirmation, buffer)), nil
}

// Publish sends p. The sequence number is the one the broker will confirm and
// is only meaningful in confirm mode. beforePublish runs with it before the
// message goes on the wire.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, p *transport.Publishing, beforePublish func(seq uint64)) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.ch.GetNextPublishSeqNo()
	if beforePublish != nil {
		beforePublish(seq)
	}
	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, p.Mandatory, false, toPublishing(p)); err != nil {
		return seq, c.mapError(err)
	}
	return seq, nil
}

// IsClosed reports whether the underlying channel is closed.
func (c *Channel) IsClosed() bool {
	return c.ch.IsClosed()
}

// Close closes the channel. Operations failing afterwards report a channel
// closed by the application.
func (c *Channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	c.closedByApp.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// Wait blocks until every dispatch goroutine has finished.
func (c *Channel) Wait() {
	c.wg.Wait()
}

// markClosedByApplication is used by the connection when it closes its channels.
func (c *Channel) markClosedByApplication() {
	c.closedByApp.Store(true)
}

func fromDelivery(d amqp.Delivery) (transport.Envelope, transport.Properties) {
	env := transport.Envelope{
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
	}
	props := transport.Properties{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         map[string]any(d.Headers),
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserID:          d.UserId,
		AppID:           d.AppId,
	}
	return env, props
}

func toPublishing(p *transport.Publishing) amqp.Publishing {
	return amqp.Publishing{
		Headers:         amqp.Table(p.Properties.Headers),
		ContentType:     p.Properties.ContentType,
		ContentEncoding: p.Properties.ContentEncoding,
		DeliveryMode:    p.Properties.DeliveryMode,
		Priority:        p.Properties.Priority,
		CorrelationId:   p.Properties.CorrelationID,
		ReplyTo:         p.Properties.ReplyTo,
		Expiration:      p.Properties.Expiration,
		MessageId:       p.Properties.MessageID,
		Timestamp:       p.Properties.Timestamp,
		Type:            p.Properties.Type,
		UserId:          p.Properties.UserID,
		AppId:           p.Properties.AppID,
		Body:            p.Body,
	}
}
