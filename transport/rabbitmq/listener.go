package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
)

// Owner is the message consumer a ListenerConsumer belongs to.
type Owner interface {
	// Queue returns the name of the consumed queue.
	Queue() string
	// IsAutoAck reports whether messages are acknowledged before the handler runs.
	IsAutoAck() bool
	// IsConnectionStopped reports whether delivery is paused on the connection.
	IsConnectionStopped() bool
	// Consume registers pc with the broker as a push consumer.
	Consume(pc transport.PushConsumer) (string, error)
	// ConvertDelivery builds the application message for a delivery.
	ConvertDelivery(d transport.Delivery, acked bool) (*transport.Message, error)
}

// ListenerConsumer bridges broker pushed deliveries to a synchronous
// application handler. Broker callbacks arrive serially on the channel's
// dispatch goroutine while Start, Stop and Abort may be called from any
// goroutine; the two sides meet on a per-cycle Completion.
type ListenerConsumer struct {
	owner              Owner
	channel            transport.Channel
	handler            transport.Handler
	autoAck            bool
	terminationTimeout time.Duration

	consumerTag atomic.Value // string, "" when unset
	rejecting   atomic.Bool
	completion  atomic.Pointer[transport.Completion]
	state       atomic.Int32

	metrics transport.Metrics
	log     *logger.Logger
}

// NewListenerConsumer creates a bridge for owner that delivers to handler.
// terminationTimeout bounds how long Stop waits for the broker to confirm cancellation.
func NewListenerConsumer(owner Owner, channel transport.Channel, handler transport.Handler, terminationTimeout time.Duration) *ListenerConsumer {
	l := &ListenerConsumer{
		owner:              owner,
		channel:            channel,
		handler:            handler,
		autoAck:            owner.IsAutoAck(),
		terminationTimeout: terminationTimeout,
		metrics:            &transport.NoOpMetrics{},
		log:                logger.Component("rabbitmq"),
	}
	l.consumerTag.Store("")
	l.completion.Store(transport.NewCompletion())
	l.rejecting.Store(owner.IsConnectionStopped())
	l.state.Store(int32(transport.StateIdle))
	return l
}

// SetMetrics устанавливает интерфейс метрик
func (l *ListenerConsumer) SetMetrics(metrics transport.Metrics) {
	l.metrics = metrics
}

// SetLogger overrides the component logger.
func (l *ListenerConsumer) SetLogger(log *logger.Logger) {
	l.log = log
}

// ConsumerTag returns the broker assigned consumer tag or "" when not registered.
func (l *ListenerConsumer) ConsumerTag() string {
	return l.consumerTag.Load().(string)
}

// IsRejecting reports whether incoming deliveries are currently requeued unseen.
func (l *ListenerConsumer) IsRejecting() bool {
	return l.rejecting.Load()
}

// State returns the current lifecycle state.
func (l *ListenerConsumer) State() transport.ConsumerState {
	return transport.ConsumerState(l.state.Load())
}

// Completion returns the completion of the current cycle.
func (l *ListenerConsumer) Completion() *transport.Completion {
	return l.completion.Load()
}

func (l *ListenerConsumer) queue() string {
	return l.owner.Queue()
}

// Start registers the listener with the broker. A fresh Completion is
// allocated for every cycle so waiters of a previous cycle are never
// confused with this one.
func (l *ListenerConsumer) Start() {
	if l.State() == transport.StateActive && l.ConsumerTag() != "" {
		l.log.Warn().Str("consumer_tag", l.ConsumerTag()).Msg("Listener already registered, ignoring start")
		return
	}

	l.log.Debug().Str("queue", l.queue()).Msg("Starting listener")

	l.rejecting.Store(false)
	l.consumerTag.Store("")
	completion := transport.NewCompletion()
	l.completion.Store(completion)
	l.state.Store(int32(transport.StateRegistering))

	tag, err := l.owner.Consume(l)
	if err != nil {
		completion.Complete()
		l.state.Store(int32(transport.StateCancelled))
		l.metrics.IncLifecycleEvents(l.queue(), "start_failed")
		l.log.Error().Err(err).Str("queue", l.queue()).Msg("Failed to register listener with broker")
		return
	}
	// Consume returns after consume-ok, so the tag is known here even if
	// HandleConsumeOk has not run yet. A cycle that already ended keeps no tag.
	if l.State() != transport.StateCancelled {
		l.consumerTag.CompareAndSwap("", tag)
	}
	l.metrics.IncLifecycleEvents(l.queue(), "start")
}

// HandleConsumeOk records the consumer tag assigned by the broker.
func (l *ListenerConsumer) HandleConsumeOk(consumerTag string) {
	l.log.Debug().Str("consumer_tag", consumerTag).Msg("handleConsumeOk")
	l.consumerTag.Store(consumerTag)
	l.state.CompareAndSwap(int32(transport.StateRegistering), int32(transport.StateActive))
}

// HandleCancelOk ends the current cycle after a requested cancellation.
func (l *ListenerConsumer) HandleCancelOk(consumerTag string) {
	l.log.Debug().Str("consumer_tag", consumerTag).Msg("handleCancelOk")
	if l.endCycle(consumerTag) {
		l.metrics.IncLifecycleEvents(l.queue(), "cancel_ok")
	}
}

// HandleCancel ends the current cycle after the broker cancelled the
// subscription on its own, e.g. because the queue was deleted. The listener
// does not register again by itself.
func (l *ListenerConsumer) HandleCancel(consumerTag string) error {
	l.log.Info().Str("consumer_tag", consumerTag).Msg("Subscription cancelled by broker")
	if l.endCycle(consumerTag) {
		l.metrics.IncLifecycleEvents(l.queue(), "broker_cancel")
	}
	return nil
}

// endCycle clears the tag and signals the current completion. Notifications
// for a tag that is no longer current belong to an earlier cycle and are ignored.
func (l *ListenerConsumer) endCycle(consumerTag string) bool {
	current := l.ConsumerTag()
	if consumerTag != "" && current != consumerTag {
		if current != "" || l.State() == transport.StateRegistering {
			l.log.Debug().
				Str("consumer_tag", consumerTag).
				Str("current_tag", current).
				Msg("Ignoring cancellation of a previous registration")
			return false
		}
	}

	l.consumerTag.Store("")
	l.state.Store(int32(transport.StateCancelled))
	l.completion.Load().Complete()
	return true
}

// HandleDelivery hands one delivery to the application handler.
func (l *ListenerConsumer) HandleDelivery(ctx context.Context, consumerTag string, env transport.Envelope, props transport.Properties, body []byte) error {
	// Delivery may overtake consume-ok
	l.consumerTag.CompareAndSwap("", consumerTag)

	queue := l.queue()
	dtag := env.DeliveryTag
	l.metrics.IncMessagesReceived(queue)

	if l.rejecting.Load() {
		l.metrics.IncMessagesProcessed(queue, transport.StatusRejected)
		return l.requeue(consumerTag, dtag, "rejecting")
	}

	if l.handler == nil {
		l.metrics.IncMessagesProcessed(queue, transport.StatusNoHandler)
		return l.requeue(consumerTag, dtag, "no handler")
	}

	acked := false
	if l.autoAck {
		if err := l.channel.Ack(dtag, false); err != nil {
			if transport.IsChannelClosed(err) {
				// The message cannot be acknowledged, so it is not handed to the
				// application. The broker may redeliver it later.
				l.metrics.IncMessagesProcessed(queue, transport.StatusAckFailed)
				l.log.Warn().
					Err(err).
					Str("consumer_tag", consumerTag).
					Uint64("delivery_tag", dtag).
					Msg("Channel closed before delivery could be acknowledged, message not delivered")
				return nil
			}
			l.metrics.IncMessagesProcessed(queue, transport.StatusError)
			return transport.NewDeliveryError(dtag, fmt.Errorf("ack: %w", err))
		}
		acked = true
	}

	start := time.Now()
	defer func() {
		l.metrics.RecordProcessingTime(queue, time.Since(start))
	}()

	msg, err := l.owner.ConvertDelivery(transport.NewDelivery(env, props, body), acked)
	if err != nil {
		l.metrics.IncMessagesProcessed(queue, transport.StatusError)
		l.log.Error().Err(err).Uint64("delivery_tag", dtag).Msg("Failed to convert delivery")
		return transport.NewDeliveryError(dtag, fmt.Errorf("convert: %w", err))
	}

	if err := l.handler.Handle(ctx, msg); err != nil {
		l.metrics.IncMessagesProcessed(queue, transport.StatusError)
		l.log.Error().
			Err(err).
			Str("consumer_tag", consumerTag).
			Uint64("delivery_tag", dtag).
			Msg("Message handler failed")
		return transport.NewDeliveryError(dtag, fmt.Errorf("handler: %w", err))
	}

	l.metrics.IncMessagesProcessed(queue, transport.StatusDelivered)
	return nil
}

// requeue returns a delivery to the queue without running the handler.
// A closed channel is fine here: the message was never acknowledged.
func (l *ListenerConsumer) requeue(consumerTag string, dtag uint64, reason string) error {
	l.log.Debug().
		Str("consumer_tag", consumerTag).
		Uint64("delivery_tag", dtag).
		Str("reason", reason).
		Msg("basicNack")

	if err := l.channel.Nack(dtag, false, true); err != nil {
		if transport.IsChannelClosed(err) {
			l.log.Debug().Err(err).Uint64("delivery_tag", dtag).Msg("Channel closed, nack skipped")
			return nil
		}
		return transport.NewDeliveryError(dtag, fmt.Errorf("nack: %w", err))
	}
	return nil
}

// HandleShutdownSignal marks the registration as gone so a later Start
// registers again. The Completion is left alone and resubscription belongs
// to the owner.
func (l *ListenerConsumer) HandleShutdownSignal(consumerTag string, cause error) {
	l.log.Debug().Err(cause).Str("consumer_tag", consumerTag).Msg("handleShutdownSignal")

	current := l.ConsumerTag()
	if current != "" && consumerTag != "" && current != consumerTag {
		return
	}
	l.consumerTag.CompareAndSwap(current, "")
	l.state.Store(int32(transport.StateCancelled))
}

// HandleRecoverOk is informational.
func (l *ListenerConsumer) HandleRecoverOk(consumerTag string) {
	l.log.Debug().Str("consumer_tag", consumerTag).Msg("handleRecoverOk")
}

// Abort ends the cycle without waiting for the broker. Cancellation is
// requested on a best-effort basis; after Abort every delivery is requeued.
func (l *ListenerConsumer) Abort() {
	completion := l.completion.Load()
	tag := l.ConsumerTag()

	l.log.Debug().Str("consumer_tag", tag).Msg("abort")

	if tag != "" {
		if err := l.channel.Cancel(tag); err != nil {
			l.log.Warn().Err(err).Str("consumer_tag", tag).Msg("basicCancel failed during abort")
		}
	}

	l.rejecting.Store(true)
	completion.Complete()
	l.state.Store(int32(transport.StateCancelled))
	l.metrics.IncLifecycleEvents(l.queue(), "abort")
}

// Stop cancels the subscription and waits up to the termination timeout for
// the broker to confirm. When the wait runs out the returned error matches
// transport.ErrInterrupted and transport.ErrTimeout; the cancellation request
// itself stays outstanding. A channel closed by the application counts as a
// successful stop.
func (l *ListenerConsumer) Stop(ctx context.Context) error {
	completion := l.completion.Load()
	tag := l.ConsumerTag()

	l.log.Debug().Str("consumer_tag", tag).Msg("stop")

	if tag == "" {
		return nil
	}

	l.state.Store(int32(transport.StateCancelling))
	l.metrics.IncLifecycleEvents(l.queue(), "stop")

	if err := l.channel.Cancel(tag); err != nil {
		if transport.IsChannelClosed(err) {
			if transport.IsClosedByApplication(err) {
				l.log.Debug().Err(err).Str("consumer_tag", tag).Msg("Channel closed by application, listener stopped")
				l.state.Store(int32(transport.StateCancelled))
				return nil
			}
			l.log.Error().Err(err).Str("consumer_tag", tag).Msg("basicCancel failed, channel closed")
			return err
		}
		l.log.Warn().Err(err).Str("consumer_tag", tag).Msg("basicCancel failed")
		return nil
	}

	if err := completion.WaitTimeout(ctx, l.terminationTimeout); err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			l.metrics.IncLifecycleEvents(l.queue(), "stop_timeout")
			l.log.Warn().
				Str("consumer_tag", tag).
				Dur("timeout", l.terminationTimeout).
				Msg("Broker did not confirm cancellation in time")
			return fmt.Errorf("%w: %w", transport.ErrInterrupted, err)
		}
		return err
	}
	return nil
}
