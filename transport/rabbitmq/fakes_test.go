package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zynerotech/amqpbridge/transport"
)

// fakeOwner implements Owner for listener tests.
type fakeOwner struct {
	queue      string
	autoAck    bool
	stopped    bool
	consumeErr error
	convertErr error
	tagless    bool

	mu        sync.Mutex
	consumed  []transport.PushConsumer
	nextTag   int
	converted int
}

func (o *fakeOwner) Queue() string             { return o.queue }
func (o *fakeOwner) IsAutoAck() bool           { return o.autoAck }
func (o *fakeOwner) IsConnectionStopped() bool { return o.stopped }

func (o *fakeOwner) Consume(pc transport.PushConsumer) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.consumeErr != nil {
		return "", o.consumeErr
	}
	o.nextTag++
	o.consumed = append(o.consumed, pc)
	if o.tagless {
		return "", nil
	}
	return fmt.Sprintf("ctag-%d", o.nextTag), nil
}

func (o *fakeOwner) ConvertDelivery(d transport.Delivery, acked bool) (*transport.Message, error) {
	o.mu.Lock()
	o.converted++
	o.mu.Unlock()
	if o.convertErr != nil {
		return nil, o.convertErr
	}
	return transport.NewMessage(d, o.queue, acked, nil), nil
}

func (o *fakeOwner) consumeCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.consumed)
}

// fakeChannel implements transport.Channel and records every call in order.
type fakeChannel struct {
	mu        sync.Mutex
	calls     []string
	ackErr    error
	nackErr   error
	cancelErr error
	onCancel  func(tag string)
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeChannel) Cancel(consumerTag string) error {
	c.record("cancel:" + consumerTag)
	if c.onCancel != nil {
		c.onCancel(consumerTag)
	}
	return c.cancelErr
}

func (c *fakeChannel) Ack(deliveryTag uint64, multiple bool) error {
	c.record(fmt.Sprintf("ack:%d:%t", deliveryTag, multiple))
	return c.ackErr
}

func (c *fakeChannel) Nack(deliveryTag uint64, multiple bool, requeue bool) error {
	c.record(fmt.Sprintf("nack:%d:%t:%t", deliveryTag, multiple, requeue))
	return c.nackErr
}

// recordCall lets handlers interleave with channel calls in the same log.
func (c *fakeChannel) recordCall(call string) {
	c.record(call)
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeAMQPChannel implements amqpChannel with in-memory delivery queues.
type fakeAMQPChannel struct {
	mu sync.Mutex

	closed     bool
	confirming bool
	published  uint64
	qos        [2]int
	recovered  int

	consumers map[string]chan amqp.Delivery
	closes    []chan *amqp.Error
	confirms  []chan amqp.Confirmation
	acks      []uint64
	nacks     []uint64
	cancels   []string
	sent      []amqp.Publishing

	consumeErr error
	publishErr error
}

var _ amqpChannel = (*fakeAMQPChannel)(nil)

func newFakeAMQPChannel() *fakeAMQPChannel {
	return &fakeAMQPChannel{consumers: make(map[string]chan amqp.Delivery)}
}

func (f *fakeAMQPChannel) Qos(prefetchCount, prefetchSize int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.qos = [2]int{prefetchCount, prefetchSize}
	return nil
}

func (f *fakeAMQPChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp.ErrClosed
	}
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	ch := make(chan amqp.Delivery, 16)
	f.consumers[consumer] = ch
	return ch, nil
}

// Cancel behaves like noWait=false: the deliveries channel is closed once
// the broker confirms.
func (f *fakeAMQPChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.cancels = append(f.cancels, consumer)
	if ch, ok := f.consumers[consumer]; ok {
		close(ch)
		delete(f.consumers, consumer)
	}
	return nil
}

func (f *fakeAMQPChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAMQPChannel) Nack(tag uint64, _ bool, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.nacks = append(f.nacks, tag)
	return nil
}

func (f *fakeAMQPChannel) Recover(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.recovered++
	return nil
}

func (f *fakeAMQPChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.confirming = true
	return nil
}

func (f *fakeAMQPChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, confirm)
	return confirm
}

func (f *fakeAMQPChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published + 1
}

func (f *fakeAMQPChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	if f.confirming {
		f.published++
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAMQPChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, c)
	return c
}

func (f *fakeAMQPChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAMQPChannel) Close() error {
	f.shutdown(nil)
	return nil
}

// shutdown mirrors amqp091: close listeners get the reason (if any), then
// every delivery and notification channel is closed.
func (f *fakeAMQPChannel) shutdown(reason *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, c := range f.closes {
		if reason != nil {
			c <- reason
		}
		close(c)
	}
	for tag, ch := range f.consumers {
		close(ch)
		delete(f.consumers, tag)
	}
	for _, c := range f.confirms {
		close(c)
	}
}

// deliver pushes a delivery to the consumer registered under tag.
func (f *fakeAMQPChannel) deliver(tag string, d amqp.Delivery) {
	f.mu.Lock()
	ch := f.consumers[tag]
	f.mu.Unlock()
	ch <- d
}

// brokerCancel ends a registration without a cancel request.
func (f *fakeAMQPChannel) brokerCancel(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.consumers[tag]; ok {
		close(ch)
		delete(f.consumers, tag)
	}
}

func (f *fakeAMQPChannel) confirm(seq uint64, ack bool) {
	f.mu.Lock()
	confirms := append([]chan amqp.Confirmation(nil), f.confirms...)
	f.mu.Unlock()
	for _, c := range confirms {
		c <- amqp.Confirmation{DeliveryTag: seq, Ack: ack}
	}
}

func (f *fakeAMQPChannel) ackedTags() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acks...)
}

func (f *fakeAMQPChannel) nackedTags() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.nacks...)
}

func (f *fakeAMQPChannel) sentMessages() []amqp.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amqp.Publishing(nil), f.sent...)
}

// recordingConsumer implements transport.PushConsumer and logs callbacks.
type recordingConsumer struct {
	mu         sync.Mutex
	events     []string
	cause      error
	deliverErr error
	done       chan struct{}
	doneOnce   sync.Once
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{done: make(chan struct{})}
}

func (r *recordingConsumer) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingConsumer) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *recordingConsumer) HandleConsumeOk(tag string) { r.add("consume_ok") }

func (r *recordingConsumer) HandleCancelOk(tag string) {
	r.add("cancel_ok")
	r.finish()
}

func (r *recordingConsumer) HandleCancel(tag string) error {
	r.add("cancel")
	r.finish()
	return nil
}

func (r *recordingConsumer) HandleDelivery(_ context.Context, _ string, env transport.Envelope, _ transport.Properties, _ []byte) error {
	r.add(fmt.Sprintf("delivery:%d", env.DeliveryTag))
	return r.deliverErr
}

func (r *recordingConsumer) HandleShutdownSignal(_ string, cause error) {
	r.mu.Lock()
	r.cause = cause
	r.mu.Unlock()
	r.add("shutdown")
	r.finish()
}

func (r *recordingConsumer) HandleRecoverOk(string) { r.add("recover_ok") }

func (r *recordingConsumer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingConsumer) Cause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

func (r *recordingConsumer) waitDone(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// countingMetrics records lifecycle events and delivery outcomes.
type countingMetrics struct {
	transport.NoOpMetrics

	mu        sync.Mutex
	processed map[string]int
	lifecycle map[string]int
	sent      map[string]int
	confirms  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		processed: make(map[string]int),
		lifecycle: make(map[string]int),
		sent:      make(map[string]int),
		confirms:  make(map[string]int),
	}
}

func (m *countingMetrics) IncMessagesProcessed(_ string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[status]++
}

func (m *countingMetrics) IncLifecycleEvents(_ string, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycle[event]++
}

func (m *countingMetrics) IncMessagesSent(_ string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[status]++
}

func (m *countingMetrics) IncPublishConfirms(_ string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms[status]++
}

func (m *countingMetrics) Processed(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[status]
}

func (m *countingMetrics) Lifecycle(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifecycle[event]
}

func (m *countingMetrics) Sent(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[status]
}

func (m *countingMetrics) Confirms(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirms[status]
}
