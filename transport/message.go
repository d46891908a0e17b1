package transport

import (
	"context"
	"sync"
	"time"

	json "github.com/bytedance/sonic"
)

// Envelope метаданные маршрутизации доставленного сообщения
type Envelope struct {
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

// Properties свойства AMQP сообщения
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]any
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Delivery неизменяемое представление сообщения, полученного от брокера
type Delivery struct {
	Envelope   Envelope
	Properties Properties
	Body       []byte
}

// NewDelivery копирует тело и заголовки, чтобы Delivery не зависела от буферов транспорта
func NewDelivery(env Envelope, props Properties, body []byte) Delivery {
	props.Headers = cloneHeaders(props.Headers)
	return Delivery{
		Envelope:   env,
		Properties: props,
		Body:       append([]byte(nil), body...),
	}
}

// Message сообщение, передаваемое обработчику приложения
type Message struct {
	delivery Delivery
	queue    string
	acked    bool
	ackFn    func() error
	ackOnce  sync.Once
	ackErr   error
}

// NewMessage создает сообщение для обработчика.
// acked=true означает, что сообщение уже подтверждено, и Ack ничего не делает.
func NewMessage(d Delivery, queue string, acked bool, ackFn func() error) *Message {
	return &Message{
		delivery: d,
		queue:    queue,
		acked:    acked,
		ackFn:    ackFn,
	}
}

func (m *Message) Queue() string { return m.queue }

func (m *Message) DeliveryTag() uint64 { return m.delivery.Envelope.DeliveryTag }

func (m *Message) Redelivered() bool { return m.delivery.Envelope.Redelivered }

func (m *Message) Exchange() string { return m.delivery.Envelope.Exchange }

func (m *Message) RoutingKey() string { return m.delivery.Envelope.RoutingKey }

func (m *Message) Properties() Properties {
	props := m.delivery.Properties
	props.Headers = cloneHeaders(props.Headers)
	return props
}

func (m *Message) Body() []byte { return append([]byte(nil), m.delivery.Body...) }

// Acknowledged сообщает, было ли сообщение подтверждено до передачи обработчику
func (m *Message) Acknowledged() bool { return m.acked }

// Ack подтверждает сообщение при ручном режиме подтверждения.
// Повторные вызовы возвращают результат первого.
func (m *Message) Ack() error {
	if m.acked {
		return nil
	}
	m.ackOnce.Do(func() {
		if m.ackFn != nil {
			m.ackErr = m.ackFn()
		}
	})
	return m.ackErr
}

// Decode декодирует JSON тело сообщения
func (m *Message) Decode(_ context.Context, into any) error {
	if len(m.delivery.Body) == 0 {
		return nil
	}
	return json.Unmarshal(m.delivery.Body, into)
}

func cloneHeaders(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}
