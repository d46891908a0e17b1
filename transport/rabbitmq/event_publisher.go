package rabbitmq

import (
	"context"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
)

const eventContentType = "application/json"

var _ transport.EventPublisher = (*EventPublisher)(nil)

// EventPublisher реализует интерфейс EventPublisher для отправки событий в RabbitMQ.
type EventPublisher struct {
	producer transport.Producer
	exchange string
	log      *logger.Logger
}

// NewEventPublisher создает новый экземпляр EventPublisher.
func NewEventPublisher(p transport.Producer, exchange string) *EventPublisher {
	return &EventPublisher{
		producer: p,
		exchange: exchange,
		log:      logger.Component("rabbitmq"),
	}
}

// Publish сериализует полезную нагрузку и отправляет ее в exchange, обернув в Event.
// Тип события используется как routing key.
func (ep *EventPublisher) Publish(ctx context.Context, eventType string, eventID string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		ep.log.Error().Err(err).Msg("Error marshalling payload")
		return err
	}

	// Если eventID не предоставлен, генерируем новый UUID.
	if eventID == "" {
		eventID = uuid.NewString()
	}

	event := transport.Event{
		EventID:    eventID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payloadBytes,
	}

	body, err := json.Marshal(event)
	if err != nil {
		ep.log.Error().Err(err).Msg("Error marshalling event envelope")
		return err
	}

	return ep.producer.Publish(ctx, ep.exchange, eventType, &transport.Publishing{
		Properties: transport.Properties{
			ContentType:  eventContentType,
			DeliveryMode: 2, // persistent
			MessageID:    event.EventID,
			Timestamp:    event.OccurredAt,
			Type:         eventType,
		},
		Body: body,
	})
}
