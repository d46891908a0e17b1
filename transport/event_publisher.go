package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Event конверт доменного события, публикуемого через EventPublisher
type Event struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// EventPublisher определяет интерфейс для публикации событий.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, eventID string, payload any) error
}
