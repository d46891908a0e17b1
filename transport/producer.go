package transport

import (
	"context"
	"io"
)

// Publishing исходящее сообщение
type Publishing struct {
	Properties Properties
	Body       []byte
	Mandatory  bool
}

// Producer определяет интерфейс для публикации сообщений в транспорт
type Producer interface {
	Publish(ctx context.Context, exchange, routingKey string, msg *Publishing) error
	io.Closer
}

// PublishListener уведомляется о каждом опубликованном сообщении,
// когда включены подтверждения публикации (publisher confirms).
type PublishListener interface {
	Published(msg *Publishing, sequenceNumber uint64)
}

// PublishListenerFunc позволяет использовать функцию как PublishListener
type PublishListenerFunc func(msg *Publishing, sequenceNumber uint64)

func (f PublishListenerFunc) Published(msg *Publishing, sequenceNumber uint64) {
	f(msg, sequenceNumber)
}
