package transport

import (
	"context"
)

// Handler обработчик сообщений приложения. Вызывается синхронно, по одному сообщению.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc позволяет использовать функцию как Handler
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
