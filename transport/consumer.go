package transport

import (
	"context"
)

// PushConsumer контракт, который транспорт вызывает при событиях брокера.
// Все методы вызываются из одной горутины доставки, строго последовательно.
type PushConsumer interface {
	// HandleConsumeOk брокер подтвердил регистрацию consumer
	HandleConsumeOk(consumerTag string)

	// HandleCancelOk запрошенная отмена подписки завершена
	HandleCancelOk(consumerTag string)

	// HandleCancel брокер сам отменил подписку (например, очередь удалена)
	HandleCancel(consumerTag string) error

	// HandleDelivery доставка одного сообщения.
	// Возвращенная ошибка сообщает транспорту о сбое конвертации или обработки.
	HandleDelivery(ctx context.Context, consumerTag string, env Envelope, props Properties, body []byte) error

	// HandleShutdownSignal канал или соединение закрыты
	HandleShutdownSignal(consumerTag string, cause error)

	// HandleRecoverOk брокер подтвердил basic.recover
	HandleRecoverOk(consumerTag string)
}

// Lifecycle управление жизненным циклом подписки со стороны приложения
type Lifecycle interface {
	// Start регистрирует подписку у брокера
	Start()

	// Stop отменяет подписку и ждет подтверждения ограниченное время
	Stop(ctx context.Context) error

	// Abort немедленно прекращает подписку, не дожидаясь брокера
	Abort()
}

// Channel операции канала брокера, доступные consumer.
// Любая операция может вернуть ChannelClosedError.
type Channel interface {
	Cancel(consumerTag string) error
	Ack(deliveryTag uint64, multiple bool) error
	Nack(deliveryTag uint64, multiple bool, requeue bool) error
}

// ConsumerState состояние подписки
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateRegistering
	StateActive
	StateCancelling
	StateCancelled
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
