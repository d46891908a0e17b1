package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed канал брокера уже закрыт
	ErrChannelClosed = errors.New("channel already closed")
	// ErrTimeout ожидание завершилось по таймауту
	ErrTimeout = errors.New("wait timed out")
	// ErrInterrupted ожидание было прервано до завершения
	ErrInterrupted = errors.New("wait interrupted")
	// ErrNoHandler у consumer не зарегистрирован обработчик сообщений
	ErrNoHandler = errors.New("no message handler registered")
)

// ChannelClosedError описывает операцию над уже закрытым каналом.
// InitiatedByApplication показывает, что канал закрыло само приложение,
// а не брокер или сетевой сбой.
type ChannelClosedError struct {
	InitiatedByApplication bool
	Cause                  error
}

// NewChannelClosedError создает ошибку закрытого канала
func NewChannelClosedError(byApplication bool, cause error) error {
	return &ChannelClosedError{
		InitiatedByApplication: byApplication,
		Cause:                  cause,
	}
}

func (e *ChannelClosedError) Error() string {
	initiator := "broker"
	if e.InitiatedByApplication {
		initiator = "application"
	}
	if e.Cause == nil {
		return fmt.Sprintf("channel already closed (initiated by %s)", initiator)
	}
	return fmt.Sprintf("channel already closed (initiated by %s): %v", initiator, e.Cause)
}

func (e *ChannelClosedError) Unwrap() error {
	return e.Cause
}

func (e *ChannelClosedError) Is(target error) bool {
	return target == ErrChannelClosed
}

// IsChannelClosed проверяет, вызвана ли ошибка закрытым каналом
func IsChannelClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}

// IsClosedByApplication проверяет, что канал был закрыт самим приложением
func IsClosedByApplication(err error) bool {
	var closedErr *ChannelClosedError
	if errors.As(err, &closedErr) {
		return closedErr.InitiatedByApplication
	}
	return false
}

// DeliveryError ошибка конвертации или обработки доставленного сообщения.
// Возвращается транспорту, чтобы тот мог закрыть или пересоздать канал.
type DeliveryError struct {
	DeliveryTag uint64
	Err         error
}

// NewDeliveryError создает ошибку доставки
func NewDeliveryError(deliveryTag uint64, err error) error {
	return &DeliveryError{DeliveryTag: deliveryTag, Err: err}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %d failed: %v", e.DeliveryTag, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
