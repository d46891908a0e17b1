package transport

import (
	"time"
)

// Статусы обработки доставленного сообщения
const (
	StatusDelivered = "delivered"
	StatusRejected  = "rejected"
	StatusNoHandler = "no_handler"
	StatusAckFailed = "ack_failed"
	StatusError     = "error"
)

// Metrics определяет интерфейс для сбора метрик транспорта
type Metrics interface {
	// Consumer метрики
	IncMessagesReceived(queue string)
	IncMessagesProcessed(queue string, status string) // status: delivered, rejected, no_handler, ack_failed, error
	RecordProcessingTime(queue string, duration time.Duration)
	IncLifecycleEvents(queue string, event string) // event: start, start_failed, stop, stop_timeout, abort, cancel_ok, broker_cancel

	// Producer метрики
	IncMessagesSent(exchange string, status string) // status: success, error
	RecordPublishTime(exchange string, duration time.Duration)
	IncPublishConfirms(exchange string, status string) // status: ack, nack

	// Общие метрики
	SetActiveConsumers(count int)
	SetActiveProducers(count int)
	RecordUptime(duration time.Duration)
}

// NoOpMetrics реализация метрик, которая ничего не делает (для тестов/отключения)
type NoOpMetrics struct{}

func (m *NoOpMetrics) IncMessagesReceived(queue string)                          {}
func (m *NoOpMetrics) IncMessagesProcessed(queue string, status string)          {}
func (m *NoOpMetrics) RecordProcessingTime(queue string, duration time.Duration) {}
func (m *NoOpMetrics) IncLifecycleEvents(queue string, event string)             {}
func (m *NoOpMetrics) IncMessagesSent(exchange string, status string)            {}
func (m *NoOpMetrics) RecordPublishTime(exchange string, duration time.Duration) {}
func (m *NoOpMetrics) IncPublishConfirms(exchange string, status string)         {}
func (m *NoOpMetrics) SetActiveConsumers(count int)                              {}
func (m *NoOpMetrics) SetActiveProducers(count int)                              {}
func (m *NoOpMetrics) RecordUptime(duration time.Duration)                       {}
