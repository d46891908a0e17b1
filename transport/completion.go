package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Completion одноразовый сигнал завершения асинхронной операции.
// Переход "ожидание" -> "завершено" происходит ровно один раз,
// после чего все текущие и будущие ожидающие освобождаются.
type Completion struct {
	once sync.Once
	done chan struct{}
}

// NewCompletion создает новый незавершенный Completion
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete сигнализирует о завершении. Повторные вызовы ничего не делают.
func (c *Completion) Complete() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done возвращает канал, который закрывается при завершении
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// IsComplete сообщает, был ли уже подан сигнал завершения
func (c *Completion) IsComplete() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait блокирует выполнение до завершения или отмены контекста.
// При отмене контекста возвращает ошибку ErrInterrupted.
func (c *Completion) Wait(ctx context.Context) error {
	if c.IsComplete() {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// WaitTimeout ожидает завершения не дольше timeout.
// Возвращает ErrTimeout по истечении времени и ErrInterrupted при отмене контекста.
func (c *Completion) WaitTimeout(ctx context.Context, timeout time.Duration) error {
	if c.IsComplete() {
		return nil
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: no time left to wait", ErrTimeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		// завершение, пришедшее одновременно с дедлайном, считается успехом
		if c.IsComplete() {
			return nil
		}
		return fmt.Errorf("%w: not completed within %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}
