package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy определяет политику повторных попыток
type RetryPolicy struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// DefaultRetryPolicy возвращает политику retry по умолчанию
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Delay возвращает паузу перед попыткой номер attempt (с единицы)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter {
		// равномерно в [delay/2, delay)
		delay = delay/2 + rand.Float64()*delay/2
	}
	return time.Duration(delay)
}

// Retry вызывает fn, пока она не завершится успешно, не вернет неповторяемую ошибку
// или не закончатся попытки. Между попытками выдерживается пауза по политике,
// RetryAfter временной ошибки имеет приоритет.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !IsRetryableError(err) || attempt >= p.MaxRetries {
			break
		}

		delay := p.Delay(attempt + 1)
		var retryable RetryableError
		if errors.As(err, &retryable) && retryable.RetryAfter() > 0 {
			delay = retryable.RetryAfter()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrInterrupted, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
	return err
}

// RetryableError определяет интерфейс для ошибок с информацией о возможности retry
type RetryableError interface {
	error
	IsRetryable() bool
	RetryAfter() time.Duration
}

// NewNonRetryableError создает ошибку, которая не должна повторяться
func NewNonRetryableError(err error) error {
	return &nonRetryableError{err: err}
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string             { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error             { return e.err }
func (e *nonRetryableError) IsRetryable() bool         { return false }
func (e *nonRetryableError) RetryAfter() time.Duration { return 0 }

// NewTemporaryError создает временную ошибку, которая может быть повторена
func NewTemporaryError(err error, retryAfter time.Duration) error {
	return &temporaryError{
		err:        err,
		retryAfter: retryAfter,
	}
}

type temporaryError struct {
	err        error
	retryAfter time.Duration
}

func (e *temporaryError) Error() string             { return e.err.Error() }
func (e *temporaryError) Unwrap() error             { return e.err }
func (e *temporaryError) IsRetryable() bool         { return true }
func (e *temporaryError) RetryAfter() time.Duration { return e.retryAfter }

// IsRetryableError проверяет, является ли ошибка повторяемой
func IsRetryableError(err error) bool {
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}
	// По умолчанию считаем ошибки повторяемыми
	return true
}
