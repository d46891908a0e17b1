package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelClosedError(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name     string
		err      error
		closed   bool
		byApp    bool
		contains string
	}{
		{
			name:     "closed by application",
			err:      NewChannelClosedError(true, nil),
			closed:   true,
			byApp:    true,
			contains: "initiated by application",
		},
		{
			name:     "closed by broker",
			err:      NewChannelClosedError(false, cause),
			closed:   true,
			byApp:    false,
			contains: "connection reset",
		},
		{
			name:     "wrapped",
			err:      fmt.Errorf("cancel: %w", NewChannelClosedError(true, cause)),
			closed:   true,
			byApp:    true,
			contains: "cancel",
		},
		{
			name:     "unrelated",
			err:      cause,
			closed:   false,
			byApp:    false,
			contains: "reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.closed, IsChannelClosed(tt.err))
			assert.Equal(t, tt.byApp, IsClosedByApplication(tt.err))
			assert.Contains(t, tt.err.Error(), tt.contains)
		})
	}

	assert.True(t, errors.Is(NewChannelClosedError(false, cause), cause))
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("boom")
	err := NewDeliveryError(7, cause)

	var deliveryErr *DeliveryError
	assert.True(t, errors.As(err, &deliveryErr))
	assert.Equal(t, uint64(7), deliveryErr.DeliveryTag)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "delivery 7 failed: boom", err.Error())
}

func TestConsumerStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "registering", StateRegistering.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "cancelling", StateCancelling.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "unknown", ConsumerState(42).String())
}
