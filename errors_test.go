package i2cbus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{name: "nil", err: nil, expected: CodeSuccess},
		{name: "not initialized", err: ErrNotInitialized, expected: CodeNotInitialized},
		{name: "wrapped nack", err: fmt.Errorf("write to 0x48 failed: %w", ErrNack), expected: CodeNack},
		{name: "deeply wrapped timeout", err: fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrTimeout)), expected: CodeTimeout},
		{name: "context deadline", err: context.DeadlineExceeded, expected: CodeTimeout},
		{name: "context cancelled", err: context.Canceled, expected: CodeTimeout},
		{name: "device exists", err: fmt.Errorf("%w: address 0x48", ErrDeviceExists), expected: CodeDeviceExists},
		{name: "bus error", err: fmt.Errorf("%w: bus stuck", ErrBusError), expected: CodeBusError},
		{name: "arbitration", err: ErrArbitrationLost, expected: CodeArbitrationLost},
		{name: "busy", err: ErrBusBusy, expected: CodeBusBusy},
		{name: "unsupported", err: ErrUnsupported, expected: CodeUnsupported},
		{name: "unknown", err: errors.New("something else"), expected: CodeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CodeOf(tt.err))
		})
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "success", CodeSuccess.String())
	assert.Equal(t, "nack", CodeNack.String())
	assert.Equal(t, "unknown", Code(250).String())
}
