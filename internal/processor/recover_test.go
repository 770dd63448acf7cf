package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverBuilder(t *testing.T) {
	step := newMockStep(newJob(), "test-step", "", nil)

	bootstraper := WithRecover()(step)
	recover, ok := bootstraper.(*Recover)
	require.True(t, ok)
	assert.Equal(t, "test-step", recover.stepName)
}

func TestRecoverBootstrap(t *testing.T) {
	tests := []struct {
		name        string
		stepName    string
		nextError   error
		shouldPanic bool
		expectError bool
	}{
		{
			name:     "no error from next function",
			stepName: "test-step",
		},
		{
			name:        "error from next function",
			stepName:    "test-step",
			nextError:   errors.New("test error"),
			expectError: true,
		},
		{
			name:        "panic in next function",
			stepName:    "test-step",
			shouldPanic: true,
			expectError: true,
		},
		{
			name:        "panic with empty step name",
			stepName:    "",
			shouldPanic: true,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recover := &Recover{stepName: tt.stepName}
			nextCalled := false

			next := func(ctx context.Context, ec *execution.Context) error {
				nextCalled = true
				if tt.shouldPanic {
					panic("test panic")
				}

				return tt.nextError
			}

			nextFunc, err := recover.Bootstrap(nil, next)
			require.NoError(t, err)

			resultErr := nextFunc(context.Background(), newJob())
			assert.True(t, nextCalled)

			if !tt.expectError {
				assert.NoError(t, resultErr)
				return
			}

			require.Error(t, resultErr)
			if tt.shouldPanic {
				assert.Contains(t, resultErr.Error(), "panic in step")
				assert.Contains(t, resultErr.Error(), "test panic")
				assert.Contains(t, resultErr.Error(), "trace:")
			} else {
				assert.Equal(t, tt.nextError, resultErr)
			}
		})
	}
}
