package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutBuilder(t *testing.T) {
	step := newMockStep(newJob(), "step", "", nil)
	assert.Nil(t, WithTimeout()(step))

	step.timeout = 5 * time.Second
	timeout, ok := WithTimeout()(step).(*Timeout)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, timeout.timeout)
}

func TestTimeoutBootstrap(t *testing.T) {
	tests := []struct {
		name        string
		timeout     time.Duration
		next        func(ctx context.Context, ec *execution.Context) error
		expectError error
	}{
		{
			name:    "next function completes within timeout",
			timeout: time.Second,
			next: func(ctx context.Context, ec *execution.Context) error {
				return nil
			},
		},
		{
			name:    "next function returns its own error",
			timeout: time.Second,
			next: func(ctx context.Context, ec *execution.Context) error {
				return errors.New("boom")
			},
			expectError: errors.New("boom"),
		},
		{
			name:    "next function exceeds timeout",
			timeout: 10 * time.Millisecond,
			next: func(ctx context.Context, ec *execution.Context) error {
				<-ctx.Done()
				return context.Cause(ctx)
			},
			expectError: execution.ErrTimeout,
		},
		{
			name:    "timeout wins over a swallowed cancellation",
			timeout: 10 * time.Millisecond,
			next: func(ctx context.Context, ec *execution.Context) error {
				<-ctx.Done()
				return nil
			},
			expectError: execution.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob()
			ec := job.CreateChild("step", "step")
			nextFunc, err := (&Timeout{timeout: tt.timeout}).Bootstrap(nil, tt.next)
			require.NoError(t, err)

			err = nextFunc(ec.Context(), ec)
			switch {
			case tt.expectError == nil:
				assert.NoError(t, err)
			case errors.Is(tt.expectError, execution.ErrTimeout):
				assert.ErrorIs(t, err, execution.ErrTimeout)
				assert.Equal(t, execution.Failed, Outcome(ec, err))
			default:
				assert.EqualError(t, err, tt.expectError.Error())
			}

			assert.False(t, job.IsCanceled())
		})
	}
}
