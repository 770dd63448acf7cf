package processor

import (
	"context"
	"errors"
	"time"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
)

func WithTimeout() ProcessorBuilder {
	return func(step steps.Step) Bootstraper {
		if step.Timeout() == 0 {
			return nil
		}

		return &Timeout{
			timeout: step.Timeout(),
		}
	}
}

// Timeout bounds the step context. Once it expires the step fails with execution.ErrTimeout.
type Timeout struct {
	timeout time.Duration
}

func (s *Timeout) Bootstrap(step steps.Step, next Next) (Next, error) {
	return func(ctx context.Context, ec *execution.Context) error {
		cancel := ec.SetTimeout(s.timeout)
		defer cancel()

		err := next(ec.Context(), ec)
		if cause := ec.Err(); errors.Is(cause, execution.ErrTimeout) {
			return cause
		}

		return err
	}, nil
}
