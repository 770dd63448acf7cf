package processor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
)

func WithRecover() ProcessorBuilder {
	return func(step steps.Step) Bootstraper {
		return &Recover{
			stepName: step.DisplayName(),
		}
	}
}

// Recover turns a panic of a step into a step error.
type Recover struct {
	stepName string
}

func (s *Recover) Bootstrap(step steps.Step, next Next) (Next, error) {
	return func(ctx context.Context, ec *execution.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in step `%s`: %#v\n trace:\n%s", s.stepName, r, debug.Stack())
			}
		}()

		return next(ctx, ec)
	}, nil
}
