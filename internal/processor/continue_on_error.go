package processor

import (
	"context"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
)

func WithContinueOnError() ProcessorBuilder {
	return func(step steps.Step) Bootstraper {
		if !step.ContinueOnError() {
			return nil
		}

		return &ContinueOnError{}
	}
}

// ContinueOnError downgrades a failed step to SucceededWithIssues. Job cancellation still
// propagates.
type ContinueOnError struct {
}

func (s *ContinueOnError) Bootstrap(step steps.Step, next Next) (Next, error) {
	return func(ctx context.Context, ec *execution.Context) error {
		err := next(ctx, ec)
		if isJobCancellation(err) || Outcome(ec, err) != execution.Failed {
			return err
		}

		if err != nil {
			ec.Error(err)
		}

		ec.SetResult(execution.SucceededWithIssues)
		return nil
	}, nil
}
