package processor

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
	"k8s.io/utils/ptr"
)

type runnerOption func(*Runner)

func WithLogger(log logr.Logger) runnerOption {
	return func(r *Runner) {
		r.log = log
	}
}

// WithProcessors appends processors to the chain of every step. They wrap the step in the given
// order, the first one being the outermost.
func WithProcessors(builders ...ProcessorBuilder) runnerOption {
	return func(r *Runner) {
		r.builders = append(r.builders, builders...)
	}
}

// Runner executes the steps of a job one after another and aggregates their results.
type Runner struct {
	builders []ProcessorBuilder
	log      logr.Logger
}

// NewRunner creates a runner with the recover, condition, continue-on-error and timeout
// processors. Processors added by options run outside of the condition.
func NewRunner(opts ...runnerOption) *Runner {
	r := &Runner{
		builders: []ProcessorBuilder{WithRecover()},
		log:      logr.Discard(),
	}

	for _, o := range opts {
		o(r)
	}

	r.builders = append(r.builders,
		WithIf(),
		WithContinueOnError(),
		WithTimeout(),
	)

	return r
}

// Run executes list in order and returns the aggregated job result. Skipped steps do not
// contribute to the job result.
func (r *Runner) Run(job *execution.Context, list []steps.Step) execution.Result {
	for _, step := range list {
		result := r.runStep(step)
		if result != execution.Skipped {
			job.MergeResult(result)
		}
	}

	return ptr.Deref(job.Result(), execution.Succeeded)
}

func (r *Runner) runStep(step steps.Step) execution.Result {
	ec := step.Context()
	log := r.log.WithValues("step", step.DisplayName())

	next := Next(func(ctx context.Context, ec *execution.Context) error {
		return step.Run(ec)
	})

	processors := Builder(step, r.builders...)
	for i := len(processors) - 1; i >= 0; i-- {
		var err error
		next, err = processors[i].Bootstrap(step, next)
		if err != nil {
			ec.Error(err)
			return ec.Complete(ptr.To(execution.Failed))
		}
	}

	ec.Start()
	log.Info("step started")
	err := next(ec.Context(), ec)
	result := Outcome(ec, err)

	switch {
	case err == nil, errors.Is(err, ErrConditionFalse):
	case isJobCancellation(err):
		ec.Output("The step was canceled.")
	default:
		ec.Error(err)
	}

	final := ec.Complete(&result)
	log.Info("step completed", "result", final)
	return final
}
