package processor

import (
	"context"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
)

// Next runs the remainder of the processor chain of a step.
type Next func(ctx context.Context, ec *execution.Context) error

type Bootstraper interface {
	Bootstrap(step steps.Step, next Next) (Next, error)
}
