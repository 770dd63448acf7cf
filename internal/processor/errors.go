package processor

import (
	"errors"

	"github.com/raffis/rageta-agent/internal/execution"
)

// Outcome derives the result of a step from its context and the error of its processor chain.
func Outcome(ec *execution.Context, err error) execution.Result {
	switch {
	case errors.Is(err, ErrConditionFalse):
		return execution.Skipped
	case errors.Is(err, execution.ErrTimeout):
		return execution.Failed
	case err != nil && execution.IsCancellation(err):
		return execution.Canceled
	case err != nil:
		return execution.Failed
	}

	if r := ec.Result(); r != nil {
		return *r
	}

	for _, issue := range ec.Issues() {
		if issue.Type == execution.IssueTypeError {
			return execution.Failed
		}
	}

	return execution.Succeeded
}

// isJobCancellation reports whether err stems from canceling the job rather than a step timeout.
func isJobCancellation(err error) bool {
	return execution.IsCancellation(err) && !errors.Is(err, execution.ErrTimeout)
}
