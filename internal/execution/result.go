package execution

import (
	"fmt"

	"k8s.io/utils/ptr"
)

// Result is the outcome of a step or a job. A nil *Result means the outcome is not known yet.
type Result string

const (
	Succeeded           Result = "Succeeded"
	SucceededWithIssues Result = "SucceededWithIssues"
	Failed              Result = "Failed"
	Canceled            Result = "Canceled"
	Skipped             Result = "Skipped"
)

func (r Result) String() string {
	return string(r)
}

func (r Result) severity() int {
	switch r {
	case Succeeded:
		return 0
	case SucceededWithIssues:
		return 1
	case Failed:
		return 2
	case Canceled:
		return 3
	default:
		return -1
	}
}

// MergeResults returns the more severe of both results. Skipped never overrides a known result.
func MergeResults(current *Result, coming Result) *Result {
	if current == nil {
		return ptr.To(coming)
	}

	if coming.severity() > current.severity() {
		return ptr.To(coming)
	}

	return current
}

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
)

type Issue struct {
	Type    IssueType
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("##[%s]%s", i.Type, i.Message)
}
