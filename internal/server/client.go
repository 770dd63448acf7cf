package server

import (
	"context"
	"errors"
	"time"

	"github.com/raffis/rageta-agent/internal/execution"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrPlanSecurity = errors.New("plan security violation")
	ErrNotConnected = errors.New("not connected")
)

// Error codes returned by the server for rejected requests.
const (
	CodePlanNotFound = "PlanNotFound"
	CodePlanSecurity = "PlanSecurity"
)

// TimelineRecord is the reported state of one step.
type TimelineRecord struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parentId,omitempty"`
	Name       string            `json:"name"`
	State      string            `json:"state"`
	Result     *execution.Result `json:"result,omitempty"`
	StartTime  *time.Time        `json:"startTime,omitempty"`
	FinishTime *time.Time        `json:"finishTime,omitempty"`
	Issues     []execution.Issue `json:"issues,omitempty"`
}

const (
	RecordStateInProgress = "inProgress"
	RecordStateCompleted  = "completed"
)

// JobCompleted is raised once per job after finalization.
type JobCompleted struct {
	JobID     string           `json:"jobId"`
	PlanID    string           `json:"planId"`
	RequestID int64            `json:"requestId,omitempty"`
	Result    execution.Result `json:"result"`
}

// Client is the job scoped connection to the server.
type Client interface {
	Connect(ctx context.Context) error
	UpdateTimeline(ctx context.Context, records []TimelineRecord) error
	AppendLog(ctx context.Context, recordID string, lines []string) error
	RaiseCompleted(ctx context.Context, event JobCompleted) error
	Close() error
}

// NewRecord converts an execution context into its timeline record.
func NewRecord(c *execution.Context) TimelineRecord {
	record := TimelineRecord{
		ID:     c.ID(),
		Name:   c.DisplayName(),
		State:  RecordStateInProgress,
		Issues: c.Issues(),
	}

	if parent := c.Parent(); parent != nil {
		record.ParentID = parent.ID()
	}

	if start := c.StartedAt(); !start.IsZero() {
		record.StartTime = &start
	}

	if c.IsCompleted() {
		record.State = RecordStateCompleted
		record.Result = c.Result()
		finish := c.FinishedAt()
		record.FinishTime = &finish
	}

	return record
}
