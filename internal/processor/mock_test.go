package processor

import (
	"context"
	"time"

	"github.com/raffis/rageta-agent/internal/execution"
)

type mockStep struct {
	id              string
	condition       string
	continueOnError bool
	timeout         time.Duration
	ec              *execution.Context
	run             func(ec *execution.Context) error
	runs            int
}

func (m *mockStep) ID() string                  { return m.id }
func (m *mockStep) DisplayName() string         { return m.id }
func (m *mockStep) Condition() string           { return m.condition }
func (m *mockStep) ContinueOnError() bool       { return m.continueOnError }
func (m *mockStep) Timeout() time.Duration      { return m.timeout }
func (m *mockStep) Context() *execution.Context { return m.ec }

func (m *mockStep) Run(ec *execution.Context) error {
	m.runs++
	if m.run == nil {
		return nil
	}

	return m.run(ec)
}

func newJob() *execution.Context {
	return execution.NewJobContext(context.Background(), execution.JobOptions{JobID: "job"})
}

func newMockStep(job *execution.Context, id, condition string, run func(ec *execution.Context) error) *mockStep {
	return &mockStep{
		id:        id,
		condition: condition,
		ec:        job.CreateChild(id, id),
		run:       run,
	}
}
