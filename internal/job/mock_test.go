package job

import (
	"context"
	"sync"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/server"
	"github.com/raffis/rageta-agent/internal/steps"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

type fakeClient struct {
	mu           sync.Mutex
	connectErrs  []error
	completeErrs []error
	connects     int
	completed    []server.JobCompleted
	timelines    []server.TimelineRecord
	logs         map[string][]string
	closed       bool
}

func next(errs []error, i int) error {
	if i < len(errs) {
		return errs[i]
	}

	return nil
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := next(f.connectErrs, f.connects)
	f.connects++
	return err
}

func (f *fakeClient) UpdateTimeline(ctx context.Context, records []server.TimelineRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timelines = append(f.timelines, records...)
	return nil
}

func (f *fakeClient) AppendLog(ctx context.Context, recordID string, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logs == nil {
		f.logs = map[string][]string{}
	}

	f.logs[recordID] = append(f.logs[recordID], lines...)
	return nil
}

func (f *fakeClient) RaiseCompleted(ctx context.Context, event server.JobCompleted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := next(f.completeErrs, len(f.completed))
	f.completed = append(f.completed, event)
	return err
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeBuilder struct {
	err        error
	list       *steps.JobSteps
	aggregator steps.LogAggregator
	ec         *execution.Context
	msg        *v1.JobRequestMessage
	ext        steps.Extension
	finalized  bool
}

func (f *fakeBuilder) InitializeJob(ec *execution.Context, msg *v1.JobRequestMessage, ext steps.Extension) (*steps.JobSteps, error) {
	f.ec, f.msg, f.ext = ec, msg, ext
	if f.aggregator != nil {
		if err := f.aggregator.Start(ec, []string{"step"}); err != nil {
			return nil, err
		}
	}

	if f.err != nil {
		ec.SetResult(execution.Failed)
		return nil, f.err
	}

	if f.list == nil {
		return &steps.JobSteps{}, nil
	}

	return f.list, nil
}

func (f *fakeBuilder) FinalizeJob(ec *execution.Context) {
	f.finalized = true
	if f.aggregator != nil {
		_ = f.aggregator.Wait()
	}
}

type fakeStepRunner struct {
	results []execution.Result
	calls   int
	// block makes the main stage wait for the job cancellation after calling trigger.
	block   bool
	trigger func()
	// output is written to the job by the main stage.
	output []string
}

func (f *fakeStepRunner) Run(job *execution.Context, list []steps.Step) execution.Result {
	call := f.calls
	f.calls++

	if call == 1 {
		for _, line := range f.output {
			job.Output(line)
		}

		if f.block {
			if f.trigger != nil {
				f.trigger()
			}

			<-job.Context().Done()
			job.MergeResult(execution.Canceled)
		}
	}

	if call < len(f.results) {
		job.MergeResult(f.results[call])
	}

	if r := job.Result(); r != nil {
		return *r
	}

	return execution.Succeeded
}
