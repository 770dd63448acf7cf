package steps

import (
	"context"
	"fmt"
	"sync"

	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/invoke"
	"github.com/raffis/rageta-agent/internal/procs"
	"github.com/raffis/rageta-agent/internal/task"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

type fakeManager struct {
	started, stopped []*container.Info
}

func (f *fakeManager) StartContainers(ec *execution.Context, containers []*container.Info) error {
	f.started = containers
	return nil
}

func (f *fakeManager) StopContainers(ec *execution.Context, containers []*container.Info) error {
	f.stopped = containers
	return nil
}

type fakeExecutor struct {
	definitions map[string]*task.Definition
	err         error
	runs        []task.Execution
}

func (f *fakeExecutor) Definition(ctx context.Context, ref v1.TaskReference) (*task.Definition, error) {
	if f.err != nil {
		return nil, f.err
	}

	def, ok := f.definitions[ref.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, ref.ID)
	}

	return def, nil
}

func (f *fakeExecutor) Run(ec *execution.Context, x task.Execution) error {
	f.runs = append(f.runs, x)
	return nil
}

func definition(pre, main, post bool) *task.Definition {
	def := &task.Definition{}
	handler := []task.HandlerData{task.NodeHandler{Runtime: task.KindNode20}}
	if pre {
		def.PreJob = handler
	}

	if main {
		def.Main = handler
	}

	if post {
		def.PostJob = handler
	}

	return def
}

type fakeProcesses struct {
	specs []invoke.ProcessSpec
	code  int
}

func (f *fakeProcesses) Execute(ctx context.Context, spec invoke.ProcessSpec) (int, error) {
	f.specs = append(f.specs, spec)
	return f.code, nil
}

type fakeTable struct {
	snapshots []procs.Snapshot
	environ   map[int]map[string]string
	killed    []int
	err       error
}

func (f *fakeTable) Snapshot() (procs.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}

	if len(f.snapshots) == 0 {
		return procs.Snapshot{}, nil
	}

	s := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}

	return s, nil
}

func (f *fakeTable) Environ(pid int) (map[string]string, error) {
	return f.environ[pid], nil
}

func (f *fakeTable) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}

type fakeAggregator struct {
	steps  []string
	waited bool
}

func (f *fakeAggregator) Start(ec *execution.Context, steps []string) error {
	f.steps = steps
	return nil
}

func (f *fakeAggregator) Wait() error {
	f.waited = true
	return nil
}

type outputSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *outputSink) Output(c *execution.Context, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *outputSink) Completed(c *execution.Context) {}
