package steps

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/invoke"
	"github.com/raffis/rageta-agent/internal/procs"
	"github.com/raffis/rageta-agent/internal/task"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

// Default run conditions.
const (
	ConditionSucceeded = "succeeded()"
	ConditionAlways    = "always()"
)

// Step is one schedulable unit of a job phase: a task stage, a container operation or a hook.
type Step interface {
	ID() string
	DisplayName() string
	Condition() string
	ContinueOnError() bool
	Timeout() time.Duration
	// Context is the execution context of the step, a child of the job context.
	Context() *execution.Context
	Run(ec *execution.Context) error
}

type base struct {
	id          string
	displayName string
	condition   string
	ec          *execution.Context
}

func (b *base) ID() string                  { return b.id }
func (b *base) DisplayName() string         { return b.displayName }
func (b *base) Condition() string           { return b.condition }
func (b *base) Context() *execution.Context { return b.ec }
func (b *base) ContinueOnError() bool       { return false }
func (b *base) Timeout() time.Duration      { return 0 }

// TaskExecutor runs one stage of a task.
type TaskExecutor interface {
	Definition(ctx context.Context, ref v1.TaskReference) (*task.Definition, error)
	Run(ec *execution.Context, x task.Execution) error
}

// TaskStep runs the pre, main or post stage of a task.
type TaskStep struct {
	base
	Task      v1.TaskStep
	Stage     task.Stage
	Container *container.Info
	executor  TaskExecutor
}

func (s *TaskStep) ContinueOnError() bool {
	return s.Task.ContinueOnError
}

func (s *TaskStep) Timeout() time.Duration {
	return s.Task.Timeout.Duration
}

func (s *TaskStep) Run(ec *execution.Context) error {
	return s.executor.Run(ec, task.Execution{
		Step:      s.Task,
		Stage:     s.Stage,
		Container: s.Container,
	})
}

// ContainerManager starts and stops the containers of a job.
type ContainerManager interface {
	StartContainers(ec *execution.Context, containers []*container.Info) error
	StopContainers(ec *execution.Context, containers []*container.Info) error
}

// ContainerStep starts or stops the job and service containers.
type ContainerStep struct {
	base
	Start      bool
	Containers []*container.Info
	manager    ContainerManager
}

func (s *ContainerStep) Run(ec *execution.Context) error {
	if s.Start {
		return s.manager.StartContainers(ec, s.Containers)
	}

	return s.manager.StopContainers(ec, s.Containers)
}

// HookStep runs a host script declared by the job extension.
type HookStep struct {
	base
	Hook      v1.ScriptHook
	processes invoke.ProcessInvoker
	workDir   string
}

func (s *HookStep) Run(ec *execution.Context) error {
	shell := s.Hook.Shell
	if len(shell) == 0 {
		shell = defaultShell()
	}

	env := map[string]string{}
	if id := ec.ProcessLookupID(); id != "" {
		env[procs.LookupIDEnv] = id
	}

	code, err := s.processes.Execute(ec.Context(), invoke.ProcessSpec{
		WorkingDir: s.workDir,
		File:       shell[0],
		Args:       append(append([]string{}, shell[1:]...), s.Hook.Script),
		Env:        env,
		InheritEnv: true,
		Stdout:     ec.Output,
		Stderr:     ec.Output,
	})
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("hook %s exited with code %d", s.displayName, code)
	}

	return nil
}

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe", "/d", "/c"}
	}

	return []string{"sh", "-c"}
}
