package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/raffis/rageta-agent/internal/xio"
)

// ProcessSpec describes a process started on the host.
type ProcessSpec struct {
	WorkingDir string
	File       string
	Args       []string
	Env        map[string]string
	// InheritEnv adds the environment of the agent below Env.
	InheritEnv bool
	Stdout     func(line string)
	Stderr     func(line string)
}

// ProcessInvoker runs host processes with line buffered output callbacks.
type ProcessInvoker interface {
	Execute(ctx context.Context, spec ProcessSpec) (int, error)
}

type processInvoker struct {
	waitDelay time.Duration
}

// NewProcessInvoker returns the os/exec based invoker. Canceled processes get waitDelay to exit
// after the interrupt before they are killed.
func NewProcessInvoker(waitDelay time.Duration) ProcessInvoker {
	return &processInvoker{waitDelay: waitDelay}
}

func environ(env map[string]string, inherit bool) []string {
	var result []string
	if inherit {
		result = os.Environ()
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}

	return result
}

func (p *processInvoker) Execute(ctx context.Context, spec ProcessSpec) (int, error) {
	cmd := exec.CommandContext(ctx, spec.File, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = environ(spec.Env, spec.InheritEnv)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = p.waitDelay

	stdout := xio.NewLineCallback(spec.Stdout)
	stderr := xio.NewLineCallback(spec.Stderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	_ = stdout.Flush()
	_ = stderr.Flush()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, context.Cause(ctx)
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	}

	return -1, fmt.Errorf("failed to run %s: %w", spec.File, err)
}
