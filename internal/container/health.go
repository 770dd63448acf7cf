package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/xio"
	"github.com/sethvargo/go-retry"
)

const (
	healthStarting = "starting"
	healthHealthy  = "healthy"
)

// DefaultHealthBackoff polls with base 2s, factor 2, capped at 32s.
func DefaultHealthBackoff() retry.Backoff {
	return retry.WithCappedDuration(32*time.Second, retry.NewExponential(2*time.Second))
}

var errHealthStarting = errors.New("container health is starting")

// waitHealthy polls the container health status until it leaves "starting". The wait is
// bounded by ctx only.
func (m *Manager) waitHealthy(ctx context.Context, ec *execution.Context, info *Info) error {
	var state ContainerState
	err := retry.Do(ctx, m.healthBackoff(), func(ctx context.Context) error {
		var err error
		state, err = m.engine.Inspect(ctx, info.ID())
		if err != nil {
			return err
		}

		if !state.HasHealthCheck {
			return nil
		}

		ec.Logger().V(1).Info("service container health", "container", info.Name(), "health", state.Health)
		if state.Health == healthStarting {
			return retry.RetryableError(errHealthStarting)
		}

		return nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("health check of %s aborted: %w", info.Name(), context.Cause(ctx))
		}

		return fmt.Errorf("failed to inspect service container %s: %w", info.Name(), err)
	}

	if !state.HasHealthCheck {
		ec.Logger().V(1).Info("service container has no health check", "container", info.Name())
		return nil
	}

	if state.Health == healthHealthy {
		ec.Output(fmt.Sprintf("%s service container is healthy.", info.Name()))
		return nil
	}

	m.dumpLogs(ctx, ec, info)
	return fmt.Errorf("%w: %s reported health status `%s`", ErrServiceUnhealthy, info.Name(), state.Health)
}

// dumpLogs copies the engine logs of a container into the job log.
func (m *Manager) dumpLogs(ctx context.Context, ec *execution.Context, info *Info) {
	w := xio.NewLineCallback(ec.Output)
	if err := m.engine.Logs(ctx, info.ID(), w); err != nil {
		ec.Logger().V(1).Info("failed to read service container logs", "container", info.Name(), "error", err.Error())
	}

	_ = w.Flush()
}
