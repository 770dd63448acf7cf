package processor

import (
	"context"
	"time"

	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WithOtelMetrics records rageta_agent_steps_total and rageta_agent_step_duration_seconds.
func WithOtelMetrics(meter metric.Meter) (ProcessorBuilder, error) {
	if meter == nil {
		return func(step steps.Step) Bootstraper { return nil }, nil
	}

	counter, err := meter.Int64Counter("rageta_agent_steps_total",
		metric.WithDescription("Number of executed steps by result"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("rageta_agent_step_duration_seconds",
		metric.WithDescription("Duration of executed steps"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return func(step steps.Step) Bootstraper {
		return &OtelMetrics{
			counter:  counter,
			duration: duration,
		}
	}, nil
}

type OtelMetrics struct {
	counter  metric.Int64Counter
	duration metric.Float64Histogram
}

func (s *OtelMetrics) Bootstrap(step steps.Step, next Next) (Next, error) {
	return func(ctx context.Context, ec *execution.Context) error {
		start := time.Now()
		err := next(ctx, ec)

		attrs := metric.WithAttributes(attribute.String("result", Outcome(ec, err).String()))
		s.counter.Add(ctx, 1, attrs)
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		return err
	}, nil
}
