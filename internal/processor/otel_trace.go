package processor

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func WithOtelTrace(logger logr.Logger, tracer trace.Tracer) ProcessorBuilder {
	return func(step steps.Step) Bootstraper {
		if tracer == nil {
			return nil
		}

		return &OtelTrace{
			stepName: step.DisplayName(),
			logger:   logger,
			tracer:   tracer,
		}
	}
}

type OtelTrace struct {
	stepName string
	logger   logr.Logger
	tracer   trace.Tracer
}

func (s *OtelTrace) Bootstrap(step steps.Step, next Next) (Next, error) {
	return func(ctx context.Context, ec *execution.Context) error {
		ctx, span := s.tracer.Start(ctx, s.stepName, trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()

		span.SetAttributes(
			attribute.String("step.id", step.ID()),
			attribute.String("job.id", ec.JobID()),
		)

		s.logger.V(1).Info("process step",
			"step", s.stepName,
			"span-id", span.SpanContext().SpanID(),
			"trace-id", span.SpanContext().TraceID())

		err := next(ctx, ec)
		result := Outcome(ec, err)
		span.SetAttributes(attribute.String("step.result", result.String()))
		if result == execution.Failed {
			span.SetStatus(codes.Error, "step failed")
			if err != nil {
				span.RecordError(err)
			}
		}

		return err
	}, nil
}
