package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/steps"
)

func WithIf() ProcessorBuilder {
	return func(step steps.Step) Bootstraper {
		if step.Condition() == "" {
			return nil
		}

		return &If{
			condition: step.Condition(),
		}
	}
}

// If skips a step unless its condition evaluates to true. Conditions are CEL expressions over the
// job status functions succeeded(), failed(), canceled(), always(), succeededOrFailed() and the
// job variables, either as the `variables` map or through variable(name).
type If struct {
	condition string
}

var ErrConditionFalse = errors.New("conditional step skipped")

// jobStatus reports the state of the job the step belongs to at evaluation time.
type jobStatus struct {
	job *execution.Context
}

func (s jobStatus) canceled() bool {
	return s.job.IsCanceled()
}

func (s jobStatus) succeeded() bool {
	if s.canceled() {
		return false
	}

	r := s.job.Result()
	return r == nil || *r == execution.Succeeded || *r == execution.SucceededWithIssues
}

func (s jobStatus) failed() bool {
	r := s.job.Result()
	return !s.canceled() && r != nil && *r == execution.Failed
}

func conditionEnv(ec *execution.Context) (*cel.Env, error) {
	status := jobStatus{job: ec.Root()}
	boolFunc := func(name string, fn func() bool) cel.EnvOption {
		return cel.Function(name, cel.Overload(name+"_bool", []*cel.Type{}, cel.BoolType,
			cel.FunctionBinding(func(...ref.Val) ref.Val {
				return types.Bool(fn())
			}),
		))
	}

	return cel.NewEnv(
		cel.Variable("variables", cel.MapType(cel.StringType, cel.StringType)),
		boolFunc("always", func() bool { return true }),
		boolFunc("succeeded", status.succeeded),
		boolFunc("failed", status.failed),
		boolFunc("canceled", status.canceled),
		boolFunc("succeededOrFailed", func() bool { return !status.canceled() }),
		cel.Function("variable", cel.Overload("variable_string", []*cel.Type{cel.StringType}, cel.StringType,
			cel.UnaryBinding(func(name ref.Val) ref.Val {
				value, _ := ec.Variables.Get(fmt.Sprint(name.Value()))
				return types.String(value)
			}),
		)),
	)
}

func (s *If) Bootstrap(step steps.Step, next Next) (Next, error) {
	ec := step.Context()
	celEnv, err := conditionEnv(ec)
	if err != nil {
		return nil, err
	}

	ast, issues := celEnv.Compile(s.condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation `%s` failed: %w", s.condition, issues.Err())
	}

	ifCondition, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expression ast `%s` failed: %w", s.condition, err)
	}

	return func(ctx context.Context, ec *execution.Context) error {
		out, _, err := ifCondition.Eval(map[string]any{
			"variables": ec.Variables.Map(),
		})
		if err != nil {
			return fmt.Errorf("condition expression evaluation `%s` failed: %w", s.condition, err)
		}

		ok, isBool := out.Value().(bool)
		if !isBool {
			return fmt.Errorf("condition expression `%s` must evaluate to a bool", s.condition)
		}

		if !ok {
			ec.Logger().V(1).Info("condition evaluated to false", "condition", s.condition)
			return ErrConditionFalse
		}

		// steps which run regardless of the job cancellation get their own cancellation scope
		if ec.IsCanceled() && ec.Root().IsCanceled() {
			ec.Detach()
		}

		return next(ec.Context(), ec)
	}, nil
}
