package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/execution"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

const scriptTaskID = "script"

func scriptDefinition() *Definition {
	return &Definition{
		ID:      scriptTaskID,
		Name:    "Script",
		Version: "1.0.0",
		Inputs: []InputDefinition{
			{Name: "script", DefaultValue: "echo default"},
			{Name: "workingDirectory", Type: InputTypeFilePath},
			{Name: "target_password"},
			{Name: "connection", Type: "connectedService:generic"},
		},
		Main: []HandlerData{NodeHandler{HandlerBase: HandlerBase{Target: "index.js"}, Runtime: KindNode20}},
	}
}

func newTestExecutor(defs ...*Definition) (*Executor, *fakeInvoker) {
	repo := &fakeRepository{definitions: map[string]*Definition{}}
	for _, def := range defs {
		repo.definitions[def.ID] = def
	}

	invoker := &fakeInvoker{}
	return NewExecutor(repo, invoker, WithRetryDelay(func(int) time.Duration { return 0 }), WithHostOS("linux")), invoker
}

func newStepContext() *execution.Context {
	job := execution.NewJobContext(context.Background(), execution.JobOptions{JobID: "job"})
	return job.CreateChild("step", "Script")
}

func jobContainer() *container.Info {
	return container.InfoAt(container.Declare(container.Spec{Alias: "build", IsJobContainer: true}).
		Pull("linux").
		Create("id", "build", "net", []container.MountVolume{{Source: "/agent/_work", Target: container.ContainerWorkPath}}).
		Start(nil).
		Healthy())
}

func TestRunMergesInputs(t *testing.T) {
	e, invoker := newTestExecutor(scriptDefinition())
	ec := newStepContext()
	require.NoError(t, ec.Variables.Set("Build.SourcesDirectory", "/agent/_work/1/s"))

	err := e.Run(ec, Execution{
		Stage: StageMain,
		Step: v1.TaskStep{
			Name:        "script",
			Reference:   v1.TaskReference{ID: scriptTaskID},
			Inputs:      map[string]string{"WorkingDirectory": "$(Build.SourcesDirectory)", "extra": "x"},
			Environment: map[string]string{"SRC": "$(build.sourcesdirectory)"},
		},
		Container: jobContainer(),
	})
	require.NoError(t, err)
	require.Len(t, invoker.invocations, 1)

	inv := invoker.invocations[0]
	assert.Equal(t, "echo default", inv.Inputs["script"])
	assert.Equal(t, "/__w/1/s", inv.Inputs["workingDirectory"])
	assert.Equal(t, "x", inv.Inputs["extra"])
	assert.Equal(t, "/agent/_work/1/s", inv.Environment["SRC"])
	assert.NotNil(t, inv.Container)
	assert.Equal(t, KindNode20, inv.Handler.Kind())
}

func TestRunPluginOnHostTranslatesVariables(t *testing.T) {
	def := scriptDefinition()
	def.ID = SetVariablesTaskID
	def.Main = []HandlerData{AgentPluginHandler{}}

	e, invoker := newTestExecutor(def)
	ec := newStepContext()
	require.NoError(t, ec.Variables.Set("Build.SourcesDirectory", "/__w/1/s"))

	require.NoError(t, e.Run(ec, Execution{
		Stage:     StageMain,
		Step:      v1.TaskStep{Reference: v1.TaskReference{ID: SetVariablesTaskID}},
		Container: jobContainer(),
	}))

	inv := invoker.invocations[0]
	assert.Nil(t, inv.Container)
	assert.Equal(t, "/agent/_work/1/s", inv.Variables["Build.SourcesDirectory"])
	assert.Equal(t, []string{PluginSetVariables}, inv.Plugins)
}

func TestRunUnsupportedHandlerForContainer(t *testing.T) {
	def := scriptDefinition()
	def.Main = []HandlerData{LegacyPowerShellHandler{}}

	e, invoker := newTestExecutor(def)
	err := e.Run(newStepContext(), Execution{
		Stage:     StageMain,
		Step:      v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}},
		Container: jobContainer(),
	})

	assert.ErrorIs(t, err, ErrUnsupportedHandlerForContainer)
	assert.Empty(t, invoker.invocations)
}

func TestRunNoCompatibleHandler(t *testing.T) {
	e, _ := newTestExecutor(scriptDefinition())
	err := e.Run(newStepContext(), Execution{
		Stage: StagePostJob,
		Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}},
	})

	assert.ErrorIs(t, err, ErrNoCompatibleHandler)
}

func TestSecretInjectionGuard(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		input   string
		skipped bool
	}{
		{name: "pre target decorator with secret", step: PreTargetTaskPrefix + "scan", input: "s3cr3t", skipped: true},
		{name: "post target decorator with embedded secret", step: PostTargetTaskPrefix + "scan", input: "user:s3cr3t", skipped: true},
		{name: "decorator without secret", step: PreTargetTaskPrefix + "scan", input: "public"},
		{name: "regular step with secret", step: "scan", input: "s3cr3t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, invoker := newTestExecutor(scriptDefinition())
			ec := newStepContext()
			require.NoError(t, ec.Variables.Set("password", "s3cr3t", execution.AsSecret()))

			require.NoError(t, e.Run(ec, Execution{
				Stage: StageMain,
				Step: v1.TaskStep{
					Name:      tt.step,
					Reference: v1.TaskReference{ID: scriptTaskID},
					Inputs:    map[string]string{"target_password": tt.input},
				},
			}))

			if tt.skipped {
				assert.Equal(t, ptr.To(execution.Skipped), ec.Result())
				assert.Empty(t, invoker.invocations)
				return
			}

			assert.Nil(t, ec.Result())
			assert.Len(t, invoker.invocations, 1)
		})
	}
}

func TestForkRestriction(t *testing.T) {
	e, invoker := newTestExecutor(scriptDefinition())
	ec := newStepContext()
	require.NoError(t, ec.Variables.Set(VariableIsFork, "true"))
	require.NoError(t, ec.Variables.Set(VariableRestrictSecret, "True"))

	require.NoError(t, e.Run(ec, Execution{
		Stage: StageMain,
		Step: v1.TaskStep{
			Reference: v1.TaskReference{ID: scriptTaskID},
			Inputs:    map[string]string{"connection": "endpoint-1"},
		},
	}))

	assert.Equal(t, ptr.To(execution.Skipped), ec.Result())
	assert.Empty(t, invoker.invocations)
}

func failingHandler(failures int) *fakeHandler {
	return &fakeHandler{run: func(ec *execution.Context, call int) error {
		if call <= failures {
			ec.SetResult(execution.Failed)
			return nil
		}

		ec.SetResult(execution.Succeeded)
		return nil
	}}
}

func TestRetryTermination(t *testing.T) {
	for n := 1; n <= 4; n++ {
		e, invoker := newTestExecutor(scriptDefinition())
		invoker.handler = failingHandler(n)

		ec := newStepContext()
		require.NoError(t, e.Run(ec, Execution{
			Stage: StageMain,
			Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: n},
		}))

		assert.Equal(t, n+1, invoker.handler.calls)
		assert.Equal(t, ptr.To(execution.Succeeded), ec.Result())

		e, invoker = newTestExecutor(scriptDefinition())
		invoker.handler = failingHandler(n)

		ec = newStepContext()
		require.NoError(t, e.Run(ec, Execution{
			Stage: StageMain,
			Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: n - 1},
		}))

		assert.Equal(t, n, invoker.handler.calls)
		assert.Equal(t, ptr.To(execution.Failed), ec.Result())
	}
}

func TestRetryCountIsCapped(t *testing.T) {
	e, invoker := newTestExecutor(scriptDefinition())
	invoker.handler = failingHandler(100)

	ec := newStepContext()
	require.NoError(t, e.Run(ec, Execution{
		Stage: StageMain,
		Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: 50},
	}))

	assert.Equal(t, MaxRetryCountOnTaskFailure+1, invoker.handler.calls)
}

func TestRetryDelays(t *testing.T) {
	var delays []time.Duration
	repo := &fakeRepository{definitions: map[string]*Definition{scriptTaskID: scriptDefinition()}}
	invoker := &fakeInvoker{handler: failingHandler(3)}
	e := NewExecutor(repo, invoker, WithRetryDelay(func(attempt int) time.Duration {
		delays = append(delays, DefaultRetryDelay(attempt))
		return 0
	}))

	require.NoError(t, e.Run(newStepContext(), Execution{
		Stage: StageMain,
		Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: 3},
	}))

	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, 9 * time.Second}, delays)
}

func TestRetryErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("errors are retried", func(t *testing.T) {
		e, invoker := newTestExecutor(scriptDefinition())
		invoker.handler = &fakeHandler{run: func(ec *execution.Context, call int) error {
			if call == 1 {
				return boom
			}

			return nil
		}}

		ec := newStepContext()
		require.NoError(t, e.Run(ec, Execution{
			Stage: StageMain,
			Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: 2},
		}))
		assert.Equal(t, 2, invoker.handler.calls)
	})

	t.Run("last error is returned", func(t *testing.T) {
		e, invoker := newTestExecutor(scriptDefinition())
		invoker.handler = &fakeHandler{run: func(ec *execution.Context, call int) error {
			return boom
		}}

		err := e.Run(newStepContext(), Execution{
			Stage: StageMain,
			Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: 2},
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, invoker.handler.calls)
	})

	t.Run("timeouts are not retried", func(t *testing.T) {
		e, invoker := newTestExecutor(scriptDefinition())
		invoker.handler = &fakeHandler{run: func(ec *execution.Context, call int) error {
			return execution.ErrTimeout
		}}

		err := e.Run(newStepContext(), Execution{
			Stage: StageMain,
			Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: 5},
		})
		assert.ErrorIs(t, err, execution.ErrTimeout)
		assert.Equal(t, 1, invoker.handler.calls)
	})

	t.Run("cancellation is not retried", func(t *testing.T) {
		e, invoker := newTestExecutor(scriptDefinition())
		ec := newStepContext()
		invoker.handler = &fakeHandler{run: func(ec *execution.Context, call int) error {
			ec.Cancel(context.Canceled)
			ec.SetResult(execution.Failed)
			return context.Canceled
		}}

		err := e.Run(ec, Execution{
			Stage: StageMain,
			Step:  v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}, RetryCountOnTaskFailure: 5},
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, invoker.handler.calls)
	})
}

func TestVerification(t *testing.T) {
	failed := errors.New("bad digest")

	tests := []struct {
		name     string
		mode     VerificationMode
		err      error
		fatal    bool
		warnings int
		extracts int
	}{
		{name: "none skips verification", mode: VerificationNone, err: failed},
		{name: "warning mode proceeds", mode: VerificationWarning, err: failed, warnings: 1},
		{name: "error mode is fatal", mode: VerificationError, err: failed, fatal: true},
		{name: "verified package is re-extracted", mode: VerificationError, extracts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepository{definitions: map[string]*Definition{scriptTaskID: scriptDefinition()}}
			invoker := &fakeInvoker{}
			e := NewExecutor(repo, invoker, WithVerifier(fakeVerifier{err: tt.err}, tt.mode))

			ec := newStepContext()
			err := e.Run(ec, Execution{Stage: StageMain, Step: v1.TaskStep{Reference: v1.TaskReference{ID: scriptTaskID}}})
			if tt.fatal {
				assert.ErrorIs(t, err, failed)
				assert.Empty(t, invoker.invocations)
				return
			}

			require.NoError(t, err)
			assert.Len(t, ec.Issues(), tt.warnings)
			assert.Equal(t, tt.extracts, repo.extracts)
		})
	}
}
