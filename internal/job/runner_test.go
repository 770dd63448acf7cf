package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raffis/rageta-agent/internal/config"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/server"
	"github.com/raffis/rageta-agent/internal/steps"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")

func fastBackoff() retry.Backoff {
	return retry.NewConstant(time.Millisecond)
}

func testSettings(t *testing.T) *config.Settings {
	root := t.TempDir()
	return &config.Settings{
		AgentID:   "7",
		AgentName: "agent-1",
		Pool:      "default",
		Root:      root,
		WorkDir:   filepath.Join(root, "_work"),
	}
}

func testMessage() *v1.JobRequestMessage {
	return &v1.JobRequestMessage{
		JobID:     "job-1",
		PlanID:    "plan-1",
		JobName:   "build",
		RequestID: 42,
		Variables: map[string]v1.VariableValue{
			"token": {Value: "hunter2", IsSecret: true},
		},
	}
}

type harness struct {
	client  *fakeClient
	builder *fakeBuilder
	steps   *fakeStepRunner
	phases  []Phase
	runner  *Runner
}

func newHarness(t *testing.T, settings *config.Settings, opts ...Option) *harness {
	h := &harness{
		client:  &fakeClient{},
		builder: &fakeBuilder{},
		steps:   &fakeStepRunner{},
	}

	opts = append([]Option{
		WithConnectBackoff(fastBackoff),
		WithCompleteBackoff(fastBackoff),
		WithPhaseObserver(func(p Phase) {
			h.phases = append(h.phases, p)
		}),
	}, opts...)

	h.runner = NewRunner(settings,
		func(msg *v1.JobRequestMessage) (server.Client, error) {
			return h.client, nil
		},
		func(aggregator steps.LogAggregator) StepBuilder {
			h.builder.aggregator = aggregator
			return h.builder
		},
		h.steps,
		opts...,
	)

	return h
}

func TestRunJobSucceeded(t *testing.T) {
	settings := testSettings(t)
	h := newHarness(t, settings)

	result, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, execution.Succeeded, result)

	assert.Equal(t, []Phase{
		PhaseConnecting,
		PhaseInitializing,
		PhasePreJob,
		PhaseMain,
		PhasePostJob,
		PhaseFinalizing,
		PhaseCompleted,
	}, h.phases)

	assert.Equal(t, 3, h.steps.calls)
	assert.True(t, h.builder.finalized)
	assert.True(t, h.client.closed)
	require.Len(t, h.client.completed, 1)
	assert.Equal(t, server.JobCompleted{
		JobID:     "job-1",
		PlanID:    "plan-1",
		RequestID: 42,
		Result:    execution.Succeeded,
	}, h.client.completed[0])

	ec := h.builder.ec
	require.NotNil(t, ec)
	assert.Equal(t, "build", ec.DisplayName())
	assert.Equal(t, "agent-1", ec.Variables.GetOrDefault("agent.name", ""))
	assert.Equal(t, settings.WorkDir, ec.Variables.GetOrDefault(VariableAgentWorkFolder, ""))
	assert.Equal(t, "job-1", ec.Variables.GetOrDefault(VariableSystemJobID, ""))
	assert.True(t, ec.Variables.IsSecret("token"))
	assert.True(t, ec.Variables.Secrets().Contains("hunter2"))
	assert.IsType(t, steps.HooksExtension{}, h.builder.ext)

	require.NotEmpty(t, h.client.timelines)
	last := h.client.timelines[len(h.client.timelines)-1]
	assert.Equal(t, "job-1", last.ID)
	assert.Equal(t, server.RecordStateCompleted, last.State)

	_, err = os.Stat(settings.WorkDir)
	require.NoError(t, err)
}

func TestRunJobStepResult(t *testing.T) {
	tests := []struct {
		name     string
		results  []execution.Result
		expected execution.Result
	}{
		{
			name:     "failed main",
			results:  []execution.Result{execution.Succeeded, execution.Failed, execution.Succeeded},
			expected: execution.Failed,
		},
		{
			name:     "issues in post job",
			results:  []execution.Result{execution.Succeeded, execution.Succeeded, execution.SucceededWithIssues},
			expected: execution.SucceededWithIssues,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, testSettings(t))
			h.steps.results = test.results

			result, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
			require.NoError(t, err)
			assert.Equal(t, test.expected, result)
			assert.Equal(t, test.expected, h.client.completed[0].Result)
		})
	}
}

func TestRunJobConnect(t *testing.T) {
	tests := []struct {
		name        string
		errs        []error
		expectErr   bool
		expectCalls int
	}{
		{
			name:        "retried until connected",
			errs:        []error{errTransient, errTransient},
			expectCalls: 3,
		},
		{
			name:        "attempts exhausted",
			errs:        []error{errTransient, errTransient, errTransient},
			expectErr:   true,
			expectCalls: 3,
		},
		{
			name:        "plan not found is not retried",
			errs:        []error{server.ErrPlanNotFound},
			expectErr:   true,
			expectCalls: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, testSettings(t))
			h.client.connectErrs = test.errs

			result, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
			assert.Equal(t, test.expectCalls, h.client.connects)

			if !test.expectErr {
				require.NoError(t, err)
				assert.Equal(t, execution.Succeeded, result)
				return
			}

			require.Error(t, err)
			assert.Equal(t, execution.Failed, result)
			assert.Nil(t, h.builder.ec)
			assert.Empty(t, h.client.completed)
			assert.True(t, h.client.closed)
		})
	}
}

func TestRunJobCompletionReporting(t *testing.T) {
	tests := []struct {
		name         string
		errs         []error
		expectErr    error
		expectResult execution.Result
		expectCalls  int
	}{
		{
			name:         "retried transient errors",
			errs:         []error{errTransient, errTransient, errTransient, errTransient},
			expectResult: execution.Succeeded,
			expectCalls:  5,
		},
		{
			name:         "attempts exhausted",
			errs:         []error{errTransient, errTransient, errTransient, errTransient, errTransient},
			expectErr:    errTransient,
			expectResult: execution.Failed,
			expectCalls:  5,
		},
		{
			name:         "plan not found",
			errs:         []error{server.ErrPlanNotFound},
			expectErr:    server.ErrPlanNotFound,
			expectResult: execution.Failed,
			expectCalls:  1,
		},
		{
			name:         "plan security",
			errs:         []error{server.ErrPlanSecurity},
			expectErr:    server.ErrPlanSecurity,
			expectResult: execution.Failed,
			expectCalls:  1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, testSettings(t))
			h.client.completeErrs = test.errs

			result, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
			assert.Equal(t, test.expectResult, result)
			assert.Len(t, h.client.completed, test.expectCalls)

			if test.expectErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, test.expectErr)
		})
	}
}

func TestRunJobInvalidWorkDirectory(t *testing.T) {
	settings := testSettings(t)
	settings.WorkDir = filepath.Join(settings.Root, "file")
	require.NoError(t, os.WriteFile(settings.WorkDir, nil, 0o600))

	h := newHarness(t, settings)
	result, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, execution.Failed, result)
	assert.Nil(t, h.builder.ec)
	assert.Equal(t, 0, h.steps.calls)
	assert.Equal(t, []Phase{PhaseConnecting, PhaseInitializing, PhaseCompleted}, h.phases)
	require.Len(t, h.client.completed, 1)
	assert.Equal(t, execution.Failed, h.client.completed[0].Result)
}

func TestRunJobInitializeFailed(t *testing.T) {
	h := newHarness(t, testSettings(t))
	h.builder.err = errors.New("failed to load task")

	result, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, execution.Failed, result)
	assert.True(t, h.builder.finalized)
	assert.Equal(t, 0, h.steps.calls)

	issues := h.builder.ec.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, execution.IssueTypeError, issues[0].Type)
	assert.Contains(t, issues[0].Message, "failed to load task")
}

func TestRunJobCanceled(t *testing.T) {
	h := newHarness(t, testSettings(t))
	h.steps.block = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.steps.trigger = cancel

	result, err := h.runner.RunJob(ctx, context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, execution.Canceled, result)
	assert.True(t, h.builder.finalized)
	assert.Equal(t, 3, h.steps.calls)
	require.Len(t, h.client.completed, 1)
	assert.Equal(t, execution.Canceled, h.client.completed[0].Result)
}

func TestRunJobAgentShutdown(t *testing.T) {
	h := newHarness(t, testSettings(t))
	h.steps.block = true

	shutdown, stop := context.WithCancel(context.Background())
	defer stop()
	h.steps.trigger = stop

	result, err := h.runner.RunJob(context.Background(), shutdown, testMessage())
	require.NoError(t, err)

	assert.Equal(t, execution.Failed, result)
	assert.Equal(t, execution.Failed, h.client.completed[0].Result)

	var messages []string
	for _, issue := range h.builder.ec.Issues() {
		messages = append(messages, issue.Message)
	}

	assert.Contains(t, messages, ErrAgentShutdown.Error())
}

func TestRunJobTimeout(t *testing.T) {
	h := newHarness(t, testSettings(t))
	h.steps.block = true

	msg := testMessage()
	msg.Timeout.Duration = 10 * time.Millisecond

	result, err := h.runner.RunJob(context.Background(), context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, execution.Failed, result)
}

func TestRunJobDiagnostics(t *testing.T) {
	settings := testSettings(t)
	logDir := t.TempDir()
	h := newHarness(t, settings, WithLogDirectory(logDir))
	h.steps.output = []string{"compiling", "secret hunter2"}

	msg := testMessage()
	msg.Variables[VariableSystemDebug] = v1.VariableValue{Value: "true"}

	result, err := h.runner.RunJob(context.Background(), context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, execution.Succeeded, result)

	lines := h.client.logs[diagnosticsRecordID]
	require.NotEmpty(t, lines)

	all := strings.Join(lines, "\n")
	assert.Contains(t, all, "compiling")
	assert.Contains(t, all, "secret ***")
	assert.NotContains(t, all, "hunter2")

	files, err := os.ReadDir(logDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRunJobWithoutDiagnostics(t *testing.T) {
	h := newHarness(t, testSettings(t), WithLogDirectory(t.TempDir()))

	_, err := h.runner.RunJob(context.Background(), context.Background(), testMessage())
	require.NoError(t, err)
	assert.Empty(t, h.client.logs[diagnosticsRecordID])
}

func TestRunJobRewritesServerURL(t *testing.T) {
	settings := testSettings(t)
	settings.ServerURL = "https://ci.example.com/tfs"
	settings.HostedDomains = []string{"dev.azure.com"}

	h := newHarness(t, settings)
	msg := testMessage()
	msg.Resources.Endpoints = []v1.ServiceEndpoint{
		{ID: "1", Name: v1.SystemConnectionEndpoint, URL: "https://internal:8080/tfs/"},
	}

	_, err := h.runner.RunJob(context.Background(), context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "https://ci.example.com/tfs/", h.builder.msg.Resources.Endpoints[0].URL)
}

func TestRunJobInvalidMessage(t *testing.T) {
	h := newHarness(t, testSettings(t))

	result, err := h.runner.RunJob(context.Background(), context.Background(), &v1.JobRequestMessage{})
	require.ErrorIs(t, err, v1.ErrInvalidMessage)
	assert.Equal(t, execution.Failed, result)
	assert.Equal(t, 0, h.client.connects)
}
