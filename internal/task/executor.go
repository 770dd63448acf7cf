package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/execution"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/sethvargo/go-retry"
	"k8s.io/utils/ptr"
)

// Name prefixes of steps injected by pre and post target decorators.
const (
	PreTargetTaskPrefix  = "__system_pretargettask_"
	PostTargetTaskPrefix = "__system_posttargettask_"
	targetInputPrefix    = "target_"
)

const (
	VariableIsFork         = "System.PullRequest.IsFork"
	VariableRestrictSecret = "System.RestrictSecrets"
)

// MaxRetryCountOnTaskFailure caps the retries a task may declare.
const MaxRetryCountOnTaskFailure = 10

// Invocation is everything a handler needs to run one task stage.
type Invocation struct {
	Task       v1.TaskReference
	Definition *Definition
	Stage      Stage
	Handler    HandlerData
	// Container the handler runs in, nil when it runs on the host.
	Container   *container.Info
	Endpoints   []v1.ServiceEndpoint
	SecureFiles []v1.SecureFile
	Inputs      map[string]string
	Environment map[string]string
	// Variables as visible to the handler, already translated to its file system.
	Variables map[string]string
	Plugins   []string
}

type Handler interface {
	Run(ec *execution.Context) error
}

// Invoker creates the handler of an invocation.
type Invoker interface {
	Create(ec *execution.Context, inv Invocation) (Handler, error)
}

// Execution is one stage of a task step bound to a job.
type Execution struct {
	Step  v1.TaskStep
	Stage Stage
	// Container is the job container the step targets, nil for host steps.
	Container *container.Info
}

type executorOption func(*Executor)

func WithLogger(log logr.Logger) executorOption {
	return func(e *Executor) {
		e.log = log
	}
}

func WithVerifier(verifier Verifier, mode VerificationMode) executorOption {
	return func(e *Executor) {
		e.verifier = verifier
		e.verification = mode
	}
}

// WithRetryDelay replaces the delay before retry attempt n (starting at 0).
func WithRetryDelay(delay func(attempt int) time.Duration) executorOption {
	return func(e *Executor) {
		e.retryDelay = delay
	}
}

func WithPluginRegistry(registry *PluginRegistry) executorOption {
	return func(e *Executor) {
		e.plugins = registry
	}
}

func WithHostOS(os string) executorOption {
	return func(e *Executor) {
		e.hostOS = os
	}
}

// WithPreferScriptHandler keeps PowerShell3 eligible for container targets.
func WithPreferScriptHandler(prefer bool) executorOption {
	return func(e *Executor) {
		e.preferScriptHandler = prefer
	}
}

// DefaultRetryDelay waits (attempt+1)^2 seconds.
func DefaultRetryDelay(attempt int) time.Duration {
	return time.Duration((attempt+1)*(attempt+1)) * time.Second
}

// Executor runs a single task stage.
type Executor struct {
	repo                Repository
	invoker             Invoker
	verifier            Verifier
	verification        VerificationMode
	retryDelay          func(attempt int) time.Duration
	plugins             *PluginRegistry
	hostOS              string
	preferScriptHandler bool
	log                 logr.Logger
}

func NewExecutor(repo Repository, invoker Invoker, opts ...executorOption) *Executor {
	e := &Executor{
		repo:         repo,
		invoker:      invoker,
		verification: VerificationNone,
		retryDelay:   DefaultRetryDelay,
		plugins:      DefaultPlugins(),
		hostOS:       runtime.GOOS,
		log:          logr.Discard(),
	}

	for _, o := range opts {
		o(e)
	}

	return e
}

// Definition loads the definition of a task.
func (e *Executor) Definition(ctx context.Context, ref v1.TaskReference) (*Definition, error) {
	return e.repo.Load(ctx, ref)
}

// Run executes one task stage. Skipped executions set the Skipped result and return nil.
func (e *Executor) Run(ec *execution.Context, x Execution) error {
	ctx := ec.Context()
	ref := x.Step.Reference

	if err := e.verify(ec, ref); err != nil {
		return err
	}

	def, err := e.repo.Load(ctx, ref)
	if err != nil {
		return err
	}

	target := x.Container
	platform := e.hostOS
	if target != nil {
		platform = target.ImageOS()
	}

	handler, err := SelectHandler(def.Handlers(x.Stage), SelectOptions{
		Platform:            platform,
		ContainerTarget:     target != nil,
		PreferScriptHandler: e.preferScriptHandler,
	})
	if err != nil {
		return fmt.Errorf("%w: %s stage of %s@%s on %s", err, x.Stage, def.Name, def.Version, platform)
	}

	ec.Logger().V(1).Info("selected task handler", "task", def.Name, "handler", handler.Kind(), "stage", x.Stage)

	runIn := target
	variables := ec.Variables.Map()
	if target != nil {
		switch {
		case handler.Kind() == KindAgentPlugin:
			runIn = nil
			for k, v := range variables {
				variables[k] = target.TranslateToHostPath(v)
			}
		case IsScript(handler):
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedHandlerForContainer, handler.Kind())
		}
	}

	inputs := e.inputs(ec, def, x.Step, target, runIn)

	if skip, reason := secretInjection(ec, x.Step, inputs); skip {
		ec.Warning("%s", reason)
		ec.SetResult(execution.Skipped)
		return nil
	}

	if skip, reason := forkRestriction(ec, def, inputs); skip {
		ec.Warning("%s", reason)
		ec.SetResult(execution.Skipped)
		return nil
	}

	inv := Invocation{
		Task:        ref,
		Definition:  def,
		Stage:       x.Stage,
		Handler:     handler,
		Container:   runIn,
		Endpoints:   ec.Endpoints(),
		SecureFiles: ec.SecureFiles(),
		Inputs:      inputs,
		Environment: ec.Variables.ExpandMap(x.Step.Environment),
		Variables:   variables,
	}

	if handler.Kind() == KindAgentPlugin {
		inv.Plugins = e.plugins.GetPluginsForTask(def.ID)
	}

	h, err := e.invoker.Create(ec, inv)
	if err != nil {
		return err
	}

	return e.runWithRetry(ec, h, x.Step.RetryCountOnTaskFailure)
}

func (e *Executor) verify(ec *execution.Context, ref v1.TaskReference) error {
	if e.verifier == nil || e.verification == VerificationNone || e.verification == "" {
		return nil
	}

	ctx := ec.Context()
	if err := e.repo.Download(ctx, ref); err != nil {
		return err
	}

	if err := e.verifier.Verify(ctx, ref); err != nil {
		if e.verification == VerificationError {
			return err
		}

		ec.Warning("%s", err)
		return nil
	}

	// the verified archive replaces whatever has been extracted before
	return e.repo.Extract(ctx, ref)
}

// inputs merges definition defaults with step inputs, expands variables and maps file paths
// to the file system the handler runs in.
func (e *Executor) inputs(ec *execution.Context, def *Definition, step v1.TaskStep, target, runIn *container.Info) map[string]string {
	inputs := make(map[string]string, len(def.Inputs)+len(step.Inputs))
	for _, input := range def.Inputs {
		inputs[input.Name] = input.DefaultValue
	}

	for k, v := range step.Inputs {
		if input, ok := def.Input(k); ok {
			k = input.Name
		}

		inputs[k] = v
	}

	for k, v := range inputs {
		v = ec.Variables.Expand(v)
		if input, ok := def.Input(k); ok && input.Type == InputTypeFilePath && target != nil {
			if runIn != nil {
				v = target.TranslateToContainerPath(v)
			} else {
				v = target.TranslateToHostPath(v)
			}
		}

		inputs[k] = v
	}

	return inputs
}

func secretInjection(ec *execution.Context, step v1.TaskStep, inputs map[string]string) (bool, string) {
	if !strings.HasPrefix(step.Name, PreTargetTaskPrefix) && !strings.HasPrefix(step.Name, PostTargetTaskPrefix) {
		return false, ""
	}

	secrets := ec.Variables.Secrets()
	for k, v := range inputs {
		if strings.HasPrefix(strings.ToLower(k), targetInputPrefix) && v != "" && secrets.Contains(v) {
			return true, fmt.Sprintf("skipping %s: input %s of a decorator injected task contains a secret", step.DisplayName, k)
		}
	}

	return false, ""
}

func forkRestriction(ec *execution.Context, def *Definition, inputs map[string]string) (bool, string) {
	if !ec.Variables.Bool(VariableIsFork) || !ec.Variables.Bool(VariableRestrictSecret) {
		return false, ""
	}

	for _, input := range def.Inputs {
		if input.ReferencesCredentials() && inputs[input.Name] != "" {
			return true, fmt.Sprintf("skipping %s: input %s references a credential which is not available to builds of forked repositories", def.Name, input.Name)
		}
	}

	return false, ""
}

var errTaskFailed = errors.New("task failed")

// runWithRetry reruns the handler while the step result is Failed and retries remain.
// Cancellation and timeouts end the loop immediately.
func (e *Executor) runWithRetry(ec *execution.Context, h Handler, retries int) error {
	retries = min(max(retries, 0), MaxRetryCountOnTaskFailure)
	if retries == 0 {
		ec.ResetForceComplete()
		return h.Run(ec)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(retries), retry.BackoffFunc(func() (time.Duration, bool) {
		d := e.retryDelay(attempt)
		attempt++
		return d, false
	}))

	err := retry.Do(ec.Context(), backoff, func(ctx context.Context) error {
		if attempt > 0 {
			ec.ClearResult()
			ec.Output(fmt.Sprintf("Retrying task, attempt %d of %d", attempt, retries))
		}

		ec.ResetForceComplete()
		err := h.Run(ec)

		switch {
		case err != nil && (execution.IsCancellation(err) || ec.IsCanceled()):
			return err
		case err != nil:
			ec.Warning("task attempt %d failed: %s", attempt+1, err)
			return retry.RetryableError(err)
		case ptr.Deref(ec.Result(), "") == execution.Failed:
			return retry.RetryableError(errTaskFailed)
		}

		return nil
	})

	if errors.Is(err, errTaskFailed) {
		return nil
	}

	return err
}
