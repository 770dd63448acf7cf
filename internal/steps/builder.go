package steps

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/invoke"
	"github.com/raffis/rageta-agent/internal/procs"
	"github.com/raffis/rageta-agent/internal/restriction"
	"github.com/raffis/rageta-agent/internal/task"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"k8s.io/utils/ptr"
)

// Settings control the job scoped resources created by the builder.
type Settings struct {
	WorkDir string
	// TaskKeyFile is created during initialization and mounted into the job container.
	TaskKeyFile    string
	TaskKeyCleanup bool
	OrphanCleanup  bool
}

// LogAggregator collects the output of every step of a job next to the step log stream.
type LogAggregator interface {
	Start(ec *execution.Context, steps []string) error
	Wait() error
}

// Extension contributes optional hook steps at the outer edges of a job.
type Extension interface {
	PreJobHook() *v1.ScriptHook
	PostJobHook() *v1.ScriptHook
}

// HooksExtension runs the hooks declared in the job message.
type HooksExtension v1.JobHooks

func (e HooksExtension) PreJobHook() *v1.ScriptHook  { return e.PreJob }
func (e HooksExtension) PostJobHook() *v1.ScriptHook { return e.PostJob }

// JobSteps is the ordered step list of a job.
type JobSteps struct {
	PreJob  []Step
	Main    []Step
	PostJob []Step
}

// All returns pre-job, main and post-job steps in execution order.
func (j *JobSteps) All() []Step {
	all := make([]Step, 0, len(j.PreJob)+len(j.Main)+len(j.PostJob))
	all = append(all, j.PreJob...)
	all = append(all, j.Main...)
	return append(all, j.PostJob...)
}

type builderOption func(*Builder)

func WithLogger(log logr.Logger) builderOption {
	return func(b *Builder) {
		b.log = log
	}
}

func WithProcessTable(table procs.Table) builderOption {
	return func(b *Builder) {
		b.table = table
	}
}

func WithLogAggregator(aggregator LogAggregator) builderOption {
	return func(b *Builder) {
		b.aggregator = aggregator
	}
}

// Builder turns a job request message into its ordered step list. A Builder serves a single job.
type Builder struct {
	manager    ContainerManager
	executor   TaskExecutor
	processes  invoke.ProcessInvoker
	table      procs.Table
	aggregator LogAggregator
	settings   Settings
	log        logr.Logger

	snapshot procs.Snapshot
	lookupID string
}

func NewBuilder(manager ContainerManager, executor TaskExecutor, processes invoke.ProcessInvoker, settings Settings, opts ...builderOption) *Builder {
	b := &Builder{
		manager:   manager,
		executor:  executor,
		processes: processes,
		settings:  settings,
		log:       logr.Discard(),
	}

	for _, o := range opts {
		o(b)
	}

	if b.table == nil {
		b.table = procs.NewTable()
	}

	return b
}

// InitializeJob builds the pre-job, main and post-job steps. On failure the job result is set to
// Canceled if the job got canceled, Failed otherwise.
func (b *Builder) InitializeJob(ec *execution.Context, msg *v1.JobRequestMessage, ext Extension) (steps *JobSteps, err error) {
	defer func() {
		switch {
		case err == nil:
		case ec.IsCanceled() || execution.IsCancellation(err):
			ec.SetResult(execution.Canceled)
		default:
			ec.SetResult(execution.Failed)
		}
	}()

	containers, err := Containers(msg)
	if err != nil {
		return nil, err
	}

	var jobContainer *container.Info
	for _, c := range containers {
		if c.IsJobContainer() {
			jobContainer = c
		}
	}

	steps = &JobSteps{}
	var post []Step

	if len(containers) > 0 {
		steps.PreJob = append(steps.PreJob, b.containerStep(ec, true, containers))
		post = append(post, b.containerStep(ec, false, containers))
	}

	ctx := ec.Context()
	for _, step := range msg.Steps {
		if !step.IsEnabled() {
			b.log.V(1).Info("skip disabled step", "step", step.DisplayName)
			continue
		}

		if ctx.Err() != nil {
			return nil, ec.Err()
		}

		def, err := b.executor.Definition(ctx, step.Reference)
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s@%s: %w", step.Reference.Name, step.Reference.Version, err)
		}

		var restrictions []v1.TaskRestrictions
		if def.Restrictions != nil {
			restrictions = append(restrictions, *def.Restrictions)
		}

		restrictions = append(restrictions, restriction.FromTarget(step.Target)...)

		target := jobContainer
		if step.Target != nil && strings.EqualFold(step.Target.Target, v1.TargetHost) {
			target = nil
		}

		if def.HasStage(task.StagePreJob) {
			steps.PreJob = append(steps.PreJob, b.taskStep(ec, step, task.StagePreJob, target, restrictions))
		}

		if def.HasStage(task.StageMain) {
			steps.Main = append(steps.Main, b.taskStep(ec, step, task.StageMain, target, restrictions))
		}

		if def.HasStage(task.StagePostJob) {
			post = append(post, b.taskStep(ec, step, task.StagePostJob, target, restrictions))
		}
	}

	slices.Reverse(post)
	steps.PostJob = post

	if ext != nil {
		if hook := ext.PreJobHook(); hook != nil {
			steps.PreJob = append([]Step{b.hookStep(ec, "__system_prejobhook", "Pre-job hook", *hook, ConditionSucceeded)}, steps.PreJob...)
		}

		if hook := ext.PostJobHook(); hook != nil {
			steps.PostJob = append(steps.PostJob, b.hookStep(ec, "__system_postjobhook", "Post-job hook", *hook, ConditionAlways))
		}
	}

	if err := b.prepare(ec, steps.All()); err != nil {
		return nil, err
	}

	return steps, nil
}

func (b *Builder) prepare(ec *execution.Context, all []Step) error {
	if b.aggregator != nil {
		names := make([]string, 0, len(all))
		for _, s := range all {
			names = append(names, s.DisplayName())
		}

		if err := b.aggregator.Start(ec, names); err != nil {
			return fmt.Errorf("failed to start log aggregation: %w", err)
		}
	}

	if b.settings.TaskKeyFile != "" {
		if err := os.WriteFile(b.settings.TaskKeyFile, []byte(uuid.NewString()), 0o600); err != nil {
			return fmt.Errorf("failed to write task key: %w", err)
		}
	}

	if !b.settings.OrphanCleanup {
		return nil
	}

	snapshot, err := b.table.Snapshot()
	if errors.Is(err, procs.ErrUnsupported) {
		b.log.Info("orphan process cleanup is not supported on this host", "os", runtime.GOOS)
		ec.Output("Orphan process cleanup is not supported on this host")
		return nil
	}

	if err != nil {
		b.log.Error(err, "orphan process cleanup disabled, failed to snapshot process table")
		return nil
	}

	b.snapshot = snapshot
	b.lookupID = uuid.NewString()
	ec.SetProcessLookupID(b.lookupID)
	return nil
}

// FinalizeJob releases the job scoped resources. Failures are logged only.
func (b *Builder) FinalizeJob(ec *execution.Context) {
	if b.aggregator != nil {
		if err := b.aggregator.Wait(); err != nil {
			b.log.Error(err, "log aggregation failed")
		}
	}

	if b.settings.TaskKeyCleanup && b.settings.TaskKeyFile != "" {
		if err := os.Remove(b.settings.TaskKeyFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.log.V(1).Info("failed to remove task key", "error", err.Error())
		}
	}

	if b.snapshot == nil {
		return
	}

	for _, p := range procs.KillOrphans(b.log, b.table, b.snapshot, b.lookupID) {
		ec.Output(fmt.Sprintf("Terminated orphan process %s (%d)", p.Name, p.PID))
	}
}

func (b *Builder) containerStep(ec *execution.Context, start bool, containers []*container.Info) Step {
	id, name, condition := "__system_initializecontainers", "Initialize containers", ConditionSucceeded
	if !start {
		id, name, condition = "__system_stopcontainers", "Stop containers", ConditionAlways
	}

	return &ContainerStep{
		base: base{
			id:          id,
			displayName: name,
			condition:   condition,
			ec:          ec.CreateChild(id, name),
		},
		Start:      start,
		Containers: containers,
		manager:    b.manager,
	}
}

func (b *Builder) taskStep(ec *execution.Context, step v1.TaskStep, stage task.Stage, target *container.Info, restrictions []v1.TaskRestrictions) Step {
	id, name, condition := step.ID, step.DisplayName, step.Condition
	switch stage {
	case task.StagePreJob:
		id, name = "pre_"+step.ID, "Pre-job: "+step.DisplayName
	case task.StagePostJob:
		id, name, condition = "post_"+step.ID, "Post-job: "+step.DisplayName, ConditionAlways
	}

	if condition == "" {
		condition = ConditionSucceeded
	}

	return &TaskStep{
		base: base{
			id:          id,
			displayName: name,
			condition:   condition,
			ec: ec.CreateChild(id, name,
				execution.WithRestrictions(restrictions...),
				execution.WithOutputForwarding(stage != task.StagePostJob),
			),
		},
		Task:      step,
		Stage:     stage,
		Container: target,
		executor:  b.executor,
	}
}

func (b *Builder) hookStep(ec *execution.Context, id, name string, hook v1.ScriptHook, condition string) Step {
	if hook.DisplayName != "" {
		name = hook.DisplayName
	}

	return &HookStep{
		base: base{
			id:          id,
			displayName: name,
			condition:   condition,
			ec:          ec.CreateChild(id, name),
		},
		Hook:      hook,
		processes: b.processes,
		workDir:   b.settings.WorkDir,
	}
}

// Containers declares the job container followed by the service containers ordered by network alias.
func Containers(msg *v1.JobRequestMessage) ([]*container.Info, error) {
	var containers []*container.Info
	if msg.JobContainer != "" {
		res, ok := msg.ContainerResource(msg.JobContainer)
		if !ok {
			return nil, fmt.Errorf("job container `%s` is not declared", msg.JobContainer)
		}

		spec := containerSpec(res)
		spec.IsJobContainer = true
		spec.MapDockerSocket = ptr.Deref(res.MapDockerSocket, true)
		containers = append(containers, container.NewInfo(spec))
	}

	aliases := make([]string, 0, len(msg.JobSidecarContainers))
	for alias := range msg.JobSidecarContainers {
		aliases = append(aliases, alias)
	}

	sort.Strings(aliases)
	for _, alias := range aliases {
		res, ok := msg.ContainerResource(msg.JobSidecarContainers[alias])
		if !ok {
			return nil, fmt.Errorf("service container `%s` is not declared", msg.JobSidecarContainers[alias])
		}

		spec := containerSpec(res)
		spec.NetworkAlias = alias
		containers = append(containers, container.NewInfo(spec))
	}

	return containers, nil
}

func containerSpec(res v1.ContainerResource) container.Spec {
	return container.Spec{
		Alias:            res.Alias,
		Image:            res.Image,
		RegistryEndpoint: res.Endpoint,
		Options:          res.Options,
		Environment:      res.Environment,
		Ports:            res.Ports,
		Volumes:          res.Volumes,
	}
}
