package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofrs/flock"
	"github.com/raffis/rageta-agent/internal/config"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/logagg"
	"github.com/raffis/rageta-agent/internal/mask"
	"github.com/raffis/rageta-agent/internal/server"
	"github.com/raffis/rageta-agent/internal/steps"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/utils/ptr"
)

type Phase string

const (
	PhaseConnecting   Phase = "Connecting"
	PhaseInitializing Phase = "Initializing"
	PhasePreJob       Phase = "PreJob"
	PhaseMain         Phase = "Main"
	PhasePostJob      Phase = "PostJob"
	PhaseFinalizing   Phase = "Finalizing"
	PhaseCompleted    Phase = "Completed"
)

const (
	connectAttempts  = 3
	completeAttempts = 5
)

var (
	ErrWorkDirectory = errors.New("work directory is not usable")
	ErrWorkLocked    = errors.New("work directory is locked by another job")
	ErrAgentShutdown = errors.New("the agent is shutting down")
)

// StepBuilder turns a job message into its step list and cleans up after the job.
type StepBuilder interface {
	InitializeJob(ec *execution.Context, msg *v1.JobRequestMessage, ext steps.Extension) (*steps.JobSteps, error)
	FinalizeJob(ec *execution.Context)
}

// StepRunner executes steps in order and aggregates their results into the job.
type StepRunner interface {
	Run(job *execution.Context, list []steps.Step) execution.Result
}

// ClientFactory opens the server connection of a job.
type ClientFactory func(msg *v1.JobRequestMessage) (server.Client, error)

// BuilderFactory creates the step builder of one job. aggregator is nil if log aggregation is disabled.
type BuilderFactory func(aggregator steps.LogAggregator) StepBuilder

type Option func(*Runner)

func WithLogger(log logr.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithLogDirectory enables aggregation of all step output into a compressed log file in dir.
func WithLogDirectory(dir string) Option {
	return func(r *Runner) {
		r.logDir = dir
	}
}

// WithPhaseObserver is called whenever the job enters a new phase.
func WithPhaseObserver(observer func(Phase)) Option {
	return func(r *Runner) {
		r.observer = observer
	}
}

func WithConnectBackoff(backoff func() retry.Backoff) Option {
	return func(r *Runner) {
		r.connectBackoff = backoff
	}
}

func WithCompleteBackoff(backoff func() retry.Backoff) Option {
	return func(r *Runner) {
		r.completeBackoff = backoff
	}
}

// Runner is the job orchestrator. It runs one job at a time from connecting to the server
// until the completion has been reported.
type Runner struct {
	settings        *config.Settings
	newClient       ClientFactory
	newBuilder      BuilderFactory
	steps           StepRunner
	log             logr.Logger
	tracer          trace.Tracer
	logDir          string
	observer        func(Phase)
	connectBackoff  func() retry.Backoff
	completeBackoff func() retry.Backoff
}

func NewRunner(settings *config.Settings, newClient ClientFactory, newBuilder BuilderFactory, stepRunner StepRunner, opts ...Option) *Runner {
	r := &Runner{
		settings:   settings,
		newClient:  newClient,
		newBuilder: newBuilder,
		steps:      stepRunner,
		log:        logr.Discard(),
		tracer:     noop.NewTracerProvider().Tracer(""),
		connectBackoff: func() retry.Backoff {
			return retry.NewConstant(time.Second)
		},
		completeBackoff: func() retry.Backoff {
			return retry.NewConstant(5 * time.Second)
		},
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

func (r *Runner) enter(phase Phase) {
	r.log.V(1).Info("job phase", "phase", phase)
	if r.observer != nil {
		r.observer(phase)
	}
}

// RunJob executes msg. The job is canceled once ctx is done. If shutdown is done before the
// job completes, the job fails with an agent shutdown issue. An error is only returned if the
// job could not be reported to the server.
func (r *Runner) RunJob(ctx context.Context, shutdown context.Context, msg *v1.JobRequestMessage) (execution.Result, error) {
	msg.SetDefaults()
	if err := msg.Validate(); err != nil {
		return execution.Failed, err
	}

	log := r.log.WithValues("job", msg.JobID, "plan", msg.PlanID)
	ctx, span := r.tracer.Start(ctx, "job.RunJob", trace.WithAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("plan.id", msg.PlanID),
	))
	defer span.End()

	r.enter(PhaseConnecting)
	client, err := r.newClient(msg)
	if err != nil {
		return execution.Failed, fmt.Errorf("failed to create server client: %w", err)
	}

	defer func() {
		if err := client.Close(); err != nil {
			log.V(1).Info("failed to close server connection", "error", err)
		}
	}()

	if err := r.connect(ctx, client); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return execution.Failed, fmt.Errorf("failed to connect to server: %w", err)
	}

	if r.settings.ServerURL != "" && !r.settings.IsHostedServer() {
		if rewriteServerURL(msg, r.settings.ServerURL) {
			log.V(1).Info("rewrote server urls", "serverURL", r.settings.ServerURL)
		}
	}

	secrets := mask.NewSecretStore(nil)
	variables := execution.NewVariables(secrets)
	for _, err := range seedVariables(variables, msg, r.settings) {
		log.V(1).Info("variable not seeded", "error", err)
	}

	expandResources(variables, msg)

	ec := execution.NewJobContext(ctx, execution.JobOptions{
		JobID:        msg.JobID,
		PlanID:       msg.PlanID,
		DisplayName:  msg.JobDisplayName,
		Endpoints:    msg.Resources.Endpoints,
		Repositories: msg.Resources.Repositories,
		SecureFiles:  msg.Resources.SecureFiles,
		Secrets:      secrets,
		Variables:    variables,
		Logger:       log,
	})

	if d := msg.Timeout.Duration; d > 0 {
		cancel := ec.SetTimeout(d)
		defer cancel()
	}

	reporter := server.NewReporter(client, server.WithReporterLogger(log))
	ec.AddSink(reporter)
	ec.Start()

	stop := watchShutdown(ec, shutdown)
	result := r.run(ec, msg, client)
	stop()

	r.enter(PhaseCompleted)
	final, err := r.complete(ctx, ec, msg, client, reporter, result)
	span.SetAttributes(attribute.String("job.result", final.String()))
	if final == execution.Failed {
		span.SetStatus(codes.Error, "job failed")
	}

	if err != nil {
		return final, fmt.Errorf("failed to report job completion: %w", err)
	}

	log.Info("job completed", "result", final)
	return final, nil
}

func (r *Runner) connect(ctx context.Context, client server.Client) error {
	backoff := retry.WithMaxRetries(connectAttempts-1, r.connectBackoff())
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := client.Connect(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, server.ErrPlanNotFound), errors.Is(err, server.ErrPlanSecurity):
			return err
		default:
			r.log.V(1).Info("failed to connect, retrying", "error", err)
			return retry.RetryableError(err)
		}
	})
}

// run executes everything between connecting and the completion report. Infrastructure
// failures are recorded as issues on the job and returned as the job result.
func (r *Runner) run(ec *execution.Context, msg *v1.JobRequestMessage, client server.Client) execution.Result {
	r.enter(PhaseInitializing)

	if err := validateWorkDirectory(r.settings.WorkDir); err != nil {
		ec.Error(err)
		return execution.Failed
	}

	lock := flock.New(filepath.Join(r.settings.WorkDir, ".lock"))
	locked, err := lock.TryLockContext(ec.Context(), 500*time.Millisecond)
	switch {
	case err != nil && ec.IsCanceled():
		return execution.Canceled
	case err != nil:
		ec.Error(fmt.Errorf("%w: %w", ErrWorkLocked, err))
		return execution.Failed
	case !locked:
		ec.Error(ErrWorkLocked)
		return execution.Failed
	}

	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.V(1).Info("failed to release work directory lock", "error", err)
		}
	}()

	var aggregator *logagg.Aggregator
	var builder StepBuilder
	if r.logDir != "" {
		aggregator = logagg.New(r.logDir, logagg.WithLogger(r.log))
		builder = r.newBuilder(aggregator)
	} else {
		builder = r.newBuilder(nil)
	}

	defer func() {
		r.enter(PhaseFinalizing)
		builder.FinalizeJob(ec)

		if aggregator != nil && r.diagnosticsEnabled(ec) {
			if err := uploadDiagnostics(context.WithoutCancel(ec.Context()), client, aggregator.Path()); err != nil {
				r.log.Error(err, "diagnostic log upload failed")
			}
		}
	}()

	list, err := builder.InitializeJob(ec, msg, steps.HooksExtension(msg.Hooks))
	if err != nil {
		ec.Error(err)
		return ptr.Deref(ec.Result(), execution.Failed)
	}

	r.enter(PhasePreJob)
	r.steps.Run(ec, list.PreJob)
	r.enter(PhaseMain)
	r.steps.Run(ec, list.Main)
	r.enter(PhasePostJob)
	return r.steps.Run(ec, list.PostJob)
}

func (r *Runner) diagnosticsEnabled(ec *execution.Context) bool {
	return r.settings.DiagnosticUpload || ec.Variables.Bool(VariableSystemDebug)
}

// complete reports the final job result. It runs even if the job got canceled.
func (r *Runner) complete(ctx context.Context, ec *execution.Context, msg *v1.JobRequestMessage, client server.Client, reporter *server.Reporter, result execution.Result) (execution.Result, error) {
	final := ptr.Deref(execution.MergeResults(ec.Result(), result), execution.Succeeded)
	switch cause := ec.Err(); {
	case errors.Is(cause, ErrAgentShutdown), errors.Is(cause, execution.ErrTimeout):
		final = execution.Failed
	case cause != nil:
		final = execution.Canceled
	}

	final = ec.Complete(&final)
	ctx = context.WithoutCancel(ctx)

	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := reporter.Flush(flushCtx); err != nil {
		r.log.V(1).Info("failed to flush job feedback", "error", err)
	}

	event := server.JobCompleted{
		JobID:     msg.JobID,
		PlanID:    msg.PlanID,
		RequestID: msg.RequestID,
		Result:    final,
	}

	backoff := retry.WithMaxRetries(completeAttempts-1, r.completeBackoff())
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := client.RaiseCompleted(ctx, event)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, server.ErrPlanNotFound), errors.Is(err, server.ErrPlanSecurity):
			return err
		default:
			r.log.V(1).Info("failed to report job completion, retrying", "error", err)
			return retry.RetryableError(err)
		}
	})

	if err != nil {
		return execution.Failed, err
	}

	return final, nil
}

// watchShutdown cancels the job with a fatal issue once shutdown is done.
// The returned func stops watching.
func watchShutdown(ec *execution.Context, shutdown context.Context) func() {
	if shutdown == nil {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		select {
		case <-shutdown.Done():
			ec.Error(ErrAgentShutdown)
			ec.SetResult(execution.Failed)
			ec.Cancel(ErrAgentShutdown)
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
