package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/config"
	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/dockersetup"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/invoke"
	"github.com/raffis/rageta-agent/internal/job"
	"github.com/raffis/rageta-agent/internal/otelsetup"
	"github.com/raffis/rageta-agent/internal/processor"
	"github.com/raffis/rageta-agent/internal/restriction"
	"github.com/raffis/rageta-agent/internal/server"
	"github.com/raffis/rageta-agent/internal/steps"
	"github.com/raffis/rageta-agent/internal/task"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const otelName = "github.com/raffis/rageta-agent"

// accessTokenParameter holds the job token on the system connection endpoint.
const accessTokenParameter = "AccessToken"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a job request message",
	Long: `Execute a job request message read from a YAML or JSON file.
Without a server url the job runs in local mode and reports to the agent log.`,
	RunE: runRun,
}

type runFlags struct {
	message          string        `env:"MESSAGE"`
	taskArchives     string        `env:"TASK_ARCHIVES"`
	taskDigests      string        `env:"TASK_DIGESTS"`
	dockerQuiet      bool          `env:"DOCKER_QUIET"`
	restrictEnforced bool          `env:"RESTRICTIONS_ENFORCED"`
	waitDelay        time.Duration `env:"WAIT_DELAY"`
	otelOptions      otelsetup.Options
	dockerOptions    dockersetup.Options
}

var runArgs = runFlags{}

func init() {
	runCmd.Flags().StringVarP(&runArgs.message, "message", "m", "", "Path to the job request message.")
	runCmd.Flags().StringVarP(&runArgs.taskArchives, "task-archives", "", "", "Directory containing task archives named <id>_<version>.zip.")
	runCmd.Flags().StringVarP(&runArgs.taskDigests, "task-digests", "", "", "File with the expected blake3 digests of task archives.")
	runCmd.Flags().BoolVarP(&runArgs.dockerQuiet, "docker-quiet", "q", false, "Suppress the docker pull output.")
	runCmd.Flags().BoolVarP(&runArgs.restrictEnforced, "enforce-restrictions", "", true, "Enforce task command restrictions. If disabled denials are only warned about.")
	runCmd.Flags().DurationVarP(&runArgs.waitDelay, "wait-delay", "", 10*time.Second, "Grace period for processes to exit after their step got canceled.")
	_ = runCmd.MarkFlagRequired("message")

	config.BindFlags(runCmd.Flags())
	runArgs.otelOptions.BindFlags(runCmd.Flags())
	runArgs.dockerOptions.BindFlags(runCmd.Flags())

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(rootArgs.root, cmd.Flags())
	if err != nil {
		return err
	}

	msg, err := v1.LoadMessage(runArgs.message)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, stop := context.WithCancel(context.Background())
	defer stop()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		for sig := range signals {
			logger.Info("received signal", "signal", sig)
			if sig == syscall.SIGTERM {
				stop()
				continue
			}

			cancel()
		}
	}()

	tp, err := runArgs.otelOptions.BuildTraceProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}

	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error(err, "failed to flush traces")
		}
	}()

	mp, err := runArgs.otelOptions.BuildMeterProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup metrics: %w", err)
	}

	if mp != nil {
		otel.SetMeterProvider(mp)
		defer func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				logger.Error(err, "failed to flush metrics")
			}
		}()
	}

	stepRunner, err := createStepRunner(tp.Tracer(otelName))
	if err != nil {
		return err
	}

	newBuilder, err := createStepBuilder(cmd, settings)
	if err != nil {
		return err
	}

	runner := job.NewRunner(settings, clientFactory(settings, logger), newBuilder, stepRunner,
		job.WithLogger(logger),
		job.WithTracer(tp.Tracer(otelName)),
		job.WithLogDirectory(settings.DiagDir),
	)

	result, err := runner.RunJob(ctx, shutdown, msg)
	if err != nil {
		return err
	}

	switch result {
	case execution.Failed, execution.Canceled:
		return fmt.Errorf("job %s finished with result %s", msg.JobID, result)
	}

	return nil
}

func createStepRunner(tracer trace.Tracer) (*processor.Runner, error) {
	metrics, err := processor.WithOtelMetrics(otel.Meter(otelName))
	if err != nil {
		return nil, fmt.Errorf("failed to setup step metrics: %w", err)
	}

	return processor.NewRunner(
		processor.WithLogger(logger),
		processor.WithProcessors(
			processor.WithOtelTrace(logger, tracer),
			metrics,
		),
	), nil
}

func createStepBuilder(cmd *cobra.Command, settings *config.Settings) (job.BuilderFactory, error) {
	runArgs.dockerOptions.SetDefaultOptions(cmd.Flags())
	dockerClient, err := runArgs.dockerOptions.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	engine := container.NewDocker(dockerClient,
		container.WithDockerLogger(logger),
		container.WithHidePullOutput(runArgs.dockerQuiet),
	)

	dockerSocket := settings.DockerSocket
	if socket := runArgs.dockerOptions.Socket(); socket != "" {
		dockerSocket = socket
	}

	manager := container.NewManager(engine, container.Settings{
		HostOS:             runtime.GOOS,
		AgentRoot:          settings.Root,
		WorkDir:            settings.WorkDir,
		ToolsDir:           settings.ToolsDir,
		TasksDir:           settings.TasksDir,
		ExternalsDir:       settings.ExternalsDir,
		TaskKeyFile:        settings.TaskKeyFile(),
		HostNetwork:        settings.HostNetwork,
		DockerSocket:       dockerSocket,
		DockerGroupName:    settings.DockerGroup,
		RuntimeDir:         settings.RuntimeDir,
		RuntimeFallbackDir: settings.RuntimeFallbackDir,
		RuntimeBinary:      settings.RuntimeBinary,
		HostUID:            settings.HostUID,
		HostGID:            settings.HostGID,
		HostUserName:       settings.HostUserName,
	}, container.WithLogger(logger))

	processes := invoke.NewProcessInvoker(runArgs.waitDelay)
	checker := restriction.NewChecker(restriction.WithEnforcement(runArgs.restrictEnforced))
	invoker := invoke.NewInvoker(processes, engine, invoke.Settings{
		HostOS:        runtime.GOOS,
		RuntimeDir:    settings.RuntimeDir,
		RuntimeBinary: settings.RuntimeBinary,
		WorkDir:       settings.WorkDir,
	},
		invoke.WithLogger(logger),
		invoke.WithCommandProcessor(invoke.NewCommandProcessor(checker)),
	)

	var sources []task.Source
	if runArgs.taskArchives != "" {
		sources = append(sources, task.WithArchiveDirectory(runArgs.taskArchives))
	}

	if settings.ServerURL != "" {
		sources = append(sources, task.WithHTTP(settings.ServerURL, http.DefaultClient))
	}

	repo := task.NewFileRepository(settings.TasksDir,
		task.WithRepositoryLogger(logger),
		task.WithSources(sources...),
	)

	verifier, err := createVerifier(repo, runArgs.taskDigests, settings.VerificationMode, logger)
	if err != nil {
		return nil, err
	}

	executor := task.NewExecutor(repo, invoker,
		task.WithLogger(logger),
		task.WithHostOS(runtime.GOOS),
		task.WithPluginRegistry(task.DefaultPlugins()),
		task.WithPreferScriptHandler(settings.PreferScriptHandler),
		task.WithVerifier(verifier, settings.VerificationMode),
	)

	stepSettings := steps.Settings{
		WorkDir:        settings.WorkDir,
		TaskKeyFile:    settings.TaskKeyFile(),
		TaskKeyCleanup: settings.TaskKeyCleanup,
		OrphanCleanup:  settings.OrphanCleanup,
	}

	return func(aggregator steps.LogAggregator) job.StepBuilder {
		if aggregator == nil {
			return steps.NewBuilder(manager, executor, processes, stepSettings, steps.WithLogger(logger))
		}

		return steps.NewBuilder(manager, executor, processes, stepSettings,
			steps.WithLogger(logger),
			steps.WithLogAggregator(aggregator),
		)
	}, nil
}

// createVerifier returns nil if no digests are configured, the executor skips verification then.
// Without digests the Error mode cannot be honored and is refused.
func createVerifier(repo *task.FileRepository, digestsFile string, mode task.VerificationMode, log logr.Logger) (task.Verifier, error) {
	if digestsFile == "" {
		switch mode {
		case task.VerificationError:
			return nil, fmt.Errorf("verification mode %s requires task digests, use --task-digests", mode)
		case task.VerificationWarning:
			log.Info("no task digests configured, task packages are not verified", "verificationMode", mode)
		}

		return nil, nil
	}

	digests, err := task.LoadDigests(digestsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load task digests: %w", err)
	}

	return task.NewDigestVerifier(repo, digests), nil
}

// clientFactory connects jobs to the configured server or reports to the agent log in local mode.
func clientFactory(settings *config.Settings, log logr.Logger) job.ClientFactory {
	return func(msg *v1.JobRequestMessage) (server.Client, error) {
		if settings.ServerURL == "" {
			return server.NewLoggingClient(log, os.Stdout), nil
		}

		token := settings.Token
		if system, ok := msg.Endpoint(v1.SystemConnectionEndpoint); ok {
			if t := system.Authorization.Parameters[accessTokenParameter]; t != "" {
				token = t
			}
		}

		if token == "" {
			return nil, errors.New("no access token available for the job connection")
		}

		client, err := server.NewWebsocketClient(settings.ServerURL, msg.PlanID, msg.JobID, token, server.WithLogger(log))
		if err != nil {
			return nil, err
		}

		return client, nil
	}
}
