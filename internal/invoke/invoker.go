package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/container"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/procs"
	"github.com/raffis/rageta-agent/internal/task"
)

// VariablePrependPath collects the directories tasks asked to put in front of PATH.
const VariablePrependPath = "Rageta.PrependPath"

const pathListSeparator = os.PathListSeparator

var errForceCompleted = errors.New("task completed by logging command")

// Settings locate the host side script runtimes.
type Settings struct {
	HostOS        string
	RuntimeDir    string
	RuntimeBinary string
	WorkDir       string
}

// Plugin is a compiled in agent plugin. Plugins always run on the host.
type Plugin func(ec *execution.Context, inv task.Invocation) error

type invokerOption func(*Invoker)

func WithLogger(log logr.Logger) invokerOption {
	return func(i *Invoker) {
		i.log = log
	}
}

func WithCommandProcessor(p *CommandProcessor) invokerOption {
	return func(i *Invoker) {
		i.commands = p
	}
}

func WithPlugin(id string, plugin Plugin) invokerOption {
	return func(i *Invoker) {
		i.plugins[id] = plugin
	}
}

// Invoker creates handlers for task invocations, running script handlers either as host
// processes or inside the job container.
type Invoker struct {
	settings  Settings
	processes ProcessInvoker
	engine    container.Engine
	commands  *CommandProcessor
	plugins   map[string]Plugin
	log       logr.Logger
}

func NewInvoker(processes ProcessInvoker, engine container.Engine, settings Settings, opts ...invokerOption) *Invoker {
	i := &Invoker{
		settings:  settings,
		processes: processes,
		engine:    engine,
		commands:  NewCommandProcessor(nil),
		plugins:   make(map[string]Plugin),
		log:       logr.Discard(),
	}

	if i.settings.RuntimeBinary == "" {
		i.settings.RuntimeBinary = "bin/node"
	}

	i.plugins[task.PluginSetVariables] = i.setVariablesPlugin
	i.plugins[task.PluginCleanup] = i.cleanupPlugin

	for _, o := range opts {
		o(i)
	}

	return i
}

func (i *Invoker) Create(ec *execution.Context, inv task.Invocation) (task.Handler, error) {
	if _, ok := inv.Handler.(task.AgentPluginHandler); ok {
		return &pluginHandler{invoker: i, inv: inv}, nil
	}

	if task.IsScript(inv.Handler) {
		return &scriptHandler{invoker: i, inv: inv}, nil
	}

	return nil, fmt.Errorf("handler %s can not be invoked", inv.Handler.Kind())
}

type pluginHandler struct {
	invoker *Invoker
	inv     task.Invocation
}

func (h *pluginHandler) Run(ec *execution.Context) error {
	if len(h.inv.Plugins) == 0 {
		return fmt.Errorf("no agent plugin registered for task %s", h.inv.Task.ID)
	}

	for _, id := range h.inv.Plugins {
		plugin, ok := h.invoker.plugins[id]
		if !ok {
			return fmt.Errorf("agent plugin %s is not available", id)
		}

		ec.Logger().V(1).Info("run agent plugin", "plugin", id)
		if err := plugin(ec, h.inv); err != nil {
			return fmt.Errorf("agent plugin %s failed: %w", id, err)
		}
	}

	return nil
}

type scriptHandler struct {
	invoker *Invoker
	inv     task.Invocation
}

func (h *scriptHandler) Run(ec *execution.Context) error {
	file, args := h.command()
	env := h.environment(ec)

	ctx, cancel := context.WithCancelCause(ec.Context())
	defer cancel(nil)

	force := ec.ForceCompleted()
	go func() {
		select {
		case <-force:
			cancel(errForceCompleted)
		case <-ctx.Done():
		}
	}()

	output := func(line string) {
		if !h.invoker.commands.Process(ec, line) {
			ec.Output(line)
		}
	}

	var (
		code int
		err  error
	)

	if c := h.inv.Container; c != nil {
		var user string
		if u := c.User(); u != nil {
			user = u.ID
		}

		code, err = h.invoker.engine.Exec(ctx, c.ID(), container.ExecSpec{
			User:       user,
			Cmd:        append([]string{file}, args...),
			Env:        env,
			WorkingDir: h.workingDir(),
			Stdout:     output,
			Stderr:     output,
		})
	} else {
		if prepend := ec.Variables.GetOrDefault(VariablePrependPath, ""); prepend != "" {
			env["PATH"] = prepend + string(pathListSeparator) + os.Getenv("PATH")
		}

		code, err = h.invoker.processes.Execute(ctx, ProcessSpec{
			WorkingDir: h.workingDir(),
			File:       file,
			Args:       args,
			Env:        env,
			InheritEnv: true,
			Stdout:     output,
			Stderr:     output,
		})
	}

	if errors.Is(context.Cause(ctx), errForceCompleted) {
		return nil
	}

	if err != nil {
		return err
	}

	if code != 0 {
		ec.Error(fmt.Errorf("%s exited with code %d", filepath.Base(file), code))
		ec.MergeResult(execution.Failed)
		return nil
	}

	if ec.Result() == nil {
		ec.SetResult(execution.Succeeded)
	}

	return nil
}

func (h *scriptHandler) path(p string) string {
	if h.inv.Container != nil {
		return h.inv.Container.TranslateToContainerPath(p)
	}

	return p
}

func (h *scriptHandler) workingDir() string {
	if dir := h.inv.Handler.Base().WorkingDirectory; dir != "" {
		return h.path(dir)
	}

	if h.inv.Container != nil {
		return container.ContainerWorkPath
	}

	return h.invoker.settings.WorkDir
}

func (h *scriptHandler) command() (string, []string) {
	base := h.inv.Handler.Base()
	script := h.path(filepath.Join(h.inv.Definition.Directory, base.Target))
	arguments := strings.Fields(h.inv.Inputs["arguments"])
	if base.ArgumentFormat != "" {
		arguments = strings.Fields(expandInputs(base.ArgumentFormat, h.inv.Inputs))
	}

	switch h.inv.Handler.(type) {
	case task.NodeHandler:
		runtime := filepath.Join(h.invoker.settings.RuntimeDir, h.invoker.settings.RuntimeBinary)
		if h.inv.Container != nil {
			runtime = h.inv.Container.RuntimePath()
			if runtime == "" {
				runtime = "node"
			}
		}

		return runtime, []string{script}
	case task.PowerShell3Handler, task.PowerShellExeHandler:
		shell := "pwsh"
		if h.inv.Container == nil && h.invoker.settings.HostOS == "windows" {
			shell = "powershell.exe"
		}

		command := fmt.Sprintf(". '%s' %s", strings.ReplaceAll(script, "'", "''"), strings.Join(arguments, " "))
		return shell, []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Unrestricted", "-Command", strings.TrimSpace(command)}
	}

	return script, arguments
}

var inputReference = regexp.MustCompile(`\$\(([^()]+)\)`)

func expandInputs(s string, inputs map[string]string) string {
	return inputReference.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		for k, v := range inputs {
			if strings.EqualFold(k, name) {
				return v
			}
		}

		return m
	})
}

var envNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// EnvName converts a variable or input name into an environment variable name.
func EnvName(name string) string {
	return strings.ToUpper(envNameSanitizer.ReplaceAllString(name, "_"))
}

// environment exposes non secret variables, inputs, endpoints and secure files to the process.
func (h *scriptHandler) environment(ec *execution.Context) map[string]string {
	env := make(map[string]string)
	for name, value := range h.inv.Variables {
		if ec.Variables.IsSecret(name) {
			continue
		}

		env[EnvName(name)] = h.path(value)
	}

	for name, value := range h.inv.Inputs {
		env["INPUT_"+EnvName(name)] = value
	}

	for _, endpoint := range h.inv.Endpoints {
		id := EnvName(endpoint.ID)
		env["ENDPOINT_URL_"+id] = endpoint.URL
		if b, err := json.Marshal(endpoint.Authorization); err == nil {
			env["ENDPOINT_AUTH_"+id] = string(b)
		}

		for k, v := range endpoint.Data {
			env["ENDPOINT_DATA_"+id+"_"+EnvName(k)] = v
		}
	}

	for _, file := range h.inv.SecureFiles {
		env["SECUREFILE_NAME_"+EnvName(file.ID)] = file.Name
	}

	for k, v := range h.inv.Environment {
		env[k] = v
	}

	if id := ec.ProcessLookupID(); id != "" {
		env[procs.LookupIDEnv] = id
	}

	return env
}
