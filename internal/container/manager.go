package container

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"runtime"
	"strings"

	"github.com/distribution/reference"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/raffis/rageta-agent/internal/xio"
	"github.com/sethvargo/go-retry"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const (
	// InstanceLabel tags every container and network created by an agent instance.
	InstanceLabel = "rageta.agent.instance"

	HostNetwork = "host"

	VariableContainerMapping = "Agent.ContainerMapping"
	VariableContainerNetwork = "Agent.ContainerNetwork"
)

// Settings are the host facts the manager derives mounts, names and users from.
type Settings struct {
	HostOS             string
	AgentRoot          string
	WorkDir            string
	ToolsDir           string
	TasksDir           string
	ExternalsDir       string
	TaskKeyFile        string
	HostNetwork        bool
	DockerSocket       string
	DockerGroupName    string
	RuntimeDir         string
	RuntimeFallbackDir string
	RuntimeBinary      string
	HostUID            string
	HostGID            string
	HostUserName       string
}

type Option func(*Manager)

func WithLogger(log logr.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func WithHealthBackoff(backoff func() retry.Backoff) Option {
	return func(m *Manager) {
		m.healthBackoff = backoff
	}
}

func WithTokenExchanger(t *TokenExchanger) Option {
	return func(m *Manager) {
		m.tokens = t
	}
}

// WithHostCheck replaces the check refusing container jobs inside a container.
func WithHostCheck(check func() error) Option {
	return func(m *Manager) {
		m.hostCheck = check
	}
}

// Manager implements the container lifecycle of a job: pull, create, start, provision,
// health check, stop and remove.
type Manager struct {
	engine        Engine
	settings      Settings
	log           logr.Logger
	healthBackoff func() retry.Backoff
	tokens        *TokenExchanger
	hostCheck     func() error
}

func NewManager(engine Engine, settings Settings, opts ...Option) *Manager {
	m := &Manager{
		engine:        engine,
		settings:      settings,
		log:           logr.Discard(),
		healthBackoff: DefaultHealthBackoff,
		tokens:        NewTokenExchanger(),
		hostCheck:     hostCheck,
	}

	if m.settings.HostOS == "" {
		m.settings.HostOS = runtime.GOOS
	}

	if m.settings.DockerSocket == "" {
		m.settings.DockerSocket = "/var/run/docker.sock"
	}

	if m.settings.RuntimeBinary == "" {
		m.settings.RuntimeBinary = "bin/node"
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Instance returns the label value identifying resources of this agent installation.
func (m *Manager) Instance() string {
	sum := blake3.Sum256([]byte(m.settings.AgentRoot))
	return hex.EncodeToString(sum[:8])
}

func (m *Manager) instanceLabel() string {
	return InstanceLabel + "=" + m.Instance()
}

// StartContainers brings up the job and service containers. Any error is fatal to the job.
func (m *Manager) StartContainers(ec *execution.Context, containers []*Info) error {
	ctx := ec.Context()

	if err := m.checkEnvironment(ctx); err != nil {
		return err
	}

	m.removeStale(ctx)

	for _, info := range containers {
		if err := m.pull(ctx, ec, info); err != nil {
			return err
		}
	}

	network := HostNetwork
	if !m.settings.HostNetwork {
		network = "rageta_network_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := m.engine.NetworkCreate(ctx, network, map[string]string{InstanceLabel: m.Instance()}); err != nil {
			return fmt.Errorf("failed to create network %s: %w", network, err)
		}

		m.log.V(1).Info("created container network", "network", network)
	}

	for _, info := range containers {
		if err := m.start(ctx, ec, info, network); err != nil {
			m.removeUnusedNetwork(ec, containers, network)
			return err
		}
	}

	for _, info := range containers {
		if !info.IsJobContainer() {
			continue
		}

		if err := m.provision(ctx, ec, info); err != nil {
			return err
		}
	}

	for _, info := range containers {
		if info.IsJobContainer() {
			continue
		}

		if err := m.waitHealthy(ctx, ec, info); err != nil {
			return err
		}

		if s, ok := info.Stage().(Started); ok {
			info.advance(s.Healthy())
		}
	}

	return m.publishMapping(ec, containers, network)
}

// StopContainers stops and removes all containers and the shared network. It never fails,
// problems are reported as warnings.
func (m *Manager) StopContainers(ec *execution.Context, containers []*Info) error {
	ctx := context.WithoutCancel(ec.Context())

	var g errgroup.Group
	networks := make(map[string]struct{})

	for _, info := range containers {
		if n := info.Network(); n != "" && n != HostNetwork {
			networks[n] = struct{}{}
		}

		id := info.ID()
		if id == "" {
			continue
		}

		g.Go(func() error {
			ec.Output(fmt.Sprintf("Stop and remove container: %s", info.Name()))

			if err := m.engine.Stop(ctx, id); err != nil {
				ec.Warning("failed to stop container %s: %s", info.Name(), err)
			}

			if c, ok := info.created(); ok {
				info.advance(c.Stop())
			}

			if err := m.engine.Remove(ctx, id); err != nil {
				ec.Warning("failed to remove container %s: %s", info.Name(), err)
			}

			if s, ok := info.Stage().(Stopped); ok {
				info.advance(s.Remove())
			}

			return nil
		})
	}

	_ = g.Wait()

	for network := range networks {
		ec.Output(fmt.Sprintf("Remove container network: %s", network))
		if err := m.engine.NetworkRemove(ctx, network); err != nil {
			ec.Warning("failed to remove container network %s: %s", network, err)
		}
	}

	return nil
}

// removeUnusedNetwork removes a freshly created network no container got attached to.
// StopContainers only knows networks through created containers.
func (m *Manager) removeUnusedNetwork(ec *execution.Context, containers []*Info, network string) {
	if network == HostNetwork {
		return
	}

	for _, info := range containers {
		if info.Network() == network {
			return
		}
	}

	if err := m.engine.NetworkRemove(context.WithoutCancel(ec.Context()), network); err != nil {
		ec.Warning("failed to remove container network %s: %s", network, err)
	}
}

// removeStale removes left over containers and networks of previous jobs of this agent.
func (m *Manager) removeStale(ctx context.Context) {
	label := m.instanceLabel()

	ids, err := m.engine.PS(ctx, label)
	if err != nil {
		m.log.V(1).Info("failed to list stale containers", "error", err.Error())
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.engine.Remove(ctx, id); err != nil {
				m.log.V(1).Info("failed to remove stale container", "container", id, "error", err.Error())
			}

			return nil
		})
	}

	_ = g.Wait()

	networks, err := m.engine.Networks(ctx, label)
	if err != nil {
		m.log.V(1).Info("failed to list stale networks", "error", err.Error())
	}

	for _, network := range networks {
		if err := m.engine.NetworkRemove(ctx, network); err != nil {
			m.log.V(1).Info("failed to remove stale network", "network", network, "error", err.Error())
		}
	}
}

func (m *Manager) pull(ctx context.Context, ec *execution.Context, info *Info) error {
	declared, ok := info.Stage().(Declared)
	if !ok {
		return fmt.Errorf("%w: cannot pull %s in state %s", ErrInvalidTransition, info.Alias(), info.State())
	}

	spec := declared.Spec
	auth, err := m.registryAuth(ctx, ec, spec)
	if err != nil {
		return err
	}

	ec.Output(fmt.Sprintf("Pull image: %s", spec.Image))

	w := xio.NewLineCallback(ec.Output)
	err = m.engine.Pull(ctx, spec.Image, auth, w)
	_ = w.Flush()
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	imageOS, err := m.engine.ImageOS(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", spec.Image, err)
	}

	expected := m.settings.HostOS
	if expected == "darwin" {
		expected = "linux"
	}

	if imageOS != expected {
		return fmt.Errorf("%w: image %s is built for %s but the host runs %s containers", ErrUnsupportedEnvironment, spec.Image, imageOS, expected)
	}

	info.advance(declared.Pull(imageOS))
	return nil
}

func (m *Manager) start(ctx context.Context, ec *execution.Context, info *Info, network string) error {
	pulled, ok := info.Stage().(Pulled)
	if !ok {
		return fmt.Errorf("%w: cannot create %s in state %s", ErrInvalidTransition, info.Alias(), info.State())
	}

	spec := pulled.Spec
	mounts, err := m.mounts(spec)
	if err != nil {
		return err
	}

	create := CreateSpec{
		Name:    containerName(spec),
		Image:   spec.Image,
		Env:     spec.Environment,
		Labels:  map[string]string{InstanceLabel: m.Instance()},
		Network: network,
		Mounts:  mounts,
		Options: spec.Options,
	}

	if spec.IsJobContainer {
		create.Entrypoint, create.Cmd = idleCommand(pulled.ImageOS)
	} else {
		create.Ports = spec.Ports
		if network != HostNetwork {
			alias := spec.NetworkAlias
			if alias == "" {
				alias = spec.Alias
			}

			create.NetworkAliases = []string{alias}
		}
	}

	ec.Output(fmt.Sprintf("Create container: %s", create.Name))
	id, err := m.engine.Create(ctx, create)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", create.Name, err)
	}

	created := pulled.Create(id, create.Name, network, mounts)
	info.advance(created)

	if err := m.engine.Start(ctx, id); err != nil {
		return fmt.Errorf("failed to start container %s: %w", create.Name, err)
	}

	var ports []PortMapping
	if len(spec.Ports) > 0 {
		ports, err = m.engine.Port(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read ports of container %s: %w", create.Name, err)
		}
	}

	info.advance(created.Start(ports))
	m.log.Info("container started", "container", create.Name, "id", id, "image", spec.Image)
	return nil
}

func (m *Manager) provision(ctx context.Context, ec *execution.Context, info *Info) error {
	started, ok := info.Stage().(Started)
	if !ok {
		return fmt.Errorf("%w: cannot provision %s in state %s", ErrInvalidTransition, info.Alias(), info.State())
	}

	if m.settings.HostOS == "windows" {
		info.advance(started.Healthy())
		return nil
	}

	user, err := m.provisionUser(ctx, ec, info)
	if err != nil {
		return fmt.Errorf("failed to provision user in container %s: %w", info.Name(), err)
	}

	runtimePath, err := m.probeRuntime(ctx, ec, info)
	if err != nil {
		return fmt.Errorf("failed to probe script runtime in container %s: %w", info.Name(), err)
	}

	info.advance(started.Provision(user, runtimePath).Healthy())
	return nil
}

func idleCommand(imageOS string) ([]string, []string) {
	if imageOS == "windows" {
		return []string{"cmd.exe"}, []string{"/c", "ping", "-t", "localhost", ">", "NUL"}
	}

	return []string{"tail"}, []string{"-f", "/dev/null"}
}

// mounts computes the bind mounts of a container. Job containers get the agent directories.
func (m *Manager) mounts(spec Spec) ([]MountVolume, error) {
	var mounts []MountVolume

	if spec.IsJobContainer {
		for _, dir := range []MountVolume{
			{Source: m.settings.WorkDir, Target: ContainerWorkPath},
			{Source: m.settings.ToolsDir, Target: ContainerToolsPath},
			{Source: m.settings.TasksDir, Target: ContainerTasksPath},
			{Source: m.settings.ExternalsDir, Target: ContainerExternalsPath, ReadOnly: true},
			{Source: m.settings.TaskKeyFile, Target: ContainerTaskKeyPath, ReadOnly: true},
		} {
			if dir.Source != "" {
				mounts = append(mounts, dir)
			}
		}

		if spec.MapDockerSocket && m.settings.HostOS != "windows" {
			mounts = append(mounts, MountVolume{Source: m.settings.DockerSocket, Target: m.settings.DockerSocket})
		}
	}

	for _, v := range spec.Volumes {
		mount, err := ParseVolume(v)
		if err != nil {
			return nil, err
		}

		mounts = append(mounts, mount)
	}

	return mounts, nil
}

// ParseVolume parses a `source:target[:ro]` volume declaration.
func ParseVolume(v string) (MountVolume, error) {
	parts := strings.Split(v, ":")

	// windows drive letters in the source
	if len(parts) > 2 && len(parts[0]) == 1 {
		parts = append([]string{parts[0] + ":" + parts[1]}, parts[2:]...)
	}

	switch {
	case len(parts) == 1 && parts[0] != "":
		return MountVolume{Source: parts[0], Target: parts[0]}, nil
	case len(parts) == 2:
		return MountVolume{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && (parts[2] == "ro" || parts[2] == "rw"):
		return MountVolume{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}, nil
	}

	return MountVolume{}, fmt.Errorf("invalid volume `%s`", v)
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func containerName(spec Spec) string {
	image := spec.Image
	if ref, err := reference.ParseNormalizedNamed(spec.Image); err == nil {
		image = path.Base(reference.Path(ref))
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return nameSanitizer.ReplaceAllString(fmt.Sprintf("%s_%s_%s", spec.Alias, image, suffix), "_")
}

type mappedContainer struct {
	ID    string            `json:"id"`
	Ports map[string]string `json:"ports,omitempty"`
}

// publishMapping exposes the container alias to id and port mapping as job variables.
func (m *Manager) publishMapping(ec *execution.Context, containers []*Info, network string) error {
	mapping := make(map[string]mappedContainer, len(containers))
	for _, info := range containers {
		c := mappedContainer{ID: info.ID()}
		for _, p := range info.Ports() {
			if c.Ports == nil {
				c.Ports = make(map[string]string)
			}

			c.Ports[p.ContainerPort+"/"+p.Protocol] = p.HostPort
		}

		mapping[info.Alias()] = c
	}

	b, err := json.Marshal(mapping)
	if err != nil {
		return err
	}

	root := ec.Root().Variables
	return errors.Join(
		root.Set(VariableContainerMapping, string(b)),
		root.Set(VariableContainerNetwork, network),
	)
}
