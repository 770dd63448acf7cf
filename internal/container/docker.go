package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/cli/cli/config"
	clitypes "github.com/docker/cli/cli/config/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/docker/registry"
	"github.com/docker/go-connections/nat"
	"github.com/go-logr/logr"
	"github.com/moby/term"
	"github.com/raffis/rageta-agent/internal/xio"
)

type dockerOption func(*docker)

func WithDockerLogger(logger logr.Logger) dockerOption {
	return func(d *docker) {
		d.logger = logger
	}
}

func WithHidePullOutput(hide bool) dockerOption {
	return func(d *docker) {
		d.hidePullOutput = hide
	}
}

type docker struct {
	client         dockerclient.APIClient
	logger         logr.Logger
	hidePullOutput bool
}

// NewDocker returns an Engine backed by the docker engine API.
func NewDocker(client dockerclient.APIClient, opts ...dockerOption) Engine {
	d := &docker{
		client: client,
		logger: logr.Discard(),
	}

	for _, o := range opts {
		o(d)
	}

	return d
}

func (d *docker) Version(ctx context.Context) (EngineVersion, error) {
	v, err := d.client.ServerVersion(ctx)
	if err != nil {
		return EngineVersion{}, fmt.Errorf("failed to query docker version: %w", err)
	}

	return EngineVersion{
		ClientAPI: d.client.ClientVersion(),
		ServerAPI: v.APIVersion,
		ServerOS:  v.Os,
	}, nil
}

type dockerAuth interface {
	GetAuthConfig(registryHostname string) (clitypes.AuthConfig, error)
}

func encodedAuth(ref reference.Named, configFile dockerAuth) (string, error) {
	repoInfo, err := registry.ParseRepositoryInfo(ref)
	if err != nil {
		return "", err
	}

	key := registry.GetAuthConfigKey(repoInfo.Index)
	authConfig, err := configFile.GetAuthConfig(key)
	if err != nil {
		return "", err
	}

	buf, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

func (d *docker) Pull(ctx context.Context, image string, auth *RegistryAuth, w io.Writer) error {
	ref, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return fmt.Errorf("invalid image reference `%s`: %w", image, err)
	}

	if w == nil || d.hidePullOutput {
		w = io.Discard
	}

	var registryAuth string
	if auth != nil {
		registryAuth, err = registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
			Username:      auth.Username,
			Password:      auth.Password,
			ServerAddress: auth.ServerAddress,
		})
	} else {
		registryAuth, err = encodedAuth(ref, config.LoadDefaultConfigFile(w))
	}

	if err != nil {
		return fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	d.logger.V(1).Info("pulling image", "image", reference.FamiliarString(ref))
	r, err := d.client.ImagePull(ctx, reference.FamiliarString(ref), imagetypes.PullOptions{
		RegistryAuth: registryAuth,
	})
	if err != nil {
		return err
	}

	defer func() {
		_ = r.Close()
	}()

	termFd, isTerm := term.GetFdInfo(w)
	return jsonmessage.DisplayJSONMessagesStream(r, w, termFd, isTerm, nil)
}

func (d *docker) ImageOS(ctx context.Context, image string) (string, error) {
	inspect, err := d.client.ImageInspect(ctx, image)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image `%s`: %w", image, err)
	}

	return inspect.Os, nil
}

func envSlice(env map[string]string) []string {
	var envs []string
	for k, v := range env {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}

	sort.Strings(envs)
	return envs
}

func (d *docker) Create(ctx context.Context, spec CreateSpec) (string, error) {
	options, err := parseCreateOptions(spec.Options)
	if err != nil {
		return "", err
	}

	containerConfig := dockercontainer.Config{
		Image:  spec.Image,
		Env:    envSlice(spec.Env),
		Labels: spec.Labels,
	}

	if len(spec.Entrypoint) > 0 {
		containerConfig.Entrypoint = strslice.StrSlice(spec.Entrypoint)
	}

	if len(spec.Cmd) > 0 {
		containerConfig.Cmd = strslice.StrSlice(spec.Cmd)
	}

	hostConfig := dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(spec.Network),
	}

	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("invalid port mapping: %w", err)
	}

	containerConfig.ExposedPorts = exposed
	hostConfig.PortBindings = bindings

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	netConfig := network.NetworkingConfig{
		EndpointsConfig: make(map[string]*network.EndpointSettings),
	}

	if spec.Network != "" && spec.Network != "host" {
		netConfig.EndpointsConfig[spec.Network] = &network.EndpointSettings{
			Aliases: spec.NetworkAliases,
		}
	}

	options.apply(&containerConfig, &hostConfig)

	d.logger.V(3).Info("create new container", "container-spec", containerConfig, "host-config", hostConfig, "network-config", netConfig)
	cont, err := d.client.ContainerCreate(ctx, &containerConfig, &hostConfig, &netConfig, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	for _, warning := range cont.Warnings {
		d.logger.Info("container create warning", "container", spec.Name, "warning", warning)
	}

	return cont.ID, nil
}

func (d *docker) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	return nil
}

func (d *docker) Stop(ctx context.Context, id string) error {
	err := d.client.ContainerStop(ctx, id, dockercontainer.StopOptions{})
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}

	return err
}

func (d *docker) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}

	return err
}

func (d *docker) Inspect(ctx context.Context, id string) (ContainerState, error) {
	specs, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	d.logger.V(3).Info("container inspect", "container-id", id, "container-inspect", specs)

	var state ContainerState
	if specs.State != nil {
		state.Running = specs.State.Running
		state.ExitCode = specs.State.ExitCode
		if specs.State.Health != nil {
			state.Health = specs.State.Health.Status
		}
	}

	if specs.Config != nil && specs.Config.Healthcheck != nil {
		test := specs.Config.Healthcheck.Test
		state.HasHealthCheck = len(test) > 0 && test[0] != "NONE"
	}

	return state, nil
}

func (d *docker) Exec(ctx context.Context, id string, spec ExecSpec) (int, error) {
	exec, err := d.client.ContainerExecCreate(ctx, id, dockercontainer.ExecOptions{
		User:         spec.User,
		Cmd:          spec.Cmd,
		Env:          envSlice(spec.Env),
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec: %w", err)
	}

	streams, err := d.client.ContainerExecAttach(ctx, exec.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec: %w", err)
	}

	defer streams.Close()

	stdout := xio.NewLineCallback(spec.Stdout)
	stderr := xio.NewLineCallback(spec.Stderr)

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, streams.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return -1, fmt.Errorf("demux exec streams failed: %w", err)
		}
	}

	_ = stdout.Flush()
	_ = stderr.Flush()

	inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return inspect.ExitCode, nil
}

func (d *docker) NetworkCreate(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("failed to create network `%s`: %w", name, err)
	}

	return nil
}

func (d *docker) NetworkRemove(ctx context.Context, name string) error {
	return d.client.NetworkRemove(ctx, name)
}

func (d *docker) Port(ctx context.Context, id string) ([]PortMapping, error) {
	specs, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	var mappings []PortMapping
	if specs.NetworkSettings == nil {
		return mappings, nil
	}

	for port, bindings := range specs.NetworkSettings.Ports {
		for _, binding := range bindings {
			mappings = append(mappings, PortMapping{
				ContainerPort: port.Port(),
				Protocol:      port.Proto(),
				HostIP:        binding.HostIP,
				HostPort:      binding.HostPort,
			})
		}
	}

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].ContainerPort < mappings[j].ContainerPort
	})

	return mappings, nil
}

func labelFilter(label string) filters.Args {
	return filters.NewArgs(filters.Arg("label", label))
}

func (d *docker) PS(ctx context.Context, label string) ([]string, error) {
	containers, err := d.client.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: labelFilter(label),
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, c := range containers {
		ids = append(ids, c.ID)
	}

	return ids, nil
}

func (d *docker) Networks(ctx context.Context, label string) ([]string, error) {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: labelFilter(label),
	})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, n := range networks {
		names = append(names, n.Name)
	}

	return names, nil
}

func (d *docker) Logs(ctx context.Context, id string, w io.Writer) error {
	r, err := d.client.ContainerLogs(ctx, id, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}

	defer func() {
		_ = r.Close()
	}()

	_, err = stdcopy.StdCopy(w, w, r)
	return err
}

func isNotFound(err error) bool {
	return err != nil && (dockerclient.IsErrNotFound(err) || strings.Contains(strings.ToLower(err.Error()), "no such"))
}
