package container

import (
	"context"
	"io"
)

// Engine is the container engine the lifecycle manager drives.
type Engine interface {
	Version(ctx context.Context) (EngineVersion, error)
	Pull(ctx context.Context, image string, auth *RegistryAuth, out io.Writer) error
	ImageOS(ctx context.Context, image string) (string, error)
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	Exec(ctx context.Context, id string, spec ExecSpec) (int, error)
	NetworkCreate(ctx context.Context, name string, labels map[string]string) error
	NetworkRemove(ctx context.Context, name string) error
	Port(ctx context.Context, id string) ([]PortMapping, error)
	PS(ctx context.Context, label string) ([]string, error)
	Networks(ctx context.Context, label string) ([]string, error)
	Logs(ctx context.Context, id string, w io.Writer) error
}

type EngineVersion struct {
	ClientAPI string
	ServerAPI string
	ServerOS  string
}

type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

type CreateSpec struct {
	Name           string
	Image          string
	Entrypoint     []string
	Cmd            []string
	Env            map[string]string
	Labels         map[string]string
	Network        string
	NetworkAliases []string
	Mounts         []MountVolume
	Ports          []string
	Options        string
}

type ContainerState struct {
	Running        bool
	HasHealthCheck bool
	Health         string
	ExitCode       int
}

// ExecSpec describes a process started inside a running container. Output is delivered line by line.
type ExecSpec struct {
	User       string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
	Stdout     func(line string)
	Stderr     func(line string)
}
