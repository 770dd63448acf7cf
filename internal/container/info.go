package container

import (
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Paths of the agent directories inside a job container.
const (
	ContainerWorkPath      = "/__w"
	ContainerToolsPath     = "/__t"
	ContainerTasksPath     = "/__a/tasks"
	ContainerExternalsPath = "/__a/externals"
	ContainerTaskKeyPath   = "/__a/.taskkey"
)

type State string

const (
	StateDeclared    State = "declared"
	StatePulled      State = "pulled"
	StateCreated     State = "created"
	StateStarted     State = "started"
	StateProvisioned State = "provisioned"
	StateHealthy     State = "healthy"
	StateStopped     State = "stopped"
	StateRemoved     State = "removed"
)

// Spec is the immutable declaration of a job or service container.
type Spec struct {
	Alias            string
	NetworkAlias     string
	Image            string
	RegistryEndpoint string
	Options          string
	Environment      map[string]string
	Ports            []string
	Volumes          []string
	IsJobContainer   bool
	MapDockerSocket  bool
}

type MountVolume struct {
	Source   string
	Target   string
	ReadOnly bool
}

type PortMapping struct {
	ContainerPort string
	Protocol      string
	HostIP        string
	HostPort      string
}

type User struct {
	Name      string
	ID        string
	GroupID   string
	GroupName string
}

// Stage is one state of the container lifecycle. Each stage type only offers the transitions
// which are valid from it.
type Stage interface {
	State() State
	declaration() Declared
}

type Declared struct {
	Spec Spec
}

func Declare(spec Spec) Declared {
	return Declared{Spec: spec}
}

func (d Declared) State() State { return StateDeclared }

func (d Declared) declaration() Declared { return d }

func (d Declared) Pull(imageOS string) Pulled {
	return Pulled{Declared: d, ImageOS: imageOS}
}

type Pulled struct {
	Declared
	ImageOS string
}

func (p Pulled) State() State { return StatePulled }

func (p Pulled) Create(id, name, network string, mounts []MountVolume) Created {
	return Created{Pulled: p, ID: id, Name: name, Network: network, Mounts: mounts}
}

type Created struct {
	Pulled
	ID      string
	Name    string
	Network string
	Mounts  []MountVolume
}

func (c Created) State() State { return StateCreated }

func (c Created) Start(ports []PortMapping) Started {
	return Started{Created: c, Ports: ports}
}

// Stop is valid from any stage which owns a container id.
func (c Created) Stop() Stopped {
	return Stopped{Declared: c.Declared, ID: c.ID, Name: c.Name, Network: c.Network}
}

type Started struct {
	Created
	Ports []PortMapping
}

func (s Started) State() State { return StateStarted }

func (s Started) Provision(user User, runtimePath string) Provisioned {
	return Provisioned{Started: s, User: user, RuntimePath: runtimePath}
}

func (s Started) Healthy() Healthy {
	return Healthy{Started: s}
}

type Provisioned struct {
	Started
	User        User
	RuntimePath string
}

func (p Provisioned) State() State { return StateProvisioned }

func (p Provisioned) Healthy() Healthy {
	return Healthy{Started: p.Started, User: &p.User, RuntimePath: p.RuntimePath}
}

// Healthy is a running container ready to host steps.
type Healthy struct {
	Started
	User        *User
	RuntimePath string
}

func (h Healthy) State() State { return StateHealthy }

type Stopped struct {
	Declared
	ID      string
	Name    string
	Network string
}

func (s Stopped) State() State { return StateStopped }

func (s Stopped) Remove() Removed {
	return Removed{Declared: s.Declared, ID: s.ID}
}

type Removed struct {
	Declared
	ID string
}

func (r Removed) State() State { return StateRemoved }

// Info tracks one declared container through its lifecycle. It is owned by a single job.
type Info struct {
	mu    sync.RWMutex
	stage Stage
}

func NewInfo(spec Spec) *Info {
	return &Info{stage: Declare(spec)}
}

// InfoAt tracks a container which already reached stage.
func InfoAt(stage Stage) *Info {
	return &Info{stage: stage}
}

func (i *Info) Stage() Stage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.stage
}

func (i *Info) advance(next Stage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stage = next
}

func (i *Info) State() State {
	return i.Stage().State()
}

func (i *Info) Spec() Spec {
	return i.Stage().declaration().Spec
}

func (i *Info) Alias() string {
	return i.Spec().Alias
}

func (i *Info) IsJobContainer() bool {
	return i.Spec().IsJobContainer
}

func (i *Info) created() (Created, bool) {
	switch s := i.Stage().(type) {
	case Created:
		return s, true
	case Started:
		return s.Created, true
	case Provisioned:
		return s.Created, true
	case Healthy:
		return s.Created, true
	}

	return Created{}, false
}

func (i *Info) ID() string {
	switch s := i.Stage().(type) {
	case Stopped:
		return s.ID
	case Removed:
		return s.ID
	}

	c, _ := i.created()
	return c.ID
}

func (i *Info) Name() string {
	if s, ok := i.Stage().(Stopped); ok {
		return s.Name
	}

	c, _ := i.created()
	return c.Name
}

func (i *Info) Network() string {
	if s, ok := i.Stage().(Stopped); ok {
		return s.Network
	}

	c, _ := i.created()
	return c.Network
}

func (i *Info) ImageOS() string {
	c, ok := i.created()
	if ok {
		return c.ImageOS
	}

	if p, ok := i.Stage().(Pulled); ok {
		return p.ImageOS
	}

	return ""
}

func (i *Info) Mounts() []MountVolume {
	c, _ := i.created()
	return c.Mounts
}

func (i *Info) Ports() []PortMapping {
	switch s := i.Stage().(type) {
	case Started:
		return s.Ports
	case Provisioned:
		return s.Ports
	case Healthy:
		return s.Ports
	}

	return nil
}

// User returns the provisioned in-container user, nil if none was provisioned.
func (i *Info) User() *User {
	switch s := i.Stage().(type) {
	case Provisioned:
		u := s.User
		return &u
	case Healthy:
		return s.User
	}

	return nil
}

// RuntimePath returns the script runtime selected for this container.
func (i *Info) RuntimePath() string {
	switch s := i.Stage().(type) {
	case Provisioned:
		return s.RuntimePath
	case Healthy:
		return s.RuntimePath
	}

	return ""
}

// TranslateToContainerPath maps a host path into the container using the longest matching mount.
func (i *Info) TranslateToContainerPath(hostPath string) string {
	if hostPath == "" {
		return hostPath
	}

	var best *MountVolume
	mounts := i.Mounts()
	for k := range mounts {
		m := &mounts[k]
		if hasPathPrefix(filepath.Clean(hostPath), filepath.Clean(m.Source), filepath.Separator) &&
			(best == nil || len(m.Source) > len(best.Source)) {
			best = m
		}
	}

	if best == nil {
		return hostPath
	}

	rel := strings.TrimPrefix(filepath.Clean(hostPath), filepath.Clean(best.Source))
	return path.Join(best.Target, filepath.ToSlash(rel))
}

// TranslateToHostPath maps a container path back to the host using the longest matching mount.
func (i *Info) TranslateToHostPath(containerPath string) string {
	if containerPath == "" {
		return containerPath
	}

	var best *MountVolume
	mounts := i.Mounts()
	for k := range mounts {
		m := &mounts[k]
		if hasPathPrefix(path.Clean(containerPath), path.Clean(m.Target), '/') &&
			(best == nil || len(m.Target) > len(best.Target)) {
			best = m
		}
	}

	if best == nil {
		return containerPath
	}

	rel := strings.TrimPrefix(path.Clean(containerPath), path.Clean(best.Target))
	return filepath.Join(best.Source, filepath.FromSlash(rel))
}

func hasPathPrefix(p, prefix string, sep byte) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}

	return len(p) == len(prefix) || p[len(prefix)] == sep || strings.HasSuffix(prefix, string(sep))
}
