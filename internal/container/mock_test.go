package container

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/raffis/rageta-agent/internal/execution"
)

type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	version    EngineVersion
	imageOS    string
	health     map[string][]string
	noHealth   map[string]bool
	logs       string
	exec       func(id string, cmd []string) ([]string, int)
	nextID     int
	containers map[string]CreateSpec
	removed    map[string]bool
	networks   map[string]bool
	stale      []string
	pullErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		version:    EngineVersion{ClientAPI: "1.47", ServerAPI: "1.47", ServerOS: "linux"},
		imageOS:    "linux",
		health:     make(map[string][]string),
		noHealth:   make(map[string]bool),
		containers: make(map[string]CreateSpec),
		removed:    make(map[string]bool),
		networks:   make(map[string]bool),
	}
}

func (f *fakeEngine) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Version(ctx context.Context) (EngineVersion, error) {
	f.record("version")
	return f.version, nil
}

func (f *fakeEngine) Pull(ctx context.Context, image string, auth *RegistryAuth, out io.Writer) error {
	f.record("pull %s", image)
	_, _ = io.WriteString(out, "Status: Downloaded newer image for "+image+"\n")
	return f.pullErr
}

func (f *fakeEngine) ImageOS(ctx context.Context, image string) (string, error) {
	return f.imageOS, nil
}

func (f *fakeEngine) Create(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("id-%d", f.nextID)
	f.containers[id] = spec
	f.calls = append(f.calls, "create "+spec.Name)
	return id, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	f.record("start %s", id)
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, id string) error {
	f.record("stop %s", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed[id] {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}

	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.record("remove %s", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed[id] {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}

	f.removed[id] = true
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (ContainerState, error) {
	f.record("inspect %s", id)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.noHealth[id] {
		return ContainerState{Running: true}, nil
	}

	states := f.health[id]
	if len(states) == 0 {
		return ContainerState{Running: true, HasHealthCheck: true, Health: healthHealthy}, nil
	}

	f.health[id] = states[1:]
	return ContainerState{Running: true, HasHealthCheck: true, Health: states[0]}, nil
}

func (f *fakeEngine) Exec(ctx context.Context, id string, spec ExecSpec) (int, error) {
	f.record("exec %s %s", id, strings.Join(spec.Cmd, " "))
	if f.exec == nil {
		return 0, nil
	}

	lines, code := f.exec(id, spec.Cmd)
	for _, l := range lines {
		spec.Stdout(l)
	}

	return code, nil
}

func (f *fakeEngine) NetworkCreate(ctx context.Context, name string, labels map[string]string) error {
	f.record("network create %s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *fakeEngine) NetworkRemove(ctx context.Context, name string) error {
	f.record("network remove %s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[name] {
		return fmt.Errorf("network %s not found", name)
	}

	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) Port(ctx context.Context, id string) ([]PortMapping, error) {
	return []PortMapping{{ContainerPort: "80", Protocol: "tcp", HostIP: "0.0.0.0", HostPort: "32768"}}, nil
}

func (f *fakeEngine) PS(ctx context.Context, label string) ([]string, error) {
	f.record("ps %s", label)
	return f.stale, nil
}

func (f *fakeEngine) Networks(ctx context.Context, label string) ([]string, error) {
	return nil, nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string, w io.Writer) error {
	_, err := io.WriteString(w, f.logs)
	return err
}

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *captureSink) Output(c *execution.Context, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *captureSink) Completed(c *execution.Context) {}

func (s *captureSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
