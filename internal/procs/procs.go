package procs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// ErrUnsupported is returned by Snapshot on hosts without a /proc file system.
var ErrUnsupported = errors.New("process table snapshots are not supported on this host")

// LookupIDEnv is set on every process spawned for a job. Orphans of the job are found by it.
const LookupIDEnv = "RAGETA_PROCESS_LOOKUP_ID"

// Process is one entry of a process table snapshot.
type Process struct {
	PID  int
	Name string
}

// Snapshot maps pids to process names.
type Snapshot map[int]string

// Table reads the process table of the host.
type Table interface {
	Snapshot() (Snapshot, error)
	Environ(pid int) (map[string]string, error)
	Kill(pid int) error
}

type tableOption func(*procTable)

func WithRoot(root string) tableOption {
	return func(t *procTable) {
		t.root = root
	}
}

func WithKill(kill func(pid int) error) tableOption {
	return func(t *procTable) {
		t.kill = kill
	}
}

type procTable struct {
	root string
	kill func(pid int) error
}

// NewTable returns the /proc based process table.
func NewTable(opts ...tableOption) Table {
	t := &procTable{
		root: "/proc",
		kill: kill,
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

func (t *procTable) Snapshot() (Snapshot, error) {
	entries, err := os.ReadDir(t.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrUnsupported, t.root)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}

	snapshot := make(Snapshot)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}

		comm, err := os.ReadFile(filepath.Join(t.root, entry.Name(), "comm"))
		if err != nil {
			continue
		}

		snapshot[pid] = strings.TrimSpace(string(comm))
	}

	return snapshot, nil
}

func (t *procTable) Environ(pid int) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Join(t.root, strconv.Itoa(pid), "environ"))
	if err != nil {
		return nil, err
	}

	env := make(map[string]string)
	for _, kv := range bytes.Split(b, []byte{0}) {
		k, v, ok := strings.Cut(string(kv), "=")
		if ok {
			env[k] = v
		}
	}

	return env, nil
}

func (t *procTable) Kill(pid int) error {
	return t.kill(pid)
}

// KillOrphans terminates processes which are not part of before and carry lookupID. It returns
// the terminated processes, failures are logged only.
func KillOrphans(log logr.Logger, table Table, before Snapshot, lookupID string) []Process {
	if lookupID == "" {
		return nil
	}

	after, err := table.Snapshot()
	if err != nil {
		log.V(1).Info("failed to snapshot process table", "error", err.Error())
		return nil
	}

	self := os.Getpid()
	var killed []Process
	for pid, name := range after {
		if pid == self {
			continue
		}

		if prev, ok := before[pid]; ok && prev == name {
			continue
		}

		env, err := table.Environ(pid)
		if err != nil || env[LookupIDEnv] != lookupID {
			continue
		}

		log.Info("terminating orphan process", "pid", pid, "name", name)
		if err := table.Kill(pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.V(1).Info("failed to terminate orphan process", "pid", pid, "name", name, "error", err.Error())
			continue
		}

		killed = append(killed, Process{PID: pid, Name: name})
	}

	return killed
}
