//go:build linux

package container

import (
	"fmt"
	"os"
	"strings"
)

const initCgroupPath = "/proc/1/cgroup"

// hostCheck refuses container jobs when the agent itself runs inside a docker container.
func hostCheck() error {
	b, err := os.ReadFile(initCgroupPath)
	if err != nil {
		return nil
	}

	if strings.Contains(string(b), "docker") {
		return fmt.Errorf("%w: container jobs are not supported when the agent runs inside a container", ErrUnsupportedEnvironment)
	}

	return nil
}
