//go:build windows

package container

import (
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const minWindowsBuild = 17763

// hostCheck requires a windows server host with the container execution service installed.
func hostCheck() error {
	major, _, build := windows.RtlGetNtVersionNumbers()
	if major < 10 || build < minWindowsBuild {
		return fmt.Errorf("%w: container jobs require windows build %d or later", ErrUnsupportedEnvironment, minWindowsBuild)
	}

	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SYSTEM\CurrentControlSet\Services\cexecsvc`, registry.QUERY_VALUE)
	if err != nil {
		return fmt.Errorf("%w: container jobs require windows server with the containers feature", ErrUnsupportedEnvironment)
	}

	return k.Close()
}
