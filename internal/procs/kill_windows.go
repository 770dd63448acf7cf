//go:build windows

package procs

import "golang.org/x/sys/windows"

func kill(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}

	defer func() {
		_ = windows.CloseHandle(h)
	}()

	return windows.TerminateProcess(h, 1)
}
