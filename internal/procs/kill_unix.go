//go:build unix

package procs

import "golang.org/x/sys/unix"

func kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
