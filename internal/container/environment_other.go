//go:build !linux && !windows

package container

// hostCheck has nothing to verify on other hosts, darwin is handled like linux.
func hostCheck() error {
	return nil
}
