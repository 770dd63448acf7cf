package container

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Minimum docker API versions supported per host platform.
var (
	minLinuxAPIVersion   = semver.MustParse("1.35")
	minWindowsAPIVersion = semver.MustParse("1.30")
)

func (m *Manager) checkEnvironment(ctx context.Context) error {
	if err := m.hostCheck(); err != nil {
		return err
	}

	version, err := m.engine.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to query container engine version: %w", err)
	}

	m.log.V(1).Info("container engine version", "client", version.ClientAPI, "server", version.ServerAPI, "os", version.ServerOS)

	required := minLinuxAPIVersion
	if m.settings.HostOS == "windows" {
		required = minWindowsAPIVersion
	}

	for _, v := range []string{version.ClientAPI, version.ServerAPI} {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			return fmt.Errorf("%w: invalid engine api version `%s`", ErrUnsupportedEnvironment, v)
		}

		if parsed.LessThan(required) {
			return fmt.Errorf("%w: engine api version %s is lower than the required %s", ErrUnsupportedEnvironment, v, required)
		}
	}

	return nil
}
