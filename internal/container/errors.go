package container

import "errors"

var (
	ErrUnsupportedEnvironment = errors.New("unsupported container environment")
	ErrServiceUnhealthy       = errors.New("service container is unhealthy")
	ErrInvalidTransition      = errors.New("invalid container state transition")
	ErrRegistryCredentials    = errors.New("failed to resolve registry credentials")
	ErrContainerNotFound      = errors.New("no such container")
)
