package task

import "errors"

var (
	ErrNoCompatibleHandler            = errors.New("no compatible handler found for task")
	ErrUnsupportedHandlerForContainer = errors.New("handler is not supported for container targets")
	ErrTaskNotFound                   = errors.New("task not found")
	ErrVerificationFailed             = errors.New("task signature verification failed")
)
