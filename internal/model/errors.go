package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ConfigError reports a problem with the agent or job configuration. It is
// raised before any process is started.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ExecutionError is the asynchronous outcome of a job whose process failed.
type ExecutionError struct {
	InstanceID uuid.UUID
	ExitCode   int
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process %s failed: %s", e.InstanceID, e.Err)
	}
	return fmt.Sprintf("process %s failed: exit code %d", e.InstanceID, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PolicyError lists dependencies denied by the payload policy.
type PolicyError struct {
	Denied []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("found restricted dependencies: %d denied", len(e.Denied))
}
