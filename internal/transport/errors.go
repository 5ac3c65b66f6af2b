package transport

import (
	"errors"
	"fmt"
)

// SpawnError reports that the target process could not be started. No
// protocol traffic has been attempted when it is returned.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrRemoteTarget is wrapped in a SpawnError when the target names a URL.
// Only local child processes are supported.
var ErrRemoteTarget = errors.New("remote targets are not supported; only local commands can be spawned")
