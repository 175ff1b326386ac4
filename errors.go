package mrwatch

import (
	"fmt"

	"github.com/jpalmerr/mrwatch/internal/watch"
)

var (
	// ErrNotStarted is returned by watch operations before [Watcher.Start].
	ErrNotStarted = watch.ErrNotStarted

	// ErrStopped is returned by watch operations once the watcher has shut down.
	ErrStopped = watch.ErrStopped

	// ErrInvariant marks a violation of the watch tree's invariants.
	ErrInvariant = watch.ErrInvariant
)

// ConfigurationError reports missing or invalid connection settings.
// Nothing is started when [New] returns one.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
