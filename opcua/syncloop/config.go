package syncloop

import (
	"fmt"
	"time"

	"github.com/c360/semstreams-opcua/errors"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultInterval          = time.Second
	DefaultOperationTimeout  = 5 * time.Second
	DefaultConflictWarnAfter = 10
)

// Config controls one synchronization loop.
type Config struct {
	// NamespaceURI is registered once in Prepare; all nodes live in it.
	NamespaceURI string

	// Interval is the delay between the end of one tick and the start of
	// the next.
	Interval time.Duration

	// OperationTimeout bounds every node creation and value write.
	OperationTimeout time.Duration

	// ConflictWarnAfter is the number of consecutive ticks a node
	// identifier may conflict before the loop escalates to an error log and
	// reports itself degraded. Zero selects DefaultConflictWarnAfter.
	ConflictWarnAfter int

	// ConflictFailAfter stops Run with a fatal error once a node identifier
	// has conflicted for this many consecutive ticks. Zero never fails.
	ConflictFailAfter int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.ConflictWarnAfter <= 0 {
		c.ConflictWarnAfter = DefaultConflictWarnAfter
	}
	return c
}

// Validate checks the fields that have no usable default.
func (c Config) Validate() error {
	if c.NamespaceURI == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: namespace URI is empty", errors.ErrMissingConfig),
			"syncloop", "Validate", "namespace check")
	}
	if c.ConflictFailAfter < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: conflict fail threshold %d is negative", errors.ErrInvalidConfig, c.ConflictFailAfter),
			"syncloop", "Validate", "conflict policy check")
	}
	return nil
}
