package domain

import "github.com/pkg/errors"

// Command errors surfaced synchronously to external callers. Tick-level
// transient failures never reach callers; they show up only as TickFailed
// notifications and logs.
var (
	// ErrAlreadyActive rejects a start command while a non-terminal cycle
	// exists for the market.
	ErrAlreadyActive = errors.New("cycle already active for market")
	// ErrNotActive rejects a stop command on a market without a running cycle.
	ErrNotActive = errors.New("no active cycle for market")
)
