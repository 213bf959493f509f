// Package leaser enforces the single-publisher invariant: at most one
// publisher process may be actively syncing restore points into the
// manifest store at a time. Adapted from the teacher's Consul-backed
// leader-election Leaser, narrowed from "which node is primary" down to
// "is there already a lock holder" — this domain has no replica handoff,
// no advertised URL, and no cluster ID, just a lock one process holds and
// renews for as long as it runs.
package leaser

import (
	"context"
	"fmt"
	"time"
)

// ErrLeaseHeld is returned by Acquire when another holder already has the lock.
var ErrLeaseHeld = fmt.Errorf("lease already held")

// ErrLeaseExpired is returned by Renew when the lease no longer exists.
var ErrLeaseExpired = fmt.Errorf("lease expired")

// Leaser obtains and renews the single-publisher lock.
type Leaser interface {
	// Type returns the name of the leaser ("consul" or "static").
	Type() string

	// Acquire attempts to take the lock. Returns ErrLeaseHeld if another
	// holder already has it.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock that must be periodically renewed and released on exit.
type Lease interface {
	ID() string
	TTL() time.Duration
	RenewedAt() time.Time

	// Renew resets the lease's TTL. Returns ErrLeaseExpired if the lease
	// was lost (e.g. a Consul session TTL lapsed because the process was
	// unresponsive for too long).
	Renew(ctx context.Context) error

	Close() error
}
