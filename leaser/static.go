package leaser

import (
	"context"
	"time"

	"github.com/greenplum-dr/drsync/metrics"
)

// staticLeaseExpiresAt mirrors the teacher's far-future expiry for a lease
// that never actually times out.
var staticLeaseExpiresAt = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)

// StaticLeaser grants the lock unconditionally, or never, based on a fixed
// configuration flag. Used for single-node setups and tests where running
// Consul just to serialize one publisher process is unnecessary.
type StaticLeaser struct {
	isPrimary bool
}

// NewStaticLeaser returns a StaticLeaser that grants the lock iff isPrimary.
func NewStaticLeaser(isPrimary bool) *StaticLeaser {
	return &StaticLeaser{isPrimary: isPrimary}
}

// Type returns "static".
func (l *StaticLeaser) Type() string { return "static" }

// Acquire returns a lease if this process is configured as the lock holder.
// Otherwise it always returns ErrLeaseHeld, on the assumption some other
// statically-configured process holds it.
func (l *StaticLeaser) Acquire(ctx context.Context) (Lease, error) {
	if !l.isPrimary {
		return nil, ErrLeaseHeld
	}
	metrics.LeaseHeldGauge.Set(1)
	return &staticLease{}, nil
}

// staticLease never expires and never needs renewal.
type staticLease struct{}

func (l *staticLease) ID() string { return "" }

func (l *staticLease) RenewedAt() time.Time { return time.Unix(0, 0).UTC() }

func (l *staticLease) TTL() time.Duration { return staticLeaseExpiresAt.Sub(l.RenewedAt()) }

func (l *staticLease) Renew(ctx context.Context) error { return nil }

func (l *staticLease) Close() error {
	metrics.LeaseHeldGauge.Set(0)
	return nil
}
