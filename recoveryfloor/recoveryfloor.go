// Package recoveryfloor computes, for each DR instance, the minimum LSN it
// may safely stop at: the "recovery floor". An instance whose floor cannot
// be determined disqualifies every candidate target until it is resolved.
package recoveryfloor

import (
	"context"
	"fmt"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/metrics"
	"github.com/greenplum-dr/drsync/procctl"
	"github.com/greenplum-dr/drsync/sqlcluster"
)

// Floors maps segment_id to its computed recovery floor.
type Floors map[int]drsync.LSN

// Instance couples one DR instance descriptor with the means of reaching it:
// a live SQL connection when up, or nil when down/unreachable (forcing the
// offline control-data path).
type Instance struct {
	drsync.Instance
	Conn sqlcluster.InstanceConn // nil if not currently reachable
}

// Compute resolves the floor for every instance in instances. An instance
// whose floor cannot be determined by either path is simply omitted from the
// result; callers must treat a missing entry as Unknown and disqualify every
// target for that segment.
func Compute(ctx context.Context, instances []Instance, ctl procctl.Controller) Floors {
	floors := make(Floors, len(instances))
	for _, inst := range instances {
		lsn, ok := computeOne(ctx, inst, ctl)
		if ok {
			floors[inst.SegmentID] = lsn
			metrics.RecoveryFloorGaugeVec.WithLabelValues(metrics.SegmentLabel(inst.SegmentID)).Set(float64(lsn))
		}
	}
	return floors
}

func computeOne(ctx context.Context, inst Instance, ctl procctl.Controller) (drsync.LSN, bool) {
	if inst.Conn != nil {
		if lsn, err := inst.Conn.MinRecoveryEndLSN(ctx); err == nil {
			return lsn, true
		}
	}
	lsn, err := ctl.MinRecoveryEndLSNOffline(ctx, inst.DataDir)
	if err != nil {
		return 0, false
	}
	return lsn, true
}

// Satisfies reports whether every instance in targetLSNs has a known floor at
// or below its target — i.e. the floor does not disqualify this target.
// A segment with no entry in floors (Unknown) disqualifies the target.
func (f Floors) Satisfies(targetLSNs map[int]drsync.LSN) error {
	for segID, target := range targetLSNs {
		floor, ok := f[segID]
		if !ok {
			return fmt.Errorf("segment %d: %w", segID, drsync.ErrFloorUnknown)
		}
		if floor.Compare(target) > 0 {
			return fmt.Errorf("segment %d: floor %s above target %s: %w", segID, floor, target, drsync.ErrFloorAboveTarget)
		}
	}
	return nil
}
