// Package topology resolves the current set of live instances from the
// Primary coordinator. It never caches: every publisher cycle re-reads.
package topology

import (
	"context"
	"fmt"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/sqlcluster"
)

// Resolve enumerates the coordinator and every live content segment, in the
// order coord returns them; Resolve itself does not sort (PGXCoordinator
// orders by segment ID, so the coordinator comes first there). It wraps
// drsync.ErrConnect / drsync.ErrInconsistentTopology as returned by coord.
func Resolve(ctx context.Context, coord sqlcluster.Coordinator) ([]drsync.Instance, error) {
	instances, err := coord.Topology(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve topology: %w", err)
	}

	seen := make(map[int]bool, len(instances))
	for _, inst := range instances {
		if seen[inst.SegmentID] {
			return nil, fmt.Errorf("segment %d reported twice: %w", inst.SegmentID, drsync.ErrInconsistentTopology)
		}
		seen[inst.SegmentID] = true
	}
	return instances, nil
}
