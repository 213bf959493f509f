// Package restorepoint creates cluster-wide restore points against the
// Primary coordinator, with an optional forced WAL switch.
package restorepoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/sqlcluster"
)

// Result is the outcome of a successful restore-point creation.
type Result struct {
	Name         drsync.RestorePointName
	TimelineID   int
	LSNBySegment map[int]drsync.LSN
}

// Create issues a cluster-wide restore-point creation against coord, naming
// it name (pre-generated by the caller from wall-clock time). If
// switchWAL is true, it then forces a WAL rotation on every instance and
// overwrites LSNBySegment with the post-switch positions, so archiving has
// something to pick up immediately rather than waiting for natural
// segment rollover.
//
// A name collision surfaces as drsync.ErrDuplicateRestorePoint; the caller
// is expected to regenerate name (from a fresh, later timestamp) and retry.
func Create(ctx context.Context, coord sqlcluster.Coordinator, name drsync.RestorePointName, switchWAL bool) (*Result, error) {
	timelineID, lsnBySegment, err := coord.CreateRestorePoint(ctx, name)
	if err != nil {
		if errors.Is(err, drsync.ErrDuplicateRestorePoint) {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return nil, fmt.Errorf("create restore point %s: %w", name, err)
	}

	if switchWAL {
		switched, err := coord.SwitchWAL(ctx)
		if err != nil {
			return nil, fmt.Errorf("switch wal after restore point %s: %w", name, err)
		}
		lsnBySegment = switched
	}

	return &Result{Name: name, TimelineID: timelineID, LSNBySegment: lsnBySegment}, nil
}
