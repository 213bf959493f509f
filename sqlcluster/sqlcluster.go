// Package sqlcluster models the two SQL surfaces the design talks to: the
// Primary coordinator (topology enumeration, restore-point creation, WAL
// switch) and an individual instance's control view (replay position,
// minimum recovery ending location, recovery state). Both are expressed as
// interfaces so the rest of the tree never imports a driver directly; this
// package supplies the default pgx-backed implementation.
package sqlcluster

import (
	"context"

	"github.com/greenplum-dr/drsync"
)

// Coordinator is SQL access to the Primary's coordinator instance: the
// source of topology and the only place a restore point can be created.
type Coordinator interface {
	// CreateRestorePoint issues gp_create_restore_point(name) (or the
	// single-instance pg_create_restore_point equivalent on the coordinator
	// and every content segment in one session) and returns the timeline ID
	// and per-segment LSN observed at that instant. A duplicate name must
	// surface as drsync.ErrDuplicateRestorePoint.
	CreateRestorePoint(ctx context.Context, name drsync.RestorePointName) (timelineID int, lsnBySegment map[int]drsync.LSN, err error)

	// SwitchWAL forces WAL rotation on every instance and returns the
	// resulting per-segment LSN. Optional: callers may skip it entirely
	// (--no-gp-switch-wal).
	SwitchWAL(ctx context.Context) (lsnBySegment map[int]drsync.LSN, err error)

	// Topology enumerates the coordinator plus every live content segment.
	// Never cached: every publisher cycle calls this fresh.
	Topology(ctx context.Context) ([]drsync.Instance, error)
}

// InstanceConn is SQL access to one instance (primary or DR), valid only
// while that instance is up and accepting connections.
type InstanceConn interface {
	// ReplayLSN returns the current WAL replay position (pg_last_wal_replay_lsn
	// on a standby).
	ReplayLSN(ctx context.Context) (drsync.LSN, error)

	// MinRecoveryEndLSN returns the minimum LSN this instance must replay to
	// before it may safely stop — the live-SQL path for the floor computer.
	MinRecoveryEndLSN(ctx context.Context) (drsync.LSN, error)

	// IsInRecovery reports whether the instance is currently in standby
	// recovery (pg_is_in_recovery()).
	IsInRecovery(ctx context.Context) (bool, error)
}
