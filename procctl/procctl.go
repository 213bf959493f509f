// Package procctl implements offline control-data inspection and process
// start/stop for one DR instance, via subprocess commands. This is the
// "never a native driver" half of the design's external SQL surfaces: the
// original implementation never linked against libpq or the control-data
// binary format, it shelled out to pg_controldata and gpssh/ssh, and this
// package follows that exactly.
package procctl

import (
	"context"

	"github.com/greenplum-dr/drsync"
)

// Controller is offline control-data inspection plus process start/stop for
// one instance, used when the instance cannot be reached over SQL (it's
// down, or being inspected before its first start).
type Controller interface {
	// MinRecoveryEndLSNOffline runs pg_controldata against dataDir and parses
	// "Minimum recovery ending location". Returns drsync.ErrFloorUnknown if
	// the field is absent or the binary/data directory is unreadable.
	MinRecoveryEndLSNOffline(ctx context.Context, dataDir string) (drsync.LSN, error)

	// Stop requests a fast shutdown of inst's postgres process. Not an error
	// if the instance is already down.
	Stop(ctx context.Context, inst drsync.Instance) error

	// Start launches inst in standby recovery. Does not wait for the
	// instance to finish recovery; that is the orchestrator's P3 job.
	Start(ctx context.Context, inst drsync.Instance) error

	// IsRunning reports whether inst's postgres process is currently up.
	IsRunning(ctx context.Context, inst drsync.Instance) (bool, error)
}
