// Package targetselect implements the "safest-forward" selection of which
// READY manifest a DR run should converge to: never past LATEST, but
// willing to fall back to an earlier manifest when a recovery floor on some
// instance rules LATEST out.
package targetselect

import (
	"context"
	"fmt"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/manifeststore"
	"github.com/greenplum-dr/drsync/recoveryfloor"
)

// Select picks the manifest to converge to.
//
// With explicit == "" (no --target): try LATEST first; if it violates a
// floor, scan store.List() (newest-first) for the newest READY manifest
// that satisfies every floor. drsync.ErrNoReadyManifest if none does.
//
// With explicit != "": only that manifest is considered; a floor violation
// is a hard error (drsync.ErrFloorAboveTarget), never a fallback.
//
// Every manifest instance is matched to a DR config instance by segment_id;
// a DR instance absent from the manifest is a fatal drsync.ErrTopologyMismatch.
func Select(ctx context.Context, store manifeststore.Store, floors recoveryfloor.Floors, drSegmentIDs []int, explicit drsync.RestorePointName) (*drsync.Manifest, error) {
	if explicit != "" {
		m, err := store.Get(ctx, explicit)
		if err != nil {
			return nil, fmt.Errorf("fetch explicit target %s: %w", explicit, err)
		}
		if !m.Ready {
			return nil, fmt.Errorf("explicit target %s is not ready", explicit)
		}
		if err := checkTopology(m, drSegmentIDs); err != nil {
			return nil, err
		}
		if err := floors.Satisfies(m.LSNBySegment()); err != nil {
			return nil, fmt.Errorf("explicit target %s: %w", explicit, err)
		}
		return m, nil
	}

	latest, err := store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("read latest pointer: %w", err)
	}
	if latest.RestorePoint != "" {
		m, err := store.Get(ctx, latest.RestorePoint)
		if err == nil && m.Ready {
			if topoErr := checkTopology(m, drSegmentIDs); topoErr != nil {
				return nil, topoErr
			}
			if floors.Satisfies(m.LSNBySegment()) == nil {
				return m, nil
			}
		}
	}

	names, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	for _, name := range names {
		if name == latest.RestorePoint {
			continue // already tried above
		}
		m, err := store.Get(ctx, name)
		if err != nil || !m.Ready {
			continue
		}
		if checkTopology(m, drSegmentIDs) != nil {
			continue
		}
		if floors.Satisfies(m.LSNBySegment()) == nil {
			return m, nil
		}
	}

	return nil, drsync.ErrNoReadyManifest
}

func checkTopology(m *drsync.Manifest, drSegmentIDs []int) error {
	present := make(map[int]bool, len(m.Instances))
	for _, inst := range m.Instances {
		present[inst.SegmentID] = true
	}
	for _, segID := range drSegmentIDs {
		if !present[segID] {
			return fmt.Errorf("segment %d absent from manifest %s: %w", segID, m.RestorePoint, drsync.ErrTopologyMismatch)
		}
	}
	return nil
}
