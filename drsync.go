// Package drsync defines the shared data model for deterministic disaster-recovery
// synchronization: restore points, LSNs, instance descriptors, manifests, and the
// sentinel errors shared by every subpackage.
package drsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Error taxonomy. Subpackages wrap these with fmt.Errorf("...: %w", err) at their
// own boundaries; callers match with errors.Is.
var (
	ErrConnect             = fmt.Errorf("connect error")
	ErrInconsistentTopology = fmt.Errorf("inconsistent topology")
	ErrDuplicateRestorePoint = fmt.Errorf("duplicate restore point")
	ErrArchiveGap          = fmt.Errorf("archive gap")
	ErrFloorAboveTarget    = fmt.Errorf("floor above target")
	ErrFloorUnknown        = fmt.Errorf("recovery floor unknown")
	ErrApply               = fmt.Errorf("apply error")
	ErrReachTimeout        = fmt.Errorf("reach timeout")
	ErrWrongPoint          = fmt.Errorf("wrong restore point")
	ErrNoEvidence          = fmt.Errorf("no evidence")
	ErrTopologyMismatch    = fmt.Errorf("topology mismatch")
	ErrNoReadyManifest     = fmt.Errorf("no ready manifest satisfies recovery floors")
	ErrManifestNotFound    = fmt.Errorf("manifest not found")
	ErrAborted             = fmt.Errorf("aborted")
)

// CoordinatorSegmentID is the reserved segment_id denoting the coordinator rather
// than a content segment.
const CoordinatorSegmentID = -1

// RestorePointNameLayout is the time.Parse/Format layout embedded in a restore
// point name, after the "sync_point_" prefix.
const RestorePointNameLayout = "20060102_150405"

// RestorePointName is a globally-unique, monotonically-comparable name for a
// cluster-wide restore point: "sync_point_YYYYMMDD_HHMMSS" in UTC.
type RestorePointName string

// NewRestorePointName formats a restore point name from t, truncated to the
// second and rendered in UTC.
func NewRestorePointName(t time.Time) RestorePointName {
	return RestorePointName("sync_point_" + t.UTC().Format(RestorePointNameLayout))
}

// Time parses the embedded timestamp out of the restore point name.
func (n RestorePointName) Time() (time.Time, error) {
	s := strings.TrimPrefix(string(n), "sync_point_")
	t, err := time.Parse(RestorePointNameLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid restore point name %q: %w", n, err)
	}
	return t.UTC(), nil
}

// Before returns true if n's embedded timestamp is strictly before other's.
func (n RestorePointName) Before(other RestorePointName) bool {
	nt, err := n.Time()
	if err != nil {
		return false
	}
	ot, err := other.Time()
	if err != nil {
		return false
	}
	return nt.Before(ot)
}

// String returns the name as a plain string.
func (n RestorePointName) String() string { return string(n) }

// LSN is a 64-bit log sequence number: a byte offset into a WAL stream.
// The high 32 bits and low 32 bits render separately as hex, joined by '/'.
type LSN uint64

// ParseLSN parses the canonical "HHHH/HHHHHHHH" representation.
func ParseLSN(s string) (LSN, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid lsn %q: missing '/'", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return LSN(hi<<32 | lo), nil
}

// String renders the "H/HHHHHHHH" representation: the high half in hex with
// no padding, the low half zero-padded to eight hex digits. Because the high
// half is not padded, string order matches numeric order only between LSNs
// whose high halves have the same number of digits; use Compare to order LSNs.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%08X", uint32(l>>32), uint32(l))
}

// Compare returns -1, 0, or 1 as l is less than, equal to, or greater than other.
func (l LSN) Compare(other LSN) int {
	switch {
	case l < other:
		return -1
	case l > other:
		return 1
	default:
		return 0
	}
}

// Instance is the descriptor for either the coordinator (SegmentID ==
// CoordinatorSegmentID) or a content segment (SegmentID >= 0).
type Instance struct {
	SegmentID int    `json:"segment_id" yaml:"segment_id"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	IsLocal   bool   `json:"is_local" yaml:"is_local"`
}

// IsCoordinator returns true if this descriptor is the coordinator.
func (i Instance) IsCoordinator() bool { return i.SegmentID == CoordinatorSegmentID }

// ManifestInstance is one segment's WAL evidence within a Manifest.
type ManifestInstance struct {
	SegmentID         int    `json:"segment_id"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	DataDir           string `json:"data_dir"`
	RestoreLSN        LSN    `json:"restore_lsn"`
	WALFilename       string `json:"wal_filename"`
	ArchiveSourceHost string `json:"archive_source_host"`
	ArchiveSourcePath string `json:"archive_source_path"`
	Present           bool   `json:"present"`
}

// Manifest is the immutable-after-ready JSON artifact published per restore point.
//
// Invariant: Ready is true iff every element of Instances has Present == true. Once
// Ready becomes true a Manifest must never be mutated again; callers that need to
// change an instance's evidence after that point are violating the contract and
// ManifestStore implementations are free to reject the write.
type Manifest struct {
	RestorePoint RestorePointName   `json:"restore_point"`
	CreatedAtUTC time.Time          `json:"created_at_utc"`
	TimelineID   int                `json:"timeline_id"`
	Ready        bool               `json:"ready"`
	Instances    []ManifestInstance `json:"instances"`
}

// ComputeReady recomputes Ready from the Present flags of every instance. Call
// after updating per-instance evidence and before a write.
func (m *Manifest) ComputeReady() {
	for _, inst := range m.Instances {
		if !inst.Present {
			m.Ready = false
			return
		}
	}
	m.Ready = len(m.Instances) > 0
}

// LSNBySegment returns the manifest's target LSN for each instance, keyed by
// segment ID.
func (m *Manifest) LSNBySegment() map[int]LSN {
	out := make(map[int]LSN, len(m.Instances))
	for _, inst := range m.Instances {
		out[inst.SegmentID] = inst.RestoreLSN
	}
	return out
}

// LatestPointer is the small, atomically-replaced pointer to the newest READY manifest.
type LatestPointer struct {
	RestorePoint RestorePointName `json:"restore_point"`
	Path         string           `json:"path"`
	UpdatedAtUTC time.Time        `json:"updated_at_utc"`
}

// ReceiptStatus enumerates the outcome classes a Receipt can record.
type ReceiptStatus string

const (
	ReceiptStatusSuccess                      ReceiptStatus = "success"
	ReceiptStatusReachedThenShutdownBestEffort ReceiptStatus = "reached_then_shutdown_best_effort"
	ReceiptStatusFloorAboveTarget             ReceiptStatus = "floor_above_target"
	ReceiptStatusWALMissing                   ReceiptStatus = "wal_missing"
	ReceiptStatusStoppedWrongPoint            ReceiptStatus = "stopped_wrong_point"
	ReceiptStatusTimeout                      ReceiptStatus = "timeout"
	ReceiptStatusAborted                      ReceiptStatus = "aborted"
)

// IsSuccessClass reports whether status permits current_restore_point.txt to advance.
func (s ReceiptStatus) IsSuccessClass() bool {
	return s == ReceiptStatusSuccess || s == ReceiptStatusReachedThenShutdownBestEffort
}

// PerInstanceReceipt is the per-segment evidence recorded in a Receipt.
type PerInstanceReceipt struct {
	ReplayLSN   LSN    `json:"replay_lsn"`
	Down        bool   `json:"down"`
	LogEvidence string `json:"log_evidence"`
}

// Receipt is the audit record written after every consumer attempt.
type Receipt struct {
	AttemptID            string                     `json:"attempt_id"`
	CurrentRestorePoint  RestorePointName           `json:"current_restore_point"`
	TargetRestorePoint   RestorePointName           `json:"target_restore_point"`
	CheckedAtUTC         time.Time                  `json:"checked_at_utc"`
	Mode                 string                     `json:"mode"`
	Status               ReceiptStatus              `json:"status"`
	WaitedSecs           int                        `json:"waited_secs"`
	TargetLSNs           map[int]LSN                `json:"target_lsns"`
	PerInstance           map[int]PerInstanceReceipt `json:"per_instance"`
	Error                string                     `json:"error,omitempty"`
}

// Clock abstracts wall-clock time so restore-point names and timestamps are
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
