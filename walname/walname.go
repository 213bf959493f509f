// Package walname computes the archive filename for a WAL segment from a
// timeline ID, an LSN, and the cluster's configured WAL segment size.
//
// This is a pure function used identically by the publisher (to know which
// file to probe for in the archive) and the consumer (documentation only; the
// consumer never re-derives filenames, it trusts the manifest). Divergence
// between two implementations of this function is a safety bug, not a
// cosmetic one, so it is kept in its own leaf package whose only import from
// this module is the root drsync package's LSN type.
package walname

import (
	"fmt"

	"github.com/greenplum-dr/drsync"
)

// MinSegmentSize and MaxSegmentSize bound the configurable WAL segment size.
const (
	MinSegmentSize = 1 << 20 // 1 MiB
	MaxSegmentSize = 1 << 30 // 1 GiB
)

// IsPowerOfTwo reports whether v is a power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// ValidateSegmentSize returns an error unless segSize is a power of two
// between MinSegmentSize and MaxSegmentSize inclusive.
func ValidateSegmentSize(segSize uint64) error {
	if segSize < MinSegmentSize || segSize > MaxSegmentSize {
		return fmt.Errorf("wal segment size %d out of range [%d,%d]", segSize, MinSegmentSize, MaxSegmentSize)
	}
	if !IsPowerOfTwo(segSize) {
		return fmt.Errorf("wal segment size %d is not a power of two", segSize)
	}
	return nil
}

// Filename returns the 24-hex-character archive filename for the WAL segment
// containing lsn on timeline timelineID, given a segment size in bytes.
//
// The filename encodes (timeline, logid, seg) as three zero-padded
// 8-hex-digit fields, reproducing Postgres's own XLogFileName: logid and seg
// split the segment number at segmentsPerXLogId = 2^32 / segSize, not at bit
// 32 of the segment number itself. The two only coincide when segSize is
// 1 byte, which is outside this package's supported range, so that split
// cannot be approximated by slicing the segment number's high/low 32 bits.
// When lsn falls exactly on a segment boundary (lsn % segSize == 0), the
// returned filename names the segment that STARTS at lsn, not the one that
// ends there.
func Filename(timelineID uint32, lsn drsync.LSN, segSize uint64) (string, error) {
	if err := ValidateSegmentSize(segSize); err != nil {
		return "", err
	}

	segNo := uint64(lsn) / segSize
	segmentsPerXLogID := (uint64(1) << 32) / segSize
	logID := uint32(segNo / segmentsPerXLogID)
	seg := uint32(segNo % segmentsPerXLogID)

	return fmt.Sprintf("%08X%08X%08X", timelineID, logID, seg), nil
}

// SegmentSizeMB converts a megabyte count from configuration into a byte count
// suitable for Filename / ValidateSegmentSize.
func SegmentSizeMB(mb int) uint64 {
	return uint64(mb) * (1 << 20)
}
