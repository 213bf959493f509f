package walname

import (
	"testing"

	"github.com/greenplum-dr/drsync"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestValidateSegmentSize(t *testing.T) {
	tests := []struct {
		size    uint64
		wantErr bool
	}{
		{1 << 20, false},
		{1 << 26, false},
		{1 << 30, false},
		{1 << 19, true},          // below min
		{1 << 31, true},          // above max
		{(1 << 20) + 1024, true}, // not a power of two
		{0, true},
	}
	for _, tt := range tests {
		if err := ValidateSegmentSize(tt.size); (err != nil) != tt.wantErr {
			t.Errorf("ValidateSegmentSize(%d) error=%v, wantErr=%v", tt.size, err, tt.wantErr)
		}
	}
}

// TestFilename_KnownValues pins Filename against filenames computed by hand
// from Postgres's own XLogFileName split (logid = segno / (2^32/segsz), seg =
// segno % (2^32/segsz)), not by re-deriving them through this package. Each
// case is independently worked out below so a regression to a flat 32/32
// split of the segment number (which agrees with XLogFileName only when
// logid is 0) gets caught.
func TestFilename_KnownValues(t *testing.T) {
	tests := []struct {
		name       string
		timelineID uint32
		lsn        string // hi/lo LSN string, as accepted by drsync.ParseLSN
		segSizeMB  int
		want       string
	}{
		{
			// segsz=16MiB -> segmentsPerXLogId=256. lsn 9/EC0000C8 -> segno
			// 0x9EC0000C8/0x1000000 = 2540 = 9*256+236 -> logid=9, seg=0xEC.
			name:       "spec round-trip scenario",
			timelineID: 1,
			lsn:        "9/EC0000C8",
			segSizeMB:  16,
			want:       "0000000100000009000000EC",
		},
		{
			// Same segment size, neighboring LSN used by the archive-probe
			// fixtures: segno 0x9E40000C8/0x1000000 = 2532 = 9*256+228.
			name:       "neighboring coordinator LSN",
			timelineID: 1,
			lsn:        "9/E40000C8",
			segSizeMB:  16,
			want:       "0000000100000009000000E4",
		},
		{
			// segsz=64MiB -> segmentsPerXLogId=64. lsn 1/18000000 has
			// segno=70 (lsn=4697620480, segsz=67108864), so logid=70/64=1,
			// seg=70%64=6. A flat 32/32 split of segno would wrongly give
			// logid=0, seg=70 ("00000000"+"00000046") since segno itself
			// never exceeds 32 bits here; only the real XLogFileName split
			// produces the logid rollover.
			name:       "logid rollover not visible in segno's own high bits",
			timelineID: 1,
			lsn:        "1/18000000",
			segSizeMB:  64,
			want:       "000000010000000100000006",
		},
		{
			// segsz=1GiB (max) -> segmentsPerXLogId=4. segno=3 exactly at
			// lsn=3*2^30, so logid=3/4=0, seg=3%4=3.
			name:       "max segment size",
			timelineID: 7,
			lsn:        "0/C0000000",
			segSizeMB:  1024,
			want:       "000000070000000000000003",
		},
		{
			// segsz=1MiB (min) -> segmentsPerXLogId=4096. lsn=5MiB exactly,
			// segno=5, logid=0, seg=5.
			name:       "min segment size",
			timelineID: 2,
			lsn:        "0/00500000",
			segSizeMB:  1,
			want:       "000000020000000000000005",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lsn, err := drsync.ParseLSN(tt.lsn)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Filename(tt.timelineID, lsn, SegmentSizeMB(tt.segSizeMB))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("Filename(%d, %s, %dMiB) = %q, want %q", tt.timelineID, tt.lsn, tt.segSizeMB, got, tt.want)
			}
		})
	}
}

func TestFilename_SegmentBoundary(t *testing.T) {
	segSize := SegmentSizeMB(16)

	// lsn exactly on a boundary names the segment that starts there.
	boundaryLSN := drsync.LSN(segSize * 5)
	name, err := Filename(1, boundaryLSN, segSize)
	if err != nil {
		t.Fatal(err)
	}

	nameBefore, err := Filename(1, drsync.LSN(segSize*5-1), segSize)
	if err != nil {
		t.Fatal(err)
	}
	if name == nameBefore {
		t.Fatalf("boundary lsn should name the next segment, got same name %q", name)
	}

	nameAfter, err := Filename(1, drsync.LSN(segSize*5+1), segSize)
	if err != nil {
		t.Fatal(err)
	}
	if name != nameAfter {
		t.Fatalf("boundary lsn should match the segment that starts there: %q != %q", name, nameAfter)
	}
}

func TestFilename_InvalidSegmentSize(t *testing.T) {
	if _, err := Filename(1, drsync.LSN(0), 12345); err == nil {
		t.Fatal("expected error for non-power-of-two segment size")
	}
}

// TestFilenameDeterministic is a property test over the full uint64 LSN range:
// the same (timeline, lsn, segSize) must always produce the same filename, and
// the filename must always be exactly 24 hex characters. This only catches
// internal inconsistency, not divergence from Postgres's own encoding; that
// is what TestFilename_KnownValues is for.
func TestFilenameDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("filename is deterministic and well-formed", prop.ForAll(
		func(timelineID uint32, lsn uint64, segSizeShift uint8) bool {
			shift := 20 + (segSizeShift % 11) // 2^20 .. 2^30
			segSize := uint64(1) << shift

			name1, err1 := Filename(timelineID, drsync.LSN(lsn), segSize)
			name2, err2 := Filename(timelineID, drsync.LSN(lsn), segSize)
			if err1 != nil || err2 != nil {
				return false
			}
			if name1 != name2 {
				return false
			}
			if len(name1) != 24 {
				return false
			}
			return true
		},
		gen.UInt32(),
		gen.UInt64(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
