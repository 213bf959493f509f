// Package manifeststore implements the manifest lifecycle storage described
// in the restore-point manifest design: atomic put/list/get of manifests plus
// the LATEST pointer, with a pluggable local-filesystem or templated-
// subprocess backend.
package manifeststore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/internal"
	"github.com/greenplum-dr/drsync/metrics"
)

// manifestFilePrefix and manifestFileSuffix bound the glob used to enumerate
// manifests in a directory.
const (
	manifestFilePrefix = "sync_point_"
	manifestFileSuffix = ".json"
)

// Store is the capability set the publisher and consumer need from manifest
// storage: put a manifest, list known restore points newest-first, fetch one
// by name, and read/replace the LATEST pointer.
//
// Multiple publishers writing concurrently are disallowed by design (one
// publisher per Primary, enforced by leaser.Leaser); readers are unlimited.
type Store interface {
	// Put durably (atomically) writes manifest. Safe to call repeatedly for
	// the same restore point as evidence accumulates, up until Ready becomes
	// true; a manifest with Ready true must never be passed to Put again.
	Put(ctx context.Context, m *drsync.Manifest) error

	// List returns known restore point names, newest first by the embedded
	// timestamp.
	List(ctx context.Context) ([]drsync.RestorePointName, error)

	// Get fetches one manifest by name. Returns drsync.ErrManifestNotFound if
	// absent.
	Get(ctx context.Context, name drsync.RestorePointName) (*drsync.Manifest, error)

	// Latest reads the LATEST pointer. Callers must tolerate a pointer that
	// references a restore point slightly behind the newest on-disk manifest;
	// it is updated last, after the manifest it points to is already durable.
	Latest(ctx context.Context) (*drsync.LatestPointer, error)

	// PutLatest atomically replaces the LATEST pointer. Must only be called
	// after the manifest it references has itself been durably written via
	// Put with Ready == true.
	PutLatest(ctx context.Context, p *drsync.LatestPointer) error
}

// manifestFilename returns the on-disk filename for a restore point's manifest.
func manifestFilename(name drsync.RestorePointName) string {
	return string(name) + manifestFileSuffix
}

// parseManifestFilename extracts the restore point name from a manifest
// filename, or ok=false if filename doesn't look like one.
func parseManifestFilename(filename string) (drsync.RestorePointName, bool) {
	if !strings.HasPrefix(filename, manifestFilePrefix) || !strings.HasSuffix(filename, manifestFileSuffix) {
		return "", false
	}
	return drsync.RestorePointName(strings.TrimSuffix(filename, manifestFileSuffix)), true
}

// LocalStore implements Store directly against a local (or network-mounted)
// filesystem directory. This is the default backend named in configuration.
type LocalStore struct {
	ManifestDir string
	LatestPath  string
}

// NewLocalStore returns a Store rooted at manifestDir, with the LATEST
// pointer stored at latestPath.
func NewLocalStore(manifestDir, latestPath string) *LocalStore {
	return &LocalStore{ManifestDir: manifestDir, LatestPath: latestPath}
}

func (s *LocalStore) manifestPath(name drsync.RestorePointName) string {
	return filepath.Join(s.ManifestDir, manifestFilename(name))
}

// Put writes the manifest atomically: marshal to JSON, write to a sibling
// temp file, fsync, rename into place, fsync the directory.
func (s *LocalStore) Put(_ context.Context, m *drsync.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest %s: %w", m.RestorePoint, err)
	}
	data = append(data, '\n')

	if err := internal.AtomicWriteFile(s.manifestPath(m.RestorePoint), data, 0666); err != nil {
		return fmt.Errorf("write manifest %s: %w", m.RestorePoint, err)
	}

	readyLabel := "false"
	if m.Ready {
		readyLabel = "true"
		metrics.ManifestReadyGauge.Set(1)
	} else {
		metrics.ManifestReadyGauge.Set(0)
	}
	metrics.ManifestPublishCountVec.WithLabelValues(readyLabel).Inc()

	return nil
}

// List returns restore point names found in ManifestDir, newest first.
func (s *LocalStore) List(_ context.Context) ([]drsync.RestorePointName, error) {
	entries, err := os.ReadDir(s.ManifestDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read manifest dir %s: %w", s.ManifestDir, err)
	}

	var names []drsync.RestorePointName
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := parseManifestFilename(e.Name()); ok {
			names = append(names, name)
		}
	}

	sortNewestFirst(names)
	return names, nil
}

// Get reads and unmarshals one manifest by name.
func (s *LocalStore) Get(_ context.Context, name drsync.RestorePointName) (*drsync.Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, drsync.ErrManifestNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	return unmarshalManifest(string(data))
}

// unmarshalManifest parses a manifest JSON body, as produced by either the
// local filesystem or a remote fetch command's stdout.
func unmarshalManifest(body string) (*drsync.Manifest, error) {
	var m drsync.Manifest
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

// sortNewestFirst orders restore point names newest-first by their
// lexicographically-sortable fixed-width timestamp encoding.
func sortNewestFirst(names []drsync.RestorePointName) {
	sort.Slice(names, func(i, j int) bool { return string(names[i]) > string(names[j]) })
}

// Latest reads the LATEST pointer file. Returns a zero pointer, nil error if
// it does not exist yet (no manifest has ever become ready).
func (s *LocalStore) Latest(_ context.Context) (*drsync.LatestPointer, error) {
	data, err := os.ReadFile(s.LatestPath)
	if os.IsNotExist(err) {
		return &drsync.LatestPointer{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read latest pointer %s: %w", s.LatestPath, err)
	}

	var p drsync.LatestPointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal latest pointer %s: %w", s.LatestPath, err)
	}
	return &p, nil
}

// PutLatest atomically replaces the LATEST pointer.
func (s *LocalStore) PutLatest(_ context.Context, p *drsync.LatestPointer) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal latest pointer: %w", err)
	}
	data = append(data, '\n')

	if err := internal.AtomicWriteFile(s.LatestPath, data, 0666); err != nil {
		return fmt.Errorf("write latest pointer: %w", err)
	}
	return nil
}
