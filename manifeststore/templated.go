package manifeststore

import (
	"context"
	"fmt"
	"strings"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/shelltemplate"
)

// TemplatedStore reads manifests from a remote location via subprocess
// templates (e.g. an object-store CLI), while all writes go through an
// embedded LocalStore: the design only ever names the Primary's local
// manifest_dir as the write target (one publisher per cluster), and uses the
// fetch/list templates purely for consumer-side reads when the consumer does
// not share a filesystem with the publisher.
type TemplatedStore struct {
	local *LocalStore

	// FetchCommand is a template producing the JSON body of one manifest on
	// stdout. Supports {manifest_path}, {manifest_dir}, {manifest_file}.
	FetchCommand string

	// ListCommand is a template producing one manifest filename per line on
	// stdout. Supports {manifest_dir}.
	ListCommand string
}

// NewTemplatedStore returns a Store that writes locally (manifestDir,
// latestPath) and reads remotely via fetchCmd/listCmd.
func NewTemplatedStore(manifestDir, latestPath, fetchCmd, listCmd string) *TemplatedStore {
	return &TemplatedStore{
		local:        NewLocalStore(manifestDir, latestPath),
		FetchCommand: fetchCmd,
		ListCommand:  listCmd,
	}
}

// Put delegates to the local backend.
func (s *TemplatedStore) Put(ctx context.Context, m *drsync.Manifest) error {
	return s.local.Put(ctx, m)
}

// PutLatest delegates to the local backend.
func (s *TemplatedStore) PutLatest(ctx context.Context, p *drsync.LatestPointer) error {
	return s.local.PutLatest(ctx, p)
}

// Latest delegates to the local backend; the LATEST pointer is always a
// small local/shared file, never fetched remotely per manifest.
func (s *TemplatedStore) Latest(ctx context.Context) (*drsync.LatestPointer, error) {
	return s.local.Latest(ctx)
}

// List runs ListCommand and parses one manifest filename per non-blank
// stdout line, newest first.
func (s *TemplatedStore) List(ctx context.Context) ([]drsync.RestorePointName, error) {
	if s.ListCommand == "" {
		return s.local.List(ctx)
	}

	res, err := shelltemplate.Run(ctx, s.ListCommand, map[string]string{
		"manifest_dir": s.local.ManifestDir,
	})
	if err != nil {
		return nil, fmt.Errorf("run manifest list command: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("manifest list command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var names []drsync.RestorePointName
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if name, ok := parseManifestFilename(line); ok {
			names = append(names, name)
		}
	}

	sortNewestFirst(names)
	return names, nil
}

// Get runs FetchCommand for name and unmarshals its stdout as a manifest.
func (s *TemplatedStore) Get(ctx context.Context, name drsync.RestorePointName) (*drsync.Manifest, error) {
	if s.FetchCommand == "" {
		return s.local.Get(ctx, name)
	}

	file := manifestFilename(name)
	res, err := shelltemplate.Run(ctx, s.FetchCommand, map[string]string{
		"manifest_dir":  s.local.ManifestDir,
		"manifest_file": file,
		"manifest_path": s.local.manifestPath(name),
	})
	if err != nil {
		return nil, fmt.Errorf("run manifest fetch command for %s: %w", name, err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return nil, fmt.Errorf("%s: %w", name, drsync.ErrManifestNotFound)
	}

	return unmarshalManifest(res.Stdout)
}
