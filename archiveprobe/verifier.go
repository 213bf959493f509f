package archiveprobe

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/greenplum-dr/drsync/shelltemplate"
)

// Verifier checks whether a single WAL file is present in the archive for one
// manifest instance.
type Verifier interface {
	// Probe returns true if the WAL file is present. A verifier-process
	// failure with unknown output is reported as (false, nil) — absent, not
	// an error — per the "per-instance tolerant" contract; Probe only
	// returns a non-nil error if it could not even attempt the check.
	Probe(ctx context.Context, vars Vars) (present bool, err error)
}

// Vars are the named placeholders substituted into a verifier template.
type Vars struct {
	ArchiveDir  string
	WALFilename string
	Host        string
}

// substitutions returns the {key: value} map consumed by shelltemplate.Expand.
func (v Vars) substitutions() map[string]string {
	walPath := filepath.Join(v.ArchiveDir, v.WALFilename)
	return map[string]string{
		"archive_dir":  v.ArchiveDir,
		"wal_filename": v.WALFilename,
		"wal_path":     walPath,
		"host":         v.Host,
	}
}

// LocalFSVerifier is the built-in default verifier: it stats
// {archive_dir}/{wal_filename} on the local filesystem. Used when no template
// is configured for a segment, globally or per-segment.
type LocalFSVerifier struct{}

// Probe implements Verifier.
func (LocalFSVerifier) Probe(_ context.Context, vars Vars) (bool, error) {
	walPath := filepath.Join(vars.ArchiveDir, vars.WALFilename)
	fi, err := os.Stat(walPath)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, nil // stat failure is treated as absent, not a hard error
	}
	return !fi.IsDir() && fi.Size() > 0, nil
}

// TemplatedVerifier runs a configured subprocess template and treats exit
// code 0 with non-empty stdout as present; any other outcome, including a
// process that could not be started, is reported as absent so that one
// segment's broken verifier command never aborts probing of the others.
type TemplatedVerifier struct {
	Template string
}

// Probe implements Verifier.
func (v TemplatedVerifier) Probe(ctx context.Context, vars Vars) (bool, error) {
	res, err := shelltemplate.Run(ctx, v.Template, vars.substitutions())
	if err != nil {
		// Could not even start the verifier process: logged here, reported as absent.
		log.Printf("archive verifier could not run for wal_filename=%s, treating as absent: %s", vars.WALFilename, err)
		return false, nil
	}
	return res.Succeeded(), nil
}

// Select picks the verifier for a segment per the configured precedence:
// (a) a per-segment template, (b) a global template, (c) the built-in
// local-filesystem check.
func Select(segmentID int, globalTemplate string, perSegmentTemplates map[int]string) Verifier {
	if tmpl, ok := perSegmentTemplates[segmentID]; ok && tmpl != "" {
		return TemplatedVerifier{Template: tmpl}
	}
	if globalTemplate != "" {
		return TemplatedVerifier{Template: globalTemplate}
	}
	return LocalFSVerifier{}
}
