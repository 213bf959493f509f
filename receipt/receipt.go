// Package receipt writes the audit record produced after every consumer
// attempt: an atomic, never-overwritten JSON file an external audit can
// replay.
package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/internal"
)

// Writer writes receipts into a fixed directory.
type Writer struct {
	Dir string
}

// NewWriter returns a Writer rooted at dir.
func NewWriter(dir string) *Writer { return &Writer{Dir: dir} }

// NewAttemptID returns a fresh attempt-correlation ID for a Receipt.
func NewAttemptID() string { return uuid.NewString() }

// Write durably writes r, named "<target>.receipt.json". If that name is
// already taken (a prior attempt against the same target), it falls back to
// "<target>.<n>.receipt.json" for the smallest unused n ≥ 1 — receipts are
// never overwritten, so every attempt's evidence is preserved.
func (w *Writer) Write(_ context.Context, r *drsync.Receipt) (string, error) {
	if err := os.MkdirAll(w.Dir, 0777); err != nil {
		return "", fmt.Errorf("create receipts dir %s: %w", w.Dir, err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal receipt for %s: %w", r.TargetRestorePoint, err)
	}
	data = append(data, '\n')

	path := filepath.Join(w.Dir, fmt.Sprintf("%s.receipt.json", r.TargetRestorePoint))
	for attempt := 1; fileExists(path); attempt++ {
		path = filepath.Join(w.Dir, fmt.Sprintf("%s.%d.receipt.json", r.TargetRestorePoint, attempt))
	}

	if err := internal.AtomicWriteFile(path, data, 0666); err != nil {
		return "", fmt.Errorf("write receipt %s: %w", path, err)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
