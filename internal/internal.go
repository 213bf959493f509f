// Package internal holds small filesystem helpers shared across the publisher
// and consumer: durable atomic writes and directory fsyncs. Nothing here is
// specific to any one component; every package that needs a crash-safe write
// (manifest store, receipt writer, LATEST pointer, current_restore_point.txt,
// pidfiles) goes through AtomicWriteFile.
package internal

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sync performs an fsync on the given path. Typically used for directories,
// since renaming a file into a directory only becomes durable once the
// directory entry itself is synced.
func Sync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// AtomicWriteFile writes data to a temp file in the same directory as path,
// fsyncs it, renames it into place, and fsyncs the parent directory. Callers
// never observe a partially-written file at path.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	if err := Sync(dir); err != nil {
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}
	return nil
}
