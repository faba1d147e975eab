// Package store owns the on-disk layout under the base directory:
// a durable stored/ area that keeps one archive per version, and a transient
// download/ area that is emptied at the end of every cycle.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"patchvault/internal/fault"
)

const (
	StoredDir   = "stored"
	DownloadDir = "download"

	// DefaultSizeWarn is the compressed size above which an archive is
	// reported. It never blocks finalizing.
	DefaultSizeWarn int64 = 50 * 1024 * 1024
)

type Store struct {
	base      string
	stored    string
	workspace string
}

// Open creates the base, stored and download directories if they are missing.
// An error here means no cycle can succeed and the caller should abort.
func Open(base string) (*Store, error) {
	if base == "" {
		return nil, errors.New("store base dir is empty")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir %q: %w", base, err)
	}
	s := &Store{
		base:      abs,
		stored:    filepath.Join(abs, StoredDir),
		workspace: filepath.Join(abs, DownloadDir),
	}
	for _, dir := range []string{s.base, s.stored, s.workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.Storage("create layout", err)
		}
	}
	return s, nil
}

func (s *Store) Base() string      { return s.base }
func (s *Store) Workspace() string { return s.workspace }

func ArchiveName(version string) string { return version + ".zip" }

func (s *Store) WorkspacePath(name string) string {
	return filepath.Join(s.workspace, name)
}

func (s *Store) StoredPath(version string) string {
	return filepath.Join(s.stored, ArchiveName(version))
}

// WorkspaceHas reports whether a regular file called name is in the workspace.
func (s *Store) WorkspaceHas(name string) bool {
	fi, err := os.Stat(s.WorkspacePath(name))
	return err == nil && fi.Mode().IsRegular()
}

// Stored reports whether the archive for version is already in durable storage.
func (s *Store) Stored(version string) bool {
	fi, err := os.Stat(s.StoredPath(version))
	return err == nil && fi.Mode().IsRegular()
}

// Finalize moves a completed archive into durable storage, replacing any
// previous archive for the same version. Source and destination share a
// filesystem, so the rename is atomic.
func (s *Store) Finalize(tmpPath, version string) (string, error) {
	dst := s.StoredPath(version)
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fault.Storage("finalize archive", err)
	}
	return dst, nil
}

// PurgeWorkspace removes every regular file in the workspace. Directories are
// left alone; the loop never creates any. All removals are attempted and the
// failures joined.
func (s *Store) PurgeWorkspace() error {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return fault.Storage("purge workspace", err)
	}
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(s.workspace, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fault.Storage("purge workspace", errors.Join(errs...))
	}
	return nil
}

// Oversize reports whether size exceeds limit. A non-positive limit falls back
// to DefaultSizeWarn.
func Oversize(size, limit int64) bool {
	if limit <= 0 {
		limit = DefaultSizeWarn
	}
	return size > limit
}
