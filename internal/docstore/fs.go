package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore is the filesystem implementation of [Store]. Each logical path maps
// to one file under the root directory. Writes go through a temp file in the
// target directory followed by an atomic rename, so a crash mid-write always
// leaves the previous complete document readable.
type FSStore struct {
	root  string
	locks *lockTable
}

// Compile-time interface check.
var _ Store = (*FSStore)(nil)

// NewFSStore creates an [FSStore] rooted at dir. The directory is created if
// it does not exist.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("docstore: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create root %q: %w", dir, err)
	}
	return &FSStore{
		root:  dir,
		locks: newLockTable(),
	}, nil
}

// resolve maps a logical document path onto the filesystem, rejecting paths
// that would escape the root.
func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("docstore: invalid document path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

// Read implements [Store.Read].
func (s *FSStore) Read(ctx context.Context, path string) (json.RawMessage, int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, 0, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("docstore: read %q: %w", path, err)
	}

	if !json.Valid(data) {
		s.quarantine(full, path)
		return nil, 0, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}

	return json.RawMessage(data), DocumentVersion(data), nil
}

// quarantine moves an unparseable document aside so the next write can
// recreate the path. Best-effort: a failed rename leaves the corrupt file in
// place and Read keeps failing, which is the safer outcome.
func (s *FSStore) quarantine(full, path string) {
	target := fmt.Sprintf("%s.corrupt-%d", full, time.Now().UnixNano())
	if err := os.Rename(full, target); err != nil {
		slog.Error("docstore: quarantine failed", "path", path, "err", err)
		return
	}
	slog.Warn("docstore: quarantined corrupt document", "path", path, "quarantine", target)
}

// Write implements [Store.Write].
func (s *FSStore) Write(ctx context.Context, path string, doc json.RawMessage, expectedVersion int64) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if !json.Valid(doc) {
		return fmt.Errorf("docstore: refusing to write invalid JSON to %q", path)
	}

	if expectedVersion != AnyVersion {
		current, _, err := s.Read(ctx, path)
		switch {
		case err == nil:
			if DocumentVersion(current) != expectedVersion {
				return fmt.Errorf("%w: %s: expected %d, have %d",
					ErrVersionConflict, path, expectedVersion, DocumentVersion(current))
			}
		case err == ErrNotFound:
			if expectedVersion != 0 {
				return fmt.Errorf("%w: %s: expected %d, document does not exist",
					ErrVersionConflict, path, expectedVersion)
			}
		default:
			return err
		}
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("docstore: create dir for %q: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return fmt.Errorf("docstore: create temp for %q: %w", path, err)
	}
	tmpName := tmp.Name()

	// The temp file is removed on every failure path below.
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("docstore: write temp for %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("docstore: sync temp for %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("docstore: close temp for %q: %w", path, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("docstore: rename into %q: %w", path, err)
	}
	return nil
}

// Lock implements [Store.Lock].
func (s *FSStore) Lock(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	// Lock on the resolved path so "a/b.json" and "./a/b.json" share a lock.
	return s.locks.acquire(ctx, full, timeout)
}

// List implements [Store.List].
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	full, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: list %q: %w", prefix, err)
	}
	return paths, nil
}

// Delete implements [Store.Delete].
func (s *FSStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("docstore: delete %q: %w", path, err)
	}
	return nil
}
