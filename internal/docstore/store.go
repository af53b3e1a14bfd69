// Package docstore provides atomic, versioned storage for the JSON documents
// that make up experience state: world documents, player views, and player
// profiles.
//
// Documents are addressed by logical slash-separated paths (for example
// "experiences/wylding-woods/state/world.json"). Every document carries its
// own version in metadata._version; writes may be made conditional on the
// version last read, which is how the state manager implements optimistic
// concurrency on top of the store.
//
// Two implementations exist: [FSStore] (the reference implementation, one
// file per document with temp-file + rename atomicity) and [PostgresStore]
// (a JSONB table with compare-and-swap updates).
//
// All implementations must be safe for concurrent use.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Read and Delete when no document exists at
	// the given path.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrVersionConflict is returned by Write when expectedVersion does not
	// match the stored document's current version. Nothing is written.
	ErrVersionConflict = errors.New("docstore: version conflict")

	// ErrLockTimeout is returned by Lock when the advisory lock could not be
	// acquired within the timeout.
	ErrLockTimeout = errors.New("docstore: lock acquisition timed out")

	// ErrCorrupt is returned by Read when the stored bytes are not a valid
	// JSON document. The FS implementation quarantines the file aside so the
	// next write can recreate it.
	ErrCorrupt = errors.New("docstore: document corrupt")
)

// AnyVersion disables the version check on Write: the document is written
// unconditionally.
const AnyVersion int64 = -1

// Store is the contract for versioned JSON document storage.
type Store interface {
	// Read returns the full document at path and its current version.
	// A document is never returned partially: either the complete parsed
	// bytes come back or an error does. Returns [ErrNotFound] if no document
	// exists and [ErrCorrupt] if the stored bytes cannot be parsed.
	Read(ctx context.Context, path string) (json.RawMessage, int64, error)

	// Write stores doc at path atomically. When expectedVersion is not
	// [AnyVersion] and does not equal the stored document's current version,
	// Write fails with [ErrVersionConflict] and leaves the document
	// untouched. Writing to a path with no existing document succeeds when
	// expectedVersion is [AnyVersion] or zero.
	Write(ctx context.Context, path string, doc json.RawMessage, expectedVersion int64) error

	// Lock acquires the advisory exclusive lock for path, blocking up to
	// timeout. On success it returns a release function that must be called
	// on every exit path. Returns [ErrLockTimeout] when the lock could not be
	// acquired in time.
	Lock(ctx context.Context, path string, timeout time.Duration) (release func(), err error)

	// List returns the logical paths of all documents under prefix, in
	// unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the document at path. Returns [ErrNotFound] when no
	// document exists there.
	Delete(ctx context.Context, path string) error
}

// WithLock acquires the lock for path, runs fn, and releases the lock on
// every exit path. It is a convenience wrapper around [Store.Lock] for the
// common single-document case.
func WithLock(ctx context.Context, s Store, path string, timeout time.Duration, fn func(ctx context.Context) error) error {
	release, err := s.Lock(ctx, path, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// versionEnvelope extracts metadata._version from a raw document.
type versionEnvelope struct {
	Metadata struct {
		Version int64 `json:"_version"`
	} `json:"metadata"`
}

// DocumentVersion returns the metadata._version embedded in doc, or 0 when
// the document carries no version.
func DocumentVersion(doc json.RawMessage) int64 {
	var env versionEnvelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return 0
	}
	return env.Metadata.Version
}
