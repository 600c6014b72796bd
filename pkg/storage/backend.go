// Package storage declares the single interface every backend
// (embedded file, pooled relational, eventually-consistent blob store)
// implements, grounded on the teacher's own storageService.go interface
// split and its OuroborosDB New/Start/Close lifecycle
// (i5heu-ouroboros-db/ouroboros.go).
package storage

import (
	"context"
	"time"
)

// ObjectKind distinguishes a content-addressed blob from a commit for
// backends that want to route them differently (e.g. separate buckets).
type ObjectKind string

const (
	KindBlob   ObjectKind = "blob"
	KindCommit ObjectKind = "commit"
)

// LogEntry is one hash-chained audit record as persisted by a backend.
// The audit package computes SelfHash/PrevHash; backends only store and
// retrieve the bytes.
type LogEntry struct {
	Seq       uint64
	TenantID  string
	Action    string
	Actor     string
	Timestamp time.Time
	PrevHash  string
	SelfHash  string
	Payload   []byte // the caller's encoded entry; the audit package stores its whole JSON entry, SelfHash included
}

// LogFilter narrows a ReadLog call. Zero values mean "no constraint".
type LogFilter struct {
	Since  time.Time
	Until  time.Time
	Action string
	Actor  string
	Limit  int
}

// Backend is the storage abstraction spec.md §4.3 requires every
// backend to satisfy identically: content-addressed object storage,
// CAS-guarded mutable refs, and an append-only audit log, all scoped to
// a tenant namespace chosen at construction time.
type Backend interface {
	// Initialize prepares the backend for use (schema creation, bucket
	// creation, directory creation). It must be idempotent and is always
	// called before Start returns.
	Initialize(ctx context.Context) error

	// Close releases any held resources. Idempotent.
	Close(ctx context.Context) error

	// Healthcheck reports whether the backend can currently serve reads
	// and writes, used by Repository.Healthcheck.
	Healthcheck(ctx context.Context) error

	// PutObject stores content-addressed bytes under hash, keyed by kind
	// so a backend may route blobs and commits differently. It must be
	// safe to call twice with the same hash (idempotent write).
	PutObject(ctx context.Context, kind ObjectKind, hash string, data []byte) error

	// GetObject retrieves previously stored bytes. Returns an
	// agerr.NotFoundErr when hash is unknown.
	GetObject(ctx context.Context, kind ObjectKind, hash string) ([]byte, error)

	// HasObject reports whether hash is present without transferring its
	// bytes, used by checkout's target resolution and migration's resume
	// logic.
	HasObject(ctx context.Context, kind ObjectKind, hash string) (bool, error)

	// IterateObjects streams every stored hash of the given kind to fn.
	// fn returning a non-nil error stops iteration and is returned
	// unchanged to the caller.
	IterateObjects(ctx context.Context, kind ObjectKind, fn func(hash string) error) error

	// DeleteObject removes a stored object, used by GC's sweep phase.
	DeleteObject(ctx context.Context, kind ObjectKind, hash string) error

	// GetRef reads the current value for a ref key (a branch key or the
	// reserved HEAD key). Returns agerr.NotFoundErr when absent.
	GetRef(ctx context.Context, key string) (string, error)

	// CompareAndSetRef atomically sets key to newValue iff its current
	// value equals expected ("" meaning "must not currently exist").
	// Returns agerr.ConflictErr on mismatch.
	CompareAndSetRef(ctx context.Context, key, expected, newValue string) error

	// DeleteRef removes a ref key outright (no CAS — callers that need
	// CAS-guarded deletion should compare first).
	DeleteRef(ctx context.Context, key string) error

	// ListRefs returns every ref key sharing the given prefix, used to
	// enumerate branches.
	ListRefs(ctx context.Context, prefix string) ([]string, error)

	// AppendLog appends one audit entry and returns the sequence number
	// it was assigned. Sequence numbers are backend-assigned and strictly
	// increasing per tenant.
	AppendLog(ctx context.Context, entry LogEntry) (uint64, error)

	// ReadLog streams audit entries matching filter, in ascending
	// sequence order, to fn.
	ReadLog(ctx context.Context, filter LogFilter, fn func(LogEntry) error) error
}
