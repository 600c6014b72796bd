// Package storagetest provides an in-memory storage.Backend used by
// this module's own test suites so package tests for audit, gc,
// migration, and the repository orchestrator don't need a live badger,
// postgres, or minio instance to exercise CAS/object/log semantics.
package storagetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Backend is a goroutine-safe, entirely in-memory storage.Backend.
type Backend struct {
	mu      sync.Mutex
	objects map[storage.ObjectKind]map[string][]byte
	refs    map[string]string
	log     []storage.LogEntry
	nextSeq uint64
	closed  bool
}

var _ storage.Backend = (*Backend)(nil)

// New returns a ready-to-use in-memory backend; Initialize is a no-op.
func New() *Backend {
	return &Backend{
		objects: map[storage.ObjectKind]map[string][]byte{
			storage.KindBlob:   {},
			storage.KindCommit: {},
		},
		refs: map[string]string{},
	}
}

func (b *Backend) Initialize(ctx context.Context) error { return nil }

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) Healthcheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return agerr.BackendUnavailable(nil)
	}
	return nil
}

func (b *Backend) PutObject(ctx context.Context, kind storage.ObjectKind, hash string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte{}, data...)
	b.objects[kind][hash] = cp
	return nil
}

func (b *Backend) GetObject(ctx context.Context, kind storage.ObjectKind, hash string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[kind][hash]
	if !ok {
		return nil, agerr.NotFound(hash)
	}
	return append([]byte{}, data...), nil
}

func (b *Backend) HasObject(ctx context.Context, kind storage.ObjectKind, hash string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[kind][hash]
	return ok, nil
}

func (b *Backend) IterateObjects(ctx context.Context, kind storage.ObjectKind, fn func(hash string) error) error {
	b.mu.Lock()
	hashes := make([]string, 0, len(b.objects[kind]))
	for h := range b.objects[kind] {
		hashes = append(hashes, h)
	}
	b.mu.Unlock()
	sort.Strings(hashes)
	for _, h := range hashes {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) DeleteObject(ctx context.Context, kind storage.ObjectKind, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects[kind], hash)
	return nil
}

func (b *Backend) GetRef(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.refs[key]
	if !ok {
		return "", agerr.RefNotFound(key)
	}
	return v, nil
}

func (b *Backend) CompareAndSetRef(ctx context.Context, key, expected, newValue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, exists := b.refs[key]
	if expected == "" {
		if exists {
			return agerr.Conflict(key, expected, current)
		}
	} else if current != expected {
		return agerr.Conflict(key, expected, current)
	}
	b.refs[key] = newValue
	return nil
}

func (b *Backend) DeleteRef(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refs, key)
	return nil
}

func (b *Backend) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.refs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) AppendLog(ctx context.Context, entry storage.LogEntry) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	entry.Seq = b.nextSeq
	b.log = append(b.log, entry)
	return entry.Seq, nil
}

func (b *Backend) ReadLog(ctx context.Context, filter storage.LogFilter, fn func(storage.LogEntry) error) error {
	b.mu.Lock()
	entries := append([]storage.LogEntry{}, b.log...)
	b.mu.Unlock()

	count := 0
	for _, e := range entries {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		count++
		if filter.Limit > 0 && count >= filter.Limit {
			break
		}
	}
	return nil
}
