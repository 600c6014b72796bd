// Package filestore implements storage.Backend on top of an embedded
// badger/v4 key-value store, grounded on the teacher's
// internal/keyValStore/keyValStore.go: same WAL-backed single-writer
// opts (SyncWrites disabled, a generous value-log file size, a nil
// badger logger so logrus controls output) and the same batched-update
// transaction style, now generalized from raw chunk storage to the
// object/ref/log key namespaces spec.md §4.3 requires.
package filestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Config configures the embedded file backend.
type Config struct {
	Path             string
	TenantID         string
	ValueLogFileSize int64 // bytes; defaults to 100MB
	Logger           *logrus.Logger
}

// Backend is the badger-backed storage.Backend implementation.
type Backend struct {
	config       Config
	db           *badger.DB
	log          *logrus.Logger
	readCounter  uint64
	writeCounter uint64
}

var _ storage.Backend = (*Backend)(nil)

// New validates config and returns a Backend that has not opened its
// database yet; Initialize performs the actual badger.Open call so the
// New/Initialize split matches the teacher's New/Start separation.
func New(config Config) (*Backend, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("filestore: Path is required")
	}
	if config.TenantID == "" {
		return nil, fmt.Errorf("filestore: TenantID is required")
	}
	if config.ValueLogFileSize == 0 {
		config.ValueLogFileSize = 1024 * 1024 * 100
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Backend{config: config, log: config.Logger}, nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	if b.db != nil {
		return nil
	}
	opts := badger.DefaultOptions(b.config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = b.config.ValueLogFileSize
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("filestore: open badger at %s: %w", b.config.Path, err)
	}
	b.db = db
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Backend) Healthcheck(ctx context.Context) error {
	if b.db == nil {
		return fmt.Errorf("filestore: not initialized")
	}
	if b.db.IsClosed() {
		return fmt.Errorf("filestore: database is closed")
	}
	return nil
}

// objectKey namespaces object bytes under tenant/kind/hash so one badger
// instance can hold multiple tenants without key collisions.
func (b *Backend) objectKey(kind storage.ObjectKind, hash string) []byte {
	return []byte(fmt.Sprintf("obj/%s/%s/%s", b.config.TenantID, kind, hash))
}

func (b *Backend) refKey(key string) []byte {
	return []byte(fmt.Sprintf("ref/%s/%s", b.config.TenantID, key))
}

func (b *Backend) logKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return append([]byte(fmt.Sprintf("log/%s/", b.config.TenantID)), buf...)
}

func (b *Backend) logSeqKey() []byte {
	return []byte(fmt.Sprintf("logseq/%s", b.config.TenantID))
}

func (b *Backend) PutObject(ctx context.Context, kind storage.ObjectKind, hash string, data []byte) error {
	atomic.AddUint64(&b.writeCounter, 1)
	key := b.objectKey(kind, hash)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (b *Backend) GetObject(ctx context.Context, kind storage.ObjectKind, hash string) ([]byte, error) {
	atomic.AddUint64(&b.readCounter, 1)
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.objectKey(kind, hash))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, agerr.NotFound(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: get object %s: %w", hash, err)
	}
	return value, nil
}

func (b *Backend) HasObject(ctx context.Context, kind storage.ObjectKind, hash string) (bool, error) {
	atomic.AddUint64(&b.readCounter, 1)
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.objectKey(kind, hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (b *Backend) IterateObjects(ctx context.Context, kind storage.ObjectKind, fn func(hash string) error) error {
	prefix := []byte(fmt.Sprintf("obj/%s/%s/", b.config.TenantID, kind))
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			hash := string(key[len(prefix):])
			if err := fn(hash); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) DeleteObject(ctx context.Context, kind storage.ObjectKind, hash string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.objectKey(kind, hash))
	})
}

func (b *Backend) GetRef(ctx context.Context, key string) (string, error) {
	atomic.AddUint64(&b.readCounter, 1)
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.refKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", agerr.RefNotFound(key)
	}
	if err != nil {
		return "", fmt.Errorf("filestore: get ref %s: %w", key, err)
	}
	return string(value), nil
}

// CompareAndSetRef relies on badger's transaction conflict detection:
// the read of the current value and the conditional write happen inside
// the same transaction, so a concurrent writer touching the same key
// forces one of the two Update calls to fail with ErrConflict, which is
// surfaced as a CAS conflict rather than retried silently.
func (b *Backend) CompareAndSetRef(ctx context.Context, key, expected, newValue string) error {
	atomic.AddUint64(&b.writeCounter, 1)
	rk := b.refKey(key)
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(rk)
		var current string
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			current = ""
		case err != nil:
			return err
		default:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current = string(v)
		}
		if current != expected {
			return agerr.Conflict(key, expected, current)
		}
		return txn.Set(rk, []byte(newValue))
	})
	if errors.Is(err, badger.ErrConflict) {
		current, _ := b.GetRef(ctx, key)
		return agerr.Conflict(key, expected, current)
	}
	return err
}

func (b *Backend) DeleteRef(ctx context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.refKey(key))
	})
}

func (b *Backend) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	full := b.refKey(prefix)
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		tenantPrefix := []byte(fmt.Sprintf("ref/%s/", b.config.TenantID))
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			key := it.Item().KeyCopy(nil)
			keys = append(keys, string(key[len(tenantPrefix):]))
		}
		return nil
	})
	return keys, err
}

// AppendLog stores the full entry, not just its payload, so ReadLog can
// filter on Action/Actor/Since/Until without having to understand the
// payload's internal encoding.
func (b *Backend) AppendLog(ctx context.Context, entry storage.LogEntry) (uint64, error) {
	var seq uint64
	err := b.db.Update(func(txn *badger.Txn) error {
		seqKey := b.logSeqKey()
		next := uint64(1)
		item, err := txn.Get(seqKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// first entry for this tenant
		case err != nil:
			return err
		default:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			next = binary.BigEndian.Uint64(v) + 1
		}

		seq = next
		entry.Seq = next
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		if err := txn.Set(seqKey, buf); err != nil {
			return err
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(b.logKey(next), encoded)
	})
	if err != nil {
		return 0, fmt.Errorf("filestore: append log: %w", err)
	}
	return seq, nil
}

func (b *Backend) ReadLog(ctx context.Context, filter storage.LogFilter, fn func(storage.LogEntry) error) error {
	prefix := []byte(fmt.Sprintf("log/%s/", b.config.TenantID))
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry storage.LogEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("filestore: decode log entry: %w", err)
			}
			if !matchesFilter(entry, filter) {
				continue
			}
			if err := fn(entry); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

// matchesFilter applies the same Action/Actor/Since/Until constraints
// every backend's ReadLog must honor identically.
func matchesFilter(entry storage.LogEntry, filter storage.LogFilter) bool {
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.Actor != "" && entry.Actor != filter.Actor {
		return false
	}
	if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
		return false
	}
	return true
}
