// Package audit implements the tamper-evident hash-chained action log
// spec.md §4.9 requires, grounded on the Rust reference's
// log_action/compute_audit_hash pair (original_source/crates/agit-core/src/repo.rs):
// every entry's self_hash commits to the previous entry's self_hash plus
// its own canonicalized body, so altering or removing any entry breaks
// every self_hash computed after it.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/canon"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Entry is one tamper-evident record in a tenant's audit log, matching
// spec.md §3's {seq, prev_hash, timestamp, actor, action, commit_hash?,
// details, self_hash} shape.
type Entry struct {
	Seq        uint64    `json:"seq"`
	TenantID   string    `json:"tenant_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
	CommitHash string    `json:"commit_hash,omitempty"`
	Details    any       `json:"details,omitempty"`
	PrevHash   string    `json:"prev_hash"`
	SelfHash   string    `json:"self_hash"`
}

// restMap renders every Entry field except self_hash itself, since the
// hash cannot commit to its own output.
func (e Entry) restMap() map[string]any {
	m := map[string]any{
		"seq":       float64(e.Seq),
		"tenant_id": e.TenantID,
		"action":    e.Action,
		"actor":     e.Actor,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash": e.PrevHash,
	}
	if e.CommitHash != "" {
		m["commit_hash"] = e.CommitHash
	}
	if e.Details != nil {
		m["details"] = e.Details
	}
	return m
}

// normalizeDetails round-trips an arbitrary JSON-serializable details
// value (a struct, a typed map, a plain map[string]any) through
// encoding/json so the result is built only from the
// nil/bool/string/json.Number/map[string]any/[]any shapes canon.Encode
// understands.
func normalizeDetails(details any) (any, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// computeSelfHash implements spec.md §3's self_hash = H(prev_hash ‖
// canonical(rest)): the previous entry's self_hash is concatenated,
// byte-for-byte, in front of this entry's canonicalized body before
// hashing, rather than framed the way object hashes are.
func computeSelfHash(e Entry) (string, error) {
	body, err := canon.Encode(e.restMap())
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(body)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return canon.HexString(sum), nil
}

// Log appends entries to, and verifies the chain of, one tenant's audit
// trail via a storage.Backend.
type Log struct {
	backend  storage.Backend
	tenantID string
}

// New wraps a backend for one tenant's audit log.
func New(backend storage.Backend, tenantID string) *Log {
	return &Log{backend: backend, tenantID: tenantID}
}

// genesisPrevHash is the prev_hash recorded for a tenant's first entry,
// a fixed 64-character sentinel distinct from any real SHA-256 digest.
const genesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Append records action by actor with an optional commit hash and an
// arbitrary JSON-serializable details payload, computing and storing
// the next hash-chain link.
func (l *Log) Append(ctx context.Context, action, actor, commitHash string, details any, now time.Time) (Entry, error) {
	prevHash, err := l.lastSelfHash(ctx)
	if err != nil {
		return Entry{}, err
	}

	normalizedDetails, err := normalizeDetails(details)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: normalize details: %w", err)
	}

	entry := Entry{
		TenantID:   l.tenantID,
		Action:     action,
		Actor:      actor,
		Timestamp:  now,
		CommitHash: commitHash,
		Details:    normalizedDetails,
		PrevHash:   prevHash,
	}
	selfHash, err := computeSelfHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.SelfHash = selfHash

	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	seq, err := l.backend.AppendLog(ctx, storage.LogEntry{
		TenantID:  l.tenantID,
		Action:    action,
		Actor:     actor,
		Timestamp: now,
		PrevHash:  prevHash,
		SelfHash:  selfHash,
		Payload:   payload,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}
	entry.Seq = seq
	return entry, nil
}

func (l *Log) lastSelfHash(ctx context.Context) (string, error) {
	var last string
	found := false
	err := l.backend.ReadLog(ctx, storage.LogFilter{}, func(e storage.LogEntry) error {
		var decoded Entry
		if err := json.Unmarshal(e.Payload, &decoded); err != nil {
			return fmt.Errorf("audit: decode stored entry: %w", err)
		}
		last = decoded.SelfHash
		found = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return genesisPrevHash, nil
	}
	return last, nil
}

// Query streams decoded entries matching filter to fn, in ascending
// sequence order.
func (l *Log) Query(ctx context.Context, filter storage.LogFilter, fn func(Entry) error) error {
	return l.backend.ReadLog(ctx, filter, func(e storage.LogEntry) error {
		var decoded Entry
		if err := json.Unmarshal(e.Payload, &decoded); err != nil {
			return fmt.Errorf("audit: decode stored entry: %w", err)
		}
		decoded.Seq = e.Seq
		return fn(decoded)
	})
}

// VerifyChain walks every entry in sequence order and confirms each
// self_hash both matches a fresh recomputation and chains correctly from
// the previous entry's self_hash. Returns agerr.ChainBrokenErr at the
// first seq where either check fails.
func (l *Log) VerifyChain(ctx context.Context) error {
	expectedPrev := genesisPrevHash
	var verifyErr error
	err := l.Query(ctx, storage.LogFilter{}, func(e Entry) error {
		if e.PrevHash != expectedPrev {
			verifyErr = agerr.ChainBroken(e.Seq)
			return verifyErr
		}
		// Append hashes an entry before the backend assigns its seq, so
		// the recomputation uses the same zero seq.
		hashed := e
		hashed.Seq = 0
		recomputed, err := computeSelfHash(hashed)
		if err != nil {
			return err
		}
		if recomputed != e.SelfHash {
			verifyErr = agerr.ChainBroken(e.Seq)
			return verifyErr
		}
		expectedPrev = e.SelfHash
		return nil
	})
	if verifyErr != nil {
		return verifyErr
	}
	return err
}
