// Package relstore implements storage.Backend on a pooled relational
// connection, grounded on netbuddy-agents-admin's PostgresStore: same
// database/sql + pgx/v5/stdlib driver registration, the same
// SetMaxOpenConns/SetMaxIdleConns/SetConnMaxLifetime pool tuning and
// Ping-on-open check, generalized from task rows to the object/ref/log
// tables spec.md §4.3 requires, with each ref CAS done as a
// read-check-write (SELECT ... FOR UPDATE, then INSERT or UPDATE) inside
// one explicit transaction.
package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Config configures the pooled relational backend.
type Config struct {
	DatabaseURL  string
	TenantID     string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Backend is the database/sql-backed storage.Backend implementation.
type Backend struct {
	config Config
	db     *sql.DB
}

var _ storage.Backend = (*Backend)(nil)

func New(config Config) (*Backend, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("relstore: DatabaseURL is required")
	}
	if config.TenantID == "" {
		return nil, fmt.Errorf("relstore: TenantID is required")
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnLifetime == 0 {
		config.ConnLifetime = 5 * time.Minute
	}
	return &Backend{config: config}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agit_objects (
	tenant_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	hash      TEXT NOT NULL,
	data      BYTEA NOT NULL,
	PRIMARY KEY (tenant_id, kind, hash)
);
CREATE TABLE IF NOT EXISTS agit_refs (
	tenant_id TEXT NOT NULL,
	ref_key   TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (tenant_id, ref_key)
);
CREATE TABLE IF NOT EXISTS agit_log (
	tenant_id TEXT NOT NULL,
	seq       BIGINT NOT NULL,
	action    TEXT NOT NULL,
	actor     TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload   BYTEA NOT NULL,
	PRIMARY KEY (tenant_id, seq)
);
`

func (b *Backend) Initialize(ctx context.Context) error {
	if b.db == nil {
		db, err := sql.Open("pgx", b.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("relstore: open database: %w", err)
		}
		db.SetMaxOpenConns(b.config.MaxOpenConns)
		db.SetMaxIdleConns(b.config.MaxIdleConns)
		db.SetConnMaxLifetime(b.config.ConnLifetime)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("relstore: ping database: %w", err)
		}
		b.db = db
	}
	_, err := b.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("relstore: apply schema: %w", err)
	}
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
		return fmt.Errorf("relstore: not initialized")
	}
	return b.db.PingContext(ctx)
}

func (b *Backend) PutObject(ctx context.Context, kind storage.ObjectKind, hash string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO agit_objects (tenant_id, kind, hash, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, kind, hash) DO NOTHING
	`, b.config.TenantID, string(kind), hash, data)
	return err
}

func (b *Backend) GetObject(ctx context.Context, kind storage.ObjectKind, hash string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT data FROM agit_objects WHERE tenant_id = $1 AND kind = $2 AND hash = $3
	`, b.config.TenantID, string(kind), hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agerr.NotFound(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: get object %s: %w", hash, err)
	}
	return data, nil
}

func (b *Backend) HasObject(ctx context.Context, kind storage.ObjectKind, hash string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM agit_objects WHERE tenant_id = $1 AND kind = $2 AND hash = $3)
	`, b.config.TenantID, string(kind), hash).Scan(&exists)
	return exists, err
}

func (b *Backend) IterateObjects(ctx context.Context, kind storage.ObjectKind, fn func(hash string) error) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT hash FROM agit_objects WHERE tenant_id = $1 AND kind = $2
	`, b.config.TenantID, string(kind))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return err
		}
		if err := fn(hash); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *Backend) DeleteObject(ctx context.Context, kind storage.ObjectKind, hash string) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM agit_objects WHERE tenant_id = $1 AND kind = $2 AND hash = $3
	`, b.config.TenantID, string(kind), hash)
	return err
}

func (b *Backend) GetRef(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `
		SELECT value FROM agit_refs WHERE tenant_id = $1 AND ref_key = $2
	`, b.config.TenantID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", agerr.RefNotFound(key)
	}
	return value, err
}

// CompareAndSetRef runs the read-check-write inside one transaction so
// the comparison and the update are isolated from concurrent CAS
// attempts on the same ref row.
func (b *Backend) CompareAndSetRef(ctx context.Context, key, expected, newValue string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relstore: begin cas tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM agit_refs WHERE tenant_id = $1 AND ref_key = $2 FOR UPDATE
	`, b.config.TenantID, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = ""
	case err != nil:
		return fmt.Errorf("relstore: read ref for cas: %w", err)
	}

	if current != expected {
		return agerr.Conflict(key, expected, current)
	}

	if current == "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agit_refs (tenant_id, ref_key, value) VALUES ($1, $2, $3)
		`, b.config.TenantID, key, newValue)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE agit_refs SET value = $3 WHERE tenant_id = $1 AND ref_key = $2
		`, b.config.TenantID, key, newValue)
	}
	if err != nil {
		return fmt.Errorf("relstore: write ref: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) DeleteRef(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM agit_refs WHERE tenant_id = $1 AND ref_key = $2
	`, b.config.TenantID, key)
	return err
}

func (b *Backend) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT ref_key FROM agit_refs WHERE tenant_id = $1 AND ref_key LIKE $2
	`, b.config.TenantID, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *Backend) AppendLog(ctx context.Context, entry storage.LogEntry) (uint64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("relstore: begin log tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM agit_log WHERE tenant_id = $1
	`, b.config.TenantID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("relstore: read max seq: %w", err)
	}
	next := uint64(maxSeq.Int64) + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agit_log (tenant_id, seq, action, actor, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.config.TenantID, next, entry.Action, entry.Actor, entry.Timestamp, entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("relstore: insert log entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("relstore: commit log entry: %w", err)
	}
	return next, nil
}

func (b *Backend) ReadLog(ctx context.Context, filter storage.LogFilter, fn func(storage.LogEntry) error) error {
	query := `SELECT seq, action, actor, occurred_at, payload FROM agit_log WHERE tenant_id = $1`
	args := []any{b.config.TenantID}

	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		query += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("relstore: query log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry storage.LogEntry
		if err := rows.Scan(&entry.Seq, &entry.Action, &entry.Actor, &entry.Timestamp, &entry.Payload); err != nil {
			return err
		}
		entry.TenantID = b.config.TenantID
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}
