package agit

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BackendKind selects which storage.Backend implementation a
// Repository's Config wires up.
type BackendKind string

const (
	BackendFile       BackendKind = "file"
	BackendRelational BackendKind = "relational"
	BackendBlob       BackendKind = "blob"
)

// Config carries every option spec.md §6's table names. Only New
// validates it; no field triggers I/O until Start.
type Config struct {
	// Backend selects the storage implementation.
	Backend BackendKind

	// BackendURL holds a DSN/endpoint for relational and blob backends.
	BackendURL string

	// Path holds a filesystem directory for the embedded file backend.
	Path string

	// TenantID namespaces every object, ref, and log entry. Required.
	TenantID string

	// EncryptionPassphrase, when set, enables per-tenant at-rest
	// encryption (pkg/encryption) of stored blob and commit objects.
	// Audit log entries, details included, are stored unencrypted.
	EncryptionPassphrase string

	// PoolMax bounds the relational backend's connection pool.
	PoolMax int

	// MergeBaseDepthLimit bounds the ancestor BFS used to find a merge
	// base before failing with agerr.DepthLimitExceededErr.
	MergeBaseDepthLimit int

	// LogLimitDefault is the default page size for Log when the caller
	// does not specify one.
	LogLimitDefault int

	// CompressThresholdBytes is the size at or above which the blob backend
	// zstd-compresses an object body.
	CompressThresholdBytes int64

	// SQSNotifyURL, when set, is interpreted as a redis address for the
	// blob backend's fire-and-forget change notifications (named after
	// spec.md's generic "external notification endpoint" option; this
	// module's blob backend implements it over Redis Streams rather
	// than SQS, matching the pack's actual messaging dependency).
	SQSNotifyURL string

	// MinioAccessKey/MinioSecretKey/MinioUseSSL/MinioBucket configure
	// the blob backend's S3-compatible client when Backend == BackendBlob.
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string

	// RelationalConnLifetime bounds how long a pooled relational
	// connection is reused before being recycled.
	RelationalConnLifetime time.Duration

	// Logger is an optional structured logger. If nil, a default
	// logrus.Logger writing to stderr is used.
	Logger *logrus.Logger
}

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	return log
}

// applyDefaults fills in every option spec.md's table marks with a
// default, without touching explicitly set values.
func (c *Config) applyDefaults() {
	if c.PoolMax == 0 {
		c.PoolMax = 16
	}
	if c.MergeBaseDepthLimit == 0 {
		c.MergeBaseDepthLimit = 10000
	}
	if c.LogLimitDefault == 0 {
		c.LogLimitDefault = 50
	}
	if c.CompressThresholdBytes == 0 {
		c.CompressThresholdBytes = 1024
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.RelationalConnLifetime == 0 {
		c.RelationalConnLifetime = 5 * time.Minute
	}
}
