package blobstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// requireMinioEndpoint skips the test when no live minio instance is
// configured, matching this pack's convention of running storage tests
// against a real backend rather than a stub.
func requireMinioEndpoint(t *testing.T) (endpoint, accessKey, secretKey string) {
	t.Helper()
	endpoint = os.Getenv("AGIT_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("AGIT_TEST_MINIO_ENDPOINT not set, skipping blobstore integration test")
	}
	accessKey = os.Getenv("AGIT_TEST_MINIO_ACCESS_KEY")
	secretKey = os.Getenv("AGIT_TEST_MINIO_SECRET_KEY")
	return
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	endpoint, accessKey, secretKey := requireMinioEndpoint(t)
	b, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    "agit-blobstore-test",
		TenantID:  "tenant-blobstore-test",
	})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestNew_RequiresEndpointAndCredentialsAndTenantID(t *testing.T) {
	_, err := New(Config{AccessKey: "a", SecretKey: "s", TenantID: "t"})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000", TenantID: "t"})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)
}

func TestPutGetObject_RoundTrips(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.PutObject(ctx, storage.KindBlob, "h1", []byte(`{"a":1}`)))
	data, err := b.GetObject(ctx, storage.KindBlob, "h1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestPutGetObject_CompressesAboveThreshold(t *testing.T) {
	endpoint, accessKey, secretKey := requireMinioEndpoint(t)
	b, err := New(Config{
		Endpoint:               endpoint,
		AccessKey:              accessKey,
		SecretKey:              secretKey,
		Bucket:                 "agit-blobstore-test",
		TenantID:               "tenant-blobstore-compress",
		CompressThresholdBytes: 16,
	})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	large := strings.Repeat("x", 1024)
	ctx := context.Background()
	require.NoError(t, b.PutObject(ctx, storage.KindBlob, "large", []byte(large)))
	data, err := b.GetObject(ctx, storage.KindBlob, "large")
	require.NoError(t, err)
	assert.Equal(t, large, string(data))
}

func TestGetObject_MissingReturnsNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetObject(context.Background(), storage.KindBlob, "does-not-exist")
	var notFound *agerr.NotFoundErr
	assert.ErrorAs(t, err, &notFound)
}

func TestCompareAndSetRef_CreateUpdateConflict(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CompareAndSetRef(ctx, "refs/heads/main", "", "c1"))
	require.NoError(t, b.CompareAndSetRef(ctx, "refs/heads/main", "c1", "c2"))

	err := b.CompareAndSetRef(ctx, "refs/heads/main", "c1", "c3")
	var conflict *agerr.ConflictErr
	assert.ErrorAs(t, err, &conflict)
}

func TestAppendLog_SequenceIncrements(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	seq1, err := b.AppendLog(ctx, storage.LogEntry{Payload: []byte("one")})
	require.NoError(t, err)
	seq2, err := b.AppendLog(ctx, storage.LogEntry{Payload: []byte("two")})
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2)
}

func TestReadLog_FiltersByActionActorAndTimeRange(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := b.AppendLog(ctx, storage.LogEntry{Action: "commit", Actor: "agent-0", Timestamp: base, Payload: []byte("1")})
	require.NoError(t, err)
	_, err = b.AppendLog(ctx, storage.LogEntry{Action: "branch", Actor: "agent-1", Timestamp: base.Add(time.Hour), Payload: []byte("2")})
	require.NoError(t, err)
	_, err = b.AppendLog(ctx, storage.LogEntry{Action: "commit", Actor: "agent-1", Timestamp: base.Add(2 * time.Hour), Payload: []byte("3")})
	require.NoError(t, err)

	var byAction []string
	require.NoError(t, b.ReadLog(ctx, storage.LogFilter{Action: "commit"}, func(e storage.LogEntry) error {
		byAction = append(byAction, string(e.Payload))
		return nil
	}))
	assert.Equal(t, []string{"1", "3"}, byAction)

	var byActor []string
	require.NoError(t, b.ReadLog(ctx, storage.LogFilter{Actor: "agent-1"}, func(e storage.LogEntry) error {
		byActor = append(byActor, string(e.Payload))
		return nil
	}))
	assert.Equal(t, []string{"2", "3"}, byActor)

	var byRange []string
	require.NoError(t, b.ReadLog(ctx, storage.LogFilter{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)}, func(e storage.LogEntry) error {
		byRange = append(byRange, string(e.Payload))
		return nil
	}))
	assert.Equal(t, []string{"2"}, byRange)
}

func TestHealthcheck_Succeeds(t *testing.T) {
	b := newTestBackend(t)
	assert.NoError(t, b.Healthcheck(context.Background()))
}
