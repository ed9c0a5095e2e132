package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/interfaces"
)

func testLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(arbor.NewLogger(), &common.ObjectStoreConfig{
		Type:   "local",
		Path:   filepath.Join(t.TempDir(), "artifacts"),
		Bucket: "harmony-staging",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestParseURL(t *testing.T) {
	bucket, key, err := ParseURL("s3://harmony-staging/jobs/abc/catalog.json")
	require.NoError(t, err)
	assert.Equal(t, "harmony-staging", bucket)
	assert.Equal(t, "jobs/abc/catalog.json", key)

	_, _, err = ParseURL("https://example.com/file")
	require.Error(t, err)

	_, _, err = ParseURL("s3://bucket-only")
	require.Error(t, err)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	store := testLocalStore(t)
	ctx := context.Background()
	url := "s3://harmony-staging/jobs/abc/catalog.json"

	require.NoError(t, store.Upload(ctx, url, []byte(`{"type":"Catalog"}`), "application/json"))

	body, err := store.Download(ctx, url)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Catalog"}`, string(body))

	size, err := store.ObjectSize(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"type":"Catalog"}`)), size)

	_, err = store.Download(ctx, "s3://harmony-staging/missing")
	assert.Error(t, err)
	_, err = store.Download(ctx, "s3://harmony-staging/jobs/missing.json")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestSignedURL_PublicPrefixPassesThrough(t *testing.T) {
	store := testLocalStore(t)
	ctx := context.Background()

	public := "s3://harmony-staging/public/outputs/result.tif"
	signed, err := store.SignedURL(ctx, public)
	require.NoError(t, err)
	assert.Equal(t, public, signed)

	private := "s3://harmony-staging/jobs/abc/result.tif"
	signed, err = store.SignedURL(ctx, private)
	require.NoError(t, err)
	assert.Contains(t, signed, "X-Expires=")
}

func TestIsURL(t *testing.T) {
	store := testLocalStore(t)
	assert.True(t, store.IsURL("s3://bucket/key"))
	assert.False(t, store.IsURL("http://example.com/key"))
}
