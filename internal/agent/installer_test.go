package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hallway/satchel/internal/cache"
)

func newInstallerBuckets(t *testing.T) *cache.Buckets {
	t.Helper()
	bkts, err := cache.OpenBuckets(filepath.Join(t.TempDir(), "buckets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bkts.Close() })
	return bkts
}

func TestBucketInstaller_WarmsVersionedBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte("asset " + r.URL.Path))
	}))
	defer srv.Close()

	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	bkts := newInstallerBuckets(t)
	inst := &BucketInstaller{
		Buckets: bkts,
		Origin:  origin,
		Assets:  []string{"/app.js", "/app.css"},
		Logger:  discardLogger(),
	}

	require.NoError(t, inst.Install(context.Background(), "v2"))

	ctx := context.Background()
	count, err := bkts.Count(ctx, cache.Name(cache.KindStatic, "v2"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The current version's bucket is untouched.
	count, err = bkts.Count(ctx, cache.Name(cache.KindStatic, "v1"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBucketInstaller_SkipsFailedAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.js" {
			http.NotFound(rw, r)
			return
		}
		rw.Write([]byte("ok"))
	}))
	defer srv.Close()

	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	bkts := newInstallerBuckets(t)
	inst := &BucketInstaller{
		Buckets: bkts,
		Origin:  origin,
		// The failing asset comes first: the ones after it must still be
		// attempted.
		Assets: []string{"/missing.js", "/app.js", "/app.css"},
		Logger: discardLogger(),
	}

	require.NoError(t, inst.Install(context.Background(), "v2"))

	count, err := bkts.Count(context.Background(), cache.Name(cache.KindStatic, "v2"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBucketInstaller_FailsWhenEveryAssetFails(t *testing.T) {
	origin, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)

	inst := &BucketInstaller{
		Buckets: newInstallerBuckets(t),
		Origin:  origin,
		Assets:  []string{"/app.js", "/app.css"},
		Logger:  discardLogger(),
	}

	// Nothing made it into the bucket, so the parked build would have no
	// shell to serve; this is the one case install reports as failed.
	err = inst.Install(context.Background(), "v2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 assets failed")
}
