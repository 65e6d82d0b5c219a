package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecacheCommand_WarmsStaticBucket(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "asset %s", r.URL.Path)
	}))
	defer srv.Close()
	t.Setenv("SATCHEL_REMOTE_URL", srv.URL)

	manifest := writeManifest(t, `manifest: {
	version: "v2"
	precache: ["/", "/app.js"]
}`)

	out, err := executeCommand(t, "precache", "--manifest", manifest)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Precached 2 asset(s)")
	assert.Contains(t, out, "v2")

	// The warmed bucket shows up in status
	out, err = executeCommand(t, "--format", "json", "status", "--manifest", manifest)
	require.NoError(t, err)
	var resp struct {
		Data StatusData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Buckets, 1)
	assert.Equal(t, "static-v2", resp.Data.Buckets[0].Name)
	assert.Equal(t, 2, resp.Data.Buckets[0].Entries)
}

func TestPrecacheCommand_FailsOnMissingAsset(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.js" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()
	t.Setenv("SATCHEL_REMOTE_URL", srv.URL)

	manifest := writeManifest(t, `manifest: {
	version: "v2"
	precache: ["/", "/gone.js"]
}`)

	out, err := executeCommand(t, "precache", "--manifest", manifest)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Precache incomplete")
}

func TestPrecacheCommand_JSON(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()
	t.Setenv("SATCHEL_REMOTE_URL", srv.URL)

	manifest := writeManifest(t, `manifest: {
	version: "v5"
	precache: ["/offline.html"]
}`)

	out, err := executeCommand(t, "--format", "json", "precache", "--manifest", manifest)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   PrecacheData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "v5", resp.Data.Version)
	assert.Equal(t, 1, resp.Data.Fetched)
	assert.Equal(t, 0, resp.Data.Failed)
}
