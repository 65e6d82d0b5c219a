package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand_FreshDataDir(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())
	// Nothing listens on port 1, so the reachability probe fails fast
	t.Setenv("SATCHEL_REMOTE_URL", "http://127.0.0.1:1")

	out, err := executeCommand(t, "--format", "json", "status")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   StatusData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Data.Remote.Reachable)
	assert.True(t, resp.Data.Store.Durable)
	assert.Equal(t, 0, resp.Data.Store.QueueDepth)
	assert.NotEmpty(t, resp.Data.Manifest.Version)
}

func TestStatusCommand_CountsQueuedMutations(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())
	t.Setenv("SATCHEL_REMOTE_URL", "http://127.0.0.1:1")

	for _, key := range []string{"s-1", "s-2"} {
		_, err := executeCommand(t, "queue", "add",
			"--kind", "swipe",
			"--payload", `{"target":"u1"}`,
			"--key", key)
		require.NoError(t, err)
	}

	out, err := executeCommand(t, "--format", "json", "status")
	require.NoError(t, err)

	var resp struct {
		Data StatusData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Store.QueueDepth)
	assert.Equal(t, 2, resp.Data.Store.Pending["swipe"])
}

func TestStatusCommand_TextOutput(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())
	t.Setenv("SATCHEL_REMOTE_URL", "http://127.0.0.1:1")

	out, err := executeCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "manifest")
	assert.Contains(t, out, "unreachable")
	assert.Contains(t, out, "queue   0 pending")
}
