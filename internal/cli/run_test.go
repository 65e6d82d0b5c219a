package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine-safe buffer for capturing engine output
// while it is still being written.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunCommand_StartsAndStopsCleanly(t *testing.T) {
	t.Setenv("SATCHEL_DATA_DIR", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/version" {
			fmt.Fprint(w, `{"success":true,"data":{"version":"v1"}}`)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()
	t.Setenv("SATCHEL_REMOTE_URL", srv.URL)

	manifest := writeManifest(t, `manifest: {
	version: "v1"
	precache: ["/"]
}`)
	t.Setenv("SATCHEL_MANIFEST", manifest)

	cmd := NewRootCommand()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"run"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	// Warmup completing proves the engine came all the way up.
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "OFFLINE_READY")
	}, 5*time.Second, 20*time.Millisecond, "engine never announced offline readiness")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}
