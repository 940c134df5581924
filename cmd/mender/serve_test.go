//go:build !windows

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mender.toml")
	content := fmt.Sprintf(`
[server]
listen = "127.0.0.1:0"

[store]
dsn = %q

[llm]
api_key = "test-key"
base_url = "http://127.0.0.1:1/v1"

[runner]
launcher = "pipe"
repair_delay = "-1s"
projects_root = %q

[log]
level = "error"
`, filepath.Join(dir, "state.db"), filepath.Join(dir, "projects"))
	require.NoError(t, os.WriteFile(path, []byte(content+extra), 0o600))
	return path
}

// startServe runs the serve command until the test ends and returns the API URL.
func startServe(t *testing.T, cfgPath string, extra ...string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	root := buildRoot()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"serve", "--config", cfgPath}, extra...))

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("serve did not stop")
		}
	})

	var url string
	require.Eventually(t, func() bool {
		s := out.String()
		i := strings.Index(s, "listening on ")
		if i < 0 {
			return false
		}
		url = strings.TrimSpace(strings.SplitN(s[i+len("listening on "):], "\n", 2)[0])
		return true
	}, 10*time.Second, 20*time.Millisecond)
	return url
}

func TestServeAndClientCommands(t *testing.T) {
	cfgPath := writeConfig(t, "")
	api := startServe(t, cfgPath)

	out, err := execRoot(t, "run", "--project", "demo", "--cmd", "echo from-cli", "--api-url", api)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"success": true`)

	out, err = execRoot(t, "state", "--project", "demo", "--terminal", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "from-cli")

	out, err = execRoot(t, "state", "--project", "demo", "--stack", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"completed": true`)

	out, err = execRoot(t, "ps", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	_, err = execRoot(t, "kill", "--pid", "999999", "--api-url", api)
	assert.ErrorContains(t, err, "no live command")

	out, err = execRoot(t, "delete", "--project", "demo", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted state of demo")

	_, err = execRoot(t, "state", "--project", "demo", "--api-url", api)
	assert.ErrorContains(t, err, "no state recorded")
}

func TestRunReportsFailure(t *testing.T) {
	cfgPath := writeConfig(t, "")
	api := startServe(t, cfgPath)
	// The model endpoint refuses connections, so no repair is possible.
	_, err := execRoot(t, "run", "--project", "bad", "--cmd", "false", "--api-url", api)
	assert.ErrorContains(t, err, "did not succeed")
}

func TestServeWithEcho(t *testing.T) {
	cfgPath := writeConfig(t, "")
	api := startServe(t, cfgPath, "--engine", "echo")
	resp, err := http.Get(api + "/projects")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeWithTLS(t *testing.T) {
	tlsDir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf(`
[server.tls]
enabled = true
auto_generate = true
dir = %q
`, tlsDir))
	api := startServe(t, cfgPath)
	require.True(t, strings.HasPrefix(api, "https://"), api)

	_, err := execRoot(t, "ps", "--api-url", api, "--api-timeout", "2s")
	assert.ErrorContains(t, err, "not reachable")

	out, err := execRoot(t, "ps", "--api-url", api, "--ca-cert", filepath.Join(tlsDir, "tls_ca.crt"))
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}
