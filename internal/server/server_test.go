package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/formatter"
	"github.com/Davincible/msgbridge/internal/handlers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, yaml string) (*Server, *config.Manager) {
	t.Helper()

	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultYAMLFilename), []byte(yaml), 0o644))
	}

	mgr := config.NewManager(dir)

	srv, err := New(mgr, testLogger())
	require.NoError(t, err)

	return srv, mgr
}

func TestServer_FormatEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t, `
providers:
  - name: local
    formatter: openai
    capabilities:
      vision: false
`)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"provider":"local","model":"llama","messages":[
		{"role":"user","content":[{"type":"text","text":"What is this?"},{"type":"image","data":"aGVsbG8=","mimeType":"image/png"}]}
	]}`

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/format", &gz)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var out handlers.FormatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Equal(t, formatter.DialectOpenAI, out.Formatter)
	require.Len(t, out.Messages, 1)

	raw, err := json.Marshal(out.Messages[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "aGVsbG8=", "vision is disabled for the local provider")
	assert.Contains(t, string(raw), "[image omitted: image/png]")
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, "")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Reload(t *testing.T) {
	srv, _ := newTestServer(t, "")

	before := srv.Registry()
	assert.Empty(t, before.Dialect("local"))

	cfg := config.Default()
	cfg.Providers = []config.Provider{{Name: "local", Formatter: "gemini"}}
	require.NoError(t, srv.Reload(cfg))

	assert.Equal(t, formatter.DialectGemini, srv.Registry().Dialect("local"))
	assert.Empty(t, before.Dialect("local"), "old registry is untouched")

	bad := config.Default()
	bad.Providers = []config.Provider{{Name: "other", Formatter: "soap"}}
	require.Error(t, srv.Reload(bad))
	assert.Equal(t, formatter.DialectGemini, srv.Registry().Dialect("local"), "failed reload keeps the registry")
}

func TestServer_ServeWatchesConfig(t *testing.T) {
	srv, mgr := newTestServer(t, "port: 7001\n")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)

	yaml := "port: 7001\nproviders:\n  - name: local\n    formatter: ai-sdk\n"
	require.NoError(t, os.WriteFile(filepath.Join(mgr.BaseDir(), config.DefaultYAMLFilename), []byte(yaml), 0o644))

	assert.Eventually(t, func() bool {
		return srv.Registry().Dialect("local") == formatter.DialectAISDK
	}, 3*time.Second, 25*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StopWithoutStart(t *testing.T) {
	srv, _ := newTestServer(t, "")
	assert.NoError(t, srv.Stop())
}
