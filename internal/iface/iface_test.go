package iface

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenOnPort(t *testing.T, handler http.Handler) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return ln.Addr().(*net.TCPAddr).Port
}

func TestChatValidateRequest(t *testing.T) {
	p := &ChatPlugin{}
	ok, _ := p.ValidateRequest("/v1/chat/completions", "m")
	require.True(t, ok)
	ok, reason := p.ValidateRequest("/v1/completions", "m")
	require.False(t, ok)
	require.Contains(t, reason, "Chat")
}

func TestBaseValidateRequest(t *testing.T) {
	p := &BasePlugin{}
	ok, reason := p.ValidateRequest("/v1/chat/completions", "m")
	require.False(t, ok)
	require.Contains(t, reason, "Base")

	ok, reason = p.ValidateRequest("/v1/embeddings", "m")
	require.False(t, ok, "Base mode must reject endpoints it doesn't serve, not just the chat endpoint")
	require.Contains(t, reason, "Base")

	ok, _ = p.ValidateRequest("/v1/completions", "m")
	require.True(t, ok)
}

func TestChatHealthCheckPasses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	})
	port := listenOnPort(t, mux)

	p := &ChatPlugin{}
	ok, _ := p.HealthCheck(context.Background(), "m", port, time.Now().Add(10*time.Second))
	require.True(t, ok)
}

func TestChatHealthCheckTimesOut(t *testing.T) {
	port := 1 // nothing listening
	p := &ChatPlugin{}
	ok, reason := p.HealthCheck(context.Background(), "m", port, time.Now().Add(1500*time.Millisecond))
	require.False(t, ok)
	require.NotEmpty(t, reason)
}
