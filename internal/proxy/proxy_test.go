package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmorch/orchd/internal/config"
	"github.com/llmorch/orchd/internal/controller"
	"github.com/llmorch/orchd/internal/iface"
)

type fakeCfg struct {
	models map[string]config.ModelConfig
	alias  map[string]string
}

func (f *fakeCfg) Program() config.Program                 { return config.Program{} }
func (f *fakeCfg) ResolvePrimary(a string) (string, bool)   { p, ok := f.alias[a]; return p, ok }
func (f *fakeCfg) ModelConfig(p string) (config.ModelConfig, bool) { mc, ok := f.models[p]; return mc, ok }
func (f *fakeCfg) AdaptiveConfig(p string, online map[string]struct{}) (*config.AdaptiveConfig, bool) {
	return nil, false
}
func (f *fakeCfg) AutoStartModels() []string    { return nil }
func (f *fakeCfg) Devices() []config.DeviceSpec { return nil }
func (f *fakeCfg) AllPrimaryNames() []string {
	out := make([]string, 0, len(f.models))
	for k := range f.models {
		out = append(out, k)
	}
	return out
}

type fakeCtrl struct {
	startOK bool
}

func (f *fakeCtrl) IncrementPending(string)      {}
func (f *fakeCtrl) MarkRequestCompleted(string)  {}
func (f *fakeCtrl) StartModel(ctx context.Context, name string) (bool, string) {
	if f.startOK {
		return true, "routing"
	}
	return false, "unavailable"
}
func (f *fakeCtrl) StopModel(ctx context.Context, name string) (bool, string) { return true, "stopped" }
func (f *fakeCtrl) ListStatus() []controller.ModelStatus                     { return nil }
func (f *fakeCtrl) GetLog(string) []string                                   { return nil }

func newTestRouter() *Router {
	cfg := &fakeCfg{
		models: map[string]config.ModelConfig{
			"chat-a": {Key: "chat-a", Aliases: []string{"chat-a", "gpt-3.5-turbo"}, Mode: "Chat", Port: 9001},
		},
		alias: map[string]string{"chat-a": "chat-a", "gpt-3.5-turbo": "chat-a"},
	}
	return New(cfg, &fakeCtrl{startOK: false}, iface.DefaultRegistry(), nil, nil)
}

func TestOptionsReturnsNoContentWithCORS(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestListModels(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "list", body["object"])
}

func TestProxyMissingModelField(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Contains(t, body["detail"], "model")
}

func TestProxyUnknownModelAlias(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"does-not-exist"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestProxyModeMismatchRejected(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"chat-a"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyUnavailableModelReturns503(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"chat-a"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
