// Package proxy is the OpenAI-compatible HTTP front end: the single public
// endpoint that resolves a request's model alias, makes sure that model is
// running, and reverse-proxies the request to its backend port. Grounded on
// original_source/core/openai_api_router.py's route_request pipeline,
// restructured onto the teacher's internal/router.Router proxy/mux shape,
// with github.com/go-chi/chi/v5 replacing the teacher's raw http.ServeMux.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/llmorch/orchd/internal/config"
	"github.com/llmorch/orchd/internal/controller"
	"github.com/llmorch/orchd/internal/iface"
	"github.com/llmorch/orchd/internal/metrics"
)

const maxTokenScanBody = 64 * 1024 * 1024

// ModelController is the subset of *controller.Controller the router needs.
type ModelController interface {
	IncrementPending(primaryName string)
	MarkRequestCompleted(primaryName string)
	StartModel(ctx context.Context, primaryName string) (bool, string)
	StopModel(ctx context.Context, primaryName string) (bool, string)
	ListStatus() []controller.ModelStatus
	GetLog(primaryName string) []string
}

// LedgerWriter is the subset of *ledger.DB the router writes completed
// request token counts to.
type LedgerWriter interface {
	AppendRequest(ctx context.Context, modelName, requestID string, start, end time.Time, promptTokens, completionTokens, cacheN, promptN int64) error
}

type Router struct {
	mux        *chi.Mux
	cfg        config.Provider
	ctrl       ModelController
	ifaces     *iface.Registry
	ledger     LedgerWriter
	metrics    *metrics.Metrics
	httpClient *clientCache
}

func New(cfg config.Provider, ctrl ModelController, ifaces *iface.Registry, ledger LedgerWriter, m *metrics.Metrics) *Router {
	r := &Router{
		cfg:        cfg,
		ctrl:       ctrl,
		ifaces:     ifaces,
		ledger:     ledger,
		metrics:    m,
		httpClient: newClientCache(),
	}
	r.mux = chi.NewRouter()
	r.mux.Use(middleware.Recoverer)
	r.registerRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) { r.mux.ServeHTTP(w, req) }

func (r *Router) registerRoutes() {
	r.mux.Get("/v1/models", r.handleListModels)
	r.mux.Get("/admin/status", r.handleAdminStatus)
	r.mux.Get("/admin/models/{name}/logs", r.handleAdminLogs)
	r.mux.Post("/admin/models/{name}/start", r.handleAdminStart)
	r.mux.Post("/admin/models/{name}/stop", r.handleAdminStop)
	r.mux.Options("/*", r.handleOptions)
	r.mux.HandleFunc("/*", r.handleProxy)
}

func (r *Router) handleOptions(w http.ResponseWriter, req *http.Request) {
	writeCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

type modelListEntry struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	OwnedBy string   `json:"owned_by"`
	Aliases []string `json:"aliases,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

func (r *Router) handleListModels(w http.ResponseWriter, req *http.Request) {
	writeCORSHeaders(w)
	names := r.cfg.AllPrimaryNames()
	data := make([]modelListEntry, 0, len(names))
	for _, name := range names {
		mc, ok := r.cfg.ModelConfig(name)
		if !ok {
			continue
		}
		data = append(data, modelListEntry{
			ID: name, Object: "model", OwnedBy: "orchd",
			Aliases: mc.Aliases, Mode: mc.Mode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}

// handleProxy implements the seven-step pipeline from the original's
// route_request: alias extraction, mode validation, admission, dispatch,
// streaming/buffered response handling, and a single exit-path decrement +
// ledger write.
func (r *Router) handleProxy(w http.ResponseWriter, req *http.Request) {
	writeCORSHeaders(w)

	requestID := uuid.New().String()
	w.Header().Set("X-Request-Id", requestID)

	bodyBytes, err := io.ReadAll(io.LimitReader(req.Body, maxTokenScanBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	req.Body.Close()

	var parsed struct {
		Model string `json:"model"`
	}
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
			// a body that isn't JSON carries no model to route by, so it is
			// rejected like a missing 'model' field rather than forwarded
			writeError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
	}
	if parsed.Model == "" {
		writeError(w, http.StatusBadRequest, "request is missing required field 'model'")
		return
	}

	primary, ok := r.cfg.ResolvePrimary(parsed.Model)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown model: "+parsed.Model)
		return
	}

	mc, ok := r.cfg.ModelConfig(primary)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown model: "+parsed.Model)
		return
	}
	plugin, ok := r.ifaces.Get(iface.Mode(mc.Mode))
	if !ok {
		writeError(w, http.StatusInternalServerError, "no interface plugin for model mode")
		return
	}
	if ok, reason := plugin.ValidateRequest(req.URL.Path, primary); !ok {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	r.ctrl.IncrementPending(primary)
	started := time.Now()
	var completed bool
	defer func() {
		if !completed {
			r.ctrl.MarkRequestCompleted(primary)
		}
	}()

	if ok, reason := r.ctrl.StartModel(req.Context(), primary); !ok {
		writeError(w, http.StatusServiceUnavailable, "model unavailable: "+reason)
		return
	}

	port, ok := portFor(r.cfg, primary)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "model has no active configuration")
		return
	}

	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	req.ContentLength = int64(len(bodyBytes))

	var accum bytes.Buffer
	var isSSE bool
	var upstreamStatus int
	upstreamErr := make(chan error, 1)

	rp := r.reverseProxyFor(port, &accum, &isSSE, &upstreamStatus, upstreamErr)
	rp.ServeHTTP(w, req)

	select {
	case err := <-upstreamErr:
		if err != nil {
			r.ctrl.StopModel(context.Background(), primary)
		}
	default:
	}

	completed = true
	r.ctrl.MarkRequestCompleted(primary)

	usage := ExtractTokens(accum.Bytes(), isSSE)
	if r.ledger != nil && !usage.IsZero() {
		go r.ledger.AppendRequest(context.Background(), primary, requestID, started, time.Now(),
			usage.PromptTokens, usage.CompletionTokens, usage.CacheN, usage.PromptN)
	}
	if r.metrics != nil {
		r.metrics.ObserveRequest(primary, upstreamStatus)
	}
}

// reverseProxyFor builds a one-shot httputil.ReverseProxy targeting the
// given backend port. ModifyResponse tees the response body into accum so
// the token extractor can inspect it after ServeHTTP streams the response
// to the client — the same localhost-port proxying the teacher's own
// internal/router/router.go performs for its VM backends.
func (r *Router) reverseProxyFor(port int, accum *bytes.Buffer, isSSE *bool, status *int, errCh chan<- error) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: r.httpClient.get(port),
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = "127.0.0.1:" + strconv.Itoa(port)
			stripHopByHopHeaders(req.Header)
		},
		ModifyResponse: func(resp *http.Response) error {
			*isSSE = strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
			*status = resp.StatusCode
			resp.Body = io.NopCloser(io.TeeReader(resp.Body, &cappedWriter{buf: accum, limit: maxTokenScanBody}))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			select {
			case errCh <- err:
			default:
			}
			writeError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		},
		FlushInterval: 100 * time.Millisecond,
	}
}

// cappedWriter keeps the first limit bytes written and drops the rest
// without error, so the tee never interrupts the client stream.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		c.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func portFor(cfg config.Provider, primary string) (int, bool) {
	mc, ok := cfg.ModelConfig(primary)
	if !ok {
		return 0, false
	}
	return mc.Port, true
}

// stripHopByHopHeaders removes the headers that must not be forwarded
// verbatim to the upstream backend.
func stripHopByHopHeaders(h http.Header) {
	h.Del("Host")
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the canonical {"detail": "..."} body the OpenAI-
// compatible surface uses; this intentionally differs from the teacher's
// own {"error": "..."} helper since the wire-format key is an external
// contract here, not a stylistic choice.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// clientCache holds one *http.Transport per backend port, matching the
// original's per-port cached httpx.AsyncClient. Dial timeout is bounded;
// the overall request is bounded by the inbound request's own context
// instead of a client-wide timeout, since a streaming chat completion can
// legitimately run far longer than a fixed deadline.
type clientCache struct {
	mu         sync.Mutex
	transports map[int]*http.Transport
}

func newClientCache() *clientCache { return &clientCache{transports: map[int]*http.Transport{}} }

func (c *clientCache) get(port int) *http.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[port]; ok {
		return t
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}
	c.transports[port] = t
	return t
}
