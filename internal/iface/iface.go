// Package iface implements the interface-plugin contract: per-mode request
// validation and the two-phase health check a freshly spawned backend must
// pass before the controller marks it routable.
package iface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Mode is one of the four request shapes this orchestrator understands.
type Mode string

const (
	Chat      Mode = "Chat"
	Base      Mode = "Base"
	Embedding Mode = "Embedding"
	Reranker  Mode = "Reranker"
)

var modeEndpoints = map[Mode]string{
	Chat:      "v1/chat/completions",
	Base:      "v1/completions",
	Embedding: "v1/embeddings",
	Reranker:  "v1/rerank",
}

// Plugin validates requests against a model's mode and probes a freshly
// spawned backend for readiness.
type Plugin interface {
	Mode() Mode
	SupportedEndpoints() map[string]struct{}
	// ValidateRequest reports whether path is an endpoint this mode serves.
	ValidateRequest(path, primaryName string) (ok bool, reason string)
	// HealthCheck blocks until the backend on port responds correctly to a
	// minimal request of this mode, or deadline passes.
	HealthCheck(ctx context.Context, primaryName string, port int, deadline time.Time) (ok bool, reason string)
}

// Registry maps Mode to its Plugin.
type Registry struct {
	plugins map[Mode]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[Mode]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Mode()] = p
	}
	return r
}

func (r *Registry) Get(m Mode) (Plugin, bool) {
	p, ok := r.plugins[m]
	return p, ok
}

func DefaultRegistry() *Registry {
	return NewRegistry(&ChatPlugin{}, &BasePlugin{}, &EmbeddingPlugin{}, &RerankerPlugin{})
}

// pollUntil retries fn every interval until it returns true, ok, or the
// deadline passes. Collapses the four originally-duplicated Python
// health-check retry loops (one per interfaces/*.py file) into one helper
// parametrized by the phase-specific probe.
func pollUntil(ctx context.Context, deadline time.Time, interval time.Duration, fn func(context.Context) (bool, error)) (bool, error) {
	var lastErr error
	for {
		if time.Now().After(deadline) {
			return false, lastErr
		}
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		ok, err := fn(probeCtx)
		cancel()
		if ok {
			return true, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// shallowProbe is phase 1 of every mode's health check: GET /v1/models
// must return 2xx.
func shallowProbe(ctx context.Context, port int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/v1/models", port), nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// postJSON issues a minimal POST and reports success on any 2xx.
func postJSON(ctx context.Context, port int, path string, body map[string]interface{}) (bool, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/%s", port, path), bytes.NewReader(buf))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func twoPhaseCheck(ctx context.Context, port int, deadline time.Time, phase2 func(context.Context) (bool, error)) (bool, string) {
	ok, _ := pollUntil(ctx, deadline, 2*time.Second, func(c context.Context) (bool, error) {
		return shallowProbe(c, port)
	})
	if !ok {
		return false, "shallow health check timed out: service never became reachable"
	}

	ok, _ = pollUntil(ctx, deadline, time.Second, phase2)
	if !ok {
		return false, "deep health check timed out: mode-specific probe never succeeded"
	}
	return true, "health check passed"
}

func endpointSet(paths ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

func pathContains(path, endpoint string) bool {
	return strings.Contains(path, endpoint)
}
