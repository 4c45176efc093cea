// Package device implements the device-plugin contract: a narrow capability
// interface the controller consults to decide which adaptive configuration
// variant a model can launch under.
package device

import "context"

// Plugin reports a compute device's online status and memory budget.
// Implementations must return within a short bounded time; a slow or
// failing probe is reported as offline rather than blocking the caller.
type Plugin interface {
	Name() string
	IsOnline(ctx context.Context) bool
	// MemoryInfo returns (total, available, used) in megabytes.
	MemoryInfo(ctx context.Context) (totalMB, availableMB, usedMB int64)
}

// Registry is the process-wide set of configured device plugins, built once
// at startup from config and torn down on shutdown.
type Registry struct {
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// OnlineSet probes every registered plugin and returns the set of names
// currently online.
func (r *Registry) OnlineSet(ctx context.Context) map[string]struct{} {
	online := make(map[string]struct{}, len(r.plugins))
	for name, p := range r.plugins {
		if p.IsOnline(ctx) {
			online[name] = struct{}{}
		}
	}
	return online
}

// MemoryInfo proxies to the named plugin; ok is false if no such plugin is
// registered.
func (r *Registry) MemoryInfo(ctx context.Context, name string) (total, available, used int64, ok bool) {
	p, found := r.plugins[name]
	if !found {
		return 0, 0, 0, false
	}
	total, available, used = p.MemoryInfo(ctx)
	return total, available, used, true
}
