package iface

import (
	"context"
	"fmt"
	"time"
)

// BasePlugin serves plain-text completion models.
type BasePlugin struct{}

func (p *BasePlugin) Mode() Mode { return Base }

func (p *BasePlugin) SupportedEndpoints() map[string]struct{} {
	return endpointSet(modeEndpoints[Base])
}

func (p *BasePlugin) ValidateRequest(path, primaryName string) (bool, string) {
	if !pathContains(path, modeEndpoints[Base]) {
		return false, fmt.Sprintf("model %q is in 'Base' mode, does not support %q", primaryName, path)
	}
	return true, ""
}

func (p *BasePlugin) HealthCheck(ctx context.Context, primaryName string, port int, deadline time.Time) (bool, string) {
	return twoPhaseCheck(ctx, port, deadline, func(c context.Context) (bool, error) {
		return postJSON(c, port, "v1/completions", map[string]interface{}{
			"model":      primaryName,
			"prompt":     "hello",
			"max_tokens": 1,
			"stream":     false,
		})
	})
}
