package iface

import (
	"context"
	"fmt"
	"time"
)

// ChatPlugin serves chat-completions models.
type ChatPlugin struct{}

func (p *ChatPlugin) Mode() Mode { return Chat }

func (p *ChatPlugin) SupportedEndpoints() map[string]struct{} {
	return endpointSet(modeEndpoints[Chat])
}

func (p *ChatPlugin) ValidateRequest(path, primaryName string) (bool, string) {
	if pathContains(path, modeEndpoints[Base]) && !pathContains(path, modeEndpoints[Chat]) {
		return false, fmt.Sprintf("model %q is in 'Chat' mode, does not support the completions endpoint", primaryName)
	}
	if !pathContains(path, modeEndpoints[Chat]) {
		return false, fmt.Sprintf("model %q is in 'Chat' mode, does not support %q", primaryName, path)
	}
	return true, ""
}

func (p *ChatPlugin) HealthCheck(ctx context.Context, primaryName string, port int, deadline time.Time) (bool, string) {
	return twoPhaseCheck(ctx, port, deadline, func(c context.Context) (bool, error) {
		return postJSON(c, port, "v1/chat/completions", map[string]interface{}{
			"model":      primaryName,
			"messages":   []map[string]string{{"role": "user", "content": "hello"}},
			"max_tokens": 1,
			"stream":     false,
		})
	})
}
