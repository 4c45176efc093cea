package iface

import (
	"context"
	"fmt"
	"time"
)

// EmbeddingPlugin serves embedding models.
type EmbeddingPlugin struct{}

func (p *EmbeddingPlugin) Mode() Mode { return Embedding }

func (p *EmbeddingPlugin) SupportedEndpoints() map[string]struct{} {
	return endpointSet(modeEndpoints[Embedding])
}

func (p *EmbeddingPlugin) ValidateRequest(path, primaryName string) (bool, string) {
	if !pathContains(path, modeEndpoints[Embedding]) {
		return false, fmt.Sprintf("model %q is in 'Embedding' mode, does not support %q", primaryName, path)
	}
	return true, ""
}

func (p *EmbeddingPlugin) HealthCheck(ctx context.Context, primaryName string, port int, deadline time.Time) (bool, string) {
	return twoPhaseCheck(ctx, port, deadline, func(c context.Context) (bool, error) {
		return postJSON(c, port, "v1/embeddings", map[string]interface{}{
			"model": primaryName,
			"input": "hello",
		})
	})
}
