package iface

import (
	"context"
	"fmt"
	"time"
)

// RerankerPlugin serves document-reranking models.
type RerankerPlugin struct{}

func (p *RerankerPlugin) Mode() Mode { return Reranker }

func (p *RerankerPlugin) SupportedEndpoints() map[string]struct{} {
	return endpointSet(modeEndpoints[Reranker])
}

func (p *RerankerPlugin) ValidateRequest(path, primaryName string) (bool, string) {
	if !pathContains(path, modeEndpoints[Reranker]) {
		return false, fmt.Sprintf("model %q is in 'Reranker' mode, does not support %q", primaryName, path)
	}
	return true, ""
}

func (p *RerankerPlugin) HealthCheck(ctx context.Context, primaryName string, port int, deadline time.Time) (bool, string) {
	return twoPhaseCheck(ctx, port, deadline, func(c context.Context) (bool, error) {
		return postJSON(c, port, "v1/rerank", map[string]interface{}{
			"model":     primaryName,
			"query":     "hello",
			"documents": []string{"hello"},
		})
	})
}
