package proxy

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TokenUsage is the token/timing counters pulled out of an upstream
// response, matching original_source/core/openai_api_router.py's
// TokenTracker field set.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	CacheN           int64
	PromptN          int64
}

func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.CacheN == 0 && u.PromptN == 0
}

// ExtractTokens applies the original's fallback chain, in order:
//  1. SSE frames — reverse-scan "data: " lines, first with usable fields wins.
//  2. whole-body JSON.
//  3. a greedy balanced-brace scan for the first top-level JSON object,
//     since Go's RE2 regexp engine cannot express the original's
//     nested-brace regex; a depth-counting scanner is the correct
//     (and only) way to get the same effect in Go.
func ExtractTokens(body []byte, isSSE bool) TokenUsage {
	if isSSE {
		if u, ok := extractFromSSE(body); ok {
			return u
		}
	}
	if u, ok := extractFromJSON(body); ok {
		return u
	}
	if obj, ok := firstBalancedBraceObject(body); ok {
		if u, ok := extractFromJSON(obj); ok {
			return u
		}
	}
	return TokenUsage{}
}

func extractFromSSE(body []byte) (TokenUsage, bool) {
	lines := strings.Split(string(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if u, ok := extractFromJSON([]byte(payload)); ok && !u.IsZero() {
			return u, true
		}
	}
	return TokenUsage{}, false
}

type usageEnvelope struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Timings struct {
		CacheN  int64 `json:"cache_n"`
		PromptN int64 `json:"prompt_n"`
	} `json:"timings"`
}

func extractFromJSON(body []byte) (TokenUsage, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(body), &env); err != nil {
		return TokenUsage{}, false
	}
	u := TokenUsage{
		PromptTokens:     env.Usage.PromptTokens,
		CompletionTokens: env.Usage.CompletionTokens,
		CacheN:           env.Timings.CacheN,
		PromptN:          env.Timings.PromptN,
	}
	return u, true
}

// firstBalancedBraceObject scans for the first top-level {...} run,
// tracking brace depth so nested objects don't terminate the scan early.
func firstBalancedBraceObject(body []byte) ([]byte, bool) {
	start := -1
	depth := 0
	for i, c := range body {
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return body[start : i+1], true
				}
			}
		}
	}
	return nil, false
}
