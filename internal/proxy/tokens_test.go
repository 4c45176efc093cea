package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractTokensFromWholeBody(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	u := ExtractTokens(body, false)
	require.EqualValues(t, 10, u.PromptTokens)
	require.EqualValues(t, 5, u.CompletionTokens)
}

func TestExtractTokensFromSSEReverseScan(t *testing.T) {
	body := []byte("data: {\"choices\":[]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n")
	u := ExtractTokens(body, true)
	require.EqualValues(t, 7, u.PromptTokens)
	require.EqualValues(t, 3, u.CompletionTokens)
}

func TestExtractTokensFallsBackToBraceScan(t *testing.T) {
	body := []byte(`some preamble noise {"usage":{"prompt_tokens":1,"completion_tokens":2}} trailing`)
	u := ExtractTokens(body, false)
	require.EqualValues(t, 1, u.PromptTokens)
	require.EqualValues(t, 2, u.CompletionTokens)
}

func TestExtractTokensAllZeroWhenAbsent(t *testing.T) {
	u := ExtractTokens([]byte(`{"choices":[]}`), false)
	require.True(t, u.IsZero())
}

func TestExtractTokensHandlesNestedBraces(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"role":"assistant"}}],"usage":{"prompt_tokens":4,"completion_tokens":6}}`)
	u := ExtractTokens(body, false)
	require.EqualValues(t, 4, u.PromptTokens)
	require.EqualValues(t, 6, u.CompletionTokens)
}
