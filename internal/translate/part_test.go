package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIncrementWrapped(t *testing.T) {
	line := []byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[
		{"thought":true,"text":"hm","thoughtSignature":"sig"},
		{"text":"hello"},
		{"functionCall":{"id":"toolu_1","name":"f","args":{"a":1}}},
		{"inline_data":{"mime_type":"image/png","data":"aGk="}}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":5,"cachedContentTokenCount":40},"responseId":"r1","modelVersion":"gemini-3-pro"},"traceId":"t"}`)

	inc, ok := ParseIncrement(line)
	require.True(t, ok)
	assert.Equal(t, "STOP", inc.FinishReason)
	assert.Equal(t, "r1", inc.ResponseID)
	require.NotNil(t, inc.Usage)
	assert.Equal(t, int64(60), inc.Usage.InputTokens())
	require.Len(t, inc.Parts, 4)

	assert.True(t, inc.Parts[0].Thought)
	assert.Equal(t, "sig", inc.Parts[0].Signature)
	assert.Equal(t, "hello", inc.Parts[1].Text)
	require.NotNil(t, inc.Parts[2].FunctionCall)
	assert.Equal(t, "f", inc.Parts[2].FunctionCall.Name)
	require.NotNil(t, inc.Parts[3].InlineData)
	assert.Equal(t, "image/png", inc.Parts[3].InlineData.MimeType)
}

func TestParseIncrementBareCandidates(t *testing.T) {
	inc, ok := ParseIncrement([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`))
	require.True(t, ok)
	require.Len(t, inc.Parts, 1)
	assert.Equal(t, "x", inc.Parts[0].Text)
}

func TestParseIncrementRejectsJunk(t *testing.T) {
	for _, line := range []string{"", "not json", `{"other":true}`} {
		_, ok := ParseIncrement([]byte(line))
		assert.False(t, ok, line)
	}
}

func TestUsageInputTokensNeverNegative(t *testing.T) {
	u := Usage{PromptTokens: 10, CachedTokens: 25}
	assert.Equal(t, int64(0), u.InputTokens())
}
