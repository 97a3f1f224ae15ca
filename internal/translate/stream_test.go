package translate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/signature"
)

const geminiModel = "gemini-3-pro-high"

func testRegistry() *signature.Registry {
	return signature.NewRegistry(30*time.Minute, 2*time.Hour)
}

func collectEvents() (*[]Event, Emitter) {
	events := &[]Event{}
	return events, func(e Event) error {
		*events = append(*events, e)
		return nil
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func deltaType(e Event) string {
	return gjson.GetBytes(e.Delta, "type").String()
}

func longSig() string {
	sig := ""
	for len(sig) < 64 {
		sig += "abcdefgh"
	}
	return sig
}

func TestStreamTranslatorThinkingThenText(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{
		Parts: []Part{{Thought: true, Text: "pondering", HasText: true, Signature: "short"}},
		Usage: &Usage{PromptTokens: 120, CachedTokens: 20},
	}))
	require.NoError(t, tr.Push(Increment{
		Parts:        []Part{{Text: "answer", HasText: true}},
		FinishReason: "STOP",
		Usage:        &Usage{PromptTokens: 120, CachedTokens: 20, CandidateTokens: 7},
	}))
	require.NoError(t, tr.Finish())

	assert.Equal(t, []string{
		EventMessageStart,
		EventContentBlockStart,
		EventContentBlockDelta,
		EventContentBlockStop,
		EventContentBlockStart,
		EventContentBlockDelta,
		EventContentBlockStop,
		EventMessageDelta,
		EventMessageStop,
	}, eventTypes(*events))

	// A short signature never becomes a signature_delta.
	for _, e := range *events {
		if e.Type == EventContentBlockDelta {
			assert.NotEqual(t, "signature_delta", deltaType(e))
		}
	}

	start := (*events)[0].Message
	require.NotNil(t, start)
	assert.Equal(t, int64(100), start.Usage.InputTokens)
	assert.Equal(t, int64(20), start.Usage.CacheReadTokens)

	assert.Equal(t, "thinking", (*events)[1].ContentBlock.Type)
	assert.Equal(t, "text", (*events)[4].ContentBlock.Type)

	md := (*events)[7]
	assert.Equal(t, StopEndTurn, gjson.GetBytes(md.Delta, "stop_reason").String())
	require.NotNil(t, md.Usage)
	assert.Equal(t, int64(7), md.Usage.OutputTokens)
}

func TestStreamTranslatorNoBlocksWithoutStop(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{Parts: []Part{
		{Thought: true, Text: "a", HasText: true},
		{Text: "b", HasText: true},
		{Thought: true, Text: "c", HasText: true},
	}}))
	require.NoError(t, tr.Finish())

	open := false
	for _, e := range *events {
		switch e.Type {
		case EventContentBlockStart:
			require.False(t, open, "content_block_start while a block is already open")
			open = true
		case EventContentBlockStop:
			require.True(t, open)
			open = false
		}
	}
	assert.False(t, open)
}

func TestStreamTranslatorSignatureFlushedAtClose(t *testing.T) {
	events, emit := collectEvents()
	reg := testRegistry()
	tr := NewStreamTranslator(geminiModel, reg, emit)

	sig := longSig()
	require.NoError(t, tr.Push(Increment{Parts: []Part{
		{Thought: true, Text: "hm", HasText: true, Signature: sig},
		{Text: "done", HasText: true},
	}}))
	require.NoError(t, tr.Finish())

	// signature_delta sits directly before the thinking block's stop.
	var sigIdx, stopIdx = -1, -1
	for i, e := range *events {
		if e.Type == EventContentBlockDelta && deltaType(e) == "signature_delta" {
			sigIdx = i
		}
		if e.Type == EventContentBlockStop && stopIdx == -1 {
			stopIdx = i
		}
	}
	require.NotEqual(t, -1, sigIdx)
	assert.Equal(t, stopIdx, sigIdx+1)

	fam, ok := reg.FamilyOf(sig)
	require.True(t, ok)
	assert.Equal(t, signature.FamilyGemini, fam)
}

func TestStreamTranslatorEmptyTextSkipped(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{Parts: []Part{{Text: "", HasText: true}}}))
	assert.Empty(t, *events, "empty text must not open a block or start the message")

	err := tr.Finish()
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindEmptyResponse, apiErr.Kind)
}

func TestStreamTranslatorEmptyStream(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	err := tr.Finish()
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindEmptyResponse, apiErr.Kind)
	assert.True(t, apiErr.Retryable)
	assert.Empty(t, *events)
}

func TestStreamTranslatorFunctionCall(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{
		Parts: []Part{{FunctionCall: &FunctionCall{
			ID:   "toolu_abc",
			Name: "get_weather",
			Args: []byte(`{"city":"Oslo"}`),
		}}},
		FinishReason: "STOP",
	}))
	require.NoError(t, tr.Finish())

	require.Len(t, *events, 6) // start, block start, delta, block stop, message delta, stop

	block := (*events)[1].ContentBlock
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "toolu_abc", block.ID)
	assert.Equal(t, "get_weather", block.Name)

	d := (*events)[2]
	assert.Equal(t, "input_json_delta", deltaType(d))
	assert.Equal(t, `{"city":"Oslo"}`, gjson.GetBytes(d.Delta, "partial_json").String())

	// tool_use stop wins over the upstream STOP finish reason.
	assert.Equal(t, StopToolUse, gjson.GetBytes((*events)[4].Delta, "stop_reason").String())
}

func TestStreamTranslatorFunctionCallSynthesizesID(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{Parts: []Part{
		{FunctionCall: &FunctionCall{Name: "lookup", Args: []byte(`{}`)}},
	}}))
	require.NoError(t, tr.Finish())

	block := (*events)[1].ContentBlock
	assert.True(t, len(block.ID) > len("toolu_"))
}

func TestStreamTranslatorInlineData(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{Parts: []Part{
		{InlineData: &InlineData{MimeType: "image/png", Data: "aGk="}},
	}}))
	require.NoError(t, tr.Finish())

	// Image blocks are atomic: start immediately followed by stop.
	assert.Equal(t, EventContentBlockStart, (*events)[1].Type)
	assert.Equal(t, EventContentBlockStop, (*events)[2].Type)
	assert.Equal(t, "image", (*events)[1].ContentBlock.Type)
}

func TestStreamTranslatorMaxTokens(t *testing.T) {
	events, emit := collectEvents()
	tr := NewStreamTranslator(geminiModel, testRegistry(), emit)

	require.NoError(t, tr.Push(Increment{
		Parts:        []Part{{Text: "truncat", HasText: true}},
		FinishReason: "MAX_TOKENS",
	}))
	require.NoError(t, tr.Finish())

	var md Event
	for _, e := range *events {
		if e.Type == EventMessageDelta {
			md = e
		}
	}
	assert.Equal(t, StopMaxTokens, gjson.GetBytes(md.Delta, "stop_reason").String())
}
