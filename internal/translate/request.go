package translate

import (
	"github.com/tidwall/gjson"

	"github.com/gravitygw/gravity-gateway/internal/signature"
)

// SkipSignatureSentinel tells the upstream validator to accept a tool call
// whose original thought signature is unavailable. Without it, Gemini-family
// models reject replayed tool calls from other providers outright.
const SkipSignatureSentinel = "skip_thought_signature_validator"

// RequestAdapter converts Anthropic message content into upstream contents,
// applying per-model-family signature rules. One adapter serves one request;
// it tracks tool ids across messages so functionResponse parts can name the
// function they answer.
type RequestAdapter struct {
	model     string
	family    signature.Family
	registry  *signature.Registry
	toolNames map[string]string // tool_use id -> function name

	// DropThinking omits thinking blocks entirely. Set for the retry
	// after the upstream rejects a replayed thought signature.
	DropThinking bool
}

func NewRequestAdapter(model string, registry *signature.Registry) *RequestAdapter {
	return &RequestAdapter{
		model:     model,
		family:    signature.FamilyForModel(model),
		registry:  registry,
		toolNames: make(map[string]string),
	}
}

// Contents maps the request's messages array to upstream contents.
func (a *RequestAdapter) Contents(messages gjson.Result) []map[string]any {
	var contents []map[string]any
	for _, msg := range messages.Array() {
		if c := a.message(msg); c != nil {
			contents = append(contents, c)
		}
	}
	return contents
}

func (a *RequestAdapter) message(msg gjson.Result) map[string]any {
	role := "user"
	if msg.Get("role").String() == "assistant" {
		role = "model"
	}

	content := msg.Get("content")
	var parts, deferred []map[string]any

	if content.Type == gjson.String {
		if content.String() != "" {
			parts = append(parts, map[string]any{"text": content.String()})
		}
	} else {
		for _, block := range content.Array() {
			p, d := a.blockParts(block)
			parts = append(parts, p...)
			deferred = append(deferred, d...)
		}
	}

	// Deferred media lands after every other part so tool result parts
	// stay contiguous, which the upstream protocol requires.
	parts = append(parts, deferred...)
	if len(parts) == 0 {
		return nil
	}
	return map[string]any{"role": role, "parts": parts}
}

// blockParts maps one content block to upstream parts. The second return
// value holds media extracted from tool results, deferred to end of turn.
func (a *RequestAdapter) blockParts(block gjson.Result) ([]map[string]any, []map[string]any) {
	switch block.Get("type").String() {
	case "text":
		text := block.Get("text").String()
		if text == "" {
			return nil, nil
		}
		return []map[string]any{{"text": text}}, nil

	case "thinking":
		if a.DropThinking {
			return nil, nil
		}
		return a.thinkingParts(block), nil

	case "redacted_thinking":
		// Opaque to the upstream; dropping it is the only safe move.
		return nil, nil

	case "tool_use":
		return a.toolUseParts(block), nil

	case "tool_result":
		return a.toolResultParts(block)

	case "image", "document":
		if p := mediaPart(block.Get("source")); p != nil {
			return []map[string]any{p}, nil
		}
		return nil, nil
	}
	return nil, nil
}

func (a *RequestAdapter) thinkingParts(block gjson.Result) []map[string]any {
	part := map[string]any{"thought": true, "text": block.Get("thinking").String()}
	if sig := block.Get("signature").String(); a.forwardableSignature(sig) {
		part["thoughtSignature"] = sig
	}
	return []map[string]any{part}
}

// forwardableSignature decides whether a client-supplied thinking signature
// may be sent upstream. Short signatures are placeholders; for Gemini
// targets a signature must be verifiably of Gemini origin, since replaying
// a Claude signature corrupts the upstream thought chain.
func (a *RequestAdapter) forwardableSignature(sig string) bool {
	if !meaningfulSignature(sig) {
		return false
	}
	if a.family != signature.FamilyGemini {
		return true
	}
	origin, ok := a.registry.FamilyOf(sig)
	return ok && origin == signature.FamilyGemini
}

func (a *RequestAdapter) toolUseParts(block gjson.Result) []map[string]any {
	id := block.Get("id").String()
	name := block.Get("name").String()
	if id != "" && name != "" {
		a.toolNames[id] = name
	}

	call := map[string]any{"name": name}
	if id != "" {
		call["id"] = id
	}
	if input := block.Get("input"); input.Exists() && input.Raw != "" {
		call["args"] = gjson.Parse(input.Raw).Value()
	} else {
		call["args"] = map[string]any{}
	}

	part := map[string]any{"functionCall": call}
	if a.family == signature.FamilyGemini {
		part["thoughtSignature"] = a.toolSignature(block, id)
	}
	return []map[string]any{part}
}

// toolSignature resolves the signature to attach to a replayed tool call:
// the block's own, then the registry's memory of the id, then the skip
// sentinel.
func (a *RequestAdapter) toolSignature(block gjson.Result, id string) string {
	if sig := block.Get("signature").String(); meaningfulSignature(sig) {
		return sig
	}
	if sig, ok := a.registry.ToolSignature(id); ok {
		return sig
	}
	return SkipSignatureSentinel
}

func (a *RequestAdapter) toolResultParts(block gjson.Result) ([]map[string]any, []map[string]any) {
	id := block.Get("tool_use_id").String()
	name := a.toolNames[id]
	if name == "" {
		name = id
	}

	var textOut string
	var deferred []map[string]any

	content := block.Get("content")
	switch content.Type {
	case gjson.String:
		textOut = content.String()
	default:
		for _, inner := range content.Array() {
			switch inner.Get("type").String() {
			case "text":
				textOut += inner.Get("text").String()
			case "image", "document":
				if p := mediaPart(inner.Get("source")); p != nil {
					deferred = append(deferred, p)
				}
			}
		}
	}

	response := map[string]any{"result": textOut}
	if block.Get("is_error").Bool() {
		response = map[string]any{"error": textOut}
	}

	fr := map[string]any{"name": name, "response": response}
	if id != "" {
		fr["id"] = id
	}
	return []map[string]any{{"functionResponse": fr}}, deferred
}

// mediaPart converts an Anthropic base64 source into an inlineData part.
// URL sources have no upstream equivalent here and are dropped.
func mediaPart(source gjson.Result) map[string]any {
	if source.Get("type").String() != "base64" {
		return nil
	}
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": source.Get("media_type").String(),
			"data":     source.Get("data").String(),
		},
	}
}
