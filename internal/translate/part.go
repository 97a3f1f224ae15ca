// Package translate converts between the Anthropic messages protocol and the
// antigravity upstream's generateContent protocol, in both directions.
//
// DESIGN: The upstream speaks newline-delimited JSON increments, each wrapping
// a partial candidate whose parts are thought, text, functionCall, or
// inlineData. StreamTranslator turns that into Anthropic SSE events on the
// fly; ThinkingAccumulator drains the same stream into one complete message.
// RequestAdapter goes the other way, turning Anthropic content blocks into
// upstream parts with the model-family signature rules applied.
package translate

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Usage is the upstream token accounting carried on increments. The last
// increment to carry usage wins.
type Usage struct {
	PromptTokens    int64
	CandidateTokens int64
	ThoughtTokens   int64
	CachedTokens    int64
}

// InputTokens is prompt minus cached, floored at zero. Cached tokens are
// reported separately on the Anthropic side.
func (u Usage) InputTokens() int64 {
	n := u.PromptTokens - u.CachedTokens
	if n < 0 {
		return 0
	}
	return n
}

// FunctionCall is an upstream tool invocation part.
type FunctionCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// InlineData is an upstream binary part, base64 in Data.
type InlineData struct {
	MimeType string
	Data     string
}

// Part is one typed element of an upstream candidate.
type Part struct {
	Thought   bool
	Text      string
	HasText   bool
	Signature string

	FunctionCall *FunctionCall
	InlineData   *InlineData
}

// Increment is one parsed upstream stream line.
type Increment struct {
	Parts        []Part
	FinishReason string
	Usage        *Usage
	ResponseID   string
	ModelVersion string
}

// ParseIncrement decodes one upstream line. It accepts both the wrapped
// form {"response": {...}} and a bare candidates object. Lines that are
// blank or carry no candidate payload return ok=false.
func ParseIncrement(line []byte) (Increment, bool) {
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return Increment{}, false
	}
	root := gjson.ParseBytes(line)
	resp := root.Get("response")
	if !resp.Exists() {
		if !root.Get("candidates").Exists() && !root.Get("usageMetadata").Exists() {
			return Increment{}, false
		}
		resp = root
	}

	inc := Increment{
		FinishReason: resp.Get("candidates.0.finishReason").String(),
		ResponseID:   resp.Get("responseId").String(),
		ModelVersion: resp.Get("modelVersion").String(),
	}

	meta := resp.Get("usageMetadata")
	if !meta.Exists() {
		meta = root.Get("usageMetadata")
	}
	if meta.Exists() {
		inc.Usage = &Usage{
			PromptTokens:    meta.Get("promptTokenCount").Int(),
			CandidateTokens: meta.Get("candidatesTokenCount").Int(),
			ThoughtTokens:   meta.Get("thoughtsTokenCount").Int(),
			CachedTokens:    meta.Get("cachedContentTokenCount").Int(),
		}
	}

	parts := resp.Get("candidates.0.content.parts")
	if parts.IsArray() {
		for _, raw := range parts.Array() {
			if p, ok := parsePart(raw); ok {
				inc.Parts = append(inc.Parts, p)
			}
		}
	}
	return inc, true
}

func parsePart(raw gjson.Result) (Part, bool) {
	p := Part{
		Thought:   raw.Get("thought").Bool(),
		Signature: partSignature(raw),
	}
	if text := raw.Get("text"); text.Exists() {
		p.Text = text.String()
		p.HasText = true
	}
	if fc := raw.Get("functionCall"); fc.Exists() {
		p.FunctionCall = &FunctionCall{
			ID:   fc.Get("id").String(),
			Name: fc.Get("name").String(),
			Args: json.RawMessage(fc.Get("args").Raw),
		}
		return p, true
	}
	inline := raw.Get("inlineData")
	if !inline.Exists() {
		inline = raw.Get("inline_data")
	}
	if inline.Exists() {
		p.InlineData = &InlineData{
			MimeType: firstString(inline, "mimeType", "mime_type"),
			Data:     inline.Get("data").String(),
		}
		return p, true
	}
	if !p.HasText && !p.Thought && p.Signature == "" {
		return Part{}, false
	}
	return p, true
}

// partSignature accepts both field spellings seen from upstream.
func partSignature(raw gjson.Result) string {
	if sig := raw.Get("thoughtSignature").String(); sig != "" {
		return sig
	}
	return raw.Get("thought_signature").String()
}

func firstString(raw gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := raw.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}
