package translate

import (
	"strings"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/signature"
)

// ThinkingAccumulator drains a full upstream stream into one complete
// Anthropic message. Consecutive thought parts collapse into one thinking
// segment (last meaningful signature wins), consecutive text parts into
// one text segment; functionCall and inlineData force-flush whatever is
// pending and land as their own entries.
type ThinkingAccumulator struct {
	model    string
	registry *signature.Registry

	parts []Part

	pendingKind string // "thought" or "text"
	pendingText strings.Builder
	pendingSig  string

	finishReason string
	usage        Usage
	sawPart      bool
}

func NewThinkingAccumulator(model string, registry *signature.Registry) *ThinkingAccumulator {
	return &ThinkingAccumulator{model: model, registry: registry}
}

// Push consumes one upstream increment.
func (a *ThinkingAccumulator) Push(inc Increment) {
	if inc.Usage != nil {
		a.usage = *inc.Usage
	}
	if inc.FinishReason != "" {
		a.finishReason = inc.FinishReason
	}

	for _, p := range inc.Parts {
		switch {
		case p.FunctionCall != nil, p.InlineData != nil:
			a.sawPart = true
			a.flush()
			if p.FunctionCall != nil && p.Signature != "" {
				id := p.FunctionCall.ID
				if id == "" {
					id = newToolUseID()
					p.FunctionCall.ID = id
				}
				a.registry.StoreToolSignature(id, p.Signature)
			}
			a.parts = append(a.parts, p)
		case p.Thought:
			a.sawPart = true
			a.append("thought", p.Text)
			if meaningfulSignature(p.Signature) {
				a.pendingSig = p.Signature
				a.registry.StoreFamily(p.Signature, signature.FamilyForModel(a.model))
			}
		case p.HasText:
			if p.Text == "" {
				continue
			}
			a.sawPart = true
			a.append("text", p.Text)
		}
	}
}

func (a *ThinkingAccumulator) append(kind, text string) {
	if a.pendingKind != "" && a.pendingKind != kind {
		a.flush()
	}
	a.pendingKind = kind
	a.pendingText.WriteString(text)
}

func (a *ThinkingAccumulator) flush() {
	if a.pendingKind == "" {
		return
	}
	text := a.pendingText.String()
	switch a.pendingKind {
	case "text":
		if strings.TrimSpace(text) != "" {
			a.parts = append(a.parts, Part{Text: text, HasText: true})
		}
	case "thought":
		if strings.TrimSpace(text) != "" || a.pendingSig != "" {
			a.parts = append(a.parts, Part{Thought: true, Text: text, HasText: true, Signature: a.pendingSig})
		}
	}
	a.pendingKind = ""
	a.pendingText.Reset()
	a.pendingSig = ""
}

// Result finalizes the accumulation into one Anthropic message. A stream
// that never produced a part is a retryable failure.
func (a *ThinkingAccumulator) Result() (*Message, error) {
	a.flush()
	if !a.sawPart {
		return nil, apierr.EmptyResponse()
	}

	toolStop := ""
	for _, p := range a.parts {
		if p.FunctionCall != nil {
			toolStop = StopToolUse
			break
		}
	}
	stop := mapStopReason(a.finishReason, toolStop)

	return &Message{
		ID:         newMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      a.model,
		Content:    BlocksFromParts(a.parts),
		StopReason: &stop,
		Usage: MessageUsage{
			InputTokens:     a.usage.InputTokens(),
			OutputTokens:    a.usage.CandidateTokens + a.usage.ThoughtTokens,
			CacheReadTokens: a.usage.CachedTokens,
		},
	}, nil
}
