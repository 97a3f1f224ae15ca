package translate

import (
	"encoding/json"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/signature"
)

// Emitter receives translated events in order. Returning an error aborts
// the translation (typically: client went away).
type Emitter func(Event) error

// StreamTranslator converts upstream increments into Anthropic SSE events
// incrementally. Feed increments with Push, then call Finish exactly once.
//
// Block lifecycle invariant: at most one content block is open at any time,
// and every content_block_start is matched by a content_block_stop before
// the next start.
type StreamTranslator struct {
	model    string
	registry *signature.Registry
	emit     Emitter

	started    bool
	blockOpen  bool
	blockType  string
	blockIndex int

	pendingSignature string
	toolStop         string
	finishReason     string
	usage            Usage
	messageID        string
}

func NewStreamTranslator(model string, registry *signature.Registry, emit Emitter) *StreamTranslator {
	return &StreamTranslator{
		model:      model,
		registry:   registry,
		emit:       emit,
		blockIndex: -1,
		messageID:  newMessageID(),
	}
}

// Push translates one upstream increment.
func (t *StreamTranslator) Push(inc Increment) error {
	if inc.Usage != nil {
		t.usage = *inc.Usage
	}
	if inc.FinishReason != "" {
		t.finishReason = inc.FinishReason
	}

	for _, p := range inc.Parts {
		if err := t.part(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *StreamTranslator) part(p Part) error {
	switch {
	case p.FunctionCall != nil:
		return t.functionCall(p)
	case p.InlineData != nil:
		return t.inlineData(p)
	case p.Thought:
		return t.thought(p)
	case p.HasText:
		return t.text(p)
	}
	return nil
}

func (t *StreamTranslator) thought(p Part) error {
	if meaningfulSignature(p.Signature) {
		t.pendingSignature = p.Signature
		t.registry.StoreFamily(p.Signature, signature.FamilyForModel(t.model))
	}
	if p.Text == "" {
		return nil
	}
	if err := t.ensureBlock("thinking", ContentBlock{Type: "thinking"}); err != nil {
		return err
	}
	return t.delta(mustJSON(thinkingDelta{Type: "thinking_delta", Thinking: p.Text}))
}

func (t *StreamTranslator) text(p Part) error {
	// Empty text must not open or extend a block.
	if p.Text == "" {
		return nil
	}
	if err := t.ensureBlock("text", ContentBlock{Type: "text"}); err != nil {
		return err
	}
	return t.delta(mustJSON(textDelta{Type: "text_delta", Text: p.Text}))
}

func (t *StreamTranslator) functionCall(p Part) error {
	fc := p.FunctionCall
	id := fc.ID
	if id == "" {
		id = newToolUseID()
	}
	if p.Signature != "" {
		t.registry.StoreToolSignature(id, p.Signature)
	}

	if err := t.openBlock("tool_use", ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  fc.Name,
		Input: json.RawMessage(`{}`),
	}); err != nil {
		return err
	}
	args := fc.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	// One delta carrying the whole argument object; arguments are never
	// streamed incrementally.
	if err := t.delta(mustJSON(inputJSONDelta{Type: "input_json_delta", PartialJSON: string(args)})); err != nil {
		return err
	}
	t.toolStop = StopToolUse
	return t.closeBlock()
}

func (t *StreamTranslator) inlineData(p Part) error {
	if err := t.openBlock("image", ContentBlock{
		Type: "image",
		Source: &ImageSource{
			Type:      "base64",
			MediaType: p.InlineData.MimeType,
			Data:      p.InlineData.Data,
		},
	}); err != nil {
		return err
	}
	return t.closeBlock()
}

// ensureBlock keeps the current block when its type matches, otherwise
// closes it and opens a fresh one.
func (t *StreamTranslator) ensureBlock(blockType string, start ContentBlock) error {
	if t.blockOpen && t.blockType == blockType {
		return nil
	}
	return t.openBlock(blockType, start)
}

func (t *StreamTranslator) openBlock(blockType string, start ContentBlock) error {
	if err := t.closeBlock(); err != nil {
		return err
	}
	if err := t.start(); err != nil {
		return err
	}
	t.blockIndex++
	t.blockOpen = true
	t.blockType = blockType
	idx := t.blockIndex
	return t.emit(Event{Type: EventContentBlockStart, Index: &idx, ContentBlock: &start})
}

func (t *StreamTranslator) closeBlock() error {
	if !t.blockOpen {
		return nil
	}
	if t.blockType == "thinking" && t.pendingSignature != "" {
		if err := t.delta(mustJSON(signatureDelta{Type: "signature_delta", Signature: t.pendingSignature})); err != nil {
			return err
		}
	}
	t.pendingSignature = ""
	t.blockOpen = false
	idx := t.blockIndex
	return t.emit(Event{Type: EventContentBlockStop, Index: &idx})
}

func (t *StreamTranslator) delta(payload json.RawMessage) error {
	idx := t.blockIndex
	return t.emit(Event{Type: EventContentBlockDelta, Index: &idx, Delta: payload})
}

// start emits message_start once, on the first real part.
func (t *StreamTranslator) start() error {
	if t.started {
		return nil
	}
	t.started = true
	return t.emit(Event{
		Type: EventMessageStart,
		Message: &Message{
			ID:      t.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   t.model,
			Content: []ContentBlock{},
			Usage: MessageUsage{
				InputTokens:     t.usage.InputTokens(),
				CacheReadTokens: t.usage.CachedTokens,
			},
		},
	})
}

// Finish closes out the stream. If no part was ever seen, the upstream
// answer is treated as a retryable failure, not an empty message.
func (t *StreamTranslator) Finish() error {
	if !t.started {
		return apierr.EmptyResponse()
	}
	if err := t.closeBlock(); err != nil {
		return err
	}
	stop := mapStopReason(t.finishReason, t.toolStop)
	if err := t.emit(Event{
		Type:  EventMessageDelta,
		Delta: mustJSON(messageDelta{StopReason: stop}),
		Usage: &MessageUsage{
			OutputTokens:    t.usage.CandidateTokens + t.usage.ThoughtTokens,
			CacheReadTokens: t.usage.CachedTokens,
		},
	}); err != nil {
		return err
	}
	return t.emit(Event{Type: EventMessageStop})
}
