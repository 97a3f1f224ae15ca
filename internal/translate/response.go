package translate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/gravitygw/gravity-gateway/internal/config"
)

// Upstream finish reasons.
const (
	finishStop          = "STOP"
	finishMaxTokens     = "MAX_TOKENS"
	finishMalformedCall = "MALFORMED_FUNCTION_CALL"
)

// mapStopReason translates an upstream finish reason. A tool-use stop set
// earlier always wins over whatever finish reason arrives later.
func mapStopReason(finishReason, toolStop string) string {
	if toolStop != "" {
		return toolStop
	}
	switch strings.ToUpper(finishReason) {
	case finishMaxTokens:
		return StopMaxTokens
	case finishStop, "":
		return StopEndTurn
	default:
		return StopEndTurn
	}
}

// newToolUseID synthesizes an Anthropic-style tool id when the upstream
// part does not carry one.
func newToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// meaningfulSignature filters out truncated or placeholder signatures.
func meaningfulSignature(sig string) bool {
	return len(sig) >= config.MinSignatureLength
}

// BlocksFromParts normalizes a finished part sequence into Anthropic
// content blocks. Empty text parts are dropped; thinking parts keep their
// signature only when it is long enough to be meaningful.
func BlocksFromParts(parts []Part) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = newToolUseID()
			}
			input := p.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  p.FunctionCall.Name,
				Input: input,
			})
		case p.InlineData != nil:
			blocks = append(blocks, ContentBlock{
				Type: "image",
				Source: &ImageSource{
					Type:      "base64",
					MediaType: p.InlineData.MimeType,
					Data:      p.InlineData.Data,
				},
			})
		case p.Thought:
			if p.Text == "" && p.Signature == "" {
				continue
			}
			b := ContentBlock{Type: "thinking", Thinking: p.Text}
			if meaningfulSignature(p.Signature) {
				b.Signature = p.Signature
			}
			blocks = append(blocks, b)
		case p.HasText:
			if p.Text == "" {
				continue
			}
			blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text})
		}
	}
	return blocks
}
