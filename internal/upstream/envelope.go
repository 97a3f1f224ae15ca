// Package upstream implements the antigravity cloudcode client: envelope
// construction, host fallback, and the newline-delimited JSON stream reader.
package upstream

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/gravitygw/gravity-gateway/internal/signature"
)

// aliasToUpstream maps public model names onto the internal ids the
// antigravity endpoint actually serves.
func aliasToUpstream(model string) string {
	switch model {
	case "gemini-3-pro-preview":
		return "gemini-3-pro-high"
	case "gemini-3-pro-low-preview":
		return "gemini-3-pro-low"
	case "gemini-3-flash-preview":
		return "gemini-3-flash"
	case "gemini-claude-sonnet-4-5":
		return "claude-sonnet-4-5"
	case "gemini-claude-sonnet-4-5-thinking":
		return "claude-sonnet-4-5-thinking"
	default:
		return model
	}
}

// EnvelopeInput is everything the envelope builder needs from one request.
type EnvelopeInput struct {
	Model     string
	ProjectID string

	// Contents is the adapted conversation, already in upstream part form.
	Contents []map[string]any

	// System is the client's system prompt text, may be empty.
	System string

	// Tools is the raw Anthropic tools array, may not exist.
	Tools gjson.Result

	MaxTokens   int64
	Temperature *float64
}

// BuildEnvelope produces the upstream request payload. The envelope wraps
// the generation request with routing metadata (project, requestId,
// sessionId) the endpoint requires.
func BuildEnvelope(in EnvelopeInput) ([]byte, error) {
	body := `{}`
	var err error

	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.Set(body, path, value)
	}

	set("model", aliasToUpstream(in.Model))
	set("userAgent", "antigravity")
	set("requestType", "agent")
	set("requestId", "agent-"+uuid.NewString())

	project := in.ProjectID
	if project == "" {
		project = syntheticProjectID()
	}
	set("project", project)

	set("request.contents", in.Contents)
	set("request.sessionId", stableSessionID(in.Contents))
	set("request.toolConfig.functionCallingConfig.mode", "VALIDATED")

	if in.System != "" {
		set("request.systemInstruction.role", "user")
		set("request.systemInstruction.parts.0.text", in.System)
	}
	if in.MaxTokens > 0 && signature.FamilyForModel(in.Model) == signature.FamilyClaude {
		// The endpoint rejects maxOutputTokens for Gemini-family models.
		set("request.generationConfig.maxOutputTokens", in.MaxTokens)
	}
	if in.Temperature != nil {
		set("request.generationConfig.temperature", *in.Temperature)
	}
	if err != nil {
		return nil, err
	}

	if in.Tools.IsArray() {
		body, err = setTools(body, in.Tools, in.Model)
		if err != nil {
			return nil, err
		}
	}
	return []byte(body), nil
}

// setTools converts Anthropic tool declarations into functionDeclarations.
// Claude-family targets take the schema under "parameters"; Gemini-family
// targets take the raw JSON schema under "parametersJsonSchema".
func setTools(body string, tools gjson.Result, model string) (string, error) {
	schemaKey := "parametersJsonSchema"
	if signature.FamilyForModel(model) == signature.FamilyClaude {
		schemaKey = "parameters"
	}

	var err error
	i := 0
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		base := "request.tools.0.functionDeclarations." + strconv.Itoa(i)
		body, err = sjson.Set(body, base+".name", name)
		if err != nil {
			return "", err
		}
		if desc := tool.Get("description").String(); desc != "" {
			body, err = sjson.Set(body, base+".description", desc)
			if err != nil {
				return "", err
			}
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			body, err = sjson.SetRaw(body, base+"."+schemaKey, schema.Raw)
			if err != nil {
				return "", err
			}
			body, _ = sjson.Delete(body, base+"."+schemaKey+".\\$schema")
		}
		i++
	}
	return body, nil
}

// stableSessionID hashes the first user text so retries and follow-ups in
// one conversation land on the same upstream session, preserving prompt
// cache affinity.
func stableSessionID(contents []map[string]any) string {
	for _, content := range contents {
		if content["role"] != "user" {
			continue
		}
		parts, _ := content["parts"].([]map[string]any)
		for _, p := range parts {
			if text, _ := p["text"].(string); text != "" {
				h := sha256.Sum256([]byte(text))
				n := int64(binary.BigEndian.Uint64(h[:8])) & 0x7FFFFFFFFFFFFFFF
				return "-" + strconv.FormatInt(n, 10)
			}
		}
	}
	return "-" + strconv.FormatInt(int64(binary.BigEndian.Uint64(randomBytes())), 10)
}

func randomBytes() []byte {
	u := uuid.New()
	b := make([]byte, 8)
	copy(b, u[:8])
	b[0] &= 0x7F
	return b
}

func syntheticProjectID() string {
	return "useful-" + strings.ToLower(uuid.NewString())[:8]
}
