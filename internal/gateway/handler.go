package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/config"
	"github.com/gravitygw/gravity-gateway/internal/monitoring"
	"github.com/gravitygw/gravity-gateway/internal/translate"
	"github.com/gravitygw/gravity-gateway/internal/utils"
)

// inboundRequest is the parsed Anthropic messages request.
type inboundRequest struct {
	Model       string
	Stream      bool
	Messages    gjson.Result
	System      string
	Tools       gjson.Result
	MaxTokens   int64
	Temperature *float64
}

func parseInbound(body []byte) (*inboundRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	model := root.Get("model").String()
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}

	req := &inboundRequest{
		Model:     model,
		Stream:    root.Get("stream").Bool(),
		Messages:  messages,
		System:    systemText(root.Get("system")),
		Tools:     root.Get("tools"),
		MaxTokens: root.Get("max_tokens").Int(),
	}
	if temp := root.Get("temperature"); temp.Exists() {
		v := temp.Float()
		req.Temperature = &v
	}
	return req, nil
}

// systemText flattens the system prompt, which arrives either as a plain
// string or as an array of text blocks.
func systemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var parts []string
	for _, block := range system.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n\n")
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := uuid.NewString()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		g.writeInvalidRequest(w, "request body too large or unreadable")
		return
	}
	req, err := parseInbound(body)
	if err != nil {
		g.writeInvalidRequest(w, err.Error())
		return
	}

	log.Info().
		Str("request_id", requestID).
		Str("model", req.Model).
		Bool("stream", req.Stream).
		Msg("inbound request")

	if req.Stream {
		g.serveStream(w, r, req, requestID, started)
		return
	}
	g.serveOnce(w, r, req, requestID, started)
}

func (g *Gateway) serveOnce(w http.ResponseWriter, r *http.Request, req *inboundRequest, requestID string, started time.Time) {
	msg, stats, err := g.run(r.Context(), req, nil)
	g.recordRequest(req, requestID, stats, err, started)
	if err != nil {
		g.writeAPIError(w, err)
		return
	}

	data, mErr := utils.MarshalNoEscape(msg)
	if mErr != nil {
		g.writeAPIError(w, mErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, req *inboundRequest, requestID string, started time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeAPIError(w, apierr.Upstream(http.StatusInternalServerError, "streaming unsupported by server"))
		return
	}

	writer := &sseWriter{w: w, flusher: flusher}
	emit := func(e translate.Event) error {
		return writer.event(e.Type, e)
	}

	_, stats, err := g.run(r.Context(), req, emit)
	g.recordRequest(req, requestID, stats, err, started)
	if err == nil {
		return
	}
	if stats.emitted == 0 {
		g.writeAPIError(w, err)
		return
	}

	// The stream is already committed; all that is left is an error event.
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Upstream(http.StatusInternalServerError, err.Error())
	}
	_ = writer.event("error", map[string]any{
		"type":  "error",
		"error": apiErr,
	})
}

// sseWriter frames server-sent events. Headers go out with the first event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) event(name string, payload any) error {
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
	}

	data, err := utils.MarshalNoEscape(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (g *Gateway) recordRequest(req *inboundRequest, requestID string, stats *runStats, err error, started time.Time) {
	success := err == nil
	g.metrics.RecordRequest(success, req.Stream)

	input := stats.usage.InputTokens()
	output := stats.usage.CandidateTokens + stats.usage.ThoughtTokens
	cached := stats.usage.CachedTokens
	if success && input == 0 && output == 0 {
		// Some upstream responses omit usage metadata.
		input = monitoring.EstimateTokens(req.Messages.Raw)
	}
	if success {
		g.metrics.RecordUsage(input, output, cached)
		if g.usage != nil && stats.account != "" {
			if uErr := g.usage.Record(stats.account, req.Model, input, output, cached, req.Stream, stats.attempts); uErr != nil {
				log.Warn().Err(uErr).Msg("usage log write failed")
			}
		}
	}

	event := &monitoring.RequestEvent{
		Timestamp:    time.Now().Format(time.RFC3339),
		RequestID:    requestID,
		Model:        req.Model,
		Account:      stats.account,
		Streaming:    req.Stream,
		Attempts:     stats.attempts,
		StatusCode:   http.StatusOK,
		InputTokens:  input,
		OutputTokens: output,
		CachedTokens: cached,
		DurationMs:   time.Since(started).Milliseconds(),
	}
	if err != nil {
		if apiErr, ok := apierr.As(err); ok {
			event.StatusCode = apiErr.HTTPStatus()
			event.ErrorKind = string(apiErr.Kind)
		} else {
			event.StatusCode = http.StatusInternalServerError
			event.ErrorKind = "transport"
		}
	}
	g.tracker.RecordRequest(event)
}

func (g *Gateway) writeInvalidRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "invalid_request_error",
			"message": msg,
		},
	})
}
