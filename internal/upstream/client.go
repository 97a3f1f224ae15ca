package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/auth"
	"github.com/gravitygw/gravity-gateway/internal/config"
	"github.com/gravitygw/gravity-gateway/internal/pool"
	"github.com/gravitygw/gravity-gateway/internal/resettime"
)

const (
	baseURLSandbox = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	baseURLDaily   = "https://daily-cloudcode-pa.googleapis.com"
	baseURLProd    = "https://cloudcode-pa.googleapis.com"

	generatePath = "/v1internal:generateContent"
	streamPath   = "/v1internal:streamGenerateContent"

	xGoogAPIClient = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// Client talks to the antigravity cloudcode endpoint on behalf of pool
// accounts.
type Client struct {
	cfg    config.UpstreamConfig
	tokens *auth.TokenSource
	http   *http.Client
}

func NewClient(cfg config.UpstreamConfig, tokens *auth.TokenSource) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		// No client-level timeout: streaming responses legitimately
		// outlive any fixed deadline, contexts bound each call.
		http: &http.Client{},
	}
}

// baseURLs is the host fallback order; a configured base URL pins to one.
func (c *Client) baseURLs() []string {
	if c.cfg.BaseURL != "" {
		return []string{strings.TrimSuffix(c.cfg.BaseURL, "/")}
	}
	return []string{baseURLSandbox, baseURLDaily, baseURLProd}
}

// Generate performs one non-streaming call and returns the raw body.
func (c *Client) Generate(ctx context.Context, account *pool.Account, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.do(ctx, account, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return body, nil
}

// Stream opens a streaming call. The returned stream delivers raw SSE data
// lines; cancelling ctx tears the read loop down promptly.
func (c *Client) Stream(ctx context.Context, account *pool.Account, payload []byte) (*Stream, error) {
	resp, err := c.do(ctx, account, payload, true)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, resp.Body), nil
}

// do runs one request with host fallback: connection errors and 429s move
// to the next base URL, anything else settles immediately.
func (c *Client) do(ctx context.Context, account *pool.Account, payload []byte, stream bool) (*http.Response, error) {
	token, err := c.tokens.AccessToken(ctx, account.Email, account.RefreshToken)
	if err != nil {
		return nil, err
	}

	bases := c.baseURLs()
	var lastErr error
	for i, base := range bases {
		req, errReq := c.buildRequest(ctx, base, token, payload, stream)
		if errReq != nil {
			return nil, errReq
		}
		resp, errDo := c.http.Do(req)
		if errDo != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = errDo
			if i+1 < len(bases) {
				log.Debug().Str("base", base).Err(errDo).Msg("upstream unreachable, trying fallback host")
				continue
			}
			break
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && i+1 < len(bases) {
			log.Debug().Str("base", base).Msg("rate limited, trying fallback host")
			lastErr = c.statusError(account, resp, body)
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(account.Email)
		}
		return nil, c.statusError(account, resp, body)
	}

	if lastErr != nil {
		if apiErr, ok := apierr.As(lastErr); ok {
			return nil, apiErr
		}
		return nil, fmt.Errorf("upstream request: %w", lastErr)
	}
	return nil, fmt.Errorf("upstream request: no base url available")
}

// statusError classifies a non-200 response and attaches the reset hint
// and account so the selection loop can act on it.
func (c *Client) statusError(account *pool.Account, resp *http.Response, body []byte) *apierr.Error {
	apiErr := apierr.Classify(resp.StatusCode, string(body))
	apiErr.AccountEmail = account.Email
	if apiErr.Kind == apierr.KindRateLimit {
		if ms, ok := resettime.Parse(resp.Header, string(body)); ok {
			apiErr.ResetMs = ms
		}
	}
	return apiErr
}

func (c *Client) buildRequest(ctx context.Context, base, token string, payload []byte, stream bool) (*http.Request, error) {
	path := generatePath
	if stream {
		path = streamPath + "?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
	req.Header.Set("Client-Metadata", clientMetadata)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if u, errURL := url.Parse(base); errURL == nil {
		req.Host = u.Host
	}
	return req, nil
}

// Stream delivers upstream data lines until EOF or cancellation.
type Stream struct {
	Lines  <-chan []byte
	cancel context.CancelFunc
	errCh  chan error
}

func newStream(ctx context.Context, body io.ReadCloser) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	lines := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		defer close(lines)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, config.DefaultBufferSize), config.StreamScannerBuffer)
		for scanner.Scan() {
			line := dataPayload(scanner.Bytes())
			if line == nil {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	return &Stream{Lines: lines, cancel: cancel, errCh: errCh}
}

// Err reports the terminal stream state; call after Lines closes.
func (s *Stream) Err() error {
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}

// Close tears down the upstream read loop.
func (s *Stream) Close() {
	s.cancel()
	for range s.Lines {
	}
}

// dataPayload strips SSE framing and returns the JSON payload of one line,
// or nil for blanks and non-data lines.
func dataPayload(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	}
	if len(line) == 0 || line[0] != '{' {
		return nil
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out
}
