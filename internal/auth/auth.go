// Package auth exchanges stored Google OAuth refresh tokens for short-lived
// access tokens and caches them per account.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/utils"
)

const (
	tokenEndpoint = "https://oauth2.googleapis.com/token"

	// OAuth client the antigravity desktop app registers with Google.
	clientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	clientSecret = "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"

	// Refresh slightly before expiry so an in-flight request never
	// crosses the boundary with a stale token.
	expiryBuffer = 60 * time.Second
)

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// TokenSource mints and caches access tokens keyed by account email.
type TokenSource struct {
	mu     sync.Mutex
	cache  map[string]cachedToken
	client *http.Client
	now    func() time.Time
}

func NewTokenSource() *TokenSource {
	return &TokenSource{
		cache:  make(map[string]cachedToken),
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// AccessToken returns a valid access token for the account, refreshing via
// the stored refresh token when the cached one is missing or near expiry.
// An invalid_grant response surfaces as an auth error so the caller can
// mark the account invalid.
func (ts *TokenSource) AccessToken(ctx context.Context, email, refreshToken string) (string, error) {
	ts.mu.Lock()
	if tok, ok := ts.cache[email]; ok && ts.now().Before(tok.expiresAt) {
		ts.mu.Unlock()
		return tok.accessToken, nil
	}
	ts.mu.Unlock()

	if refreshToken == "" {
		return "", apierr.Auth(email, "no refresh token on record")
	}

	access, expiresIn, err := ts.refresh(ctx, refreshToken)
	if err != nil {
		log.Warn().Str("account", email).Str("refresh_token", utils.MaskKey(refreshToken)).Err(err).Msg("token refresh failed")
		return "", ts.classifyRefreshError(email, err)
	}

	ts.mu.Lock()
	ts.cache[email] = cachedToken{
		accessToken: access,
		expiresAt:   ts.now().Add(time.Duration(expiresIn)*time.Second - expiryBuffer),
	}
	ts.mu.Unlock()

	log.Debug().Str("account", email).Int("expires_in", expiresIn).Msg("access token refreshed")
	return access, nil
}

// Prime seeds the cache with a known-good token, bypassing the refresh
// flow. Used when a caller already holds a fresh token for the account.
func (ts *TokenSource) Prime(email, accessToken string, ttl time.Duration) {
	ts.mu.Lock()
	ts.cache[email] = cachedToken{accessToken: accessToken, expiresAt: ts.now().Add(ttl)}
	ts.mu.Unlock()
}

// Invalidate drops the cached token for an account, forcing a refresh on
// the next request. Used after an upstream 401.
func (ts *TokenSource) Invalidate(email string) {
	ts.mu.Lock()
	delete(ts.cache, email)
	ts.mu.Unlock()
}

func (ts *TokenSource) refresh(ctx context.Context, refreshToken string) (string, int, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("token refresh status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, err
	}
	if result.AccessToken == "" {
		return "", 0, fmt.Errorf("token refresh returned no access token")
	}
	return result.AccessToken, result.ExpiresIn, nil
}

func (ts *TokenSource) classifyRefreshError(email string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "unauthorized_client") {
		return apierr.Auth(email, msg)
	}
	return fmt.Errorf("refresh token for %s: %w", email, err)
}
