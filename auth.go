package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a bearer token with a bounded lifetime. A zero ExpiresAt means
// the lifetime is unknown.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past expiry, minus skew.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

// TokenSource supplies tokens to the connection manager, which asks for one
// before every dial.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
	// Invalidate drops any cached token after the backend rejected it.
	Invalidate()
}

// TokenExpiry reads the exp claim of a JWT without verifying it. Clients
// cannot verify the signature; the expiry is only used to refresh early.
func TokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ============================================================================
// StaticTokenSource
// ============================================================================

// StaticTokenSource always returns the same token.
type StaticTokenSource struct {
	token Token
}

// NewStaticTokenSource wraps raw. The expiry is read from the token when it
// is a JWT.
func NewStaticTokenSource(raw string) *StaticTokenSource {
	t := Token{Value: raw}
	if exp, ok := TokenExpiry(raw); ok {
		t.ExpiresAt = exp
	}
	return &StaticTokenSource{token: t}
}

func (s *StaticTokenSource) Token(ctx context.Context) (Token, error) {
	if s.token.Value == "" {
		return Token{}, ErrNoToken
	}
	if s.token.Expired(time.Now(), 0) {
		return Token{}, fmt.Errorf("static token expired at %s: %w", s.token.ExpiresAt.Format(time.RFC3339), ErrNoToken)
	}
	return s.token, nil
}

func (s *StaticTokenSource) Invalidate() {}

// ============================================================================
// HTTPTokenSource
// ============================================================================

// tokenResponse is the body of the token endpoint.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt string    `json:"expiresAt,omitempty"`
	Error     *APIError `json:"error,omitempty"`
}

// HTTPTokenSource fetches tokens from the inbox token endpoint and caches
// them until shortly before they expire.
type HTTPTokenSource struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	skew       time.Duration

	mu     sync.Mutex
	cached *Token
}

// NewHTTPTokenSource creates a token source. apiKey, when set, is sent as
// the bearer credential to the endpoint.
func NewHTTPTokenSource(endpoint, apiKey string, httpClient *http.Client) *HTTPTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTokenSource{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		skew:       30 * time.Second,
	}
}

func (s *HTTPTokenSource) Token(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && !s.cached.Expired(time.Now(), s.skew) {
		return *s.cached, nil
	}
	t, err := s.fetch(ctx)
	if err != nil {
		return Token{}, err
	}
	s.cached = &t
	return t, nil
}

func (s *HTTPTokenSource) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *HTTPTokenSource) fetch(ctx context.Context) (Token, error) {
	data, status, err := s.doRequest(ctx, "POST", s.endpoint, map[string]any{})
	if err != nil {
		return Token{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound {
		return Token{}, fmt.Errorf("token endpoint HTTP %d: %w", status, ErrNoToken)
	}
	if status >= 300 {
		return Token{}, fmt.Errorf("token endpoint HTTP %d", status)
	}

	resp, err := decodeJSON[tokenResponse](data)
	if err != nil {
		return Token{}, fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if resp.Error != nil {
		return Token{}, fmt.Errorf("%s: %w", resp.Error.Message, ErrNoToken)
	}
	if resp.Token == "" {
		return Token{}, ErrNoToken
	}

	t := Token{Value: resp.Token}
	if resp.ExpiresAt != "" {
		if exp, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			t.ExpiresAt = exp
		}
	}
	if t.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(resp.Token); ok {
			t.ExpiresAt = exp
		}
	}
	return t, nil
}

func (s *HTTPTokenSource) doRequest(ctx context.Context, method, url string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}
