package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is subtracted from the absolute expiry: a cached
// token within five minutes of expiring is refreshed eagerly.
const tokenExpiryBuffer = 5 * time.Minute

// OAuthConfig is the decrypted credential material of one server. The
// gateway receives it from the launch-config collaborator; it never
// reads the encrypted blobs itself.
type OAuthConfig struct {
	Provider     string `json:"provider"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// TokenURL overrides the provider default; required for
	// instance-scoped providers (zendesk, canvas).
	TokenURL string `json:"tokenUrl,omitempty"`
	// APIKey is the static credential for the api_key strategy.
	APIKey string `json:"apiKey,omitempty"`
	// ExpiresAt is the absolute expiry of AccessToken in unix millis,
	// 0 when unknown.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Strategy resolves and refreshes the credential of one server
// context. Implementations are safe for concurrent use.
type Strategy interface {
	// Token returns a currently valid access token, refreshing it when
	// the cached one is within the expiry buffer.
	Token(ctx context.Context) (string, error)
	// CurrentConfig returns the credential material and true only when
	// it changed since the last MarkPersisted, so callers can skip
	// no-op writes.
	CurrentConfig() (OAuthConfig, bool)
	// MarkPersisted acknowledges that the current config was stored.
	MarkPersisted()
}

// providerSpec captures the wire shape of one provider's refresh
// endpoint.
type providerSpec struct {
	tokenURL      string
	dynamicURL    bool // token URL must come from the config (instance-scoped)
	basicAuth     bool // client credentials as Basic header instead of body params
	jsonBody      bool // JSON request body instead of form encoding
	defaultExpiry time.Duration
}

var providerSpecs = map[string]providerSpec{
	"google":  {tokenURL: "https://oauth2.googleapis.com/token", defaultExpiry: time.Hour},
	"notion":  {tokenURL: "https://api.notion.com/v1/oauth/token", basicAuth: true, jsonBody: true, defaultExpiry: time.Hour},
	"figma":   {tokenURL: "https://api.figma.com/v1/oauth/refresh", basicAuth: true, defaultExpiry: 24 * time.Hour},
	"github":  {tokenURL: "https://github.com/login/oauth/access_token", defaultExpiry: 8 * time.Hour},
	"stripe":  {tokenURL: "https://connect.stripe.com/oauth/token", defaultExpiry: time.Hour},
	"zendesk": {dynamicURL: true, defaultExpiry: time.Hour},
	"canvas":  {dynamicURL: true, defaultExpiry: time.Hour},
	"peta":    {tokenURL: "https://auth.peta.app/oauth/token", defaultExpiry: time.Hour},
}

// NewStrategy selects the credential strategy for an auth type.
// Empty authType means the server needs no Authorization header.
func NewStrategy(authType string, cfg OAuthConfig, client *http.Client) (Strategy, error) {
	switch {
	case authType == "":
		return nil, nil
	case authType == "api_key":
		return &apiKeyStrategy{key: cfg.APIKey}, nil
	}
	spec, ok := providerSpecs[authType]
	if !ok {
		return nil, fmt.Errorf("unknown auth type %q", authType)
	}
	tokenURL := spec.tokenURL
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("provider %q requires a tokenUrl in its config", authType)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &oauthStrategy{
		provider:  authType,
		spec:      spec,
		tokenURL:  tokenURL,
		cfg:       cfg,
		client:    client,
		attempts:  3,
		retryBase: 500 * time.Millisecond,
		nowFunc:   time.Now,
	}, nil
}

// apiKeyStrategy is a static credential with no refresh cycle.
type apiKeyStrategy struct {
	key string
}

func (s *apiKeyStrategy) Token(context.Context) (string, error) { return s.key, nil }
func (s *apiKeyStrategy) CurrentConfig() (OAuthConfig, bool) {
	return OAuthConfig{Provider: "api_key", APIKey: s.key}, false
}
func (s *apiKeyStrategy) MarkPersisted() {}

// oauthStrategy caches an access token per server and refreshes it
// through the provider's token endpoint when it nears expiry.
type oauthStrategy struct {
	provider string
	spec     providerSpec
	tokenURL string
	client   *http.Client

	attempts  int
	retryBase time.Duration

	mu      sync.Mutex
	cfg     OAuthConfig
	changed bool

	// nowFunc allows tests to inject a fake clock.
	nowFunc func() time.Time
}

func (s *oauthStrategy) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.AccessToken != "" && s.cfg.ExpiresAt > 0 {
		expiresAt := time.UnixMilli(s.cfg.ExpiresAt)
		if s.nowFunc().Before(expiresAt.Add(-tokenExpiryBuffer)) {
			return s.cfg.AccessToken, nil
		}
	}
	if s.cfg.RefreshToken == "" {
		if s.cfg.AccessToken != "" {
			// No refresh grant; use what we have until the provider
			// rejects it.
			return s.cfg.AccessToken, nil
		}
		return "", fmt.Errorf("%s: no access or refresh token configured", s.provider)
	}
	return s.refreshLocked(ctx)
}

// refreshLocked performs the wire refresh with bounded retries. Caller
// holds s.mu.
func (s *oauthStrategy) refreshLocked(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			backoff := s.retryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		token, err := s.refreshOnce(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("%s token refresh: %w", s.provider, lastErr)
}

func (s *oauthStrategy) refreshOnce(ctx context.Context) (string, error) {
	req, err := s.buildRefreshRequest(ctx)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp.Error != "" {
		return "", fmt.Errorf("%s: %s", tokenResp.Error, tokenResp.ErrorDesc)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access_token in response (status %d)", resp.StatusCode)
	}

	expiresIn := time.Duration(tokenResp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = s.spec.defaultExpiry
	}
	s.cfg.AccessToken = tokenResp.AccessToken
	s.cfg.ExpiresAt = s.nowFunc().Add(expiresIn).UnixMilli()
	if tokenResp.RefreshToken != "" && tokenResp.RefreshToken != s.cfg.RefreshToken {
		// Rotating refresh tokens (figma, zendesk) must be persisted or
		// the next refresh fails.
		s.cfg.RefreshToken = tokenResp.RefreshToken
	}
	s.changed = true
	return s.cfg.AccessToken, nil
}

func (s *oauthStrategy) buildRefreshRequest(ctx context.Context) (*http.Request, error) {
	fields := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": s.cfg.RefreshToken,
	}
	if !s.spec.basicAuth {
		fields["client_id"] = s.cfg.ClientID
		fields["client_secret"] = s.cfg.ClientSecret
	}

	var body string
	contentType := "application/x-www-form-urlencoded"
	if s.spec.jsonBody {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		body = string(encoded)
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		body = form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if s.spec.basicAuth {
		req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)
	}
	return req, nil
}

func (s *oauthStrategy) CurrentConfig() (OAuthConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.Provider = s.provider
	return cfg, s.changed
}

func (s *oauthStrategy) MarkPersisted() {
	s.mu.Lock()
	s.changed = false
	s.mu.Unlock()
}
