package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Exchange error classes.
const (
	ExchangeErrHTTP            = "http"
	ExchangeErrParse           = "parse"
	ExchangeErrUnknownProvider = "unknown_provider"
)

// ExchangeError classifies an authorization-code exchange failure.
type ExchangeError struct {
	Class    string
	Provider string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("code exchange (%s, %s): %v", e.Provider, e.Class, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// ExchangeParams is the input to one authorization-code exchange.
type ExchangeParams struct {
	Provider     string
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
	// TokenURL is required for instance-scoped providers (zendesk,
	// canvas) and overrides the default elsewhere.
	TokenURL string
}

// ExchangeResult carries the tokens obtained from a provider.
type ExchangeResult struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	ExpiresIn    int64           `json:"expiresIn,omitempty"`
	ExpiresAt    int64           `json:"expiresAt,omitempty"`
	Raw          json.RawMessage `json:"raw"`
}

// Exchanger performs the one-time authorization-code exchange during
// server setup. Refresh traffic afterwards goes through Strategy.
type Exchanger struct {
	client  *http.Client
	nowFunc func() time.Time
}

func NewExchanger() *Exchanger {
	return &Exchanger{
		client:  &http.Client{Timeout: 15 * time.Second},
		nowFunc: time.Now,
	}
}

// Exchange swaps an authorization code for tokens. Failures are typed
// *ExchangeError with class http, parse, or unknown_provider.
func (x *Exchanger) Exchange(ctx context.Context, p ExchangeParams) (*ExchangeResult, error) {
	spec, ok := providerSpecs[p.Provider]
	if !ok {
		return nil, &ExchangeError{
			Class:    ExchangeErrUnknownProvider,
			Provider: p.Provider,
			Err:      fmt.Errorf("no adapter for %q", p.Provider),
		}
	}

	req, err := buildExchangeRequest(ctx, spec, p)
	if err != nil {
		return nil, &ExchangeError{Class: ExchangeErrHTTP, Provider: p.Provider, Err: err}
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, &ExchangeError{Class: ExchangeErrHTTP, Provider: p.Provider, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{Class: ExchangeErrHTTP, Provider: p.Provider, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &ExchangeError{
			Class:    ExchangeErrHTTP,
			Provider: p.Provider,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, body),
		}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &ExchangeError{Class: ExchangeErrParse, Provider: p.Provider, Err: err}
	}
	if tokenResp.Error != "" {
		return nil, &ExchangeError{
			Class:    ExchangeErrHTTP,
			Provider: p.Provider,
			Err:      fmt.Errorf("%s: %s", tokenResp.Error, tokenResp.ErrorDesc),
		}
	}
	if tokenResp.AccessToken == "" {
		return nil, &ExchangeError{
			Class:    ExchangeErrParse,
			Provider: p.Provider,
			Err:      fmt.Errorf("response lacks access_token"),
		}
	}

	result := &ExchangeResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
		Raw:          body,
	}
	if tokenResp.ExpiresIn > 0 {
		result.ExpiresAt = x.nowFunc().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()
	}
	return result, nil
}

// buildExchangeRequest is deterministic for a given ExchangeParams.
func buildExchangeRequest(ctx context.Context, spec providerSpec, p ExchangeParams) (*http.Request, error) {
	tokenURL := spec.tokenURL
	if p.TokenURL != "" {
		tokenURL = p.TokenURL
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("provider %q requires a tokenUrl", p.Provider)
	}

	fields := map[string]string{
		"grant_type": "authorization_code",
		"code":       p.Code,
	}
	if p.RedirectURI != "" {
		fields["redirect_uri"] = p.RedirectURI
	}
	if p.CodeVerifier != "" {
		fields["code_verifier"] = p.CodeVerifier
	}
	if !spec.basicAuth {
		fields["client_id"] = p.ClientID
		fields["client_secret"] = p.ClientSecret
	}

	var body string
	contentType := "application/x-www-form-urlencoded"
	if spec.jsonBody {
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if spec.basicAuth {
		req.SetBasicAuth(p.ClientID, p.ClientSecret)
	}
	return req, nil
}
