package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAPIKeyStrategy(t *testing.T) {
	s, err := NewStrategy("api_key", OAuthConfig{APIKey: "key-123"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, err := s.Token(context.Background())
	if err != nil || token != "key-123" {
		t.Fatalf("token = %q, %v", token, err)
	}
	if _, changed := s.CurrentConfig(); changed {
		t.Error("static strategy should never report config changes")
	}
}

func TestNoAuthType(t *testing.T) {
	s, err := NewStrategy("", OAuthConfig{}, nil)
	if err != nil || s != nil {
		t.Fatalf("expected nil strategy, got %v, %v", s, err)
	}
}

func TestUnknownAuthType(t *testing.T) {
	if _, err := NewStrategy("dropbox", OAuthConfig{}, nil); err == nil {
		t.Fatal("expected error for unknown auth type")
	}
}

func TestDynamicURLRequired(t *testing.T) {
	if _, err := NewStrategy("zendesk", OAuthConfig{}, nil); err == nil {
		t.Fatal("zendesk without tokenUrl should be rejected")
	}
	if _, err := NewStrategy("zendesk", OAuthConfig{TokenURL: "https://acme.zendesk.com/oauth/tokens"}, nil); err != nil {
		t.Fatalf("zendesk with tokenUrl: %v", err)
	}
}

func TestOAuthRefreshFormBody(t *testing.T) {
	var gotForm map[string][]string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		r.ParseForm()
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer srv.Close()

	s, err := NewStrategy("google", OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "cs",
		RefreshToken: "rt",
		TokenURL:     srv.URL,
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	token, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "fresh" {
		t.Errorf("token = %q", token)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", gotContentType)
	}
	for key, want := range map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "rt",
		"client_id":     "cid",
		"client_secret": "cs",
	} {
		if len(gotForm[key]) != 1 || gotForm[key][0] != want {
			t.Errorf("form[%s] = %v, want %s", key, gotForm[key], want)
		}
	}

	cfg, changed := s.CurrentConfig()
	if !changed {
		t.Error("refresh should flag the config as changed")
	}
	if cfg.AccessToken != "fresh" || cfg.ExpiresAt == 0 {
		t.Errorf("config = %+v", cfg)
	}
	s.MarkPersisted()
	if _, changed := s.CurrentConfig(); changed {
		t.Error("MarkPersisted should clear the changed flag")
	}
}

func TestOAuthRefreshBasicJSON(t *testing.T) {
	var gotUser, gotPass, gotContentType string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer srv.Close()

	s, err := NewStrategy("notion", OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "cs",
		RefreshToken: "rt",
		TokenURL:     srv.URL,
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	if gotUser != "cid" || gotPass != "cs" {
		t.Errorf("basic auth = %q / %q", gotUser, gotPass)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotBody["refresh_token"] != "rt" {
		t.Errorf("body = %v", gotBody)
	}
	if _, ok := gotBody["client_secret"]; ok {
		t.Error("basic-auth provider must not put client_secret in the body")
	}
}

func TestTokenReusedWithinBuffer(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer srv.Close()

	s, err := NewStrategy("google", OAuthConfig{
		RefreshToken: "rt",
		AccessToken:  "cached",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		TokenURL:     srv.URL,
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	token, err := s.Token(context.Background())
	if err != nil || token != "cached" {
		t.Fatalf("token = %q, %v", token, err)
	}
	if calls != 0 {
		t.Errorf("refresh called %d times for a fresh cached token", calls)
	}

	// Within the five-minute buffer the cached token is stale.
	os := s.(*oauthStrategy)
	os.mu.Lock()
	os.cfg.ExpiresAt = time.Now().Add(time.Minute).UnixMilli()
	os.mu.Unlock()
	token, err = s.Token(context.Background())
	if err != nil || token != "fresh" {
		t.Fatalf("token = %q, %v", token, err)
	}
	if calls != 1 {
		t.Errorf("refresh called %d times", calls)
	}
}

func TestDefaultExpiryApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No expires_in in the response.
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh"})
	}))
	defer srv.Close()

	s, err := NewStrategy("github", OAuthConfig{RefreshToken: "rt", TokenURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	os := s.(*oauthStrategy)
	now := time.UnixMilli(1_700_000_000_000)
	os.nowFunc = func() time.Time { return now }

	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	cfg, _ := s.CurrentConfig()
	want := now.Add(providerSpecs["github"].defaultExpiry).UnixMilli()
	if cfg.ExpiresAt != want {
		t.Errorf("expiresAt = %d, want %d", cfg.ExpiresAt, want)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "rotated",
			"expires_in":    600,
		})
	}))
	defer srv.Close()

	s, err := NewStrategy("figma", OAuthConfig{RefreshToken: "rt", TokenURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	cfg, changed := s.CurrentConfig()
	if !changed || cfg.RefreshToken != "rotated" {
		t.Errorf("config = %+v changed = %v", cfg, changed)
	}
}

func TestRefreshRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(map[string]any{"error": "temporarily_unavailable"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 600})
	}))
	defer srv.Close()

	s, err := NewStrategy("google", OAuthConfig{RefreshToken: "rt", TokenURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	s.(*oauthStrategy).retryBase = time.Millisecond

	token, err := s.Token(context.Background())
	if err != nil || token != "fresh" {
		t.Fatalf("token = %q, %v", token, err)
	}
	if calls != 2 {
		t.Errorf("refresh attempted %d times, want 2", calls)
	}
}

func TestRefreshExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer srv.Close()

	s, err := NewStrategy("google", OAuthConfig{RefreshToken: "rt", TokenURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	s.(*oauthStrategy).retryBase = time.Millisecond

	if _, err := s.Token(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}
	if calls != 3 {
		t.Errorf("refresh attempted %d times, want 3", calls)
	}
}
