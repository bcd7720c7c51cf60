package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testExchanger(srv *httptest.Server) *Exchanger {
	x := NewExchanger()
	if srv != nil {
		x.client = srv.Client()
	}
	x.nowFunc = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return x
}

func TestExchangeSuccess(t *testing.T) {
	var gotForm map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	x := testExchanger(srv)
	result, err := x.Exchange(context.Background(), ExchangeParams{
		Provider:     "google",
		Code:         "auth-code",
		ClientID:     "cid",
		ClientSecret: "cs",
		RedirectURI:  "https://gw.example/callback",
		CodeVerifier: "verifier",
		TokenURL:     srv.URL,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	for key, want := range map[string]string{
		"grant_type":    "authorization_code",
		"code":          "auth-code",
		"redirect_uri":  "https://gw.example/callback",
		"code_verifier": "verifier",
		"client_id":     "cid",
	} {
		if len(gotForm[key]) != 1 || gotForm[key][0] != want {
			t.Errorf("form[%s] = %v, want %s", key, gotForm[key], want)
		}
	}
	if result.AccessToken != "at" || result.RefreshToken != "rt" || result.ExpiresIn != 3600 {
		t.Errorf("result = %+v", result)
	}
	want := time.UnixMilli(1_700_000_000_000).Add(time.Hour).UnixMilli()
	if result.ExpiresAt != want {
		t.Errorf("expiresAt = %d, want %d", result.ExpiresAt, want)
	}
	if len(result.Raw) == 0 {
		t.Error("raw response body not preserved")
	}
}

func TestExchangeUnknownProvider(t *testing.T) {
	x := testExchanger(nil)
	_, err := x.Exchange(context.Background(), ExchangeParams{Provider: "dropbox"})
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Class != ExchangeErrUnknownProvider {
		t.Fatalf("expected unknown_provider, got %v", err)
	}
}

func TestExchangeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad code", http.StatusBadRequest)
	}))
	defer srv.Close()

	x := testExchanger(srv)
	_, err := x.Exchange(context.Background(), ExchangeParams{Provider: "google", TokenURL: srv.URL})
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Class != ExchangeErrHTTP {
		t.Fatalf("expected http class, got %v", err)
	}
}

func TestExchangeParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	x := testExchanger(srv)
	_, err := x.Exchange(context.Background(), ExchangeParams{Provider: "google", TokenURL: srv.URL})
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Class != ExchangeErrParse {
		t.Fatalf("expected parse class, got %v", err)
	}
}

func TestExchangeDynamicURLRequired(t *testing.T) {
	x := testExchanger(nil)
	_, err := x.Exchange(context.Background(), ExchangeParams{Provider: "canvas", Code: "c"})
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Class != ExchangeErrHTTP {
		t.Fatalf("expected http class for missing tokenUrl, got %v", err)
	}
}

func TestExchangeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant", "error_description": "code expired"})
	}))
	defer srv.Close()

	x := testExchanger(srv)
	_, err := x.Exchange(context.Background(), ExchangeParams{Provider: "google", TokenURL: srv.URL})
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Class != ExchangeErrHTTP {
		t.Fatalf("expected http class for provider error, got %v", err)
	}
}

func TestExchangeBasicJSONProvider(t *testing.T) {
	var gotUser, gotPass string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at"})
	}))
	defer srv.Close()

	x := testExchanger(srv)
	_, err := x.Exchange(context.Background(), ExchangeParams{
		Provider:     "notion",
		Code:         "auth-code",
		ClientID:     "cid",
		ClientSecret: "cs",
		TokenURL:     srv.URL,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if gotUser != "cid" || gotPass != "cs" {
		t.Errorf("basic auth = %q / %q", gotUser, gotPass)
	}
	if gotBody["code"] != "auth-code" || gotBody["grant_type"] != "authorization_code" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestBuildExchangeRequestDeterministic(t *testing.T) {
	p := ExchangeParams{
		Provider:     "google",
		Code:         "c",
		ClientID:     "cid",
		ClientSecret: "cs",
		RedirectURI:  "https://gw.example/cb",
	}
	spec := providerSpecs[p.Provider]

	read := func() (string, string) {
		req, err := buildExchangeRequest(context.Background(), spec, p)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(req.Body)
		return req.URL.String(), string(body)
	}
	url1, body1 := read()
	url2, body2 := read()
	if url1 != url2 || body1 != body2 {
		t.Errorf("exchange request not deterministic:\n%s %s\n%s %s", url1, body1, url2, body2)
	}
}
