package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/petahq/petamcp/internal/admission"
	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/capability"
	"github.com/petahq/petamcp/internal/config"
	"github.com/petahq/petamcp/internal/metrics"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/session"
)

type fakeIPFilter struct {
	denied map[string]bool
}

func (f *fakeIPFilter) Allow(_ context.Context, ip string) bool { return !f.denied[ip] }

type fakeAuth struct {
	tokens map[string]*admission.AuthContext
}

func (f *fakeAuth) Authenticate(_ context.Context, token string) (*admission.AuthContext, *admission.Error) {
	if auth, ok := f.tokens[token]; ok {
		return auth, nil
	}
	return nil, &admission.Error{
		Code:       "InvalidToken",
		HTTPStatus: http.StatusUnauthorized,
		RPCCode:    model.CodeConnectionClosed,
		Message:    "invalid token",
	}
}

type fakeRate struct {
	decision admission.Decision
}

func (f *fakeRate) Check(string, int) admission.Decision { return f.decision }

type fakeRouter struct {
	forwarded []*jsonrpc.Request
	replies   [][]byte
	respBody  []byte
}

func (f *fakeRouter) Forward(_ context.Context, sess *session.Session, req *jsonrpc.Request) (string, []byte) {
	if req.ID == (jsonrpc.ID{}) {
		return "", nil
	}
	f.forwarded = append(f.forwarded, req)
	return "ev1", f.respBody
}

func (f *fakeRouter) HandleClientReply(sess *session.Session, raw json.RawMessage) bool {
	f.replies = append(f.replies, append([]byte(nil), raw...))
	return true
}

type replayEvent struct {
	id   string
	data string
}

type fakeReplayer struct {
	events []replayEvent
	asked  []string
}

func (f *fakeReplayer) ReplayAfter(_ context.Context, lastEventID string, send func(string, []byte) error) error {
	f.asked = append(f.asked, lastEventID)
	for _, ev := range f.events {
		if err := send(ev.id, []byte(ev.data)); err != nil {
			return err
		}
	}
	return nil
}

type fakeCaps struct{}

func (fakeCaps) EffectiveView(*model.User) capability.View {
	return capability.View{
		"github": &capability.ServerView{
			Enabled: true,
			Tools:   map[string]capability.ItemView{"search": {Enabled: true}},
		},
	}
}

type fakeHealth struct{}

func (fakeHealth) HealthCheck() map[string]model.ServerStatus {
	return map[string]model.ServerStatus{"github": model.ServerOnline}
}

type fakeHub struct {
	served []string
}

func (f *fakeHub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	f.served = append(f.served, userID)
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Log(e audit.Entry) { f.entries = append(f.entries, e) }

func (f *fakeAudit) byAction(a audit.Action) []audit.Entry {
	var out []audit.Entry
	for _, e := range f.entries {
		if e.Action == a {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	srv      *Server
	sessions *session.Store
	router   *fakeRouter
	replay   *fakeReplayer
	aud      *fakeAudit
	rate     *fakeRate
	ip       *fakeIPFilter
	hub      *fakeHub
}

const testToken = "tok-u1"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{PublicURL: "http://gw.example"}
	f := &fixture{
		sessions: session.NewStore(0, log),
		router:   &fakeRouter{respBody: []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)},
		replay:   &fakeReplayer{},
		aud:      &fakeAudit{},
		rate:     &fakeRate{decision: admission.Decision{Allowed: true, Limit: 120, Remaining: 119}},
		ip:       &fakeIPFilter{denied: map[string]bool{}},
		hub:      &fakeHub{},
	}
	auth := &fakeAuth{tokens: map[string]*admission.AuthContext{
		testToken: {
			UserID:    "u1",
			TokenMask: "tok-u1…tok-u1",
			Role:      model.RoleUser,
			Status:    model.StatusEnabled,
			RateLimit: 120,
		},
	}}
	f.srv = New(Deps{
		Config:   cfg,
		IPFilter: f.ip,
		Auth:     auth,
		Rate:     f.rate,
		Sessions: f.sessions,
		Router:   f.router,
		Events:   f.replay,
		Caps:     fakeCaps{},
		Health:   fakeHealth{},
		Hub:      f.hub,
		Metrics:  metrics.NewCollector(),
		Audit:    f.aud,
	}, log)
	return f
}

func postMCP(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func initializeSession(t *testing.T, f *fixture) string {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{"sampling":{},"roots":{}},"clientInfo":{"name":"test","version":"0.1"}}}`
	w := postMCP(f.srv.Handler(), body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body %s", w.Code, w.Body.String())
	}
	id := w.Header().Get("Mcp-Session-Id")
	if id == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}
	return id
}

func TestInitializeCreatesSession(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	sess := f.sessions.Get(id)
	if sess == nil {
		t.Fatal("session not stored")
	}
	if !sess.ClientSupports("sampling") || !sess.ClientSupports("roots") || sess.ClientSupports("elicitation") {
		t.Fatal("client capabilities not recorded from initialize params")
	}
	if !sess.View().Allows("github", "tool", "search") {
		t.Fatal("effective view not installed")
	}
	if len(f.aud.byAction(audit.ActionAuthSuccess)) != 1 || len(f.aud.byAction(audit.ActionSessionOpen)) != 1 {
		t.Fatalf("missing audit entries: %+v", f.aud.entries)
	}
}

func TestInitializeEchoesSupportedVersion(t *testing.T) {
	f := newFixture(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`
	w := postMCP(f.srv.Handler(), body, nil)

	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("protocolVersion = %q, want echo", resp.Result.ProtocolVersion)
	}
}

func TestInitializeUnknownVersionFallsBack(t *testing.T) {
	f := newFixture(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`
	w := postMCP(f.srv.Handler(), body, nil)

	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.ProtocolVersion != "2025-11-25" {
		t.Fatalf("protocolVersion = %q, want latest supported", resp.Result.ProtocolVersion)
	}
}

func TestInitializeWithSessionIDRejected(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`
	w := postMCP(f.srv.Handler(), body, map[string]string{"Mcp-Session-Id": id})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if f.sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want the original one only", f.sessions.Len())
	}
}

func TestPostWithoutSessionRejected(t *testing.T) {
	f := newFixture(t)
	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPostUnknownSessionRejected(t *testing.T) {
	f := newFixture(t)
	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": "deadbeef"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPostForwardsToRouter(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	w := postMCP(f.srv.Handler(),
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"github::search"}}`,
		map[string]string{"Mcp-Session-Id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Mcp-Session-Id") != id {
		t.Fatal("response missing session header")
	}
	if !bytes.Equal(w.Body.Bytes(), f.router.respBody) {
		t.Fatalf("body = %s", w.Body.String())
	}
	if len(f.router.forwarded) != 1 || f.router.forwarded[0].Method != "tools/call" {
		t.Fatalf("router saw %+v", f.router.forwarded)
	}
}

func TestPostNotificationAccepted(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{"Mcp-Session-Id": id})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(f.router.forwarded) != 0 {
		t.Fatal("notification should not count as a forwarded request")
	}
}

func TestPostClientReplyAccepted(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","id":"gw-1","result":{"answer":42}}`,
		map[string]string{"Mcp-Session-Id": id})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(f.router.replies) != 1 {
		t.Fatal("reply not handed to router")
	}
}

func TestUnsupportedProtocolHeaderRejected(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": id, "Mcp-Protocol-Version": "2019-01-01"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestIPDenied(t *testing.T) {
	f := newFixture(t)
	f.ip.denied["10.9.9.9"] = true

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "10.9.9.9")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if len(f.aud.byAction(audit.ActionIPRejected)) != 1 {
		t.Fatal("missing IPRejected audit entry")
	}
}

func TestAuthFailureChallenge(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	challenge := w.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, `error="invalid_token"`) ||
		!strings.Contains(challenge, "/.well-known/oauth-protected-resource") {
		t.Fatalf("challenge = %q", challenge)
	}
	if len(f.aud.byAction(audit.ActionAuthFailure)) != 1 {
		t.Fatal("missing AuthFailure audit entry")
	}
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t)
	reset := time.Now().Add(30 * time.Second)
	f.rate.decision = admission.Decision{
		Allowed:    false,
		Limit:      2,
		Remaining:  0,
		ResetAt:    reset,
		RetryAfter: 30 * time.Second,
	}

	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" || w.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("rate headers: %v", w.Header())
	}
	if w.Header().Get("Retry-After") != "30" {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if w.Header().Get("X-RateLimit-Reset") != reset.UTC().Format(time.RFC3339) {
		t.Fatalf("X-RateLimit-Reset = %q", w.Header().Get("X-RateLimit-Reset"))
	}
	if len(f.aud.byAction(audit.ActionAuthRateLimit)) != 1 {
		t.Fatal("missing AuthRateLimit audit entry")
	}
}

func TestDeleteUnknownSessionStill200(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Mcp-Session-Id", "deadbeef")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := `{"jsonrpc":"2.0","result":{"message":"Session terminated or not found"},"id":null}`
	var got, expect map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	json.Unmarshal([]byte(want), &expect)
	if fmt.Sprint(got) != fmt.Sprint(expect) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestDeleteClosesOwnSession(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Mcp-Session-Id", id)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if f.sessions.Get(id) != nil {
		t.Fatal("session should be removed")
	}
}

func TestExpiredUserDisconnectsAllSessions(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	// Expire the user after the session was created.
	fa := f.srv.deps.Auth.(*fakeAuth)
	fa.tokens[testToken].ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	w := postMCP(f.srv.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": id})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if f.sessions.Get(id) != nil {
		t.Fatal("expired user's session should be gone")
	}
}

func TestSSEStreamDeliversFrames(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)
	f.replay.events = []replayEvent{{id: id + "_1000_aaaa", data: `{"jsonrpc":"2.0","id":1,"result":{}}`}}

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", id)
	req.Header.Set("Last-Event-ID", id+"_900_zzzz")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	frame := readSSEFrame(t, reader)
	if !strings.Contains(frame, "id: "+id+"_1000_aaaa") {
		t.Fatalf("replayed frame = %q", frame)
	}

	// Wait for the live stream to attach, then push an event.
	deadline := time.Now().Add(2 * time.Second)
	sess := f.sessions.Get(id)
	for !sess.SSEConnected() {
		if time.Now().After(deadline) {
			t.Fatal("stream never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess.SendEvent(id+"_2000_bbbb", []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	frame = readSSEFrame(t, reader)
	if !strings.Contains(frame, "event: message") || !strings.Contains(frame, "id: "+id+"_2000_bbbb") {
		t.Fatalf("live frame = %q", frame)
	}
	if len(f.replay.asked) != 1 || f.replay.asked[0] != id+"_900_zzzz" {
		t.Fatalf("replay asked = %v", f.replay.asked)
	}
}

func TestSSEForeignLastEventIDIgnored(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", id)
	req.Header.Set("Last-Event-ID", "otherstream_1000_aaaa")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	time.Sleep(50 * time.Millisecond)
	if len(f.replay.asked) != 0 {
		t.Fatalf("foreign Last-Event-ID should not trigger replay: %v", f.replay.asked)
	}
}

// An open stream must end as soon as its session closes, so a server
// drain that closes all sessions first is never pinned by live SSE
// handlers.
func TestSSEStreamEndsWhenSessionCloses(t *testing.T) {
	f := newFixture(t)
	id := initializeSession(t, f)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", id)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	sess := f.sessions.Get(id)
	for !sess.SSEConnected() {
		if time.Now().After(deadline) {
			t.Fatal("stream never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() {
		_, rerr := io.Copy(io.Discard, resp.Body)
		done <- rerr
	}()
	f.sessions.Close(id, session.ReasonShutdown)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after session close")
	}
}

func readSSEFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v (got %q)", err, b.String())
		}
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestWebSocketAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if len(f.hub.served) != 1 || f.hub.served[0] != "u1" {
		t.Fatalf("hub served = %v", f.hub.served)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /ws status = %d", w.Code)
	}
}

func TestWellKnownDocuments(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc["issuer"] != "http://gw.example" {
		t.Fatalf("issuer = %v", doc["issuer"])
	}
	if doc["client_id_metadata_document_supported"] != true {
		t.Fatal("missing client_id_metadata_document_supported")
	}
	scopes, _ := doc["scopes_supported"].([]any)
	if len(scopes) != 3 {
		t.Fatalf("scopes = %v", doc["scopes_supported"])
	}

	req = httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource/mcp", nil)
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc["resource"] != "http://gw.example/mcp" {
		t.Fatalf("resource = %v", doc["resource"])
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	initializeSession(t, f)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	var doc struct {
		Status   string            `json:"status"`
		Sessions int               `json:"sessions"`
		Servers  map[string]string `json:"servers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != "ok" || doc.Sessions != 1 || doc.Servers["github"] != "online" {
		t.Fatalf("healthz = %+v", doc)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "petamcp_uptime_seconds") {
		t.Fatalf("metrics body = %q", w.Body.String())
	}
}
