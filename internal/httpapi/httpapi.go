// Package httpapi is the gateway's wire surface: the /mcp streamable
// HTTP endpoint (POST requests, GET SSE stream, DELETE teardown), the
// control-plane WebSocket at /ws, the OAuth well-known metadata
// documents, and the health and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
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

const (
	serverName    = "petamcp"
	serverVersion = "1.0.0"
)

// supportedProtocolVersions are the MCP protocol revisions the gateway
// negotiates, oldest first.
var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18", "2025-11-25"}

func latestProtocolVersion() string {
	return supportedProtocolVersions[len(supportedProtocolVersions)-1]
}

func protocolVersionSupported(v string) bool {
	for _, s := range supportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// IPFilter admits or rejects a client IP.
type IPFilter interface {
	Allow(ctx context.Context, ip string) bool
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*admission.AuthContext, *admission.Error)
}

// RateLimiter counts requests against a per-user window.
type RateLimiter interface {
	Check(userID string, limit int) admission.Decision
}

// Forwarder is the dataplane entry for client-originated messages.
type Forwarder interface {
	Forward(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (string, []byte)
	HandleClientReply(sess *session.Session, raw json.RawMessage) bool
}

// Replayer replays stored events for SSE resumption.
type Replayer interface {
	ReplayAfter(ctx context.Context, lastEventID string, send func(eventID string, data []byte) error) error
}

// CapabilityService computes a user's effective view.
type CapabilityService interface {
	EffectiveView(user *model.User) capability.View
}

// HealthChecker reports per-server upstream status.
type HealthChecker interface {
	HealthCheck() map[string]model.ServerStatus
}

// ControlHub upgrades authenticated control-plane sockets.
type ControlHub interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

// Auditor receives admission and session lifecycle entries.
type Auditor interface {
	Log(audit.Entry)
}

// Deps are the server's collaborators.
type Deps struct {
	Config   *config.Config
	IPFilter IPFilter
	Auth     Authenticator
	Rate     RateLimiter
	Sessions *session.Store
	Router   Forwarder
	Events   Replayer
	Caps     CapabilityService
	Health   HealthChecker
	Hub      ControlHub
	Metrics  *metrics.Collector
	Audit    Auditor
}

// Server is the HTTP front of the gateway.
type Server struct {
	deps Deps
	log  *slog.Logger

	nowFunc func() time.Time
}

// New creates the HTTP server front.
func New(deps Deps, log *slog.Logger) *Server {
	return &Server{
		deps:    deps,
		log:     log.With("component", "httpapi"),
		nowFunc: time.Now,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", s.handleProtectedResourceMetadata)
	return mux
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.deps.IPFilter.Allow(r.Context(), ip) {
		aerr := admission.ErrIPDenied(ip)
		s.auditAdmission(audit.ActionIPRejected, "", r, aerr)
		s.writeAdmissionError(w, aerr)
		return
	}
	auth, aerr := s.deps.Auth.Authenticate(r.Context(), bearerToken(r))
	if aerr != nil {
		s.auditAdmission(audit.ActionAuthFailure, "", r, aerr)
		s.writeAdmissionError(w, aerr)
		return
	}
	if err := s.deps.Hub.Serve(w, r, auth.UserID); err != nil {
		s.log.Warn("control socket upgrade failed", "user_id", auth.UserID, "error", err)
	}
}

// admit runs the IP, token, and rate-limit checks shared by every /mcp
// method. A non-nil error has already been written to the response.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (*admission.AuthContext, error) {
	ip := clientIP(r)
	if !s.deps.IPFilter.Allow(r.Context(), ip) {
		aerr := admission.ErrIPDenied(ip)
		s.auditAdmission(audit.ActionIPRejected, "", r, aerr)
		s.writeAdmissionError(w, aerr)
		return nil, aerr
	}

	auth, aerr := s.deps.Auth.Authenticate(r.Context(), bearerToken(r))
	if aerr != nil {
		s.auditAdmission(audit.ActionAuthFailure, "", r, aerr)
		s.writeAdmissionError(w, aerr)
		return nil, aerr
	}

	decision := s.deps.Rate.Check(auth.UserID, auth.RateLimit)
	if !decision.Allowed {
		retry := int(decision.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		aerr := admission.ErrRateLimited(retry)
		s.auditAdmission(audit.ActionAuthRateLimit, auth.UserID, r, aerr)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
		s.writeAdmissionError(w, aerr)
		return nil, aerr
	}

	return auth, nil
}

// attachSession resolves the Mcp-Session-Id header against the store,
// enforces user expiry, and refreshes a stale auth snapshot.
func (s *Server) attachSession(w http.ResponseWriter, r *http.Request, auth *admission.AuthContext) (*session.Session, error) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		aerr := admission.ErrInvalidRequest("missing Mcp-Session-Id header")
		s.writeAdmissionError(w, aerr)
		return nil, aerr
	}
	sess := s.deps.Sessions.Get(id)
	if sess == nil || sess.UserID != auth.UserID {
		aerr := admission.ErrInvalidSession(id)
		s.writeAdmissionError(w, aerr)
		return nil, aerr
	}
	if auth.ExpiresAt > 0 && s.nowFunc().UnixMilli() > auth.ExpiresAt {
		s.deps.Sessions.RemoveAllUserSessions(auth.UserID, session.ReasonUserExpired)
		aerr := &admission.Error{Code: "UserExpired", HTTPStatus: http.StatusUnauthorized, RPCCode: model.CodeConnectionClosed, Message: "user access expired"}
		s.writeAdmissionError(w, aerr)
		return nil, aerr
	}
	if sess.NeedsAuthRefresh() {
		sess.SetAuth(auth)
		sess.SetView(s.deps.Caps.EffectiveView(userFromAuth(auth)))
	}
	sess.Touch()
	return sess, nil
}

// userFromAuth rebuilds the user shape the capability service derives
// views from.
func userFromAuth(auth *admission.AuthContext) *model.User {
	return &model.User{
		ID:            auth.UserID,
		Role:          auth.Role,
		Status:        auth.Status,
		Permissions:   auth.Permissions,
		Preferences:   auth.Preferences,
		LaunchConfigs: auth.LaunchConfigs,
		ExpiresAt:     auth.ExpiresAt,
		RateLimit:     auth.RateLimit,
	}
}

func (s *Server) auditAdmission(action audit.Action, userID string, r *http.Request, aerr *admission.Error) {
	s.deps.Audit.Log(audit.Entry{
		Action:           action,
		UserID:           userID,
		UniformRequestID: model.NewEventID("admission", s.nowFunc()),
		IP:               clientIP(r),
		UserAgent:        r.UserAgent(),
		Error:            aerr.Message,
		StatusCode:       aerr.HTTPStatus,
		CreatedAt:        s.nowFunc().UnixMilli(),
	})
}

// writeAdmissionError writes the JSON-RPC error envelope for a rejected
// request, with the WWW-Authenticate challenge on 401/403.
func (s *Server) writeAdmissionError(w http.ResponseWriter, aerr *admission.Error) {
	if aerr.HTTPStatus == http.StatusUnauthorized || aerr.HTTPStatus == http.StatusForbidden {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm=%q, error="invalid_token", error_description=%q, resource_metadata=%q`,
			serverName, aerr.Message, s.deps.Config.PublicURL+"/.well-known/oauth-protected-resource"))
	}
	s.writeRPCError(w, aerr.HTTPStatus, aerr.RPCCode, aerr.Message)
}

func (s *Server) writeRPCError(w http.ResponseWriter, httpStatus, rpcCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": rpcCode, "message": message},
		"id":      nil,
	})
	if err != nil {
		return
	}
	w.Write(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("encode response", "error", err)
	}
}

// bearerToken extracts the Authorization bearer credential, empty when
// absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hasAccept reports whether the Accept header admits the given type.
func hasAccept(header http.Header, value string) bool {
	accept := header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if strings.Contains(part, value) || strings.HasPrefix(part, "*/*") {
			return true
		}
	}
	return false
}
