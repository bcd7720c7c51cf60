package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/petahq/petamcp/internal/admission"
	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/session"
)

// maxBodySize bounds a single POST /mcp body.
const maxBodySize = 10 * 1024 * 1024

// heartbeatInterval paces the SSE keepalive comments.
const heartbeatInterval = 15 * time.Second

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	auth, err := s.admit(w, r)
	if err != nil {
		return
	}
	if v := r.Header.Get("Mcp-Protocol-Version"); v != "" && !protocolVersionSupported(v) {
		s.writeRPCError(w, http.StatusBadRequest, model.CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version: %s", v))
		return
	}

	body, rerr := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if rerr != nil {
		s.writeRPCError(w, http.StatusRequestEntityTooLarge, model.CodeInvalidRequest, "request body too large")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		s.writeRPCError(w, http.StatusBadRequest, model.CodeParseError, "empty body")
		return
	}

	msg, derr := jsonrpc.DecodeMessage(body)
	if derr != nil {
		s.writeRPCError(w, http.StatusBadRequest, model.CodeParseError, "malformed JSON-RPC message")
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Request:
		if m.Method == "initialize" {
			if r.Header.Get("Mcp-Session-Id") != "" {
				s.writeRPCError(w, http.StatusBadRequest, model.CodeInvalidRequest,
					"initialize must not carry a session id")
				return
			}
			s.handleInitialize(w, r, auth, m)
			return
		}
		sess, err := s.attachSession(w, r, auth)
		if err != nil {
			return
		}
		start := s.nowFunc()
		_, respBody := s.deps.Router.Forward(r.Context(), sess, m)
		if respBody == nil {
			// Notification: accepted with no body.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if s.deps.Metrics != nil {
			var outcome struct {
				Error json.RawMessage `json:"error"`
			}
			_ = json.Unmarshal(respBody, &outcome)
			s.deps.Metrics.RecordRequest(targetServer(m.Params), m.Method, s.nowFunc().Sub(start), outcome.Error == nil)
		}
		w.Header().Set("Mcp-Session-Id", sess.ID)
		w.Header().Set("Content-Type", "application/json")
		w.Write(respBody)
	case *jsonrpc.Response:
		sess, err := s.attachSession(w, r, auth)
		if err != nil {
			return
		}
		if !s.deps.Router.HandleClientReply(sess, body) {
			s.log.Debug("client reply matched no pending reverse request", "session_id", sess.ID)
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		s.writeRPCError(w, http.StatusBadRequest, model.CodeInvalidRequest, "unsupported message")
	}
}

// initializeParams is the client half of the MCP handshake.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Roots       *struct{} `json:"roots"`
		Sampling    *struct{} `json:"sampling"`
		Elicitation *struct{} `json:"elicitation"`
	} `json:"capabilities"`
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, auth *admission.AuthContext, req *jsonrpc.Request) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeRPCError(w, http.StatusBadRequest, model.CodeInvalidParams, "malformed initialize params")
			return
		}
	}

	version := params.ProtocolVersion
	if !protocolVersionSupported(version) {
		version = latestProtocolVersion()
	}

	ip := clientIP(r)
	sess := session.New(model.NewSessionID(), auth, ip, r.UserAgent())
	sess.SetClientCapabilities(
		params.Capabilities.Roots != nil,
		params.Capabilities.Sampling != nil,
		params.Capabilities.Elicitation != nil,
	)
	sess.SetView(s.deps.Caps.EffectiveView(userFromAuth(auth)))
	s.deps.Sessions.Add(sess)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSession(true)
	}

	now := s.nowFunc()
	s.deps.Audit.Log(audit.Entry{
		Action:           audit.ActionAuthSuccess,
		UserID:           auth.UserID,
		SessionID:        sess.ID,
		UniformRequestID: model.NewUniformRequestID(sess.ID, now),
		IP:               ip,
		UserAgent:        r.UserAgent(),
		TokenMask:        auth.TokenMask,
		StatusCode:       http.StatusOK,
		CreatedAt:        now.UnixMilli(),
	})
	s.deps.Audit.Log(audit.Entry{
		Action:           audit.ActionSessionOpen,
		UserID:           auth.UserID,
		SessionID:        sess.ID,
		UniformRequestID: model.NewUniformRequestID(sess.ID, now),
		IP:               ip,
		UserAgent:        r.UserAgent(),
		TokenMask:        auth.TokenMask,
		RequestParams:    fmt.Sprintf("client=%s/%s protocol=%s", params.ClientInfo.Name, params.ClientInfo.Version, version),
		StatusCode:       http.StatusOK,
		CreatedAt:        now.UnixMilli(),
	})

	s.log.Info("session opened",
		"session_id", sess.ID,
		"user_id", auth.UserID,
		"client", params.ClientInfo.Name,
		"protocol_version", version)

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": true, "listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{"name": serverName, "version": serverVersion},
	}
	w.Header().Set("Mcp-Session-Id", sess.ID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	auth, err := s.admit(w, r)
	if err != nil {
		return
	}
	if !hasAccept(r.Header, "text/event-stream") {
		s.writeRPCError(w, http.StatusBadRequest, model.CodeInvalidRequest, "Accept must include text/event-stream")
		return
	}
	sess, err := s.attachSession(w, r, auth)
	if err != nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeRPCError(w, http.StatusInternalServerError, model.CodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordStream(true)
		defer s.deps.Metrics.RecordStream(false)
	}

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		streamID, _, ok := model.SplitEventID(lastEventID)
		if ok && streamID == sess.ID {
			err := s.deps.Events.ReplayAfter(r.Context(), lastEventID, func(eventID string, data []byte) error {
				if werr := writeSSE(w, eventID, data); werr != nil {
					return werr
				}
				flusher.Flush()
				return nil
			})
			if err != nil {
				s.log.Warn("event replay aborted", "session_id", sess.ID, "error", err)
				return
			}
		} else {
			s.log.Debug("ignoring foreign Last-Event-ID", "session_id", sess.ID, "last_event_id", lastEventID)
		}
	}

	frames, detach := sess.AttachSSE()
	defer detach()

	s.log.Debug("sse stream attached", "session_id", sess.ID)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("sse stream closed by client", "session_id", sess.ID)
			return
		case <-ticker.C:
			if _, werr := io.WriteString(w, ": ping\n\n"); werr != nil {
				return
			}
			flusher.Flush()
		case frame, open := <-frames:
			if !open {
				// Session closed or the stream was replaced.
				return
			}
			if werr := writeSSE(w, frame.EventID, frame.Data); werr != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDelete terminates the session. Per the MCP spec the response is
// always 200 with the same envelope, even for unknown sessions.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.deps.IPFilter.Allow(r.Context(), ip) {
		if auth, aerr := s.deps.Auth.Authenticate(r.Context(), bearerToken(r)); aerr == nil {
			id := r.Header.Get("Mcp-Session-Id")
			if sess := s.deps.Sessions.Get(id); sess != nil && sess.UserID == auth.UserID {
				s.deps.Sessions.Close(id, session.ReasonClientRequest)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"result":  map[string]any{"message": "Session terminated or not found"},
		"id":      nil,
	})
}

// writeSSE frames one event for the stream.
func writeSSE(w io.Writer, eventID string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: message\nid: %s\ndata: %s\n\n", eventID, data)
	return err
}

// targetServer pulls the aggregation prefix out of a request's name or
// uri param, for metrics labels only.
func targetServer(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return ""
	}
	for _, v := range []string{p.Name, p.URI} {
		if i := bytes.Index([]byte(v), []byte("::")); i > 0 {
			return v[:i]
		}
	}
	return ""
}
