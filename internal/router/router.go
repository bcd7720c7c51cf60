// Package router moves JSON-RPC traffic between client sessions and
// upstream server contexts: the forward path (client requests routed by
// the `<serverId>::<name>` aggregation prefix), the reverse path
// (server-initiated sampling, roots, and elicitation requests), and the
// broadcast path (list-changed and resource-updated notifications).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/capability"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/session"
	"github.com/petahq/petamcp/internal/upstream"
)

// serverPrefixSep joins a server ID to a capability name in aggregated
// listings; subscriber keys reuse the same separator.
const serverPrefixSep = "::"

// Caller is the routable surface of one upstream server context.
type Caller interface {
	ServerID() string
	Status() model.ServerStatus
	Call(ctx context.Context, method string, params json.RawMessage) (*upstream.CallResult, error)
	Deliver(ctx context.Context, raw json.RawMessage) error
}

// Pool resolves server contexts and resource subscriptions.
type Pool interface {
	Caller(serverID, userID string) (Caller, bool)
	Snapshot() []model.ServerSnapshot
	Subscribe(serverID, uri, sessionID string)
	Unsubscribe(serverID, uri, sessionID string)
	GetResourceSubscribers(serverID, uri string) []string
}

// Sessions is the session lookup surface the router needs.
type Sessions interface {
	Get(id string) *session.Session
	All() []*session.Session
}

// EventSink records stream-bound messages for SSE replay.
type EventSink interface {
	Append(streamID, messageType string, data []byte) string
}

// Auditor receives one entry per routed message.
type Auditor interface {
	Log(e audit.Entry)
}

// Timeouts are the per-kind reverse-request budgets.
type Timeouts struct {
	Sampling    time.Duration
	Elicitation time.Duration
	Roots       time.Duration
}

// Router wires the three paths together.
type Router struct {
	sessions Sessions
	pool     Pool
	events   EventSink
	aud      Auditor
	log      *slog.Logger
	tracer   trace.Tracer
	timeouts Timeouts

	nowFunc func() time.Time
}

// New creates a router over the given collaborators.
func New(sessions Sessions, pool Pool, events EventSink, aud Auditor, timeouts Timeouts, log *slog.Logger) *Router {
	return &Router{
		sessions: sessions,
		pool:     pool,
		events:   events,
		aud:      aud,
		log:      log.With("component", "router"),
		tracer:   otel.Tracer("petamcp/router"),
		timeouts: timeouts,
		nowFunc:  time.Now,
	}
}

// response is the client-facing JSON-RPC response envelope. The SDK
// does not export its wire error type, so errors are emitted through
// the shared RPCError shape. ID holds jsonrpc.ID.Raw(), since
// jsonrpc.ID itself does not implement json.Marshaler.
type response struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      any                `json:"id"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *upstream.RPCError `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func encodeResult(id jsonrpc.ID, result json.RawMessage) []byte {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(response{JSONRPC: "2.0", ID: id.Raw(), Result: result})
	if err != nil {
		panic(fmt.Sprintf("marshal response: %v", err))
	}
	return data
}

func encodeError(id jsonrpc.ID, code int64, message string) []byte {
	data, err := json.Marshal(response{
		JSONRPC: "2.0",
		ID:      id.Raw(),
		Error:   &upstream.RPCError{Code: code, Message: message},
	})
	if err != nil {
		panic(fmt.Sprintf("marshal error response: %v", err))
	}
	return data
}

func encodeNotification(method string, params json.RawMessage) []byte {
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		panic(fmt.Sprintf("marshal notification: %v", err))
	}
	return data
}

// forwardSpec describes one routed client method.
type forwardSpec struct {
	kind        string
	field       string
	request     audit.Action
	response    audit.Action
	subscribe   bool
	unsubscribe bool
}

var forwardSpecs = map[string]forwardSpec{
	"tools/call":            {kind: capability.KindTool, field: "name", request: audit.ActionRequestTool, response: audit.ActionResponseTool},
	"prompts/get":           {kind: capability.KindPrompt, field: "name", request: audit.ActionRequestPrompt, response: audit.ActionResponsePrompt},
	"resources/read":        {kind: capability.KindResource, field: "uri", request: audit.ActionRequestResource, response: audit.ActionResponseResource},
	"resources/subscribe":   {kind: capability.KindResource, field: "uri", request: audit.ActionRequestResource, response: audit.ActionResponseResource, subscribe: true},
	"resources/unsubscribe": {kind: capability.KindResource, field: "uri", request: audit.ActionRequestResource, response: audit.ActionResponseResource, unsubscribe: true},
}

// Forward handles one client request and returns the encoded response
// together with its event-store ID. Notifications return ("", nil).
func (r *Router) Forward(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (string, []byte) {
	if req.ID == (jsonrpc.ID{}) {
		r.handleClientNotification(sess, req)
		return "", nil
	}

	sess.Touch()
	body := r.dispatch(ctx, sess, req)
	eventID := r.events.Append(sess.ID, "response", body)
	sess.SendEvent(eventID, body)
	return eventID, body
}

func (r *Router) dispatch(ctx context.Context, sess *session.Session, req *jsonrpc.Request) []byte {
	switch req.Method {
	case "ping":
		return encodeResult(req.ID, nil)
	case "tools/list":
		return r.listTools(sess, req.ID)
	case "resources/list":
		return r.listResources(sess, req.ID)
	case "resources/templates/list":
		return r.listResourceTemplates(sess, req.ID)
	case "prompts/list":
		return r.listPrompts(sess, req.ID)
	}

	spec, ok := forwardSpecs[req.Method]
	if !ok {
		return encodeError(req.ID, model.CodeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method))
	}
	return r.call(ctx, sess, req, spec)
}

// call routes one prefixed request to its upstream server.
func (r *Router) call(ctx context.Context, sess *session.Session, req *jsonrpc.Request, spec forwardSpec) []byte {
	var params map[string]any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return encodeError(req.ID, model.CodeInvalidParams, "params must be an object")
		}
	}
	target, _ := params[spec.field].(string)
	serverID, name, ok := splitPrefixed(target)
	if !ok {
		return encodeError(req.ID, model.CodeInvalidParams, fmt.Sprintf("%s must be prefixed with a server id", spec.field))
	}
	if !sess.View().Allows(serverID, spec.kind, name) {
		return encodeError(req.ID, model.CodeInvalidParams, fmt.Sprintf("unknown %s: %s", spec.kind, target))
	}
	caller, ok := r.pool.Caller(serverID, sess.UserID)
	if !ok {
		return encodeError(req.ID, model.CodeInternalError, fmt.Sprintf("server not available: %s", serverID))
	}

	now := r.nowFunc()
	uniformID := model.NewUniformRequestID(sess.ID, now)
	originalID, _ := json.Marshal(req.ID)
	proxyID := model.NewProxyRequestID(sess.ID, string(originalID), now)
	params[spec.field] = name
	stampProxyContext(params, proxyID, uniformID)
	stamped, err := json.Marshal(params)
	if err != nil {
		return encodeError(req.ID, model.CodeInternalError, "encode params")
	}

	auth := sess.Auth()
	r.aud.Log(audit.Entry{
		Action:            spec.request,
		UserID:            sess.UserID,
		ServerID:          serverID,
		SessionID:         sess.ID,
		UpstreamRequestID: string(originalID),
		UniformRequestID:  uniformID,
		IP:                sess.IP,
		UserAgent:         sess.UserAgent,
		TokenMask:         auth.TokenMask,
		RequestParams:     string(stamped),
		CreatedAt:         now.UnixMilli(),
	})

	ctx, span := r.tracer.Start(ctx, "forward "+req.Method, trace.WithAttributes(
		attribute.String("mcp.server_id", serverID),
		attribute.String("mcp.session_id", sess.ID),
		attribute.String("mcp.method", req.Method),
	))
	result, err := caller.Call(ctx, req.Method, stamped)
	span.End()

	entry := audit.Entry{
		Action:           spec.response,
		UserID:           sess.UserID,
		ServerID:         serverID,
		SessionID:        sess.ID,
		UniformRequestID: uniformID,
		DurationMs:       r.nowFunc().Sub(now).Milliseconds(),
		CreatedAt:        r.nowFunc().UnixMilli(),
	}
	var body []byte
	switch {
	case err != nil:
		entry.Error = err.Error()
		entry.StatusCode = 500
		body = encodeError(req.ID, model.CodeInternalError, fmt.Sprintf("upstream %s: %v", serverID, err))
	case result.Err != nil:
		errJSON, _ := json.Marshal(result.Err)
		entry.Error = string(errJSON)
		entry.StatusCode = 500
		body = encodeError(req.ID, result.Err.Code, result.Err.Message)
	default:
		entry.ResponseResult = string(result.Result)
		entry.StatusCode = 200
		body = encodeResult(req.ID, result.Result)
		if spec.subscribe {
			r.pool.Subscribe(serverID, name, sess.ID)
		}
		if spec.unsubscribe {
			r.pool.Unsubscribe(serverID, name, sess.ID)
		}
	}
	r.aud.Log(entry)
	return body
}

func (r *Router) handleClientNotification(sess *session.Session, req *jsonrpc.Request) {
	sess.Touch()
	r.log.Debug("client notification", "session_id", sess.ID, "method", req.Method)
}

// HandleClientReply settles a reverse request with the client's POSTed
// response. It reports whether a pending entry matched.
func (r *Router) HandleClientReply(sess *session.Session, raw json.RawMessage) bool {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	var gatewayID string
	if err := json.Unmarshal(env.ID, &gatewayID); err != nil {
		return false
	}
	sess.Touch()
	return sess.ResolveReverse(gatewayID, raw)
}

func splitPrefixed(s string) (serverID, name string, ok bool) {
	i := strings.Index(s, serverPrefixSep)
	if i <= 0 || i+len(serverPrefixSep) >= len(s) {
		return "", "", false
	}
	return s[:i], s[i+len(serverPrefixSep):], true
}

func joinPrefixed(serverID, name string) string {
	return serverID + serverPrefixSep + name
}

// stampProxyContext merges the routing correlation block into the
// request's `_meta`.
func stampProxyContext(params map[string]any, proxyID, uniformID string) {
	meta, _ := params["_meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["proxyContext"] = map[string]string{
		"proxyRequestId":   proxyID,
		"uniformRequestId": uniformID,
	}
	params["_meta"] = meta
}

// visibleSnapshots returns the pool snapshots this session may see,
// with per-user contexts shadowing shared ones.
func (r *Router) visibleSnapshots(sess *session.Session) []model.ServerSnapshot {
	byServer := make(map[string]model.ServerSnapshot)
	var order []string
	for _, snap := range r.pool.Snapshot() {
		if snap.UserID != "" && snap.UserID != sess.UserID {
			continue
		}
		if prev, ok := byServer[snap.Server.ID]; ok {
			if prev.UserID != "" {
				continue
			}
		} else {
			order = append(order, snap.Server.ID)
		}
		byServer[snap.Server.ID] = snap
	}
	out := make([]model.ServerSnapshot, 0, len(order))
	for _, id := range order {
		out = append(out, byServer[id])
	}
	return out
}

type wireToolMeta struct {
	DangerLevel string `json:"dangerLevel,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Meta        *wireToolMeta   `json:"_meta,omitempty"`
}

func (r *Router) listTools(sess *session.Session, id jsonrpc.ID) []byte {
	view := sess.View()
	tools := make([]wireTool, 0)
	for _, snap := range r.visibleSnapshots(sess) {
		for _, t := range snap.Caps.Tools {
			if !view.Allows(snap.Server.ID, capability.KindTool, t.Name) {
				continue
			}
			wt := wireTool{
				Name:        joinPrefixed(snap.Server.ID, t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			}
			if t.DangerLevel != "" {
				wt.Meta = &wireToolMeta{DangerLevel: t.DangerLevel}
			}
			tools = append(tools, wt)
		}
	}
	result, _ := json.Marshal(map[string]any{"tools": tools})
	return encodeResult(id, result)
}

type wireResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

func (r *Router) listResources(sess *session.Session, id jsonrpc.ID) []byte {
	view := sess.View()
	resources := make([]wireResource, 0)
	for _, snap := range r.visibleSnapshots(sess) {
		for _, res := range snap.Caps.Resources {
			if !view.Allows(snap.Server.ID, capability.KindResource, res.URI) {
				continue
			}
			resources = append(resources, wireResource{
				URI:         joinPrefixed(snap.Server.ID, res.URI),
				Name:        res.Name,
				Description: res.Description,
				MIMEType:    res.MIMEType,
			})
		}
	}
	result, _ := json.Marshal(map[string]any{"resources": resources})
	return encodeResult(id, result)
}

type wireResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

func (r *Router) listResourceTemplates(sess *session.Session, id jsonrpc.ID) []byte {
	view := sess.View()
	templates := make([]wireResourceTemplate, 0)
	for _, snap := range r.visibleSnapshots(sess) {
		sv, ok := view[snap.Server.ID]
		if !ok || !sv.Enabled {
			continue
		}
		for _, tpl := range snap.Caps.ResourceTemplates {
			templates = append(templates, wireResourceTemplate{
				URITemplate: joinPrefixed(snap.Server.ID, tpl.URITemplate),
				Name:        tpl.Name,
				Description: tpl.Description,
				MIMEType:    tpl.MIMEType,
			})
		}
	}
	result, _ := json.Marshal(map[string]any{"resourceTemplates": templates})
	return encodeResult(id, result)
}

type wirePrompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

func (r *Router) listPrompts(sess *session.Session, id jsonrpc.ID) []byte {
	view := sess.View()
	prompts := make([]wirePrompt, 0)
	for _, snap := range r.visibleSnapshots(sess) {
		for _, p := range snap.Caps.Prompts {
			if !view.Allows(snap.Server.ID, capability.KindPrompt, p.Name) {
				continue
			}
			prompts = append(prompts, wirePrompt{
				Name:        joinPrefixed(snap.Server.ID, p.Name),
				Description: p.Description,
				Arguments:   p.Arguments,
			})
		}
	}
	result, _ := json.Marshal(map[string]any{"prompts": prompts})
	return encodeResult(id, result)
}
