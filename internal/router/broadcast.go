package router

import (
	"encoding/json"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/session"
)

var listChangedMethods = map[string]struct{}{
	"notifications/tools/list_changed":     {},
	"notifications/resources/list_changed": {},
	"notifications/prompts/list_changed":   {},
}

// Broadcast fans one server-originated notification out to client
// sessions: list-changed to every session with access to the server,
// resource-updated only to subscribed sessions, and request-scoped
// notifications (progress, logging) to their originating session.
func (r *Router) Broadcast(serverID string, req *jsonrpc.Request) {
	if _, ok := listChangedMethods[req.Method]; ok {
		r.fanOutListChanged(serverID, req.Method)
		return
	}
	if req.Method == "notifications/resources/updated" {
		r.fanOutResourceUpdated(serverID, req.Params)
		return
	}
	if pc, ok := extractProxyContext(req.Params); ok {
		r.forwardToOrigin(pc, req)
		return
	}
	r.log.Debug("unroutable upstream notification dropped", "server_id", serverID, "method", req.Method)
}

// fanOutListChanged pushes one list-changed notification to every
// session whose user can see the server. A session holding both the
// shared and a temporary context of the same server would otherwise
// receive the burst twice; the dedup key folds deliveries within the
// same second.
func (r *Router) fanOutListChanged(serverID, method string) {
	key := serverID + serverPrefixSep + method + serverPrefixSep + strconv.FormatInt(r.nowFunc().Unix(), 10)
	body := encodeNotification(method, nil)
	for _, sess := range r.sessions.All() {
		sv, ok := sess.View()[serverID]
		if !ok || !sv.Enabled {
			continue
		}
		if sess.SeenBroadcast(key) {
			continue
		}
		eventID := r.events.Append(sess.ID, method, body)
		sess.SendEvent(eventID, body)
	}
}

func (r *Router) fanOutResourceUpdated(serverID string, params json.RawMessage) {
	var p struct {
		URI string `json:"uri"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil || p.URI == "" {
		r.log.Debug("resource update without uri dropped", "server_id", serverID)
		return
	}
	outParams, _ := json.Marshal(map[string]string{"uri": joinPrefixed(serverID, p.URI)})
	body := encodeNotification("notifications/resources/updated", outParams)
	for _, sessionID := range r.pool.GetResourceSubscribers(serverID, p.URI) {
		sess := r.sessions.Get(sessionID)
		if sess == nil {
			continue
		}
		eventID := r.events.Append(sess.ID, "notifications/resources/updated", body)
		sess.SendEvent(eventID, body)
	}
}

// forwardToOrigin routes a request-scoped notification back to the
// session that issued the forward request it belongs to.
func (r *Router) forwardToOrigin(pc proxyContext, req *jsonrpc.Request) {
	sessionID, _, ok := model.SplitProxyRequestID(pc.ProxyRequestID)
	if !ok {
		return
	}
	sess := r.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	body := encodeNotification(req.Method, req.Params)
	eventID := r.events.Append(sess.ID, req.Method, body)
	sess.SendEvent(eventID, body)
}

// NotifyViewChanged emits the list-changed notifications produced by a
// permission edit on one live session.
func (r *Router) NotifyViewChanged(sess *session.Session, tools, resources, prompts bool) {
	if sess == nil || sess.State() != session.Active {
		return
	}
	send := func(method string) {
		body := encodeNotification(method, nil)
		eventID := r.events.Append(sess.ID, method, body)
		sess.SendEvent(eventID, body)
	}
	if tools {
		send("notifications/tools/list_changed")
	}
	if resources {
		send("notifications/resources/list_changed")
	}
	if prompts {
		send("notifications/prompts/list_changed")
	}
}
