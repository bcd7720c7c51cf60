package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/session"
	"github.com/petahq/petamcp/internal/upstream"
)

// deliverTimeout bounds the upstream write that settles a reverse
// request.
const deliverTimeout = 10 * time.Second

type reverseSpec struct {
	kind      string
	clientCap string
	action    audit.Action
	timeout   func(Timeouts) time.Duration
}

var reverseSpecs = map[string]reverseSpec{
	"sampling/createMessage": {
		kind:      "sampling",
		clientCap: "sampling",
		action:    audit.ActionReverseSampling,
		timeout:   func(t Timeouts) time.Duration { return t.Sampling },
	},
	"roots/list": {
		kind:      "roots",
		clientCap: "roots",
		action:    audit.ActionReverseRoots,
		timeout:   func(t Timeouts) time.Duration { return t.Roots },
	},
	"elicitation/create": {
		kind:      "elicitation",
		clientCap: "elicitation",
		action:    audit.ActionReverseElicitation,
		timeout:   func(t Timeouts) time.Duration { return t.Elicitation },
	},
}

type proxyContext struct {
	ProxyRequestID   string `json:"proxyRequestId"`
	UniformRequestID string `json:"uniformRequestId"`
}

func extractProxyContext(params json.RawMessage) (proxyContext, bool) {
	var env struct {
		Meta struct {
			ProxyContext proxyContext `json:"proxyContext"`
		} `json:"_meta"`
	}
	if len(params) == 0 || json.Unmarshal(params, &env) != nil {
		return proxyContext{}, false
	}
	return env.Meta.ProxyContext, env.Meta.ProxyContext.ProxyRequestID != ""
}

// HandleServerMessage receives server-originated traffic from a server
// context's SSE stream: reverse requests and broadcast notifications.
// Wired as the manager's OnMessage callback.
func (r *Router) HandleServerMessage(target Caller, msg jsonrpc.Message) {
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		r.log.Debug("unsolicited upstream response dropped", "server_id", target.ServerID())
		return
	}
	if req.ID == (jsonrpc.ID{}) {
		r.Broadcast(target.ServerID(), req)
		return
	}
	// Awaiting the client reply can take minutes; never block the
	// upstream read loop on it.
	go r.handleReverse(context.Background(), target, req)
}

func (r *Router) handleReverse(ctx context.Context, target Caller, req *jsonrpc.Request) {
	serverID := target.ServerID()
	spec, ok := reverseSpecs[req.Method]
	if !ok {
		r.deliver(target, encodeError(req.ID, model.CodeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method)))
		return
	}
	pc, ok := extractProxyContext(req.Params)
	if !ok {
		r.deliver(target, encodeError(req.ID, model.CodeInvalidRequest, "missing _meta.proxyContext"))
		return
	}
	sessionID, _, ok := model.SplitProxyRequestID(pc.ProxyRequestID)
	if !ok {
		r.deliver(target, encodeError(req.ID, model.CodeInvalidRequest, "malformed proxyRequestId"))
		return
	}
	sess := r.sessions.Get(sessionID)
	if sess == nil {
		r.deliver(target, encodeError(req.ID, model.CodeInvalidRequest, fmt.Sprintf("no such session: %s", sessionID)))
		return
	}
	if !sess.ClientSupports(spec.clientCap) {
		r.deliver(target, encodeError(req.ID, model.CodeInvalidRequest, fmt.Sprintf("client does not support %s", spec.kind)))
		return
	}

	now := r.nowFunc()
	gatewayID := model.NewUniformRequestID(sess.ID, now)
	if err := sess.RegisterReverse(gatewayID); err != nil {
		r.deliver(target, encodeError(req.ID, model.CodeInternalError, "session closing"))
		return
	}

	outbound, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: gatewayID, Method: req.Method, Params: req.Params})
	if err != nil {
		r.deliver(target, encodeError(req.ID, model.CodeInternalError, "encode reverse request"))
		return
	}

	upstreamID, _ := json.Marshal(req.ID)
	auth := sess.Auth()
	r.aud.Log(audit.Entry{
		Action:                 spec.action,
		UserID:                 sess.UserID,
		ServerID:               serverID,
		SessionID:              sess.ID,
		UpstreamRequestID:      string(upstreamID),
		UniformRequestID:       gatewayID,
		ParentUniformRequestID: pc.UniformRequestID,
		TokenMask:              auth.TokenMask,
		RequestParams:          string(req.Params),
		CreatedAt:              now.UnixMilli(),
	})

	eventID := r.events.Append(sess.ID, req.Method, outbound)
	sess.SendEvent(eventID, outbound)

	timeout := spec.timeout(r.timeouts)
	raw, err := sess.AwaitReverse(ctx, gatewayID, timeout)

	entry := audit.Entry{
		Action:                 audit.ActionReverseResponse,
		UserID:                 sess.UserID,
		ServerID:               serverID,
		SessionID:              sess.ID,
		UniformRequestID:       gatewayID,
		ParentUniformRequestID: pc.UniformRequestID,
		DurationMs:             r.nowFunc().Sub(now).Milliseconds(),
		CreatedAt:              r.nowFunc().UnixMilli(),
	}
	switch {
	case errors.Is(err, session.ErrReverseTimeout):
		msg := fmt.Sprintf("Reverse request timeout: %s exceeded %dms", spec.kind, timeout.Milliseconds())
		entry.Action = audit.ActionReverseTimeout
		entry.Error = msg
		entry.StatusCode = 500
		r.aud.Log(entry)
		r.deliver(target, encodeError(req.ID, model.CodeInternalError, msg))
	case err != nil:
		entry.Error = err.Error()
		entry.StatusCode = 500
		r.aud.Log(entry)
		r.deliver(target, encodeError(req.ID, model.CodeInternalError, fmt.Sprintf("reverse request aborted: %v", err)))
	default:
		var reply struct {
			Result json.RawMessage    `json:"result"`
			Error  *upstream.RPCError `json:"error"`
		}
		if jerr := json.Unmarshal(raw, &reply); jerr != nil {
			entry.Error = jerr.Error()
			entry.StatusCode = 500
			r.aud.Log(entry)
			r.deliver(target, encodeError(req.ID, model.CodeInternalError, "malformed client reply"))
			return
		}
		body, merr := json.Marshal(response{JSONRPC: "2.0", ID: req.ID.Raw(), Result: reply.Result, Error: reply.Error})
		if merr != nil {
			entry.Error = merr.Error()
			entry.StatusCode = 500
			r.aud.Log(entry)
			return
		}
		if reply.Error != nil {
			errJSON, _ := json.Marshal(reply.Error)
			entry.Error = string(errJSON)
			entry.StatusCode = 500
		} else {
			entry.ResponseResult = string(reply.Result)
			entry.StatusCode = 200
		}
		r.aud.Log(entry)
		r.deliver(target, body)
	}
}

func (r *Router) deliver(target Caller, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := target.Deliver(ctx, body); err != nil {
		r.log.Warn("deliver to upstream failed", "server_id", target.ServerID(), "error", err)
	}
}
