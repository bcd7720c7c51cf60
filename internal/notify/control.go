package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petahq/petamcp/internal/capability"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/session"
	"github.com/petahq/petamcp/internal/store"
)

// controlTimeout bounds the store work behind one control operation.
const controlTimeout = 10 * time.Second

// Users is the identity-store slice the hub mutates.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	PutUser(ctx context.Context, u *model.User) error
}

// Servers resolves server definitions for configure operations.
type Servers interface {
	GetServer(ctx context.Context, id string) (*model.Server, error)
}

// Capabilities computes effective views.
type Capabilities interface {
	EffectiveView(user *model.User) capability.View
}

// Sessions lists a user's live MCP sessions.
type Sessions interface {
	UserSessions(userID string) []*session.Session
}

// TempServers manages per-user contexts for allowUserInput servers.
type TempServers interface {
	Create(ctx context.Context, userID string, server *model.Server, userConfig string) error
	Close(ctx context.Context, serverID, userID string)
}

// ViewNotifier pushes list-changed notifications onto live sessions.
type ViewNotifier interface {
	NotifyViewChanged(sess *session.Session, tools, resources, prompts bool)
}

// Deps are the hub's collaborators.
type Deps struct {
	Users    Users
	Servers  Servers
	Caps     Capabilities
	Sessions Sessions
	Temp     TempServers
	Views    ViewNotifier
}

// Device-initiated control actions.
const (
	actionGetCapabilities  = "get_capabilities"
	actionSetCapabilities  = "set_capabilities"
	actionConfigureServer  = "configure_server"
	actionUnconfigure      = "unconfigure_server"
	actionGetOnlineSession = "get_online_sessions"
)

// Reply error codes.
const (
	errCodeInvalidParams = "invalid_params"
	errCodeNotFound      = "not_found"
	errCodeNotAllowed    = "not_allowed"
	errCodeUnknownAction = "unknown_action"
	errCodeInternal      = "internal_error"
)

// errCode classifies a store error for the wire.
func errCode(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return errCodeNotFound
	}
	return errCodeInternal
}

func (h *Hub) reply(msg Message, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		return h.replyErr(msg, errCodeInternal, fmt.Errorf("marshal reply: %w", err))
	}
	ok := true
	return Message{
		RequestID: msg.RequestID,
		Action:    msg.Action,
		Success:   &ok,
		Data:      raw,
		Timestamp: h.nowFunc().UnixMilli(),
	}
}

func (h *Hub) replyErr(msg Message, code string, err error) Message {
	ok := false
	return Message{
		RequestID: msg.RequestID,
		Action:    msg.Action,
		Success:   &ok,
		Error:     &ErrorInfo{Code: code, Message: err.Error()},
		Timestamp: h.nowFunc().UnixMilli(),
	}
}

// handleControl dispatches one device-initiated control operation.
func (h *Hub) handleControl(c *Conn, msg Message) Message {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	switch msg.Action {
	case actionGetCapabilities:
		return h.getCapabilities(ctx, c, msg)
	case actionSetCapabilities:
		return h.setCapabilities(ctx, c, msg)
	case actionConfigureServer:
		return h.configureServer(ctx, c, msg)
	case actionUnconfigure:
		return h.unconfigureServer(ctx, c, msg)
	case actionGetOnlineSession:
		return h.onlineSessions(c, msg)
	default:
		return h.replyErr(msg, errCodeUnknownAction, fmt.Errorf("unknown action: %s", msg.Action))
	}
}

func (h *Hub) getCapabilities(ctx context.Context, c *Conn, msg Message) Message {
	user, err := h.deps.Users.GetUser(ctx, c.userID)
	if err != nil {
		return h.replyErr(msg, errCode(err), fmt.Errorf("load user: %w", err))
	}
	return h.reply(msg, h.deps.Caps.EffectiveView(user))
}

func (h *Hub) setCapabilities(ctx context.Context, c *Conn, msg Message) Message {
	user, err := h.deps.Users.GetUser(ctx, c.userID)
	if err != nil {
		return h.replyErr(msg, errCode(err), fmt.Errorf("load user: %w", err))
	}
	prefs, err := model.ParseGrantSet(msg.Data)
	if err != nil {
		return h.replyErr(msg, errCodeInvalidParams, err)
	}
	oldView := h.deps.Caps.EffectiveView(user)
	user.Preferences = prefs
	user.PreferencesRaw = append(json.RawMessage(nil), msg.Data...)
	user.UpdatedAt = h.nowFunc().UnixMilli()
	if err := h.deps.Users.PutUser(ctx, user); err != nil {
		return h.replyErr(msg, errCodeInternal, fmt.Errorf("save preferences: %w", err))
	}
	newView := h.propagateViewChange(c.userID, user, oldView)
	return h.reply(msg, newView)
}

type serverConfigParams struct {
	ServerID string `json:"serverId"`
	Config   string `json:"config,omitempty"`
}

func (h *Hub) configureServer(ctx context.Context, c *Conn, msg Message) Message {
	var p serverConfigParams
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.ServerID == "" {
		return h.replyErr(msg, errCodeInvalidParams, fmt.Errorf("configure_server needs a serverId"))
	}
	server, err := h.deps.Servers.GetServer(ctx, p.ServerID)
	if err != nil {
		return h.replyErr(msg, errCode(err), fmt.Errorf("load server: %w", err))
	}
	if !server.AllowUserInput {
		return h.replyErr(msg, errCodeNotAllowed, fmt.Errorf("server %s does not accept user configuration", p.ServerID))
	}
	user, err := h.deps.Users.GetUser(ctx, c.userID)
	if err != nil {
		return h.replyErr(msg, errCode(err), fmt.Errorf("load user: %w", err))
	}
	oldView := h.deps.Caps.EffectiveView(user)
	if user.LaunchConfigs == nil {
		user.LaunchConfigs = make(map[string]string)
	}
	user.LaunchConfigs[p.ServerID] = p.Config
	user.UpdatedAt = h.nowFunc().UnixMilli()
	if err := h.deps.Users.PutUser(ctx, user); err != nil {
		return h.replyErr(msg, errCodeInternal, fmt.Errorf("save config: %w", err))
	}
	if err := h.deps.Temp.Create(ctx, c.userID, server, p.Config); err != nil {
		return h.replyErr(msg, errCodeInternal, fmt.Errorf("start server: %w", err))
	}
	newView := h.propagateViewChange(c.userID, user, oldView)
	return h.reply(msg, newView)
}

// unconfigureServer removes a per-user server configuration. It is
// idempotent: a server that was never configured still replies ok.
func (h *Hub) unconfigureServer(ctx context.Context, c *Conn, msg Message) Message {
	var p serverConfigParams
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.ServerID == "" {
		return h.replyErr(msg, errCodeInvalidParams, fmt.Errorf("unconfigure_server needs a serverId"))
	}
	user, err := h.deps.Users.GetUser(ctx, c.userID)
	if err != nil {
		return h.replyErr(msg, errCode(err), fmt.Errorf("load user: %w", err))
	}
	oldView := h.deps.Caps.EffectiveView(user)
	h.deps.Temp.Close(ctx, p.ServerID, c.userID)
	if _, ok := user.LaunchConfigs[p.ServerID]; ok {
		delete(user.LaunchConfigs, p.ServerID)
		user.UpdatedAt = h.nowFunc().UnixMilli()
		if err := h.deps.Users.PutUser(ctx, user); err != nil {
			return h.replyErr(msg, errCodeInternal, fmt.Errorf("save config: %w", err))
		}
	}
	newView := h.propagateViewChange(c.userID, user, oldView)
	return h.reply(msg, newView)
}

func (h *Hub) onlineSessions(c *Conn, msg Message) Message {
	sessions := h.deps.Sessions.UserSessions(c.userID)
	snaps := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return h.reply(msg, map[string]any{"sessions": snaps})
}

// propagateViewChange recomputes the user's effective view, installs it
// on every live session, emits the list-changed notifications the diff
// calls for, and tells the user's other devices.
func (h *Hub) propagateViewChange(userID string, user *model.User, oldView capability.View) capability.View {
	newView := h.deps.Caps.EffectiveView(user)
	diff := capability.Compare(oldView, newView)
	for _, sess := range h.deps.Sessions.UserSessions(userID) {
		sess.SetView(newView)
		if diff.Any() {
			h.deps.Views.NotifyViewChanged(sess, diff.ToolsChanged, diff.ResourcesChanged, diff.PromptsChanged)
		}
	}
	if diff.Any() {
		h.Push(userID, EventPermissionChanged, newView)
	}
	return newView
}

// PushPermissionUpdate applies an externally-edited permission set to a
// user's live sessions and devices, used when an admin edit lands
// through the store rather than this socket.
func (h *Hub) PushPermissionUpdate(ctx context.Context, userID string, oldView capability.View) error {
	user, err := h.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	h.propagateViewChange(userID, user, oldView)
	return nil
}
