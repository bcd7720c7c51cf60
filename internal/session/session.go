// Package session owns the client side of the proxy: one Session per
// authenticated MCP client, its SSE outbound channel, its pending
// reverse-request table, and the store that indexes sessions by id and
// by user.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petahq/petamcp/internal/admission"
	"github.com/petahq/petamcp/internal/capability"
	"github.com/petahq/petamcp/internal/model"
)

// State is the lifecycle state of a session.
type State int

const (
	Initializing State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons surfaced to clients and the audit log.
const (
	ReasonClientRequest = "CLIENT_REQUEST"
	ReasonTimeout       = "SESSION_TIMEOUT"
	ReasonUserDisabled  = "USER_DISABLED"
	ReasonUserExpired   = "USER_EXPIRED"
	ReasonUserDeleted   = "USER_DELETED"
	ReasonShutdown      = "SHUTDOWN"
)

// ErrReverseTimeout marks a reverse request that the client did not
// answer within its budget.
var ErrReverseTimeout = errors.New("reverse request timeout")

// ErrSessionClosed marks operations against a closed session.
var ErrSessionClosed = errors.New("session closed")

// Frame is one SSE event queued for the client.
type Frame struct {
	EventID string
	Data    []byte
}

// outboundBuffer bounds the SSE queue; a full queue drops the stream
// and lets the client resume via Last-Event-ID.
const outboundBuffer = 64

// dedupLimit bounds the per-session broadcast dedup set.
const dedupLimit = 100

// authRefreshInterval is the minimum gap between store reloads of a
// live session's auth context.
const authRefreshInterval = 5 * time.Minute

// pendingReverse is one outstanding server→client request.
type pendingReverse struct {
	ch     chan json.RawMessage
	cancel chan struct{}
}

// Session is one live client connection.
type Session struct {
	ID        string
	UserID    string
	IP        string
	UserAgent string
	CreatedAt time.Time

	mu          sync.Mutex
	state       State
	auth        *admission.AuthContext
	view        capability.View
	lastActive  time.Time
	lastRefresh time.Time
	closeReason string

	// Client-advertised capabilities from the initialize handshake.
	clientRoots       bool
	clientSampling    bool
	clientElicitation bool

	sseConnected bool
	outbound     chan Frame
	sseEpoch     int

	pending map[string]*pendingReverse

	dedupKeys  []string
	dedupIndex map[string]struct{}

	nowFunc func() time.Time
}

// New creates an Active session for an authenticated client.
func New(id string, auth *admission.AuthContext, ip, userAgent string) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		UserID:      auth.UserID,
		IP:          ip,
		UserAgent:   userAgent,
		CreatedAt:   now,
		state:       Active,
		auth:        auth,
		lastActive:  now,
		lastRefresh: now,
		pending:     make(map[string]*pendingReverse),
		dedupIndex:  make(map[string]struct{}),
		nowFunc:     time.Now,
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns the recorded close reason, empty while open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Auth returns the session's auth context snapshot.
func (s *Session) Auth() *admission.AuthContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// SetAuth replaces the auth context after a store refresh.
func (s *Session) SetAuth(auth *admission.AuthContext) {
	s.mu.Lock()
	s.auth = auth
	s.lastRefresh = s.nowFunc()
	s.mu.Unlock()
}

// NeedsAuthRefresh reports whether the periodic store reload is due.
func (s *Session) NeedsAuthRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc().Sub(s.lastRefresh) >= authRefreshInterval
}

// Touch records client activity for the idle sweeper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.nowFunc()
	s.mu.Unlock()
}

// LastActive returns the last activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetView installs the session's effective capability view. Forward
// requests racing an update see either the old or new view whole.
func (s *Session) SetView(view capability.View) {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
}

// View returns the current effective capability view.
func (s *Session) View() capability.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SetClientCapabilities records what the client advertised during
// initialize. Elicitation support is a per-session flag.
func (s *Session) SetClientCapabilities(roots, sampling, elicitation bool) {
	s.mu.Lock()
	s.clientRoots = roots
	s.clientSampling = sampling
	s.clientElicitation = elicitation
	s.mu.Unlock()
}

// ClientSupports reports whether the client can answer one reverse
// request kind: "roots", "sampling", or "elicitation".
func (s *Session) ClientSupports(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "roots":
		return s.clientRoots
	case "sampling":
		return s.clientSampling
	case "elicitation":
		return s.clientElicitation
	}
	return false
}

// AttachSSE opens the outbound channel for one SSE stream and returns
// it with a detach func. A second stream replaces the first.
func (s *Session) AttachSSE() (<-chan Frame, func()) {
	s.mu.Lock()
	if s.outbound != nil {
		close(s.outbound)
	}
	ch := make(chan Frame, outboundBuffer)
	s.outbound = ch
	s.sseConnected = true
	s.sseEpoch++
	epoch := s.sseEpoch
	s.mu.Unlock()

	detach := func() {
		s.mu.Lock()
		if s.sseEpoch == epoch && s.outbound != nil {
			close(s.outbound)
			s.outbound = nil
			s.sseConnected = false
		}
		s.mu.Unlock()
	}
	return ch, detach
}

// SSEConnected reports whether a live SSE stream is attached.
func (s *Session) SSEConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sseConnected
}

// SendEvent queues one frame on the live SSE stream. With no stream
// attached the frame is dropped here; it stays replayable from the
// event store. A full queue drops the stream so the client reconnects
// with Last-Event-ID rather than stalling the sender.
func (s *Session) SendEvent(eventID string, data []byte) bool {
	s.mu.Lock()
	ch := s.outbound
	if ch == nil {
		s.mu.Unlock()
		return false
	}
	select {
	case ch <- Frame{EventID: eventID, Data: data}:
		s.mu.Unlock()
		return true
	default:
		close(ch)
		s.outbound = nil
		s.sseConnected = false
		s.mu.Unlock()
		return false
	}
}

// RegisterReverse creates a pending entry for one reverse request.
func (s *Session) RegisterReverse(gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return ErrSessionClosed
	}
	s.pending[gatewayID] = &pendingReverse{
		ch:     make(chan json.RawMessage, 1),
		cancel: make(chan struct{}),
	}
	return nil
}

// AwaitReverse blocks until the client answers, the budget elapses, or
// the session closes.
func (s *Session) AwaitReverse(ctx context.Context, gatewayID string, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	p, ok := s.pending[gatewayID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending reverse request %s", gatewayID)
	}
	defer func() {
		s.mu.Lock()
		delete(s.pending, gatewayID)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case raw := <-p.ch:
		return raw, nil
	case <-timer.C:
		return nil, ErrReverseTimeout
	case <-p.cancel:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveReverse delivers the client's answer to a pending reverse
// request. It reports whether the id was outstanding.
func (s *Session) ResolveReverse(gatewayID string, raw json.RawMessage) bool {
	s.mu.Lock()
	p, ok := s.pending[gatewayID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- raw:
		return true
	default:
		return false
	}
}

// PendingReverseCount reports outstanding reverse requests.
func (s *Session) PendingReverseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SeenBroadcast records a broadcast dedup key and reports whether it
// was already sent on this session. The set keeps the last 100 keys.
func (s *Session) SeenBroadcast(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedupIndex[key]; ok {
		return true
	}
	s.dedupKeys = append(s.dedupKeys, key)
	s.dedupIndex[key] = struct{}{}
	if len(s.dedupKeys) > dedupLimit {
		oldest := s.dedupKeys[0]
		s.dedupKeys = s.dedupKeys[1:]
		delete(s.dedupIndex, oldest)
	}
	return false
}

// Close moves the session to Closed, cancelling pending reverse
// requests and the SSE stream. It is idempotent; the first reason
// sticks.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	s.closeReason = reason
	for _, p := range s.pending {
		close(p.cancel)
	}
	s.pending = make(map[string]*pendingReverse)
	if s.outbound != nil {
		close(s.outbound)
		s.outbound = nil
	}
	s.sseConnected = false
	s.state = Closed
	s.mu.Unlock()
}

// Snapshot is the session summary shown on the control-plane channel.
type Snapshot struct {
	SessionID    string           `json:"sessionId"`
	UserID       string           `json:"userId"`
	IP           string           `json:"ip,omitempty"`
	UserAgent    string           `json:"userAgent,omitempty"`
	SSEConnected bool             `json:"sseConnected"`
	CreatedAt    int64            `json:"createdAt"`
	LastActive   int64            `json:"lastActive"`
	State        string           `json:"state"`
	TokenMask    string           `json:"tokenMask,omitempty"`
	Status       model.UserStatus `json:"status,omitempty"`
}

// Snapshot captures the session for online-session listings.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:    s.ID,
		UserID:       s.UserID,
		IP:           s.IP,
		UserAgent:    s.UserAgent,
		SSEConnected: s.sseConnected,
		CreatedAt:    s.CreatedAt.UnixMilli(),
		LastActive:   s.lastActive.UnixMilli(),
		State:        s.state.String(),
	}
	if s.auth != nil {
		snap.TokenMask = s.auth.TokenMask
		snap.Status = s.auth.Status
	}
	return snap
}
