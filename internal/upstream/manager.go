package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/store"
)

// SubscriberKey is the index key for one server-resource pair.
func SubscriberKey(serverID, uri string) string {
	return serverID + "::" + uri
}

// ManagerConfig configures the server pool.
type ManagerConfig struct {
	Servers store.Servers
	Audit   *audit.Logger
	Log     *slog.Logger

	// StrategyFactory builds the credential strategy for a server. For
	// temporary contexts userConfig carries the user's decrypted launch
	// config; it is empty for shared contexts.
	StrategyFactory func(server *model.Server, userConfig string) (Strategy, error)

	// OnMessage and OnStatus are installed on every context.
	OnMessage func(sc *ServerContext, msg jsonrpc.Message)
	OnStatus  func(sc *ServerContext, old, new model.ServerStatus)

	WakeTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// Manager maintains the pool of server contexts: shared contexts for
// ordinary servers and per-user temporary contexts for allowUserInput
// servers. It also owns the resource-subscription index.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu        sync.Mutex
	shared    map[string]*ServerContext            // serverId → context
	temporary map[string]map[string]*ServerContext // serverId → userId → context

	subMu       sync.Mutex
	subscribers map[string]map[string]struct{} // "<serverId>::<uri>" → sessionIds
}

// NewManager creates an empty pool.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StrategyFactory == nil {
		cfg.StrategyFactory = DefaultStrategyFactory
	}
	return &Manager{
		cfg:         cfg,
		log:         cfg.Log.With("component", "server-manager"),
		shared:      make(map[string]*ServerContext),
		temporary:   make(map[string]map[string]*ServerContext),
		subscribers: make(map[string]map[string]struct{}),
	}
}

// DefaultStrategyFactory decodes the server's launch config (or the
// user's, for temporary contexts) into credential material. A config
// that is not valid JSON yields no strategy: it is an opaque encrypted
// blob this process has no key for.
func DefaultStrategyFactory(server *model.Server, userConfig string) (Strategy, error) {
	raw := server.LaunchConfig
	if userConfig != "" {
		raw = userConfig
	}
	var cfg OAuthConfig
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, nil
		}
	}
	return NewStrategy(server.AuthType, cfg, nil)
}

func (m *Manager) newContext(server *model.Server, userID, userConfig string) (*ServerContext, error) {
	strategy, err := m.cfg.StrategyFactory(server, userConfig)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", server.ID, err)
	}
	return NewServerContext(ContextConfig{
		Server:           server,
		UserID:           userID,
		Strategy:         strategy,
		Audit:            m.cfg.Audit,
		Log:              m.cfg.Log,
		OnMessage:        m.cfg.OnMessage,
		OnStatus:         m.cfg.OnStatus,
		WakeTimeout:      m.cfg.WakeTimeout,
		FailureThreshold: m.cfg.FailureThreshold,
		Cooldown:         m.cfg.Cooldown,
	}), nil
}

// ConnectAllServers connects every enabled shared server and reports
// which came up. allowUserInput servers are skipped: their contexts are
// created per user on configuration.
func (m *Manager) ConnectAllServers(ctx context.Context) (success, failed []string) {
	servers, err := m.cfg.Servers.ListServers(ctx)
	if err != nil {
		m.log.Error("server enumeration failed", "error", err)
		return nil, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, server := range servers {
		if !server.Enabled || server.AllowUserInput {
			continue
		}
		wg.Add(1)
		go func(server *model.Server) {
			defer wg.Done()
			err := m.connectShared(ctx, server)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Error("server connect failed", "server_id", server.ID, "error", err)
				failed = append(failed, server.ID)
				return
			}
			success = append(success, server.ID)
		}(server)
	}
	wg.Wait()
	sort.Strings(success)
	sort.Strings(failed)
	return success, failed
}

func (m *Manager) connectShared(ctx context.Context, server *model.Server) error {
	sc, err := m.newContext(server, "", "")
	if err != nil {
		return err
	}
	if err := sc.Connect(ctx); err != nil {
		// Keep the errored context in the pool so the breaker can probe
		// it on later traffic.
		m.mu.Lock()
		m.shared[server.ID] = sc
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	if prev, ok := m.shared[server.ID]; ok {
		go prev.Close(context.Background())
	}
	m.shared[server.ID] = sc
	m.mu.Unlock()
	return nil
}

// Get resolves the context serving (serverID, userID): the user's
// temporary context when one exists, otherwise the shared one.
func (m *Manager) Get(serverID, userID string) (*ServerContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser, ok := m.temporary[serverID]; ok {
		if sc, ok := byUser[userID]; ok {
			return sc, nil
		}
	}
	if sc, ok := m.shared[serverID]; ok {
		return sc, nil
	}
	return nil, fmt.Errorf("server %s not found", serverID)
}

// Contexts returns every live context, shared first.
func (m *Manager) Contexts() []*ServerContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ServerContext, 0, len(m.shared))
	for _, sc := range m.shared {
		out = append(out, sc)
	}
	for _, byUser := range m.temporary {
		for _, sc := range byUser {
			out = append(out, sc)
		}
	}
	return out
}

// Snapshot captures every pooled context's definition, status, and
// capability cache for capability-view computation.
func (m *Manager) Snapshot() []model.ServerSnapshot {
	contexts := m.Contexts()
	out := make([]model.ServerSnapshot, 0, len(contexts))
	for _, sc := range contexts {
		out = append(out, model.ServerSnapshot{
			Server: sc.Server(),
			UserID: sc.UserID(),
			Status: sc.Status(),
			Caps:   sc.Capabilities(),
		})
	}
	return out
}

// HealthCheck maps every pooled context to its status. Temporary
// contexts are keyed "<serverId>@<userId>".
func (m *Manager) HealthCheck() map[string]model.ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ServerStatus, len(m.shared))
	for id, sc := range m.shared {
		out[id] = sc.Status()
	}
	for id, byUser := range m.temporary {
		for userID, sc := range byUser {
			out[id+"@"+userID] = sc.Status()
		}
	}
	return out
}

// CreateTemporaryServer connects a per-user context for an
// allowUserInput server using the user's decrypted launch config. An
// existing context for the same (server, user) pair is replaced.
func (m *Manager) CreateTemporaryServer(ctx context.Context, userID string, server *model.Server, userConfig string) (*ServerContext, error) {
	if !server.AllowUserInput {
		return nil, fmt.Errorf("server %s does not take per-user configuration", server.ID)
	}
	sc, err := m.newContext(server, userID, userConfig)
	if err != nil {
		return nil, err
	}
	if err := sc.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	byUser, ok := m.temporary[server.ID]
	if !ok {
		byUser = make(map[string]*ServerContext)
		m.temporary[server.ID] = byUser
	}
	prev := byUser[userID]
	byUser[userID] = sc
	m.mu.Unlock()

	if prev != nil {
		go prev.Close(context.Background())
	}
	return sc, nil
}

// CloseTemporaryServer tears down a user's context for a server.
// Closing an absent context is not an error, so unconfigure stays
// idempotent.
func (m *Manager) CloseTemporaryServer(ctx context.Context, serverID, userID string) {
	m.mu.Lock()
	var sc *ServerContext
	if byUser, ok := m.temporary[serverID]; ok {
		sc = byUser[userID]
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(m.temporary, serverID)
		}
	}
	m.mu.Unlock()
	if sc != nil {
		sc.Close(ctx)
	}
}

// CloseUserContexts tears down every temporary context of one user,
// used when the user is disabled or deleted.
func (m *Manager) CloseUserContexts(ctx context.Context, userID string) {
	m.mu.Lock()
	var closing []*ServerContext
	for serverID, byUser := range m.temporary {
		if sc, ok := byUser[userID]; ok {
			closing = append(closing, sc)
			delete(byUser, userID)
			if len(byUser) == 0 {
				delete(m.temporary, serverID)
			}
		}
	}
	m.mu.Unlock()
	for _, sc := range closing {
		sc.Close(ctx)
	}
}

// RestartServer replaces the shared context after an admin edit.
func (m *Manager) RestartServer(ctx context.Context, server *model.Server) error {
	m.mu.Lock()
	prev := m.shared[server.ID]
	delete(m.shared, server.ID)
	m.mu.Unlock()
	if prev != nil {
		prev.Close(ctx)
	}
	if !server.Enabled || server.AllowUserInput {
		return nil
	}
	return m.connectShared(ctx, server)
}

// RemoveServer tears down every context and subscription of a deleted
// server. The store-side purge of user preferences and launch configs
// belongs to the caller's delete path.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) {
	m.mu.Lock()
	var closing []*ServerContext
	if sc, ok := m.shared[serverID]; ok {
		closing = append(closing, sc)
		delete(m.shared, serverID)
	}
	for _, sc := range m.temporary[serverID] {
		closing = append(closing, sc)
	}
	delete(m.temporary, serverID)
	m.mu.Unlock()

	for _, sc := range closing {
		sc.Close(ctx)
	}

	prefix := serverID + "::"
	m.subMu.Lock()
	for key := range m.subscribers {
		if strings.HasPrefix(key, prefix) {
			delete(m.subscribers, key)
		}
	}
	m.subMu.Unlock()
}

// Subscribe registers a session for updates of one resource.
func (m *Manager) Subscribe(serverID, uri, sessionID string) {
	key := SubscriberKey(serverID, uri)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	set, ok := m.subscribers[key]
	if !ok {
		set = make(map[string]struct{})
		m.subscribers[key] = set
	}
	set[sessionID] = struct{}{}
}

// Unsubscribe removes one session's subscription to one resource.
func (m *Manager) Unsubscribe(serverID, uri, sessionID string) {
	key := SubscriberKey(serverID, uri)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if set, ok := m.subscribers[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.subscribers, key)
		}
	}
}

// UnsubscribeSession drops every subscription of a closing session.
func (m *Manager) UnsubscribeSession(sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for key, set := range m.subscribers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.subscribers, key)
		}
	}
}

// GetResourceSubscribers returns the sessions subscribed to a
// "<serverId>::<uri>" key, sorted for deterministic fan-out.
func (m *Manager) GetResourceSubscribers(key string) []string {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	set, ok := m.subscribers[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sessionID := range set {
		out = append(out, sessionID)
	}
	sort.Strings(out)
	return out
}

// Shutdown closes every context in parallel.
func (m *Manager) Shutdown(ctx context.Context) {
	contexts := m.Contexts()
	m.mu.Lock()
	m.shared = make(map[string]*ServerContext)
	m.temporary = make(map[string]map[string]*ServerContext)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sc := range contexts {
		wg.Add(1)
		go func(sc *ServerContext) {
			defer wg.Done()
			sc.Close(ctx)
		}(sc)
	}
	wg.Wait()
}
