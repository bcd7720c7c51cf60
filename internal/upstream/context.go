package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/circuit"
	"github.com/petahq/petamcp/internal/model"
)

const (
	defaultWakeTimeout      = 30 * time.Second
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second

	clientName    = "petamcp"
	clientVersion = "1.0.0"
)

// ContextConfig configures one server context.
type ContextConfig struct {
	Server   *model.Server
	UserID   string // non-empty only for per-user (allowUserInput) contexts
	Strategy Strategy
	Audit    *audit.Logger
	Log      *slog.Logger

	// OnMessage receives server-originated traffic: reverse requests
	// and notifications. list_changed notifications refresh the
	// capability cache before they are forwarded.
	OnMessage func(sc *ServerContext, msg jsonrpc.Message)
	// OnStatus observes status transitions.
	OnStatus func(sc *ServerContext, old, new model.ServerStatus)

	WakeTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// ServerContext owns one upstream MCP connection: its client, status
// machine, capability cache, and breaker.
type ServerContext struct {
	server      *model.Server
	userID      string
	strategy    Strategy
	client      *Client
	breaker     *circuit.Breaker
	aud         *audit.Logger
	log         *slog.Logger
	onMessage   func(sc *ServerContext, msg jsonrpc.Message)
	onStatus    func(sc *ServerContext, old, new model.ServerStatus)
	wakeTimeout time.Duration

	mu     sync.Mutex
	status model.ServerStatus
	caps   model.Capabilities

	listenCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewServerContext creates a context in the Connecting state. Connect
// must be called before traffic flows.
func NewServerContext(cfg ContextConfig) *ServerContext {
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = defaultWakeTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	sc := &ServerContext{
		server:      cfg.Server,
		userID:      cfg.UserID,
		strategy:    cfg.Strategy,
		breaker:     circuit.New(cfg.Server.ID, cfg.FailureThreshold, cfg.Cooldown),
		aud:         cfg.Audit,
		log:         cfg.Log.With("component", "server-context", "server_id", cfg.Server.ID),
		onMessage:   cfg.OnMessage,
		onStatus:    cfg.OnStatus,
		wakeTimeout: cfg.WakeTimeout,
		status:      model.ServerConnecting,
	}
	sc.client = NewClient(cfg.Server.ID, cfg.Server.URL, cfg.Strategy, sc.handleMessage, cfg.Log)
	return sc
}

// ServerID returns the server definition's id.
func (sc *ServerContext) ServerID() string { return sc.server.ID }

// UserID returns the owning user for per-user contexts, empty for
// shared ones.
func (sc *ServerContext) UserID() string { return sc.userID }

// Server returns the server definition.
func (sc *ServerContext) Server() *model.Server { return sc.server }

// Status returns the current connection status.
func (sc *ServerContext) Status() model.ServerStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.status
}

// Capabilities returns a copy of the cached advertised capability set.
func (sc *ServerContext) Capabilities() model.Capabilities {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.caps
}

// Strategy returns the credential strategy, nil for anonymous servers.
func (sc *ServerContext) Strategy() Strategy { return sc.strategy }

// BreakerStats exposes the breaker for health reporting.
func (sc *ServerContext) BreakerStats() circuit.Stats { return sc.breaker.Stats() }

func (sc *ServerContext) setStatus(next model.ServerStatus) {
	sc.mu.Lock()
	prev := sc.status
	if prev == next {
		sc.mu.Unlock()
		return
	}
	sc.status = next
	sc.mu.Unlock()

	sc.log.Info("server status changed", "from", string(prev), "to", string(next))
	if sc.aud != nil {
		sc.aud.Log(audit.Entry{
			Action:           audit.ActionServerStatusChange,
			ServerID:         sc.server.ID,
			UserID:           sc.userID,
			UniformRequestID: uuid.NewString(),
			RequestParams:    fmt.Sprintf(`{"from":%q,"to":%q}`, prev, next),
		})
	}
	if sc.onStatus != nil {
		sc.onStatus(sc, prev, next)
	}
}

// Connect performs the MCP handshake, loads the capability cache, and
// starts the standalone listen stream. On failure the context moves to
// Error.
func (sc *ServerContext) Connect(ctx context.Context) error {
	sc.setStatus(model.ServerConnecting)

	result, err := sc.client.Initialize(ctx, clientName, clientVersion)
	if err != nil {
		sc.setStatus(model.ServerError)
		return fmt.Errorf("connect %s: %w", sc.server.ID, err)
	}
	if err := sc.refreshCapabilities(ctx, result.Capabilities); err != nil {
		sc.setStatus(model.ServerError)
		return fmt.Errorf("load capabilities for %s: %w", sc.server.ID, err)
	}

	sc.startListening()
	sc.setStatus(model.ServerOnline)
	if sc.aud != nil {
		sc.aud.Log(audit.Entry{
			Action:           audit.ActionServerInit,
			ServerID:         sc.server.ID,
			UserID:           sc.userID,
			UniformRequestID: uuid.NewString(),
		})
	}
	return nil
}

func (sc *ServerContext) startListening() {
	sc.stopListening()
	listenCtx, cancel := context.WithCancel(context.Background())
	sc.mu.Lock()
	sc.listenCancel = cancel
	sc.mu.Unlock()

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		backoff := time.Second
		for listenCtx.Err() == nil {
			err := sc.client.Listen(listenCtx)
			if listenCtx.Err() != nil {
				return
			}
			if err == nil {
				// Server does not support the standalone stream or closed
				// it cleanly; nothing more to listen for.
				return
			}
			sc.log.Warn("listen stream failed, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-listenCtx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (sc *ServerContext) stopListening() {
	sc.mu.Lock()
	cancel := sc.listenCancel
	sc.listenCancel = nil
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Call routes one forward JSON-RPC request through this context. A
// Sleeping context is woken first; Error and Offline fail fast.
func (sc *ServerContext) Call(ctx context.Context, method string, params json.RawMessage) (*CallResult, error) {
	switch sc.Status() {
	case model.ServerOnline:
	case model.ServerSleeping:
		wakeCtx, cancel := context.WithTimeout(ctx, sc.wakeTimeout)
		err := sc.Connect(wakeCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("wake %s: %w", sc.server.ID, err)
		}
	case model.ServerError:
		// The breaker below decides whether a probe may pass.
	default:
		return nil, fmt.Errorf("server %s is %s", sc.server.ID, sc.Status())
	}

	if err := sc.breaker.Allow(); err != nil {
		return nil, err
	}

	result, err := sc.client.Call(ctx, method, params)
	if err == ErrSessionLost {
		// One transparent reinitialize, then retry the call.
		if rerr := sc.Connect(ctx); rerr != nil {
			sc.breaker.RecordFailure(rerr)
			return nil, rerr
		}
		result, err = sc.client.Call(ctx, method, params)
	}
	if err != nil {
		sc.breaker.RecordFailure(err)
		if sc.breaker.State() == circuit.Open {
			sc.setStatus(model.ServerError)
		}
		return nil, err
	}
	sc.breaker.RecordSuccess()
	if sc.Status() == model.ServerError {
		sc.setStatus(model.ServerOnline)
	}
	return result, nil
}

// Deliver forwards a pre-encoded message (reverse-request reply or
// synthesized error) to the upstream.
func (sc *ServerContext) Deliver(ctx context.Context, raw json.RawMessage) error {
	return sc.client.Deliver(ctx, raw)
}

// Sleep parks an idle context. The upstream session is kept; the next
// Call wakes it with a fresh handshake.
func (sc *ServerContext) Sleep() {
	sc.stopListening()
	sc.setStatus(model.ServerSleeping)
}

// Close terminates the upstream session and moves to Offline.
func (sc *ServerContext) Close(ctx context.Context) {
	sc.stopListening()
	if err := sc.client.Close(ctx); err != nil {
		sc.log.Warn("session termination failed", "error", err)
	}
	sc.wg.Wait()
	sc.setStatus(model.ServerOffline)
	if sc.aud != nil {
		sc.aud.Log(audit.Entry{
			Action:           audit.ActionServerClose,
			ServerID:         sc.server.ID,
			UserID:           sc.userID,
			UniformRequestID: uuid.NewString(),
		})
	}
}

// handleMessage receives server-originated traffic from the client.
// list_changed notifications refresh the capability cache before being
// forwarded so downstream views never lag the broadcast.
func (sc *ServerContext) handleMessage(msg jsonrpc.Message) {
	if req, ok := msg.(*jsonrpc.Request); ok {
		switch req.Method {
		case "notifications/tools/list_changed",
			"notifications/resources/list_changed",
			"notifications/prompts/list_changed":
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := sc.refreshCapabilities(ctx, nil); err != nil {
				sc.log.Warn("capability refresh failed", "method", req.Method, "error", err)
			}
			cancel()
		}
	}
	if sc.onMessage != nil {
		sc.onMessage(sc, msg)
	}
}

// wireTool carries the dangerLevel annotation some servers put in _meta.
type wireTool struct {
	model.Tool
	Meta struct {
		DangerLevel string `json:"dangerLevel"`
	} `json:"_meta"`
}

// refreshCapabilities reloads the advertised capability set. When
// serverCaps is non-nil only the advertised kinds are listed; nil
// re-lists every kind currently cached plus tools.
func (sc *ServerContext) refreshCapabilities(ctx context.Context, serverCaps *mcp.ServerCapabilities) error {
	var caps model.Capabilities

	listTools := serverCaps == nil || serverCaps.Tools != nil
	listResources := serverCaps == nil || serverCaps.Resources != nil
	listPrompts := serverCaps == nil || serverCaps.Prompts != nil

	if listTools {
		var cursor string
		for {
			var page struct {
				Tools      []wireTool `json:"tools"`
				NextCursor string     `json:"nextCursor"`
			}
			if err := sc.list(ctx, "tools/list", cursor, &page); err != nil {
				return err
			}
			for _, wt := range page.Tools {
				t := wt.Tool
				if t.DangerLevel == "" {
					t.DangerLevel = wt.Meta.DangerLevel
				}
				caps.Tools = append(caps.Tools, t)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}

	if listResources {
		var cursor string
		for {
			var page struct {
				Resources  []model.Resource `json:"resources"`
				NextCursor string           `json:"nextCursor"`
			}
			if err := sc.list(ctx, "resources/list", cursor, &page); err != nil {
				break // resources are optional even when advertised
			}
			caps.Resources = append(caps.Resources, page.Resources...)
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		var tmpl struct {
			ResourceTemplates []model.ResourceTemplate `json:"resourceTemplates"`
		}
		if err := sc.list(ctx, "resources/templates/list", "", &tmpl); err == nil {
			caps.ResourceTemplates = tmpl.ResourceTemplates
		}
	}

	if listPrompts {
		var cursor string
		for {
			var page struct {
				Prompts    []model.Prompt `json:"prompts"`
				NextCursor string         `json:"nextCursor"`
			}
			if err := sc.list(ctx, "prompts/list", cursor, &page); err != nil {
				break
			}
			caps.Prompts = append(caps.Prompts, page.Prompts...)
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}

	sc.mu.Lock()
	sc.caps = caps
	sc.mu.Unlock()
	return nil
}

func (sc *ServerContext) list(ctx context.Context, method, cursor string, out any) error {
	params := json.RawMessage(`{}`)
	if cursor != "" {
		encoded, err := json.Marshal(map[string]string{"cursor": cursor})
		if err != nil {
			return err
		}
		params = encoded
	}
	result, err := sc.client.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result.Err != nil {
		return result.Err
	}
	return json.Unmarshal(result.Result, out)
}
