// Package model defines the gateway's core records: users, upstream
// server definitions, the proxy singleton, capability metadata, and
// the identifier formats shared across components.
package model

import (
	"encoding/json"
	"time"
)

// Role is the coarse authorization tier of a user.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// IsAdmin reports whether the role may mutate other users and servers.
func (r Role) IsAdmin() bool { return r == RoleOwner || r == RoleAdmin }

// UserStatus is the lifecycle state of a user record.
type UserStatus string

const (
	StatusEnabled   UserStatus = "enabled"
	StatusDisabled  UserStatus = "disabled"
	StatusPending   UserStatus = "pending"
	StatusSuspended UserStatus = "suspended"
)

// User is an authenticated principal.
type User struct {
	ID          string     `json:"userId"`
	Role        Role       `json:"role"`
	Status      UserStatus `json:"status"`
	Permissions GrantSet   `json:"permissions,omitempty"`
	Preferences GrantSet   `json:"userPreferences,omitempty"`
	// PermissionsRaw and PreferencesRaw carry the stored blobs verbatim.
	// Admission re-validates them on every authentication.
	PermissionsRaw json.RawMessage `json:"-"`
	PreferencesRaw json.RawMessage `json:"-"`
	// LaunchConfigs maps serverId to the user's encrypted per-server
	// configuration blob. The gateway never decrypts these.
	LaunchConfigs map[string]string `json:"launchConfigs,omitempty"`
	// ExpiresAt is a unix-millis deadline; 0 means no expiry.
	ExpiresAt int64 `json:"expiresAt"`
	// RateLimit is requests per minute; 0 falls back to the configured default.
	RateLimit int   `json:"rateLimit"`
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Expired reports whether the user's expiry deadline has passed.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt > 0 && now.UnixMilli() > u.ExpiresAt
}

// Server is the definition of one upstream MCP server.
type Server struct {
	ID      string `json:"serverId"`
	Name    string `json:"serverName"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
	// AuthType selects the credential strategy: "", "api_key", or an
	// OAuth provider name (google, notion, figma, github, stripe,
	// zendesk, canvas, peta).
	AuthType string `json:"authType,omitempty"`
	// AllowUserInput marks servers that expect per-user credentials;
	// their contexts are created per user rather than shared.
	AllowUserInput bool `json:"allowUserInput"`
	// ConfigTemplate is the placeholder scheme users fill in when the
	// server expects per-user secrets.
	ConfigTemplate json.RawMessage `json:"configTemplate,omitempty"`
	// LaunchConfig is the encrypted shared configuration blob.
	LaunchConfig string `json:"launchConfig,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Proxy is the singleton gateway metadata record.
type Proxy struct {
	Name            string `json:"name"`
	ProxyKey        string `json:"proxyKey"`
	LogWebhookURL   string `json:"logWebhookUrl,omitempty"`
	LastSyncedLogID int64  `json:"lastSyncedLogId"`
}

// ServerStatus is the connection state of a server context.
type ServerStatus string

const (
	ServerConnecting ServerStatus = "connecting"
	ServerOnline     ServerStatus = "online"
	ServerOffline    ServerStatus = "offline"
	ServerError      ServerStatus = "error"
	ServerSleeping   ServerStatus = "sleeping"
)

// Tool is one advertised tool of an upstream server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	DangerLevel string          `json:"dangerLevel,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is one advertised resource of an upstream server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is one advertised resource template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Prompt is one advertised prompt of an upstream server.
type Prompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// Capabilities is the cached advertised capability set of a server.
type Capabilities struct {
	Tools             []Tool             `json:"tools,omitempty"`
	Resources         []Resource         `json:"resources,omitempty"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates,omitempty"`
	Prompts           []Prompt           `json:"prompts,omitempty"`
}

// ServerSnapshot is a point-in-time view of one pooled server context:
// its definition, owner (empty for shared contexts), status, and
// advertised capability set.
type ServerSnapshot struct {
	Server *Server
	UserID string
	Status ServerStatus
	Caps   Capabilities
}

// Event is one JSON-RPC message recorded on a session stream.
type Event struct {
	ID          string `json:"eventId"`
	StreamID    string `json:"streamId"`
	SessionID   string `json:"sessionId"`
	MessageType string `json:"messageType"` // method name or "response"
	MessageData []byte `json:"messageData"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// WhitelistEntry is one admitted IP or CIDR range.
type WhitelistEntry struct {
	CIDR      string `json:"cidr"`
	Note      string `json:"note,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}
