// Package capability computes a user's effective capability view: the
// intersection of each server's advertised capabilities with the admin
// permission mask and the user's preference overlay.
package capability

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/petahq/petamcp/internal/model"
)

// Capability kinds used for permission checks.
const (
	KindTool     = "tool"
	KindResource = "resource"
	KindPrompt   = "prompt"
)

// ItemView is one tool, resource, or prompt as the user sees it.
type ItemView struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	DangerLevel string `json:"dangerLevel,omitempty"`
}

// ServerView is the user's effective view of one server.
type ServerView struct {
	ServerID       string              `json:"serverId"`
	ServerName     string              `json:"serverName"`
	Enabled        bool                `json:"enabled"`
	AllowUserInput bool                `json:"allowUserInput"`
	AuthType       string              `json:"authType,omitempty"`
	ConfigTemplate json.RawMessage     `json:"configTemplate,omitempty"`
	Configured     bool                `json:"configured"`
	Status         model.ServerStatus  `json:"status"`
	Tools          map[string]ItemView `json:"tools,omitempty"`
	Resources      map[string]ItemView `json:"resources,omitempty"`
	Prompts        map[string]ItemView `json:"prompts,omitempty"`
}

// View maps serverId to the user's effective view of that server.
type View map[string]*ServerView

// Allows reports whether the view permits one (server, kind, name)
// triple. Disabled servers deny everything they advertise.
func (v View) Allows(serverID, kind, name string) bool {
	sv, ok := v[serverID]
	if !ok || !sv.Enabled {
		return false
	}
	var items map[string]ItemView
	switch kind {
	case KindTool:
		items = sv.Tools
	case KindResource:
		items = sv.Resources
	case KindPrompt:
		items = sv.Prompts
	default:
		return false
	}
	item, ok := items[name]
	return ok && item.Enabled
}

// Pool supplies the live server contexts' snapshots.
type Pool interface {
	Snapshot() []model.ServerSnapshot
}

// Service computes effective capability views against a pool.
type Service struct {
	pool Pool
}

func NewService(pool Pool) *Service {
	return &Service{pool: pool}
}

// EffectiveView derives the user's view of every server they can see.
// Shared contexts are visible to everyone; per-user contexts only to
// their owner. The per-user context wins when both exist.
func (s *Service) EffectiveView(user *model.User) View {
	view := make(View)
	for _, snap := range s.pool.Snapshot() {
		if snap.UserID != "" && snap.UserID != user.ID {
			continue
		}
		if !snap.Server.Enabled {
			continue
		}
		if existing, ok := view[snap.Server.ID]; ok && existing != nil && snap.UserID == "" {
			// A per-user context already produced this entry.
			continue
		}
		view[snap.Server.ID] = buildServerView(user, snap)
	}
	return view
}

func buildServerView(user *model.User, snap model.ServerSnapshot) *ServerView {
	server := snap.Server
	mask, hasMask := user.Permissions[server.ID]
	overlay, hasOverlay := user.Preferences[server.ID]

	enabled := true
	if hasMask && !mask.Enabled {
		enabled = false
	}
	if hasOverlay && !overlay.Enabled {
		enabled = false
	}

	configured := true
	if server.AllowUserInput {
		_, configured = user.LaunchConfigs[server.ID]
	}

	sv := &ServerView{
		ServerID:       server.ID,
		ServerName:     server.Name,
		Enabled:        enabled,
		AllowUserInput: server.AllowUserInput,
		AuthType:       server.AuthType,
		ConfigTemplate: server.ConfigTemplate,
		Configured:     configured,
		Status:         snap.Status,
	}

	if len(snap.Caps.Tools) > 0 {
		sv.Tools = make(map[string]ItemView, len(snap.Caps.Tools))
		for _, t := range snap.Caps.Tools {
			sv.Tools[t.Name] = ItemView{
				Enabled:     enabled && itemEnabled(hasMask, mask.Tools, hasOverlay, overlay.Tools, t.Name),
				Description: t.Description,
				DangerLevel: t.DangerLevel,
			}
		}
	}
	if len(snap.Caps.Resources) > 0 {
		sv.Resources = make(map[string]ItemView, len(snap.Caps.Resources))
		for _, r := range snap.Caps.Resources {
			sv.Resources[r.URI] = ItemView{
				Enabled:     enabled && itemEnabled(hasMask, mask.Resources, hasOverlay, overlay.Resources, r.URI),
				Description: r.Description,
			}
		}
	}
	if len(snap.Caps.Prompts) > 0 {
		sv.Prompts = make(map[string]ItemView, len(snap.Caps.Prompts))
		for _, p := range snap.Caps.Prompts {
			sv.Prompts[p.Name] = ItemView{
				Enabled:     enabled && itemEnabled(hasMask, mask.Prompts, hasOverlay, overlay.Prompts, p.Name),
				Description: p.Description,
			}
		}
	}
	return sv
}

// Diff reports which capability kinds changed between two views.
type Diff struct {
	ToolsChanged     bool
	ResourcesChanged bool
	PromptsChanged   bool
}

// Any reports whether any kind changed.
func (d Diff) Any() bool {
	return d.ToolsChanged || d.ResourcesChanged || d.PromptsChanged
}

// Compare diffs two views by enabled-item membership. Only the set of
// enabled `<serverId>::<name>` pairs counts; description or metadata
// edits never register as a change.
func Compare(old, new View) Diff {
	return Diff{
		ToolsChanged:     !sameEnabledSet(old, new, func(sv *ServerView) map[string]ItemView { return sv.Tools }),
		ResourcesChanged: !sameEnabledSet(old, new, func(sv *ServerView) map[string]ItemView { return sv.Resources }),
		PromptsChanged:   !sameEnabledSet(old, new, func(sv *ServerView) map[string]ItemView { return sv.Prompts }),
	}
}

func sameEnabledSet(old, new View, items func(*ServerView) map[string]ItemView) bool {
	return enabledSet(old, items) == enabledSet(new, items)
}

// enabledSet flattens a view's enabled items of one kind into a
// canonical string for comparison.
func enabledSet(v View, items func(*ServerView) map[string]ItemView) string {
	var keys []string
	for serverID, sv := range v {
		if !sv.Enabled {
			continue
		}
		for name, item := range items(sv) {
			if item.Enabled {
				keys = append(keys, serverID+"::"+name)
			}
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

// itemEnabled applies the admin mask then the user overlay to one
// advertised item. An item absent from a grant map carries no
// restriction; grant entries for items the server does not advertise
// are never consulted.
func itemEnabled(hasMask bool, mask map[string]model.CapabilityGrant, hasOverlay bool, overlay map[string]model.CapabilityGrant, name string) bool {
	if hasMask {
		if g, ok := mask[name]; ok && !g.Enabled {
			return false
		}
	}
	if hasOverlay {
		if g, ok := overlay[name]; ok && !g.Enabled {
			return false
		}
	}
	return true
}
