// Package serverconfig loads the optional YAML bootstrap file named by
// SERVERS_CONFIG: upstream server definitions, the IP whitelist seed,
// and the proxy singleton metadata. The file is applied to the store
// once at startup; later admin edits live in the database only.
package serverconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/store"
)

// File is the bootstrap document.
type File struct {
	Proxy     ProxySection    `yaml:"proxy"`
	Servers   []ServerEntry   `yaml:"servers"`
	Whitelist []WhitelistSeed `yaml:"whitelist"`
}

// ProxySection seeds the proxy singleton.
type ProxySection struct {
	Name          string `yaml:"name"`
	ProxyKey      string `yaml:"proxyKey"`
	LogWebhookURL string `yaml:"logWebhookUrl"`
}

// ServerEntry defines one upstream MCP server.
type ServerEntry struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	Enabled        *bool  `yaml:"enabled"`
	AuthType       string `yaml:"authType"`
	AllowUserInput bool   `yaml:"allowUserInput"`
	ConfigTemplate string `yaml:"configTemplate"`
	LaunchConfig   string `yaml:"launchConfig"`
}

// WhitelistSeed is one admission rule.
type WhitelistSeed struct {
	CIDR string `yaml:"cidr"`
	Note string `yaml:"note"`
}

// Load reads the bootstrap file. An empty path or a missing file yields
// an empty document.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read bootstrap config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bootstrap config: %w", err)
	}
	return &f, nil
}

// Validate rejects entries the store would choke on.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Servers))
	for i, s := range f.Servers {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("server entry %d: id and url are required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for i, w := range f.Whitelist {
		if w.CIDR == "" {
			return fmt.Errorf("whitelist entry %d: cidr is required", i)
		}
	}
	return nil
}

// Stores is the persistence slice Apply writes to.
type Stores interface {
	store.Servers
	store.Proxies
	store.Whitelist
}

// Apply seeds the store from the document. Existing servers are
// updated in place; the proxy singleton is created only when absent so
// a bootstrap re-run never clobbers the synced log cursor.
func (f *File) Apply(ctx context.Context, db Stores, now time.Time) error {
	if err := f.Validate(); err != nil {
		return err
	}

	for _, entry := range f.Servers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		sv := &model.Server{
			ID:             entry.ID,
			Name:           name,
			URL:            entry.URL,
			Enabled:        enabled,
			AuthType:       entry.AuthType,
			AllowUserInput: entry.AllowUserInput,
			LaunchConfig:   entry.LaunchConfig,
			UpdatedAt:      now.UnixMilli(),
		}
		if entry.ConfigTemplate != "" {
			sv.ConfigTemplate = []byte(entry.ConfigTemplate)
		}
		if existing, err := db.GetServer(ctx, entry.ID); err == nil {
			sv.CreatedAt = existing.CreatedAt
		} else {
			sv.CreatedAt = now.UnixMilli()
		}
		if err := db.PutServer(ctx, sv); err != nil {
			return fmt.Errorf("seed server %s: %w", entry.ID, err)
		}
	}

	for _, seed := range f.Whitelist {
		err := db.AddWhitelist(ctx, model.WhitelistEntry{
			CIDR:      seed.CIDR,
			Note:      seed.Note,
			CreatedAt: now.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("seed whitelist %s: %w", seed.CIDR, err)
		}
	}

	if f.Proxy.Name != "" || f.Proxy.ProxyKey != "" {
		if _, err := db.GetProxy(ctx); err == store.ErrNotFound {
			p := &model.Proxy{
				Name:          f.Proxy.Name,
				ProxyKey:      f.Proxy.ProxyKey,
				LogWebhookURL: f.Proxy.LogWebhookURL,
			}
			if err := db.PutProxy(ctx, p); err != nil {
				return fmt.Errorf("seed proxy: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("read proxy: %w", err)
		}
	}

	return nil
}
