package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the optional YAML file declaring upstream servers, the
// proxy record, and the IP whitelist seed. It is read once at startup.
type Bootstrap struct {
	Proxy     *ProxyDef   `yaml:"proxy,omitempty"`
	Servers   []ServerDef `yaml:"servers"`
	Whitelist []string    `yaml:"whitelist,omitempty"`
}

// ProxyDef identifies this gateway instance toward the control plane.
type ProxyDef struct {
	Name          string `yaml:"name"`
	ProxyKey      string `yaml:"proxy_key"`
	LogWebhookURL string `yaml:"log_webhook_url,omitempty"`
}

// ServerDef declares one upstream MCP server.
type ServerDef struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	URL            string         `yaml:"url"`
	Enabled        *bool          `yaml:"enabled,omitempty"`
	AuthType       string         `yaml:"auth_type,omitempty"` // none, api_key, oauth provider name
	AllowUserInput bool           `yaml:"allow_user_input,omitempty"`
	LaunchConfig   map[string]any `yaml:"launch_config,omitempty"`
}

// LoadBootstrap reads and validates the bootstrap file. A missing path
// returns an empty Bootstrap, not an error.
func LoadBootstrap(path string) (*Bootstrap, error) {
	if path == "" {
		return &Bootstrap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap file: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks server definitions for duplicates and missing fields.
func (b *Bootstrap) Validate() error {
	seen := map[string]struct{}{}
	for i, s := range b.Servers {
		if s.ID == "" {
			return fmt.Errorf("server %d: missing id", i)
		}
		if s.URL == "" {
			return fmt.Errorf("server %q: missing url", s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ServerEnabled reports whether the definition is enabled (default true).
func (s *ServerDef) ServerEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LaunchConfigJSON returns the launch config as a JSON document.
func (s *ServerDef) LaunchConfigJSON() ([]byte, error) {
	if s.LaunchConfig == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.LaunchConfig)
}
