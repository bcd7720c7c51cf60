package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CapabilityGrant enables or disables one named capability.
type CapabilityGrant struct {
	Enabled bool `json:"enabled"`
}

// ServerGrant is the per-server slice of a permissions or preferences blob.
type ServerGrant struct {
	Enabled   bool                       `json:"enabled"`
	Tools     map[string]CapabilityGrant `json:"tools,omitempty"`
	Resources map[string]CapabilityGrant `json:"resources,omitempty"`
	Prompts   map[string]CapabilityGrant `json:"prompts,omitempty"`
}

// GrantSet maps serverId to its grant. Both admin permissions and user
// preference overlays use this shape.
type GrantSet map[string]ServerGrant

const grantSchemaJSON = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["enabled"],
    "properties": {
      "enabled": {"type": "boolean"},
      "tools": {"$ref": "#/$defs/grants"},
      "resources": {"$ref": "#/$defs/grants"},
      "prompts": {"$ref": "#/$defs/grants"}
    },
    "additionalProperties": false
  },
  "$defs": {
    "grants": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["enabled"],
        "properties": {"enabled": {"type": "boolean"}},
        "additionalProperties": false
      }
    }
  }
}`

var grantSchema = mustCompileSchema("grants.json", grantSchemaJSON)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// ParseGrantSet validates a raw permissions/preferences blob against the
// grant schema and decodes it. Empty input yields an empty set.
func ParseGrantSet(raw []byte) (GrantSet, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return GrantSet{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("malformed grant blob: %w", err)
	}
	if err := grantSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("invalid grant blob: %w", err)
	}
	var gs GrantSet
	if err := json.Unmarshal(raw, &gs); err != nil {
		return nil, fmt.Errorf("decode grant blob: %w", err)
	}
	return gs, nil
}

// GrantChanges reports which capability classes differ between two grants.
type GrantChanges struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// Any reports whether anything changed.
func (c GrantChanges) Any() bool { return c.Tools || c.Resources || c.Prompts }

// Compare diffs two grant sets by the membership of enabled capability
// names per class, across all servers. Server-level enablement flips
// count toward every class the server advertises grants for.
func (old GrantSet) Compare(next GrantSet) GrantChanges {
	return GrantChanges{
		Tools:     !sameEnabled(old, next, func(g ServerGrant) map[string]CapabilityGrant { return g.Tools }),
		Resources: !sameEnabled(old, next, func(g ServerGrant) map[string]CapabilityGrant { return g.Resources }),
		Prompts:   !sameEnabled(old, next, func(g ServerGrant) map[string]CapabilityGrant { return g.Prompts }),
	}
}

func sameEnabled(a, b GrantSet, pick func(ServerGrant) map[string]CapabilityGrant) bool {
	return enabledKey(a, pick) == enabledKey(b, pick)
}

// enabledKey folds the set of enabled "<serverId>::<name>" pairs into a
// canonical string for comparison.
func enabledKey(gs GrantSet, pick func(ServerGrant) map[string]CapabilityGrant) string {
	var names []string
	for serverID, grant := range gs {
		if !grant.Enabled {
			continue
		}
		for name, cg := range pick(grant) {
			if cg.Enabled {
				names = append(names, serverID+"::"+name)
			}
		}
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}
