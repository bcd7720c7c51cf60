// Package redact masks registered secrets and truncates oversized
// payloads before they reach the audit log.
package redact

import (
	"strings"
	"sync"
)

// Redactor replaces configured secrets in strings.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// AddSecrets registers values to be masked. Empty and very short values
// are skipped; masking 1-2 character strings would shred the output.
func (r *Redactor) AddSecrets(secrets []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if len(s) < 3 {
			continue
		}
		r.secrets = append(r.secrets, s)
	}
}

func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := input
	for _, secret := range r.secrets {
		out = strings.ReplaceAll(out, secret, "[REDACTED]")
	}
	return out
}

// MaskToken returns the `first8…last8` form used in audit entries.
// Short tokens are fully masked.
func MaskToken(token string) string {
	if len(token) <= 16 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "…" + token[len(token)-8:]
}

// Truncate cuts s to max characters, appending a marker when cut.
// max <= 0 disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}
