package model

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestUserExpired(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	tests := []struct {
		name      string
		expiresAt int64
		want      bool
	}{
		{"no expiry", 0, false},
		{"future", now.UnixMilli() + 1000, false},
		{"past", now.UnixMilli() - 1000, true},
	}
	for _, tt := range tests {
		u := &User{ExpiresAt: tt.expiresAt}
		if got := u.Expired(now); got != tt.want {
			t.Errorf("%s: Expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if len(id) != 32 {
		t.Fatalf("len = %d, want 32", len(id))
	}
	if strings.ContainsAny(id, "_-") {
		t.Errorf("session id %q contains separator characters", id)
	}
	if id == NewSessionID() {
		t.Error("two session ids collided")
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_123_456)
	stream := NewSessionID()
	id := NewEventID(stream, now)

	gotStream, gotMillis, ok := SplitEventID(id)
	if !ok {
		t.Fatalf("SplitEventID(%q) not ok", id)
	}
	if gotStream != stream {
		t.Errorf("stream = %q, want %q", gotStream, stream)
	}
	if gotMillis != now.UnixMilli() {
		t.Errorf("millis = %d, want %d", gotMillis, now.UnixMilli())
	}
}

func TestSplitEventIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{
		"", "abc", "abc_123", "abc_123_ab", "abc_xyz_abcd", "_123_abcd",
		"a_b_c_d",
	} {
		if _, _, ok := SplitEventID(id); ok {
			t.Errorf("SplitEventID(%q) ok, want reject", id)
		}
	}
}

func TestEventIDLexicographicOrder(t *testing.T) {
	stream := NewSessionID()
	ids := []string{
		NewEventID(stream, time.UnixMilli(1_700_000_000_300)),
		NewEventID(stream, time.UnixMilli(1_700_000_000_100)),
		NewEventID(stream, time.UnixMilli(1_700_000_000_200)),
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if sorted[0] != ids[1] || sorted[1] != ids[2] || sorted[2] != ids[0] {
		t.Errorf("lexicographic order does not match creation order: %v", sorted)
	}
}

func TestProxyRequestIDRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	tests := []struct{ session, original string }{
		{"abc123", "42"},
		{"abc123", `"req:with:colons"`},
		{"abc123", ""},
	}
	for _, tt := range tests {
		id := NewProxyRequestID(tt.session, tt.original, now)
		s, o, ok := SplitProxyRequestID(id)
		if !ok {
			t.Fatalf("SplitProxyRequestID(%q) not ok", id)
		}
		if s != tt.session || o != tt.original {
			t.Errorf("got (%q, %q), want (%q, %q)", s, o, tt.session, tt.original)
		}
	}
}

func TestSplitProxyRequestIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "abc", "abc:1", "a:b:notmillis"} {
		if _, _, ok := SplitProxyRequestID(id); ok {
			t.Errorf("SplitProxyRequestID(%q) ok, want reject", id)
		}
	}
}

func TestParseGrantSet(t *testing.T) {
	raw := []byte(`{
		"github": {
			"enabled": true,
			"tools": {"create_issue": {"enabled": true}, "delete_repo": {"enabled": false}}
		},
		"notion": {"enabled": false}
	}`)
	gs, err := ParseGrantSet(raw)
	if err != nil {
		t.Fatalf("ParseGrantSet: %v", err)
	}
	if !gs["github"].Enabled {
		t.Error("github should be enabled")
	}
	if !gs["github"].Tools["create_issue"].Enabled {
		t.Error("create_issue should be enabled")
	}
	if gs["github"].Tools["delete_repo"].Enabled {
		t.Error("delete_repo should be disabled")
	}
	if gs["notion"].Enabled {
		t.Error("notion should be disabled")
	}
}

func TestParseGrantSetEmpty(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("null")} {
		gs, err := ParseGrantSet(raw)
		if err != nil {
			t.Fatalf("ParseGrantSet(%q): %v", raw, err)
		}
		if len(gs) != 0 {
			t.Errorf("ParseGrantSet(%q) = %v, want empty", raw, gs)
		}
	}
}

func TestParseGrantSetRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing enabled", `{"github": {"tools": {}}}`},
		{"enabled not bool", `{"github": {"enabled": "yes"}}`},
		{"tool missing enabled", `{"github": {"enabled": true, "tools": {"x": {}}}}`},
		{"not an object", `[1,2,3]`},
		{"truncated", `{"github"`},
	}
	for _, tt := range tests {
		if _, err := ParseGrantSet([]byte(tt.raw)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestGrantSetCompare(t *testing.T) {
	base := GrantSet{
		"github": {Enabled: true, Tools: map[string]CapabilityGrant{"a": {Enabled: true}}},
	}

	if c := base.Compare(base); c.Any() {
		t.Errorf("identical sets reported changes: %+v", c)
	}

	toolAdded := GrantSet{
		"github": {Enabled: true, Tools: map[string]CapabilityGrant{"a": {Enabled: true}, "b": {Enabled: true}}},
	}
	if c := base.Compare(toolAdded); !c.Tools || c.Resources || c.Prompts {
		t.Errorf("tool add: %+v", c)
	}

	serverDisabled := GrantSet{
		"github": {Enabled: false, Tools: map[string]CapabilityGrant{"a": {Enabled: true}}},
	}
	if c := base.Compare(serverDisabled); !c.Tools {
		t.Errorf("server disable should flip tools: %+v", c)
	}

	promptsAdded := GrantSet{
		"github": {
			Enabled:   true,
			Tools:     map[string]CapabilityGrant{"a": {Enabled: true}},
			Prompts:   map[string]CapabilityGrant{"p": {Enabled: true}},
			Resources: map[string]CapabilityGrant{},
		},
	}
	if c := base.Compare(promptsAdded); !c.Prompts || c.Tools || c.Resources {
		t.Errorf("prompt add: %+v", c)
	}
}
