package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petahq/petamcp/internal/model"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	u := &model.User{
		ID:             "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		Role:           model.RoleAdmin,
		Status:         model.StatusEnabled,
		PermissionsRaw: json.RawMessage(`{"github":{"enabled":true}}`),
		LaunchConfigs:  map[string]string{"github": "encrypted-blob"},
		ExpiresAt:      0,
		RateLimit:      60,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Role != model.RoleAdmin || got.Status != model.StatusEnabled {
		t.Errorf("role/status = %s/%s", got.Role, got.Status)
	}
	if got.RateLimit != 60 {
		t.Errorf("rate limit = %d", got.RateLimit)
	}
	if string(got.PermissionsRaw) != `{"github":{"enabled":true}}` {
		t.Errorf("permissions = %s", got.PermissionsRaw)
	}
	if got.LaunchConfigs["github"] != "encrypted-blob" {
		t.Errorf("launch configs = %v", got.LaunchConfigs)
	}

	// Upsert updates in place.
	u.Status = model.StatusDisabled
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser update: %v", err)
	}
	got, err = s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser after update: %v", err)
	}
	if got.Status != model.StatusDisabled {
		t.Errorf("status = %s, want disabled", got.Status)
	}

	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser after delete: %v, want ErrNotFound", err)
	}
	if err := s.DeleteUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteUser twice: %v, want ErrNotFound", err)
	}
}

func TestServerRoundTripAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	sv := &model.Server{
		ID:             "github",
		Name:           "GitHub",
		URL:            "https://mcp.example.com/github",
		Enabled:        true,
		AuthType:       "github",
		AllowUserInput: true,
		ConfigTemplate: json.RawMessage(`{"token":"{{secret}}"}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.PutServer(ctx, sv); err != nil {
		t.Fatalf("PutServer: %v", err)
	}
	got, err := s.GetServer(ctx, "github")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if !got.Enabled || !got.AllowUserInput || got.AuthType != "github" {
		t.Errorf("server = %+v", got)
	}

	u := &model.User{
		ID:             "u1",
		Role:           model.RoleUser,
		Status:         model.StatusEnabled,
		PreferencesRaw: json.RawMessage(`{"github":{"enabled":true},"notion":{"enabled":true}}`),
		LaunchConfigs:  map[string]string{"github": "blob", "notion": "blob2"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	// Deleting the server must purge it from the user's records.
	if err := s.DeleteServer(ctx, "github"); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	gotU, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	prefs, err := model.ParseGrantSet(gotU.PreferencesRaw)
	if err != nil {
		t.Fatalf("ParseGrantSet: %v", err)
	}
	if _, ok := prefs["github"]; ok {
		t.Error("github still in preferences after server delete")
	}
	if _, ok := prefs["notion"]; !ok {
		t.Error("notion dropped from preferences")
	}
	if _, ok := gotU.LaunchConfigs["github"]; ok {
		t.Error("github still in launch configs after server delete")
	}
}

func TestProxySingleton(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProxy(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProxy empty: %v, want ErrNotFound", err)
	}
	p := &model.Proxy{Name: "edge-1", ProxyKey: "pk", LogWebhookURL: "https://hook"}
	if err := s.PutProxy(ctx, p); err != nil {
		t.Fatalf("PutProxy: %v", err)
	}
	if err := s.SetLastSyncedLogID(ctx, 42); err != nil {
		t.Fatalf("SetLastSyncedLogID: %v", err)
	}
	got, err := s.GetProxy(ctx)
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if got.LastSyncedLogID != 42 || got.Name != "edge-1" {
		t.Errorf("proxy = %+v", got)
	}
}

func TestWhitelistCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddWhitelist(ctx, model.WhitelistEntry{CIDR: "10.0.0.0/8", CreatedAt: 1}); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}
	entries, err := s.ListWhitelist(ctx)
	if err != nil {
		t.Fatalf("ListWhitelist: %v", err)
	}
	if len(entries) != 1 || entries[0].CIDR != "10.0.0.0/8" {
		t.Errorf("entries = %v", entries)
	}
	if err := s.RemoveWhitelist(ctx, "10.0.0.0/8"); err != nil {
		t.Fatalf("RemoveWhitelist: %v", err)
	}
	if err := s.RemoveWhitelist(ctx, "10.0.0.0/8"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveWhitelist twice: %v, want ErrNotFound", err)
	}
}

func TestEventsAfterOrderingAndTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stream := "abc123"

	var ids []string
	for i, ms := range []int64{100, 200, 300} {
		id := model.NewEventID(stream, time.UnixMilli(1_700_000_000_000+ms))
		ids = append(ids, id)
		ev := &model.Event{
			ID:          id,
			StreamID:    stream,
			SessionID:   stream,
			MessageType: "response",
			MessageData: []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
			CreatedAt:   1_700_000_000_000 + ms,
			ExpiresAt:   1_700_000_000_000 + ms + int64(i)*1000 + 10_000,
		}
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	// Replay strictly after the first event's creation time.
	events, err := s.EventsSince(ctx, stream, 1_700_000_000_100)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 || events[0].ID != ids[1] || events[1].ID != ids[2] {
		t.Fatalf("replay = %v", eventIDs(events))
	}

	// Zero yields the whole stream.
	events, err = s.EventsSince(ctx, stream, 0)
	if err != nil {
		t.Fatalf("EventsSince all: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("all = %v", eventIDs(events))
	}

	// TTL sweep removes only expired rows.
	n, err := s.DeleteExpiredEvents(ctx, 1_700_000_000_000+100+10_000)
	if err != nil {
		t.Fatalf("DeleteExpiredEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	if err := s.DeleteStreamEvents(ctx, stream); err != nil {
		t.Fatalf("DeleteStreamEvents: %v", err)
	}
	events, err = s.EventsSince(ctx, stream, 0)
	if err != nil {
		t.Fatalf("EventsSince after purge: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("stream not purged: %v", eventIDs(events))
	}
}

func eventIDs(events []*model.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}
