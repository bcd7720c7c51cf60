package serverconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petahq/petamcp/internal/store"
)

const bootstrapYAML = `
proxy:
  name: edge-gw
  proxyKey: pk-123
  logWebhookUrl: https://logs.example/hook

servers:
  - id: github
    name: GitHub
    url: https://mcp.github.example/mcp
    authType: github
  - id: jira
    url: https://mcp.jira.example/mcp
    enabled: false
    allowUserInput: true
    configTemplate: '{"apiToken":""}'

whitelist:
  - cidr: 10.0.0.0/8
    note: office
  - cidr: 0.0.0.0/0
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Servers) != 0 || len(f.Whitelist) != 0 {
		t.Fatalf("expected empty document, got %+v", f)
	}
}

func TestApplySeedsStore(t *testing.T) {
	f, err := Load(writeFile(t, bootstrapYAML))
	if err != nil {
		t.Fatal(err)
	}
	db := openStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if err := f.Apply(ctx, db, now); err != nil {
		t.Fatal(err)
	}

	gh, err := db.GetServer(ctx, "github")
	if err != nil {
		t.Fatal(err)
	}
	if !gh.Enabled || gh.Name != "GitHub" || gh.AuthType != "github" {
		t.Fatalf("github = %+v", gh)
	}

	jira, err := db.GetServer(ctx, "jira")
	if err != nil {
		t.Fatal(err)
	}
	if jira.Enabled || !jira.AllowUserInput || jira.Name != "jira" {
		t.Fatalf("jira = %+v", jira)
	}

	wl, err := db.ListWhitelist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(wl) != 2 {
		t.Fatalf("whitelist = %+v", wl)
	}

	p, err := db.GetProxy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.ProxyKey != "pk-123" || p.LogWebhookURL != "https://logs.example/hook" {
		t.Fatalf("proxy = %+v", p)
	}
}

func TestApplyPreservesProxyCursor(t *testing.T) {
	f, err := Load(writeFile(t, bootstrapYAML))
	if err != nil {
		t.Fatal(err)
	}
	db := openStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := f.Apply(ctx, db, now); err != nil {
		t.Fatal(err)
	}
	if err := db.SetLastSyncedLogID(ctx, 42); err != nil {
		t.Fatal(err)
	}

	// Re-running the bootstrap must not reset the sync cursor.
	if err := f.Apply(ctx, db, now); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetProxy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.LastSyncedLogID != 42 {
		t.Fatalf("lastSyncedLogId = %d, want 42", p.LastSyncedLogID)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	f := &File{Servers: []ServerEntry{
		{ID: "a", URL: "http://x"},
		{ID: "a", URL: "http://y"},
	}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
