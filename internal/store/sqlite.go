package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petahq/petamcp/internal/model"
)

// SQLite implements every store interface over a single database file.
type SQLite struct {
	db *sql.DB
}

var _ Users = (*SQLite)(nil)
var _ Servers = (*SQLite)(nil)
var _ Proxies = (*SQLite)(nil)
var _ Whitelist = (*SQLite)(nil)
var _ Events = (*SQLite)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id        TEXT PRIMARY KEY,
	role           TEXT NOT NULL DEFAULT 'user',
	status         TEXT NOT NULL DEFAULT 'enabled',
	permissions    TEXT,
	preferences    TEXT,
	launch_configs TEXT,
	expires_at     INTEGER NOT NULL DEFAULT 0,
	rate_limit     INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS servers (
	server_id       TEXT PRIMARY KEY,
	server_name     TEXT NOT NULL,
	url             TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	auth_type       TEXT NOT NULL DEFAULT '',
	allow_user_input INTEGER NOT NULL DEFAULT 0,
	config_template TEXT,
	launch_config   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS proxy (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	name               TEXT NOT NULL,
	proxy_key          TEXT NOT NULL,
	log_webhook_url    TEXT NOT NULL DEFAULT '',
	last_synced_log_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS whitelist (
	cidr       TEXT PRIMARY KEY,
	note       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id     TEXT PRIMARY KEY,
	stream_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	message_type TEXT NOT NULL,
	message_data BLOB NOT NULL,
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, event_id);
CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);
`

// Open opens (creating if needed) the gateway database at path.
func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle for collaborators that manage their
// own tables (the audit logger).
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

// --- users ---

// GetUser returns the user or ErrNotFound.
func (s *SQLite) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, role, status, permissions, preferences, launch_configs,
		       expires_at, rate_limit, created_at, updated_at
		FROM users WHERE user_id = ?`, id)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var perms, prefs, launch sql.NullString
	var role, status string
	err := row.Scan(&u.ID, &role, &status, &perms, &prefs, &launch,
		&u.ExpiresAt, &u.RateLimit, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = model.Role(role)
	u.Status = model.UserStatus(status)
	if perms.Valid && perms.String != "" {
		u.PermissionsRaw = json.RawMessage(perms.String)
	}
	if prefs.Valid && prefs.String != "" {
		u.PreferencesRaw = json.RawMessage(prefs.String)
	}
	if launch.Valid && launch.String != "" {
		if err := json.Unmarshal([]byte(launch.String), &u.LaunchConfigs); err != nil {
			return nil, fmt.Errorf("decode launch configs: %w", err)
		}
	}
	return &u, nil
}

// PutUser inserts or replaces the user record. Raw grant blobs win over
// the decoded sets when both are present.
func (s *SQLite) PutUser(ctx context.Context, u *model.User) error {
	perms, err := grantBlob(u.PermissionsRaw, u.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	prefs, err := grantBlob(u.PreferencesRaw, u.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	var launch []byte
	if u.LaunchConfigs != nil {
		if launch, err = json.Marshal(u.LaunchConfigs); err != nil {
			return fmt.Errorf("encode launch configs: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, role, status, permissions, preferences,
			launch_configs, expires_at, rate_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			permissions = excluded.permissions,
			preferences = excluded.preferences,
			launch_configs = excluded.launch_configs,
			expires_at = excluded.expires_at,
			rate_limit = excluded.rate_limit,
			updated_at = excluded.updated_at`,
		u.ID, string(u.Role), string(u.Status), nullStr(perms), nullStr(prefs),
		nullStr(launch), u.ExpiresAt, u.RateLimit, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func grantBlob(raw json.RawMessage, set model.GrantSet) ([]byte, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	if set == nil {
		return nil, nil
	}
	return json.Marshal(set)
}

func nullStr(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// DeleteUser removes the user record.
func (s *SQLite) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns all user records.
func (s *SQLite) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, status, permissions, preferences, launch_configs,
		       expires_at, rate_limit, created_at, updated_at
		FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PurgeServer drops serverID from every user's preference and launch
// config blobs.
func (s *SQLite) PurgeServer(ctx context.Context, serverID string) error {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		changed := false
		if len(u.PreferencesRaw) > 0 {
			prefs, err := model.ParseGrantSet(u.PreferencesRaw)
			if err == nil {
				if _, ok := prefs[serverID]; ok {
					delete(prefs, serverID)
					u.Preferences = prefs
					u.PreferencesRaw = nil
					changed = true
				}
			}
		}
		if _, ok := u.LaunchConfigs[serverID]; ok {
			delete(u.LaunchConfigs, serverID)
			changed = true
		}
		if changed {
			u.UpdatedAt = toMillis(time.Now())
			if err := s.PutUser(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- servers ---

// GetServer returns the server definition or ErrNotFound.
func (s *SQLite) GetServer(ctx context.Context, id string) (*model.Server, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, server_name, url, enabled, auth_type, allow_user_input,
		       config_template, launch_config, created_at, updated_at
		FROM servers WHERE server_id = ?`, id)
	return scanServer(row)
}

func scanServer(row rowScanner) (*model.Server, error) {
	var sv model.Server
	var enabled, allowInput int
	var tmpl sql.NullString
	err := row.Scan(&sv.ID, &sv.Name, &sv.URL, &enabled, &sv.AuthType,
		&allowInput, &tmpl, &sv.LaunchConfig, &sv.CreatedAt, &sv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	sv.Enabled = enabled != 0
	sv.AllowUserInput = allowInput != 0
	if tmpl.Valid && tmpl.String != "" {
		sv.ConfigTemplate = json.RawMessage(tmpl.String)
	}
	return &sv, nil
}

// PutServer inserts or replaces the server definition.
func (s *SQLite) PutServer(ctx context.Context, sv *model.Server) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, server_name, url, enabled, auth_type,
			allow_user_input, config_template, launch_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			server_name = excluded.server_name,
			url = excluded.url,
			enabled = excluded.enabled,
			auth_type = excluded.auth_type,
			allow_user_input = excluded.allow_user_input,
			config_template = excluded.config_template,
			launch_config = excluded.launch_config,
			updated_at = excluded.updated_at`,
		sv.ID, sv.Name, sv.URL, boolInt(sv.Enabled), sv.AuthType,
		boolInt(sv.AllowUserInput), nullStr(sv.ConfigTemplate), sv.LaunchConfig,
		sv.CreatedAt, sv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put server: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeleteServer removes the definition and purges it from all users.
func (s *SQLite) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE server_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.PurgeServer(ctx, id)
}

// ListServers returns all server definitions.
func (s *SQLite) ListServers(ctx context.Context) ([]*model.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, server_name, url, enabled, auth_type, allow_user_input,
		       config_template, launch_config, created_at, updated_at
		FROM servers ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()
	var servers []*model.Server
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, sv)
	}
	return servers, rows.Err()
}

// --- proxy ---

// GetProxy returns the singleton proxy record or ErrNotFound.
func (s *SQLite) GetProxy(ctx context.Context) (*model.Proxy, error) {
	var p model.Proxy
	err := s.db.QueryRowContext(ctx, `
		SELECT name, proxy_key, log_webhook_url, last_synced_log_id
		FROM proxy WHERE id = 1`).
		Scan(&p.Name, &p.ProxyKey, &p.LogWebhookURL, &p.LastSyncedLogID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	return &p, nil
}

// PutProxy writes the singleton proxy record.
func (s *SQLite) PutProxy(ctx context.Context, p *model.Proxy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy (id, name, proxy_key, log_webhook_url, last_synced_log_id)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			proxy_key = excluded.proxy_key,
			log_webhook_url = excluded.log_webhook_url,
			last_synced_log_id = excluded.last_synced_log_id`,
		p.Name, p.ProxyKey, p.LogWebhookURL, p.LastSyncedLogID)
	if err != nil {
		return fmt.Errorf("put proxy: %w", err)
	}
	return nil
}

// SetLastSyncedLogID advances the webhook export cursor.
func (s *SQLite) SetLastSyncedLogID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxy SET last_synced_log_id = ? WHERE id = 1`, id)
	if err != nil {
		return fmt.Errorf("set last synced log id: %w", err)
	}
	return nil
}

// --- whitelist ---

// ListWhitelist returns all admitted ranges.
func (s *SQLite) ListWhitelist(ctx context.Context) ([]model.WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cidr, note, created_at FROM whitelist ORDER BY cidr`)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()
	var entries []model.WhitelistEntry
	for rows.Next() {
		var e model.WhitelistEntry
		if err := rows.Scan(&e.CIDR, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddWhitelist inserts or replaces one admitted range.
func (s *SQLite) AddWhitelist(ctx context.Context, entry model.WhitelistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (cidr, note, created_at) VALUES (?, ?, ?)
		ON CONFLICT(cidr) DO UPDATE SET note = excluded.note`,
		entry.CIDR, entry.Note, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("add whitelist: %w", err)
	}
	return nil
}

// RemoveWhitelist drops one admitted range.
func (s *SQLite) RemoveWhitelist(ctx context.Context, cidr string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE cidr = ?`, cidr)
	if err != nil {
		return fmt.Errorf("remove whitelist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

// InsertEvent persists one stream event.
func (s *SQLite) InsertEvent(ctx context.Context, ev *model.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events
			(event_id, stream_id, session_id, message_type, message_data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.StreamID, ev.SessionID, ev.MessageType, ev.MessageData,
		ev.CreatedAt, ev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns one event or ErrNotFound.
func (s *SQLite) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, stream_id, session_id, message_type, message_data, created_at, expires_at
		FROM events WHERE event_id = ?`, id)
	var ev model.Event
	err := row.Scan(&ev.ID, &ev.StreamID, &ev.SessionID, &ev.MessageType,
		&ev.MessageData, &ev.CreatedAt, &ev.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// EventsSince returns the stream's events created strictly after
// afterMillis, in ascending event-id order.
func (s *SQLite) EventsSince(ctx context.Context, streamID string, afterMillis int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, session_id, message_type, message_data, created_at, expires_at
		FROM events WHERE stream_id = ? AND created_at > ?
		ORDER BY event_id ASC`, streamID, afterMillis)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []*model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.SessionID, &ev.MessageType,
			&ev.MessageData, &ev.CreatedAt, &ev.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// DeleteExpiredEvents removes events past their TTL.
func (s *SQLite) DeleteExpiredEvents(ctx context.Context, nowMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE expires_at > 0 AND expires_at <= ?`, nowMillis)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteStreamEvents removes every event of one stream.
func (s *SQLite) DeleteStreamEvents(ctx context.Context, streamID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE stream_id = ?`, streamID)
	if err != nil {
		return fmt.Errorf("delete stream events: %w", err)
	}
	return nil
}
