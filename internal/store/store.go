// Package store defines the persistence interfaces the gateway core
// consumes, plus the SQLite reference implementation.
package store

import (
	"context"
	"errors"

	"github.com/petahq/petamcp/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Users persists user records.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	PutUser(ctx context.Context, u *model.User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*model.User, error)
	// PurgeServer removes serverID from every user's preferences and
	// launch configs. Called when a server definition is deleted.
	PurgeServer(ctx context.Context, serverID string) error
}

// Servers persists upstream server definitions.
type Servers interface {
	GetServer(ctx context.Context, id string) (*model.Server, error)
	PutServer(ctx context.Context, s *model.Server) error
	DeleteServer(ctx context.Context, id string) error
	ListServers(ctx context.Context) ([]*model.Server, error)
}

// Proxies persists the singleton proxy record.
type Proxies interface {
	GetProxy(ctx context.Context) (*model.Proxy, error)
	PutProxy(ctx context.Context, p *model.Proxy) error
	SetLastSyncedLogID(ctx context.Context, id int64) error
}

// Whitelist persists admitted IP ranges.
type Whitelist interface {
	ListWhitelist(ctx context.Context) ([]model.WhitelistEntry, error)
	AddWhitelist(ctx context.Context, entry model.WhitelistEntry) error
	RemoveWhitelist(ctx context.Context, cidr string) error
}

// Events is the durable tier of the event store.
type Events interface {
	InsertEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	// EventsSince returns the stream's events with createdAt strictly
	// greater than afterMillis, in ascending event-id order. Zero
	// returns the whole stream.
	EventsSince(ctx context.Context, streamID string, afterMillis int64) ([]*model.Event, error)
	DeleteExpiredEvents(ctx context.Context, nowMillis int64) (int64, error)
	DeleteStreamEvents(ctx context.Context, streamID string) error
}
