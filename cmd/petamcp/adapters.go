package main

import (
	"context"

	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/router"
	"github.com/petahq/petamcp/internal/upstream"
)

// managerPool bridges the server manager to the router's pool surface.
type managerPool struct {
	m *upstream.Manager
}

func (p managerPool) Caller(serverID, userID string) (router.Caller, bool) {
	sc, err := p.m.Get(serverID, userID)
	if err != nil {
		return nil, false
	}
	return sc, true
}

func (p managerPool) Snapshot() []model.ServerSnapshot {
	return p.m.Snapshot()
}

func (p managerPool) Subscribe(serverID, uri, sessionID string) {
	p.m.Subscribe(serverID, uri, sessionID)
}

func (p managerPool) Unsubscribe(serverID, uri, sessionID string) {
	p.m.Unsubscribe(serverID, uri, sessionID)
}

func (p managerPool) GetResourceSubscribers(serverID, uri string) []string {
	return p.m.GetResourceSubscribers(serverID + "::" + uri)
}

// tempServers bridges the manager's per-user contexts to the control
// hub's configure/unconfigure operations.
type tempServers struct {
	m *upstream.Manager
}

func (t tempServers) Create(ctx context.Context, userID string, server *model.Server, userConfig string) error {
	_, err := t.m.CreateTemporaryServer(ctx, userID, server, userConfig)
	return err
}

func (t tempServers) Close(ctx context.Context, serverID, userID string) {
	t.m.CloseTemporaryServer(ctx, serverID, userID)
}
