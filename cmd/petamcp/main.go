// Command petamcp runs the multi-tenant MCP gateway: the /mcp
// streamable HTTP dataplane, the control-plane WebSocket, and the
// admission, audit, and upstream-pool machinery behind them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/petahq/petamcp/internal/admission"
	"github.com/petahq/petamcp/internal/audit"
	"github.com/petahq/petamcp/internal/capability"
	"github.com/petahq/petamcp/internal/config"
	"github.com/petahq/petamcp/internal/events"
	"github.com/petahq/petamcp/internal/grpchealth"
	"github.com/petahq/petamcp/internal/httpapi"
	"github.com/petahq/petamcp/internal/logging"
	"github.com/petahq/petamcp/internal/metrics"
	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/notify"
	"github.com/petahq/petamcp/internal/otel"
	"github.com/petahq/petamcp/internal/redact"
	"github.com/petahq/petamcp/internal/router"
	"github.com/petahq/petamcp/internal/serverconfig"
	"github.com/petahq/petamcp/internal/session"
	"github.com/petahq/petamcp/internal/store"
	"github.com/petahq/petamcp/internal/upstream"
)

// shutdownTimeout bounds each step of the teardown sequence.
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.LogPretty, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otel.Setup(ctx, "petamcp", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bootstrap, err := serverconfig.Load(cfg.ServersConfig)
	if err != nil {
		return err
	}
	if err := bootstrap.Apply(ctx, db, time.Now()); err != nil {
		return fmt.Errorf("apply bootstrap config: %w", err)
	}

	redactor := redact.NewRedactor()
	auditLogger, err := audit.New(db.DB(), log, redactor, cfg.LogResponseMaxLength)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	exporter := audit.NewExporter(auditLogger, db, log)
	go exporter.Run(ctx)

	eventStore, err := events.New(db, events.Options{
		MaxPerStream:    cfg.EventStoreMaxStreamEvents,
		MaxTotal:        cfg.EventStoreMaxCacheSize,
		TTL:             cfg.EventStoreTTL(),
		CleanupInterval: cfg.EventStoreCleanupInterval(),
		BatchSize:       cfg.EventStoreBatchSize,
		Compress:        cfg.EventStoreCompression,
	}, log)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	go eventStore.RunGC(ctx)

	ipFilter := admission.NewIPFilter(db, log)
	rateLimiter := admission.NewRateLimiter()
	defer rateLimiter.Stop()
	authenticator := admission.NewAuthenticator(db, cfg.JWTSecret, cfg.RateLimitDefault)

	collector := metrics.NewCollector()
	sessions := session.NewStore(cfg.SessionIdleTimeout, log)

	// The manager's callbacks close over these; both are assigned
	// before any upstream connection is opened.
	var rtr *router.Router
	var hub *notify.Hub

	manager := upstream.NewManager(upstream.ManagerConfig{
		Servers: db,
		Audit:   auditLogger,
		Log:     log,
		OnMessage: func(sc *upstream.ServerContext, msg jsonrpc.Message) {
			rtr.HandleServerMessage(sc, msg)
		},
		OnStatus: func(sc *upstream.ServerContext, old, new model.ServerStatus) {
			payload := map[string]string{"serverId": sc.ServerID(), "status": string(new)}
			switch new {
			case model.ServerOnline:
				hub.PushAll(notify.EventServerOnline, payload)
			case model.ServerOffline, model.ServerError:
				hub.PushAll(notify.EventServerOffline, payload)
			}
		},
	})

	capSvc := capability.NewService(manager)
	rtr = router.New(sessions, managerPool{manager}, eventStore, auditLogger, router.Timeouts{
		Sampling:    cfg.SamplingTimeout(),
		Elicitation: cfg.ElicitationTimeout(),
		Roots:       cfg.RootsTimeout(),
	}, log)
	hub = notify.NewHub(notify.Deps{
		Users:    db,
		Servers:  db,
		Caps:     capSvc,
		Sessions: sessions,
		Temp:     tempServers{manager},
		Views:    rtr,
	}, log)

	sessions.OnClose = func(sess *session.Session, reason string) {
		now := time.Now()
		auditLogger.Log(audit.Entry{
			Action:           audit.ActionSessionClose,
			UserID:           sess.UserID,
			SessionID:        sess.ID,
			UniformRequestID: model.NewUniformRequestID(sess.ID, now),
			IP:               sess.IP,
			RequestParams:    reason,
			CreatedAt:        now.UnixMilli(),
		})
		eventStore.DropStream(sess.ID)
		manager.UnsubscribeSession(sess.ID)
		collector.RecordSession(false)
		switch reason {
		case session.ReasonUserDisabled:
			hub.DisconnectUser(sess.UserID, notify.EventUserDisabled)
		case session.ReasonUserExpired:
			hub.DisconnectUser(sess.UserID, notify.EventUserExpired)
		}
	}
	go sessions.RunSweeper(ctx)

	api := httpapi.New(httpapi.Deps{
		Config:   cfg,
		IPFilter: ipFilter,
		Auth:     authenticator,
		Rate:     rateLimiter,
		Sessions: sessions,
		Router:   rtr,
		Events:   eventStore,
		Caps:     capSvc,
		Health:   manager,
		Hub:      hub,
		Metrics:  collector,
		Audit:    auditLogger,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthSrv *grpchealth.Server
	if cfg.GRPCHealthAddr != "" {
		healthSrv, err = grpchealth.New(cfg.GRPCHealthAddr, log)
		if err != nil {
			return err
		}
		go func() {
			if err := healthSrv.Run(); err != nil {
				log.Error("grpc health server failed", "error", err)
			}
		}()
	}

	go func() {
		success, failed := manager.ConnectAllServers(ctx)
		log.Info("upstream bootstrap finished", "connected", success, "failed", failed)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Addr(), "public_url", cfg.PublicURL)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdown(httpServer, healthSrv, hub, sessions, manager, exporter, auditLogger, eventStore, otelShutdown, log)
	return nil
}

// shutdown tears the gateway down in dependency order: stop probes,
// disconnect control sockets, cancel live sessions (which aborts
// pending reverse requests and ends their SSE handlers), drain the
// HTTP server, close the upstream pool, then flush the durable tails.
// Each blocking step gets its own timeout so a slow drain cannot
// starve the upstream close path.
func shutdown(
	httpServer *http.Server,
	healthSrv *grpchealth.Server,
	hub *notify.Hub,
	sessions *session.Store,
	manager *upstream.Manager,
	exporter *audit.Exporter,
	auditLogger *audit.Logger,
	eventStore *events.Store,
	otelShutdown func(context.Context) error,
	log *slog.Logger,
) {
	if healthSrv != nil {
		healthSrv.SetNotServing()
	}
	hub.Shutdown()
	sessions.CloseAll(session.ReasonShutdown)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	cancelHTTP()

	mgrCtx, cancelMgr := context.WithTimeout(context.Background(), shutdownTimeout)
	manager.Shutdown(mgrCtx)
	cancelMgr()

	exporter.Stop()
	if err := auditLogger.Close(); err != nil {
		log.Warn("audit flush", "error", err)
	}
	eventStore.Close()
	if healthSrv != nil {
		healthSrv.Stop()
	}
	otelCtx, cancelOtel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := otelShutdown(otelCtx); err != nil {
		log.Warn("tracer shutdown", "error", err)
	}
	cancelOtel()
}
