package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/petahq/petamcp/internal/store"
)

const (
	exportInterval  = 30 * time.Second
	exportBatchSize = 200
)

// Exporter ships audit entries past the proxy's lastSyncedLogId to the
// configured webhook. The cursor advances only after a 2xx response, so
// delivery is at-least-once.
type Exporter struct {
	logger  *Logger
	proxies store.Proxies
	client  *http.Client
	log     *slog.Logger
	done    chan struct{}
}

// NewExporter creates a webhook exporter. Call Run to start it.
func NewExporter(logger *Logger, proxies store.Proxies, log *slog.Logger) *Exporter {
	return &Exporter{
		logger:  logger,
		proxies: proxies,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
		done:    make(chan struct{}),
	}
}

// Run loops until Stop, exporting one batch per tick.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(exportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.ExportOnce(ctx); err != nil {
				e.log.Warn("audit export failed", "error", err)
			}
		case <-e.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the export loop.
func (e *Exporter) Stop() { close(e.done) }

// ExportOnce ships at most one batch of pending entries.
func (e *Exporter) ExportOnce(ctx context.Context) error {
	proxy, err := e.proxies.GetProxy(ctx)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load proxy record: %w", err)
	}
	if proxy.LogWebhookURL == "" {
		return nil
	}

	entries, err := e.logger.Query(ctx, QueryOptions{
		AfterID: proxy.LastSyncedLogID,
		Limit:   exportBatchSize,
	})
	if err != nil {
		return fmt.Errorf("query pending entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"proxyKey": proxy.ProxyKey,
		"entries":  entries,
	})
	if err != nil {
		return fmt.Errorf("encode export payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxy.LogWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post export batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	last := entries[len(entries)-1].ID
	if err := e.proxies.SetLastSyncedLogID(ctx, last); err != nil {
		return fmt.Errorf("advance sync cursor: %w", err)
	}
	e.log.Debug("audit batch exported", "count", len(entries), "last_id", last)
	return nil
}
