// Package audit records one log entry per routed message, batched into
// SQLite, with a webhook exporter shipping entries to the control plane.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petahq/petamcp/internal/redact"
)

// Action is the numeric code identifying what an entry records.
type Action int

const (
	ActionAuthSuccess   Action = 1000
	ActionAuthFailure   Action = 1001
	ActionAuthRateLimit Action = 1002
	ActionIPRejected    Action = 1003

	ActionRequestTool     Action = 2000
	ActionRequestResource Action = 2001
	ActionRequestPrompt   Action = 2002
	ActionResponseTool    Action = 2100
	ActionResponseResource Action = 2101
	ActionResponsePrompt  Action = 2102

	ActionReverseSampling    Action = 3000
	ActionReverseElicitation Action = 3001
	ActionReverseRoots       Action = 3002
	ActionReverseResponse    Action = 3100
	ActionReverseTimeout     Action = 3101

	ActionServerInit         Action = 4000
	ActionServerClose        Action = 4001
	ActionServerStatusChange Action = 4002

	ActionSessionOpen  Action = 5000
	ActionSessionClose Action = 5001
)

// Entry is one audit record.
type Entry struct {
	ID                     int64  `json:"id"`
	Action                 Action `json:"action"`
	UserID                 string `json:"userId,omitempty"`
	ServerID               string `json:"serverId,omitempty"`
	SessionID              string `json:"sessionId,omitempty"`
	UpstreamRequestID      string `json:"upstreamRequestId,omitempty"`
	UniformRequestID       string `json:"uniformRequestId"`
	ParentUniformRequestID string `json:"parentUniformRequestId,omitempty"`
	IP                     string `json:"ip,omitempty"`
	UserAgent              string `json:"userAgent,omitempty"`
	TokenMask              string `json:"tokenMask,omitempty"`
	RequestParams          string `json:"requestParams,omitempty"`
	ResponseResult         string `json:"responseResult,omitempty"`
	Error                  string `json:"error,omitempty"`
	DurationMs             int64  `json:"durationMs,omitempty"`
	StatusCode             int    `json:"statusCode,omitempty"`
	CreatedAt              int64  `json:"createdAt"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	action                    INTEGER NOT NULL,
	user_id                   TEXT,
	server_id                 TEXT,
	session_id                TEXT,
	upstream_request_id       TEXT,
	uniform_request_id        TEXT NOT NULL,
	parent_uniform_request_id TEXT,
	ip                        TEXT,
	user_agent                TEXT,
	token_mask                TEXT,
	request_params            TEXT,
	response_result           TEXT,
	error                     TEXT,
	duration_ms               INTEGER,
	status_code               INTEGER,
	created_at                INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_log(server_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
`

// Logger buffers entries and flushes them in batches.
type Logger struct {
	db       *sql.DB
	log      *slog.Logger
	redactor *redact.Redactor
	maxResp  int

	flushTicker *time.Ticker
	done        chan struct{}

	bufferMu sync.Mutex
	buffer   []Entry

	writeMu sync.Mutex

	nowFunc func() time.Time
}

const (
	batchSize     = 100
	flushInterval = 5 * time.Second
)

// New creates the audit logger on a shared database handle.
// maxResp bounds stored response payloads; 0 disables truncation.
func New(db *sql.DB, log *slog.Logger, redactor *redact.Redactor, maxResp int) (*Logger, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	l := &Logger{
		db:       db,
		log:      log,
		redactor: redactor,
		maxResp:  maxResp,
		buffer:   make([]Entry, 0, batchSize),
		done:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	l.flushTicker = time.NewTicker(flushInterval)
	go l.backgroundFlush()
	return l, nil
}

// Log buffers one entry. Request params are redacted; successful
// response payloads are truncated, errors are kept in full.
func (l *Logger) Log(e Entry) {
	if e.CreatedAt == 0 {
		e.CreatedAt = l.nowFunc().UnixMilli()
	}
	if l.redactor != nil {
		e.RequestParams = l.redactor.Redact(e.RequestParams)
		e.ResponseResult = l.redactor.Redact(e.ResponseResult)
	}
	if e.Error == "" {
		e.ResponseResult = redact.Truncate(e.ResponseResult, l.maxResp)
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, e)
	full := len(l.buffer) >= batchSize
	l.bufferMu.Unlock()

	if full {
		go func() {
			if err := l.Flush(); err != nil {
				l.log.Error("audit flush failed", "error", err)
			}
		}()
	}
}

// Flush writes all buffered entries in one transaction.
func (l *Logger) Flush() error {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return nil
	}
	entries := make([]Entry, len(l.buffer))
	copy(entries, l.buffer)
	l.buffer = l.buffer[:0]
	l.bufferMu.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_log (
			action, user_id, server_id, session_id, upstream_request_id,
			uniform_request_id, parent_uniform_request_id, ip, user_agent,
			token_mask, request_params, response_result, error,
			duration_ms, status_code, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(
			int(e.Action), e.UserID, e.ServerID, e.SessionID, e.UpstreamRequestID,
			e.UniformRequestID, e.ParentUniformRequestID, e.IP, e.UserAgent,
			e.TokenMask, e.RequestParams, e.ResponseResult, e.Error,
			e.DurationMs, e.StatusCode, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	return tx.Commit()
}

func (l *Logger) backgroundFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			if err := l.Flush(); err != nil {
				l.log.Error("audit flush failed", "error", err)
			}
		case <-l.done:
			return
		}
	}
}

// QueryOptions filters audit queries.
type QueryOptions struct {
	UserID    string
	ServerID  string
	SessionID string
	Action    Action
	AfterID   int64
	Since     int64 // unix millis
	Until     int64
	Limit     int
}

// Query returns matching entries in ascending id order.
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	query := `
		SELECT id, action, user_id, server_id, session_id, upstream_request_id,
		       uniform_request_id, parent_uniform_request_id, ip, user_agent,
		       token_mask, request_params, response_result, error,
		       duration_ms, status_code, created_at
		FROM audit_log WHERE 1=1`
	args := make([]any, 0, 8)

	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.ServerID != "" {
		query += " AND server_id = ?"
		args = append(args, opts.ServerID)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Action != 0 {
		query += " AND action = ?"
		args = append(args, int(opts.Action))
	}
	if opts.AfterID > 0 {
		query += " AND id > ?"
		args = append(args, opts.AfterID)
	}
	if opts.Since > 0 {
		query += " AND created_at >= ?"
		args = append(args, opts.Since)
	}
	if opts.Until > 0 {
		query += " AND created_at <= ?"
		args = append(args, opts.Until)
	}
	query += " ORDER BY id ASC"
	limit := 100
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var action int
		var userID, serverID, sessionID, upstreamID, parentID sql.NullString
		var ip, ua, mask, params, result, errMsg sql.NullString
		var durationMs sql.NullInt64
		var statusCode sql.NullInt64
		if err := rows.Scan(&e.ID, &action, &userID, &serverID, &sessionID,
			&upstreamID, &e.UniformRequestID, &parentID, &ip, &ua, &mask,
			&params, &result, &errMsg, &durationMs, &statusCode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Action = Action(action)
		e.UserID = userID.String
		e.ServerID = serverID.String
		e.SessionID = sessionID.String
		e.UpstreamRequestID = upstreamID.String
		e.ParentUniformRequestID = parentID.String
		e.IP = ip.String
		e.UserAgent = ua.String
		e.TokenMask = mask.String
		e.RequestParams = params.String
		e.ResponseResult = result.String
		e.Error = errMsg.String
		e.DurationMs = durationMs.Int64
		e.StatusCode = int(statusCode.Int64)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close stops the flusher and writes any remaining entries.
func (l *Logger) Close() error {
	l.flushTicker.Stop()
	close(l.done)
	return l.Flush()
}
