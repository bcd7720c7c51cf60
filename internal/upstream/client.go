// Package upstream manages the gateway's connections to upstream MCP
// servers: a streamable HTTP client per server, credential strategies
// for OAuth-backed servers, and the pool that tracks shared and
// per-user server contexts.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	protocolVersion = "2025-06-18"

	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// ErrSessionLost reports that the upstream no longer recognizes our
// session id; the caller should reinitialize.
var ErrSessionLost = errors.New("upstream session lost")

// TokenSource supplies a bearer token for upstream requests. A nil
// source means the server needs no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RPCError is a JSON-RPC error object returned by an upstream server.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// CallResult is the outcome of one forward JSON-RPC call. Exactly one
// of Result and Err is set for requests; both are nil for accepted
// notifications.
type CallResult struct {
	Result json.RawMessage
	Err    *RPCError
}

// Client is one streamable HTTP MCP connection to an upstream server.
// Server-originated messages, whether they arrive interleaved on a
// POST response stream or on the standalone GET stream, are handed to
// the onMessage callback.
type Client struct {
	serverID  string
	url       string
	http      *http.Client
	log       *slog.Logger
	token     TokenSource
	onMessage func(msg jsonrpc.Message)

	mu          sync.Mutex
	sessionID   string
	lastEventID string
}

// NewClient creates a client for one upstream server. onMessage may be
// nil when the caller does not care about server-originated traffic.
func NewClient(serverID, url string, token TokenSource, onMessage func(jsonrpc.Message), log *slog.Logger) *Client {
	return &Client{
		serverID:  serverID,
		url:       url,
		http:      &http.Client{},
		token:     token,
		onMessage: onMessage,
		log:       log.With("component", "upstream", "server_id", serverID),
	}
}

// SessionID returns the upstream-assigned session id, empty for
// stateless servers.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Initialize performs the MCP handshake: initialize, capture the
// upstream session id, then notifications/initialized.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (*mcp.InitializeResult, error) {
	params, err := json.Marshal(&mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      &mcp.Implementation{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize params: %w", err)
	}

	reqID := newRequestID()
	resp, err := c.post(ctx, &jsonrpc.Request{Method: "initialize", Params: params, ID: reqID})
	if err != nil {
		return nil, fmt.Errorf("initialize request: %w", err)
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("initialize failed with status %d: %s", resp.StatusCode, body)
	}

	// Some servers are stateless and omit the session header.
	c.setSessionID(resp.Header.Get(headerSessionID))

	raw, err := c.readResponse(resp, reqID)
	if err != nil {
		return nil, fmt.Errorf("read initialize response: %w", err)
	}
	call, err := parseCallResult(raw)
	if err != nil {
		return nil, err
	}
	if call.Err != nil {
		return nil, call.Err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(call.Result, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	if err := c.Notify(ctx, "notifications/initialized", json.RawMessage(`{}`)); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}

// Call sends one JSON-RPC request and returns the matching response.
// Intermediate server-originated messages on an SSE response body are
// dispatched to onMessage before the final response is returned.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (*CallResult, error) {
	reqID := newRequestID()
	resp, err := c.post(ctx, &jsonrpc.Request{Method: method, Params: params, ID: reqID})
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return &CallResult{}, nil
	case http.StatusNotFound:
		return nil, ErrSessionLost
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, body)
	}

	raw, err := c.readResponse(resp, reqID)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	return parseCallResult(raw)
}

// Notify sends a JSON-RPC notification. Servers acknowledge with 202;
// 200 is tolerated.
func (c *Client) Notify(ctx context.Context, method string, params json.RawMessage) error {
	resp, err := c.post(ctx, &jsonrpc.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, body)
	}
	return nil
}

// Deliver forwards a pre-encoded JSON-RPC message (a client's reply to
// a reverse request, or a synthesized error for one) to the upstream.
func (c *Client) Deliver(ctx context.Context, raw json.RawMessage) error {
	resp, err := c.postRaw(ctx, raw)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deliver failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Listen opens the standalone GET stream and dispatches every message
// to onMessage until the stream ends or ctx is cancelled. Servers that
// do not offer a GET stream answer 405; that is not an error.
func (c *Client) Listen(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", contentTypeSSE)
	req.Header.Set(headerProtocolVersion, protocolVersion)
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(headerSessionID, c.sessionID)
	}
	if c.lastEventID != "" {
		req.Header.Set(headerLastEventID, c.lastEventID)
	}
	c.mu.Unlock()
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed:
		c.log.Debug("server does not support the standalone stream")
		return nil
	case http.StatusNotFound:
		return ErrSessionLost
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stream open failed with status %d: %s", resp.StatusCode, body)
	}

	events := newSSEScanner(resp.Body)
	for {
		id, data, err := events.next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if id != "" {
			c.mu.Lock()
			c.lastEventID = id
			c.mu.Unlock()
		}
		c.dispatch(data)
	}
}

// Close terminates the upstream session with DELETE. A 405 means the
// server does not support client-initiated termination.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.lastEventID = ""
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(headerSessionID, sessionID)
	req.Header.Set(headerProtocolVersion, protocolVersion)
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	defer drainAndClose(resp)
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("terminate failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg jsonrpc.Message) (*http.Response, error) {
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return c.postRaw(ctx, encoded)
}

func (c *Client) postRaw(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeSSE)
	req.Header.Set(headerProtocolVersion, protocolVersion)
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(headerSessionID, c.sessionID)
	}
	c.mu.Unlock()
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.token == nil {
		return nil
	}
	token, err := c.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// readResponse extracts the response matching reqID from either a
// plain JSON body or an SSE body. Other messages on an SSE body are
// server-originated and go to onMessage.
func (c *Client) readResponse(resp *http.Response, reqID jsonrpc.ID) ([]byte, error) {
	if !strings.Contains(resp.Header.Get("Content-Type"), contentTypeSSE) {
		return io.ReadAll(resp.Body)
	}

	var final []byte
	events := newSSEScanner(resp.Body)
	for {
		_, data, err := events.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			c.log.Warn("undecodable message on response stream", "error", err)
			continue
		}
		if r, ok := msg.(*jsonrpc.Response); ok && r.ID == reqID {
			final = data
			continue
		}
		c.dispatchMsg(msg)
	}
	if final == nil {
		return nil, fmt.Errorf("no response on stream")
	}
	return final, nil
}

func (c *Client) dispatch(data []byte) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		c.log.Warn("undecodable server message", "error", err)
		return
	}
	c.dispatchMsg(msg)
}

func (c *Client) dispatchMsg(msg jsonrpc.Message) {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

func parseCallResult(raw []byte) (*CallResult, error) {
	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &CallResult{Result: env.Result, Err: env.Error}, nil
}

func newRequestID() jsonrpc.ID {
	id, err := jsonrpc.MakeID(uuid.NewString())
	if err != nil {
		panic(err)
	}
	return id
}

// drainAndClose reads the body to completion so the transport can
// reuse the connection.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// sseScanner yields one SSE event at a time from a stream body.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseScanner{scanner: sc}
}

// next returns the id and concatenated data of the next event. It
// returns io.EOF when the stream ends.
func (s *sseScanner) next() (id string, data []byte, err error) {
	var buf bytes.Buffer
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if buf.Len() > 0 {
				return id, buf.Bytes(), nil
			}
			// Blank line with no data: heartbeat separator, keep reading.
		case strings.HasPrefix(line, "data:"):
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, ":"):
			// Comment line (heartbeat), ignored.
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", nil, err
	}
	if buf.Len() > 0 {
		return id, buf.Bytes(), nil
	}
	return "", nil, io.EOF
}
