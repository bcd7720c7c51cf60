package model

// JSON-RPC error codes used on the wire. The -32000 range follows the
// MCP SDK's connection-level codes.
const (
	CodeConnectionClosed = -32000
	CodeRequestTimeout   = -32001
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
)
