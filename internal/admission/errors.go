// Package admission chains the three checks that gate all /mcp
// traffic: IP whitelist, token authentication, and per-user rate limit.
package admission

import (
	"fmt"
	"net/http"

	"github.com/petahq/petamcp/internal/model"
)

// Error is a rejected admission with its HTTP and JSON-RPC surfaces.
type Error struct {
	Code       string
	HTTPStatus int
	RPCCode    int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unauthorized reports whether the response should carry WWW-Authenticate.
func (e *Error) Unauthorized() bool { return e.HTTPStatus == http.StatusUnauthorized }

func errInvalidToken(msg string) *Error {
	return &Error{Code: "InvalidToken", HTTPStatus: http.StatusUnauthorized, RPCCode: model.CodeConnectionClosed, Message: msg}
}

func errUserNotFound() *Error {
	return &Error{Code: "UserNotFound", HTTPStatus: http.StatusUnauthorized, RPCCode: model.CodeConnectionClosed, Message: "user not found"}
}

func errUserDisabled(status model.UserStatus) *Error {
	return &Error{Code: "UserDisabled", HTTPStatus: http.StatusForbidden, RPCCode: model.CodeConnectionClosed, Message: fmt.Sprintf("user is %s", status)}
}

func errUserExpired() *Error {
	return &Error{Code: "UserExpired", HTTPStatus: http.StatusForbidden, RPCCode: model.CodeConnectionClosed, Message: "user access expired"}
}

func errInvalidPermissions(err error) *Error {
	return &Error{Code: "InvalidPermissions", HTTPStatus: http.StatusForbidden, RPCCode: model.CodeConnectionClosed, Message: fmt.Sprintf("invalid permissions blob: %v", err)}
}

// ErrRateLimited builds the 429 admission error.
func ErrRateLimited(retryAfterSeconds int) *Error {
	return &Error{
		Code:       "RateLimitExceeded",
		HTTPStatus: http.StatusTooManyRequests,
		RPCCode:    model.CodeConnectionClosed,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfterSeconds),
	}
}

// ErrIPDenied is returned when the client IP is outside the whitelist.
func ErrIPDenied(ip string) *Error {
	return &Error{
		Code:       "ConnectionClosed",
		HTTPStatus: http.StatusForbidden,
		RPCCode:    model.CodeConnectionClosed,
		Message:    fmt.Sprintf("ip %s not allowed", ip),
	}
}

// ErrInvalidSession is returned for an unknown Mcp-Session-Id.
func ErrInvalidSession(id string) *Error {
	return &Error{
		Code:       "InvalidSession",
		HTTPStatus: http.StatusBadRequest,
		RPCCode:    model.CodeInvalidRequest,
		Message:    fmt.Sprintf("unknown session %s", id),
	}
}

// ErrInvalidRequest is the generic 400 protocol rejection.
func ErrInvalidRequest(msg string) *Error {
	return &Error{
		Code:       "InvalidRequest",
		HTTPStatus: http.StatusBadRequest,
		RPCCode:    model.CodeInvalidRequest,
		Message:    msg,
	}
}
