package model

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns a 32-hex session identifier. Session IDs double
// as SSE stream IDs, so they must not contain underscores.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewEventID builds `<streamId>_<unixMillis>_<4 base36 chars>`. Within a
// stream, IDs sort lexicographically in creation order because the
// millisecond component has a fixed width for the current era.
func NewEventID(streamID string, now time.Time) string {
	var buf [4]byte
	rand.Read(buf[:])
	suffix := [4]byte{
		base36[int(buf[0])%36],
		base36[int(buf[1])%36],
		base36[int(buf[2])%36],
		base36[int(buf[3])%36],
	}
	return fmt.Sprintf("%s_%d_%s", streamID, now.UnixMilli(), suffix[:])
}

// SplitEventID parses an event ID into its stream ID and timestamp.
// Stream IDs never contain underscores, so the first segment is the
// stream and the remaining two are millis and the random suffix.
func SplitEventID(id string) (streamID string, millis int64, ok bool) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] == "" || len(parts[2]) != 4 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms < 0 {
		return "", 0, false
	}
	return parts[0], ms, true
}

// NewUniformRequestID returns the per-hop request identifier attached
// to audit entries and proxied `_meta`. It shares the event-id shape,
// keyed by session: `<sessionId>_<unixMillis>_<4 base36>`.
func NewUniformRequestID(sessionID string, now time.Time) string {
	return NewEventID(sessionID, now)
}

// NewProxyRequestID encodes the reverse-request correlation token
// `<sessionId>:<originalId>:<unixMillis>` carried in proxied `_meta`.
func NewProxyRequestID(sessionID, originalID string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", sessionID, originalID, now.UnixMilli())
}

// SplitProxyRequestID recovers the session ID and original request ID.
// Original IDs may themselves contain colons, so the session ID is the
// segment before the first colon and the timestamp after the last.
func SplitProxyRequestID(id string) (sessionID, originalID string, ok bool) {
	first := strings.Index(id, ":")
	last := strings.LastIndex(id, ":")
	if first < 0 || last <= first {
		return "", "", false
	}
	if _, err := strconv.ParseInt(id[last+1:], 10, 64); err != nil {
		return "", "", false
	}
	return id[:first], id[first+1 : last], true
}
