package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout closes sessions with no activity for an hour.
const DefaultIdleTimeout = 60 * time.Minute

const sweepInterval = time.Minute

// Store indexes live sessions by id and by user and owns the idle
// sweeper. The OnClose hook runs once per closed session, after the
// session left both indexes.
type Store struct {
	log         *slog.Logger
	idleTimeout time.Duration

	// OnClose observes every session close with its reason: audit,
	// event-cache release, and subscription cleanup hang off it.
	OnClose func(sess *Session, reason string)

	mu     sync.Mutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session

	nowFunc func() time.Time
}

// NewStore creates an empty session store.
func NewStore(idleTimeout time.Duration, log *slog.Logger) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Store{
		log:         log.With("component", "session-store"),
		idleTimeout: idleTimeout,
		byID:        make(map[string]*Session),
		byUser:      make(map[string]map[string]*Session),
		nowFunc:     time.Now,
	}
}

// Add registers a new session under both indexes.
func (st *Store) Add(sess *Session) {
	st.mu.Lock()
	st.byID[sess.ID] = sess
	userSessions, ok := st.byUser[sess.UserID]
	if !ok {
		userSessions = make(map[string]*Session)
		st.byUser[sess.UserID] = userSessions
	}
	userSessions[sess.ID] = sess
	st.mu.Unlock()
	st.log.Debug("session opened", "session_id", sess.ID, "user_id", sess.UserID)
}

// Get returns the session for an id, nil when unknown.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.byID[id]
}

// UserSessions returns the live sessions of one user.
func (st *Store) UserSessions(userID string) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.byUser[userID]))
	for _, sess := range st.byUser[userID] {
		out = append(out, sess)
	}
	return out
}

// All returns every live session.
func (st *Store) All() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.byID))
	for _, sess := range st.byID {
		out = append(out, sess)
	}
	return out
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byID)
}

// Close removes one session and closes it with the given reason. It
// reports whether the session existed.
func (st *Store) Close(id, reason string) bool {
	st.mu.Lock()
	sess, ok := st.byID[id]
	if ok {
		st.removeLocked(sess)
	}
	st.mu.Unlock()
	if !ok {
		return false
	}
	st.finish(sess, reason)
	return true
}

// RemoveAllUserSessions closes every session of one user, used on
// disable, delete, and expiry.
func (st *Store) RemoveAllUserSessions(userID, reason string) int {
	st.mu.Lock()
	var closing []*Session
	for _, sess := range st.byUser[userID] {
		closing = append(closing, sess)
	}
	for _, sess := range closing {
		st.removeLocked(sess)
	}
	st.mu.Unlock()

	for _, sess := range closing {
		st.finish(sess, reason)
	}
	return len(closing)
}

// CloseAll closes every session, used on shutdown.
func (st *Store) CloseAll(reason string) {
	st.mu.Lock()
	var closing []*Session
	for _, sess := range st.byID {
		closing = append(closing, sess)
	}
	st.byID = make(map[string]*Session)
	st.byUser = make(map[string]map[string]*Session)
	st.mu.Unlock()

	for _, sess := range closing {
		st.finish(sess, reason)
	}
}

func (st *Store) removeLocked(sess *Session) {
	delete(st.byID, sess.ID)
	if userSessions, ok := st.byUser[sess.UserID]; ok {
		delete(userSessions, sess.ID)
		if len(userSessions) == 0 {
			delete(st.byUser, sess.UserID)
		}
	}
}

func (st *Store) finish(sess *Session, reason string) {
	sess.Close(reason)
	st.log.Info("session closed", "session_id", sess.ID, "user_id", sess.UserID, "reason", reason)
	if st.OnClose != nil {
		st.OnClose(sess, reason)
	}
}

// RunSweeper closes idle sessions until ctx is cancelled.
func (st *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.sweepIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (st *Store) sweepIdle() {
	deadline := st.nowFunc().Add(-st.idleTimeout)
	st.mu.Lock()
	var expired []*Session
	for _, sess := range st.byID {
		if sess.LastActive().Before(deadline) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		st.removeLocked(sess)
	}
	st.mu.Unlock()

	for _, sess := range expired {
		st.finish(sess, ReasonTimeout)
	}
}
