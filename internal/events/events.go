// Package events implements the resumable SSE event store: an
// in-memory cache bounded per stream and overall, backed by a durable
// SQLite tier with TTL-based garbage collection.
package events

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/store"
)

// Options bound the store.
type Options struct {
	MaxPerStream    int
	MaxTotal        int
	TTL             time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	Compress        bool
}

// Store is the two-tier event store.
type Store struct {
	log     *slog.Logger
	durable store.Events
	opts    Options

	// mu guards streams and all cache mutations, so the eviction
	// callback below runs with mu held and must not re-lock.
	mu      sync.Mutex
	streams map[string][]string
	cache   *lru.Cache[string, *model.Event]

	persistCh chan *model.Event
	done      chan struct{}
	wg        sync.WaitGroup

	nowFunc func() time.Time
}

// New creates the store and starts its persistence worker.
func New(durable store.Events, opts Options, log *slog.Logger) (*Store, error) {
	if opts.MaxPerStream <= 0 || opts.MaxTotal <= 0 {
		return nil, fmt.Errorf("event store bounds must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	s := &Store{
		log:       log,
		durable:   durable,
		opts:      opts,
		streams:   make(map[string][]string),
		persistCh: make(chan *model.Event, 1024),
		done:      make(chan struct{}),
		nowFunc:   time.Now,
	}
	cache, err := lru.NewWithEvict[string, *model.Event](opts.MaxTotal, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create event cache: %w", err)
	}
	s.cache = cache

	s.wg.Add(1)
	go s.persistLoop()
	return s, nil
}

// onEvict drops the id from the per-stream index. Called by the LRU
// while mu is held.
func (s *Store) onEvict(id string, ev *model.Event) {
	ids := s.streams[ev.StreamID]
	for i, candidate := range ids {
		if candidate == id {
			s.streams[ev.StreamID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.streams[ev.StreamID]) == 0 {
		delete(s.streams, ev.StreamID)
	}
}

// Append records one message on a stream and returns its event id.
// Persistence is asynchronous; a durable-tier failure never fails the
// caller.
func (s *Store) Append(streamID, messageType string, data []byte) string {
	now := s.nowFunc()
	ev := &model.Event{
		ID:          model.NewEventID(streamID, now),
		StreamID:    streamID,
		SessionID:   streamID,
		MessageType: messageType,
		MessageData: data,
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(s.opts.TTL).UnixMilli(),
	}

	s.mu.Lock()
	// Per-stream overflow evicts the lexicographically smallest event.
	if ids := s.streams[streamID]; len(ids) >= s.opts.MaxPerStream {
		s.cache.Remove(ids[0])
	}
	s.cache.Add(ev.ID, ev)
	ids := s.streams[streamID]
	// Appends arrive in timestamp order per stream; insertion keeps the
	// index sorted even if two events share a millisecond.
	pos := sort.SearchStrings(ids, ev.ID)
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = ev.ID
	s.streams[streamID] = ids
	s.mu.Unlock()

	select {
	case s.persistCh <- ev:
	default:
		// Persistence queue saturated; write inline rather than lose
		// the event.
		s.persistOne(ev)
	}
	return ev.ID
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	batch := make([]*model.Event, 0, s.opts.BatchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		for _, ev := range batch {
			s.persistOne(ev)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.persistCh:
			batch = append(batch, ev)
			if len(batch) >= s.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain what is queued, then stop.
			for {
				select {
				case ev := <-s.persistCh:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) persistOne(ev *model.Event) {
	record := *ev
	if s.opts.Compress {
		if packed, err := gzipBytes(ev.MessageData); err == nil && len(packed) < len(ev.MessageData) {
			record.MessageData = packed
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.durable.InsertEvent(ctx, &record); err != nil {
		s.log.Error("event persistence failed", "event_id", ev.ID, "error", err)
	}
}

// ReplayAfter streams every durable event of lastEventID's stream that
// was created strictly after it, in order. An unknown id replays the
// whole stream. Undecodable payloads are skipped and logged.
func (s *Store) ReplayAfter(ctx context.Context, lastEventID string, send func(eventID string, data []byte) error) error {
	streamID, _, ok := model.SplitEventID(lastEventID)
	if !ok {
		return fmt.Errorf("malformed event id %q", lastEventID)
	}

	var afterMillis int64
	if prev, err := s.durable.GetEvent(ctx, lastEventID); err == nil {
		afterMillis = prev.CreatedAt
	} else if err != store.ErrNotFound {
		return fmt.Errorf("resolve last event: %w", err)
	}

	evs, err := s.durable.EventsSince(ctx, streamID, afterMillis)
	if err != nil {
		return fmt.Errorf("read stream %s: %w", streamID, err)
	}
	for _, ev := range evs {
		data, err := unpack(ev.MessageData)
		if err != nil || !json.Valid(data) {
			s.log.Warn("skipping undecodable event", "event_id", ev.ID, "error", err)
			continue
		}
		if err := send(ev.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// DropStream releases the cached events of a closed session's stream.
// Durable entries stay until TTL expiry.
func (s *Store) DropStream(streamID string) {
	s.mu.Lock()
	ids := append([]string(nil), s.streams[streamID]...)
	for _, id := range ids {
		s.cache.Remove(id)
	}
	s.mu.Unlock()
}

// CachedLen reports cache occupancy (total, and for one stream).
func (s *Store) CachedLen(streamID string) (total, stream int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len(), len(s.streams[streamID])
}

// RunGC deletes expired durable events on the configured cadence until
// the context is cancelled.
func (s *Store) RunGC(ctx context.Context) {
	interval := s.opts.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.durable.DeleteExpiredEvents(ctx, s.nowFunc().UnixMilli())
			if err != nil {
				s.log.Error("event GC failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Debug("expired events removed", "count", n)
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close stops the workers and flushes pending persists.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpack transparently gunzips compressed payloads, recognized by the
// gzip magic bytes.
func unpack(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
