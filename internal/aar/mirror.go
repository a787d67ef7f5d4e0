package aar

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pilgrim_sync/internal/event"
)

// Sink receives committed events for secondary, non-authoritative storage
// such as an analytics database.
type Sink interface {
	InsertEvents(ctx context.Context, events []event.Event) error
}

// Mirror batches committed events into a Sink in the background. A failed
// batch is logged and dropped; the primary store remains the source of truth.
type Mirror struct {
	sink      Sink
	logger    *slog.Logger
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []event.Event
	kick    chan struct{}
}

// NewMirror creates a mirror. Run must be started for batches to flush.
func NewMirror(sink Sink, logger *slog.Logger, batchSize int, interval time.Duration) *Mirror {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Mirror{
		sink:      sink,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue schedules an event for mirroring. It never blocks on the sink.
func (m *Mirror) Enqueue(ev event.Event) {
	m.mu.Lock()
	m.pending = append(m.pending, ev)
	full := len(m.pending) >= m.batchSize
	m.mu.Unlock()
	if full {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes batches until ctx is cancelled, then performs a final flush.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			m.Flush(ctx)
		case <-m.kick:
			m.Flush(ctx)
		}
	}
}

// Flush sends everything currently pending.
func (m *Mirror) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := m.sink.InsertEvents(ctx, batch); err != nil {
		m.logger.Warn("aar mirror: dropping batch", "events", len(batch), "error", err)
	}
}

// Mirrored wraps a Store so that every successful Append is also enqueued
// on a Mirror.
type Mirrored struct {
	Store
	mirror *Mirror
}

// WithMirror returns a Store that mirrors appends.
func WithMirror(s Store, m *Mirror) *Mirrored {
	return &Mirrored{Store: s, mirror: m}
}

// Append implements Store.
func (s *Mirrored) Append(ctx context.Context, squadID int64, actorID string, d event.Draft) (event.Event, error) {
	ev, err := s.Store.Append(ctx, squadID, actorID, d)
	if err != nil {
		return ev, err
	}
	s.mirror.Enqueue(ev)
	return ev, nil
}
