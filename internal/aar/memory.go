package aar

import (
	"context"
	"sort"
	"sync"
	"time"

	"pilgrim_sync/internal/event"
)

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	squads map[int64]*memLog
	now    func() time.Time
}

type memLog struct {
	events []event.Event // retained, ascending
	head   uint64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{squads: make(map[int64]*memLog), now: time.Now}
}

func (m *MemoryStore) log(squadID int64) *memLog {
	l, ok := m.squads[squadID]
	if !ok {
		l = &memLog{}
		m.squads[squadID] = l
	}
	return l
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, squadID int64, actorID string, d event.Draft) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := d.Validate(); err != nil {
		return event.Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.log(squadID)
	l.head++
	ev := event.Event{
		SquadID:   squadID,
		Sequence:  l.head,
		Timestamp: m.now().UTC(),
		ActorID:   actorID,
		Draft:     d,
	}
	l.events = append(l.events, ev)
	return ev, nil
}

// Range implements Store.
func (m *MemoryStore) Range(ctx context.Context, squadID int64, from, to uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.squads[squadID]
	if !ok {
		return nil, nil
	}
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Sequence >= from })
	var out []event.Event
	for ; i < len(l.events) && l.events[i].Sequence <= to; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, l.events[i])
	}
	return out, nil
}

// Bounds implements Store.
func (m *MemoryStore) Bounds(ctx context.Context, squadID int64) (Bounds, error) {
	if err := ctx.Err(); err != nil {
		return Bounds{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.squads[squadID]
	if !ok {
		return Bounds{Floor: 1}, nil
	}
	if len(l.events) == 0 {
		return Bounds{Floor: l.head + 1, Head: l.head}, nil
	}
	return Bounds{Floor: l.events[0].Sequence, Head: l.head}, nil
}

// Trim drops events recorded before the given time and returns how many
// were removed. Sequence numbers are never reused.
func (m *MemoryStore) Trim(ctx context.Context, squadID int64, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.squads[squadID]
	if !ok {
		return 0, nil
	}
	n := sort.Search(len(l.events), func(i int) bool { return !l.events[i].Timestamp.Before(before) })
	l.events = append([]event.Event(nil), l.events[n:]...)
	return int64(n), nil
}
