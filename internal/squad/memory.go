package squad

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pilgrim_sync/internal/geo"
)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      sync.Mutex
	nextID  int64
	squads  map[int64]*Squad
	codes   map[string]int64
	members map[string]Membership
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		squads:  make(map[int64]*Squad),
		codes:   make(map[string]int64),
		members: make(map[string]Membership),
	}
}

func (d *MemoryDirectory) CreateSquad(ctx context.Context, s Squad, at time.Time) (Squad, error) {
	if err := ctx.Err(); err != nil {
		return Squad{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[s.CreatorID]; ok {
		return Squad{}, ErrAlreadyMember
	}
	if _, ok := d.codes[s.JoinCode]; ok {
		return Squad{}, ErrCodeTaken
	}
	d.nextID++
	s.ID = d.nextID
	s.CreatedAt = at
	d.squads[s.ID] = &s
	d.codes[s.JoinCode] = s.ID
	d.members[s.CreatorID] = Membership{SquadID: s.ID, UserID: s.CreatorID, JoinedAt: at}
	return s, nil
}

func (d *MemoryDirectory) JoinByCode(ctx context.Context, code, userID string, at time.Time) (Squad, error) {
	if err := ctx.Err(); err != nil {
		return Squad{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.codes[code]
	if !ok {
		return Squad{}, fmt.Errorf("%w: %q", ErrUnknownSquad, code)
	}
	if m, ok := d.members[userID]; ok {
		if m.SquadID == id {
			return *d.squads[id], nil
		}
		return Squad{}, ErrAlreadyMember
	}
	s := d.squads[id]
	if d.countLocked(id) >= s.Capacity {
		return Squad{}, ErrSquadFull
	}
	d.members[userID] = Membership{SquadID: id, UserID: userID, JoinedAt: at}
	return *s, nil
}

func (d *MemoryDirectory) countLocked(squadID int64) int {
	n := 0
	for _, m := range d.members {
		if m.SquadID == squadID {
			n++
		}
	}
	return n
}

func (d *MemoryDirectory) Leave(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[userID]
	if !ok {
		return 0, ErrNotMember
	}
	delete(d.members, userID)
	return m.SquadID, nil
}

func (d *MemoryDirectory) Squad(ctx context.Context, id int64) (*Squad, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.squads[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (d *MemoryDirectory) Members(ctx context.Context, squadID int64) ([]Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Membership
	for _, m := range d.members {
		if m.SquadID == squadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (d *MemoryDirectory) MembershipOf(ctx context.Context, userID string) (*Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// PositionFix is a persisted member position.
type PositionFix struct {
	SquadID    int64
	UserID     string
	Coordinate geo.Coordinate
	At         time.Time
}

// MemoryPresence records positions in memory.
type MemoryPresence struct {
	mu    sync.Mutex
	fixes []PositionFix
}

func (p *MemoryPresence) RecordPosition(ctx context.Context, squadID int64, userID string, c geo.Coordinate, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes = append(p.fixes, PositionFix{SquadID: squadID, UserID: userID, Coordinate: c, At: at})
	return nil
}

// Fixes returns the recorded positions in arrival order.
func (p *MemoryPresence) Fixes() []PositionFix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PositionFix(nil), p.fixes...)
}
