package squad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/metrics"
)

const (
	DefaultCatchUp          = 50
	DefaultRallyRadius      = 50.0
	DefaultPresenceInterval = 5 * time.Second
	DefaultRoomIdle         = 10 * time.Minute
	maxNameRunes            = 60
)

var tracer = otel.Tracer("pilgrim_sync/squad")

// Options configures a Hub.
type Options struct {
	Directory Directory
	Store     aar.Store
	// Presence, Bus and Metrics are optional.
	Presence PresenceStore
	Bus      Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// CatchUp is how many recent events a fresh join receives.
	CatchUp int
	// RallyRadiusMeters is the arrival radius for rally points placed
	// without one.
	RallyRadiusMeters float64
	// PresenceInterval throttles position persistence per member.
	PresenceInterval time.Duration
	// RoomIdle is how long a room without subscribers stays loaded.
	RoomIdle time.Duration
	Now      func() time.Time
}

// JoinResult is what a member receives when opening the channel.
//
// When Truncated is set the requested history is gone: Events holds the
// latest retained events instead, and the client must replace its state.
type JoinResult struct {
	Squad        Squad
	Members      []Member
	Events       []event.Event
	Head         uint64
	Truncated    bool
	Subscription *Subscription
}

// Hub owns the rooms of every squad served by this instance.
type Hub struct {
	dir           Directory
	store         aar.Store
	positions     PresenceStore
	bus           Bus
	metrics       *metrics.Metrics
	logger        *slog.Logger
	catchUp       int
	rallyRadius   float64
	presenceEvery time.Duration
	roomIdle      time.Duration
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[int64]*room
	closed bool
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		dir:           opts.Directory,
		store:         opts.Store,
		positions:     opts.Presence,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		catchUp:       opts.CatchUp,
		rallyRadius:   opts.RallyRadiusMeters,
		presenceEvery: opts.PresenceInterval,
		roomIdle:      opts.RoomIdle,
		now:           opts.Now,
		ctx:           ctx,
		cancel:        cancel,
		rooms:         make(map[int64]*room),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.catchUp <= 0 {
		h.catchUp = DefaultCatchUp
	}
	if h.rallyRadius <= 0 {
		h.rallyRadius = DefaultRallyRadius
	}
	if h.presenceEvery <= 0 {
		h.presenceEvery = DefaultPresenceInterval
	}
	if h.roomIdle <= 0 {
		h.roomIdle = DefaultRoomIdle
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// withRoom runs fn on the squad's room goroutine, loading the room if
// needed. A room retired while fn was queued is replaced and fn retried.
func (h *Hub) withRoom(ctx context.Context, id int64, fn func(r *room)) error {
	for {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		err = r.do(ctx, func() { fn(r) })
		if !errors.Is(err, errRetired) {
			return err
		}
	}
}

// retire unloads an idle room. It reports false when the hub is closing.
func (h *Hub) retire(r *room) bool {
	h.mu.Lock()
	if h.closed || h.rooms[r.id] != r {
		h.mu.Unlock()
		return false
	}
	delete(h.rooms, r.id)
	unsub := r.unsubBus
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	h.logger.Debug("squad room unloaded", "squad", r.id)
	return true
}

func (h *Hub) room(id int64) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}
	r := newRoom(h, id)
	h.rooms[id] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.run(h.ctx)
	}()

	if h.bus != nil {
		unsub, err := h.bus.Subscribe(id, func(ev event.Event) {
			if ev.SquadID != id {
				return
			}
			_ = r.do(h.ctx, func() { r.relay(h.ctx, ev) })
		})
		if err != nil {
			h.logger.Warn("squad relay unavailable", "squad", id, "error", err)
		} else {
			r.unsubBus = unsub
		}
	}
	return r, nil
}

func (h *Hub) publish(ctx context.Context, ev event.Event) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.Warn("squad relay publish failed", "squad", ev.SquadID, "seq", ev.Sequence, "error", err)
	}
}

func (h *Hub) requireMember(ctx context.Context, squadID int64, userID string) (*Squad, []Membership, error) {
	m, err := h.dir.MembershipOf(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup membership: %w", err)
	}
	if m == nil || m.SquadID != squadID {
		return nil, nil, ErrNotMember
	}
	s, err := h.dir.Squad(ctx, squadID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup squad: %w", err)
	}
	if s == nil {
		return nil, nil, ErrUnknownSquad
	}
	ms, err := h.dir.Members(ctx, squadID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup members: %w", err)
	}
	return s, ms, nil
}

// Join opens userID's channel to the squad. With afterSeq zero the result
// carries the latest events; otherwise it carries every event after
// afterSeq. If those are no longer retained the result is a snapshot and
// the error is ErrHistoryTruncated; the result and its subscription are
// still valid.
func (h *Hub) Join(ctx context.Context, squadID int64, userID string, afterSeq uint64) (JoinResult, error) {
	ctx, span := tracer.Start(ctx, "squad.join", trace.WithAttributes(
		attribute.Int64("squad.id", squadID),
		attribute.Int64("squad.after_seq", int64(afterSeq)),
	))
	defer span.End()

	s, members, err := h.requireMember(ctx, squadID, userID)
	if err != nil {
		return JoinResult{}, err
	}
	var (
		res    JoinResult
		runErr error
	)
	err = h.withRoom(ctx, squadID, func(r *room) {
		b, err := h.store.Bounds(ctx, squadID)
		if err != nil {
			runErr = fmt.Errorf("read bounds: %w", err)
			return
		}
		if b.Head > r.head {
			r.repair(ctx, b.Head)
		}
		head := r.head

		truncated := afterSeq > 0 && (afterSeq+1 < b.Floor || afterSeq > head)
		from := afterSeq + 1
		if afterSeq == 0 || truncated {
			from = 1
			if head > uint64(h.catchUp) {
				from = head - uint64(h.catchUp) + 1
			}
		}
		var events []event.Event
		if head >= from {
			events, err = aar.Collect(aar.Replay(ctx, h.store, squadID, from, head))
			if err != nil {
				runErr = fmt.Errorf("catch-up replay: %w", err)
				return
			}
		}

		sub := r.subscribe(ctx, userID)
		res = JoinResult{
			Squad:        *s,
			Members:      r.roster(members),
			Events:       events,
			Head:         head,
			Truncated:    truncated,
			Subscription: sub,
		}
	})
	if err != nil {
		return JoinResult{}, err
	}
	if runErr != nil {
		return JoinResult{}, runErr
	}

	h.logger.Debug("squad joined", "squad", squadID, "user", userID,
		"after", afterSeq, "head", res.Head, "catch_up", len(res.Events), "truncated", res.Truncated)
	if res.Truncated {
		return res, ErrHistoryTruncated
	}
	return res, nil
}

// Subscribe opens a passive subscription to the squad's events from the
// current head, without announcing presence.
func (h *Hub) Subscribe(ctx context.Context, squadID int64) (*Subscription, error) {
	var sub *Subscription
	if err := h.withRoom(ctx, squadID, func(r *room) { sub = r.subscribe(ctx, "") }); err != nil {
		return nil, err
	}
	return sub, nil
}

// Send commits a command event from userID and returns it with its
// assigned sequence.
func (h *Hub) Send(ctx context.Context, squadID int64, userID string, d event.Draft) (event.Event, error) {
	ctx, span := tracer.Start(ctx, "squad.send", trace.WithAttributes(
		attribute.Int64("squad.id", squadID),
		attribute.String("squad.kind", string(d.Kind)),
	))
	defer span.End()

	d = d.WithActor(userID)
	if err := d.Validate(); err != nil {
		return event.Event{}, err
	}
	if d.Kind == event.KindMemberStatus {
		switch d.Status.Status {
		case event.StatusOnline, event.StatusOffline:
			return event.Event{}, fmt.Errorf("%w: connection status is server-assigned", event.ErrInvalidEvent)
		}
	}
	m, err := h.dir.MembershipOf(ctx, userID)
	if err != nil {
		return event.Event{}, fmt.Errorf("lookup membership: %w", err)
	}
	if m == nil || m.SquadID != squadID {
		return event.Event{}, ErrNotMember
	}
	var (
		ev     event.Event
		runErr error
	)
	if err := h.withRoom(ctx, squadID, func(r *room) { ev, runErr = r.commit(ctx, userID, d) }); err != nil {
		return event.Event{}, err
	}
	if runErr != nil {
		return event.Event{}, fmt.Errorf("commit event: %w", runErr)
	}
	span.SetAttributes(attribute.Int64("squad.seq", int64(ev.Sequence)))
	return ev, nil
}

// Roster returns the squad's members with their live state.
func (h *Hub) Roster(ctx context.Context, squadID int64) (Squad, []Member, error) {
	s, err := h.dir.Squad(ctx, squadID)
	if err != nil {
		return Squad{}, nil, err
	}
	if s == nil {
		return Squad{}, nil, ErrUnknownSquad
	}
	ms, err := h.dir.Members(ctx, squadID)
	if err != nil {
		return Squad{}, nil, err
	}
	var out []Member
	if err := h.withRoom(ctx, squadID, func(r *room) { out = r.roster(ms) }); err != nil {
		return Squad{}, nil, err
	}
	return *s, out, nil
}

// MembershipOf returns the user's active membership, or nil.
func (h *Hub) MembershipOf(ctx context.Context, userID string) (*Membership, error) {
	return h.dir.MembershipOf(ctx, userID)
}

// CreateSquad creates a squad with creatorID as its first member. A zero
// capacity selects DefaultCapacity.
func (h *Hub) CreateSquad(ctx context.Context, name, creatorID string, capacity int) (Squad, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameRunes {
		return Squad{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidSquad, maxNameRunes)
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 2 || capacity > MaxCapacity {
		return Squad{}, fmt.Errorf("%w: capacity must be 2-%d", ErrInvalidSquad, MaxCapacity)
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := NewJoinCode()
		if err != nil {
			return Squad{}, fmt.Errorf("generate join code: %w", err)
		}
		s, err := h.dir.CreateSquad(ctx, Squad{
			Name:      name,
			JoinCode:  code,
			CreatorID: creatorID,
			Capacity:  capacity,
		}, h.now().UTC())
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return Squad{}, err
		}
		h.logger.Info("squad created", "squad", s.ID, "creator", creatorID)
		return s, nil
	}
	return Squad{}, fmt.Errorf("%w: could not allocate a join code", ErrInvalidSquad)
}

// JoinSquad adds userID to the squad with the given share code.
func (h *Hub) JoinSquad(ctx context.Context, code, userID string) (Squad, error) {
	code = NormalizeCode(code)
	if len(code) != JoinCodeLength {
		return Squad{}, fmt.Errorf("%w: %q", ErrUnknownSquad, code)
	}
	s, err := h.dir.JoinByCode(ctx, code, userID, h.now().UTC())
	if err != nil {
		return Squad{}, err
	}
	h.logger.Info("squad member added", "squad", s.ID, "user", userID)
	return s, nil
}

// LeaveSquad removes userID from their squad and closes their channels.
func (h *Hub) LeaveSquad(ctx context.Context, userID string) error {
	squadID, err := h.dir.Leave(ctx, userID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	r, ok := h.rooms[squadID]
	h.mu.Unlock()
	if ok {
		if err := r.do(ctx, func() { r.evict(userID) }); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
	h.logger.Info("squad member left", "squad", squadID, "user", userID)
	return nil
}

// Close stops every room and ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		if r.unsubBus != nil {
			r.unsubBus()
		}
	}
	h.cancel()
	h.wg.Wait()
}
