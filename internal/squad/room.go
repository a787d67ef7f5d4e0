package squad

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
)

// Number of recent events replayed to rebuild room state on start.
const rebuildWindow = 500

// Rally points remembered for arrival detection.
const maxRallies = 20

// errRetired is returned for operations on a room that was unloaded while
// idle. Hub callers retry on a fresh room.
var errRetired = fmt.Errorf("%w: room unloaded", ErrClosed)

type origin int

const (
	originLocal  origin = iota // committed by this room
	originRemote               // committed elsewhere, relayed or repaired
	originReplay               // read back while rebuilding state
)

type rallyPoint struct {
	seq     uint64
	point   event.RallyPlaced
	arrived map[string]bool
}

// room is the single writer for one squad. Every field below ops is owned
// by the run goroutine and only touched from functions passed to do.
type room struct {
	hub  *Hub
	id   int64
	ops  chan func()
	done chan struct{}

	unsubBus func()
	retired  atomic.Bool

	head        uint64
	subs        map[int]*Subscription
	nextSub     int
	conns       map[string]int
	presence    map[string]string
	status      map[string]string
	positions   map[string]geo.Coordinate
	rallies     []*rallyPoint
	lastPersist map[string]time.Time
}

func newRoom(h *Hub, id int64) *room {
	return &room{
		hub:         h,
		id:          id,
		ops:         make(chan func(), 64),
		done:        make(chan struct{}),
		subs:        make(map[int]*Subscription),
		conns:       make(map[string]int),
		presence:    make(map[string]string),
		status:      make(map[string]string),
		positions:   make(map[string]geo.Coordinate),
		lastPersist: make(map[string]time.Time),
	}
}

func (r *room) run(ctx context.Context) {
	defer close(r.done)
	r.hub.metrics.RoomStarted()
	defer r.hub.metrics.RoomStopped()

	r.rebuild(ctx)
	idle := time.NewTimer(r.hub.roomIdle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			for id, s := range r.subs {
				s.stop()
				delete(r.subs, id)
				r.hub.metrics.SubscriberRemoved()
			}
			return
		case op := <-r.ops:
			op()
			idle.Reset(r.hub.roomIdle)
		case <-idle.C:
			if len(r.subs) == 0 && len(r.ops) == 0 && r.hub.retire(r) {
				r.retired.Store(true)
				return
			}
			idle.Reset(r.hub.roomIdle)
		}
	}
}

func (r *room) closedErr() error {
	if r.retired.Load() {
		return errRetired
	}
	return ErrClosed
}

// do runs fn on the room goroutine and waits for it to finish.
func (r *room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.closedErr()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return r.closedErr()
		}
	}
}

func (r *room) rebuild(ctx context.Context) {
	b, err := r.hub.store.Bounds(ctx, r.id)
	if err != nil {
		r.hub.logger.Error("room rebuild: read bounds", "squad", r.id, "error", err)
		return
	}
	r.head = b.Head
	if b.Empty() {
		return
	}
	from := b.Floor
	if b.Head >= rebuildWindow && b.Head-rebuildWindow+1 > from {
		from = b.Head - rebuildWindow + 1
	}
	for ev, err := range aar.Replay(ctx, r.hub.store, r.id, from, b.Head) {
		if err != nil {
			r.hub.logger.Error("room rebuild: replay", "squad", r.id, "error", err)
			return
		}
		r.apply(ctx, ev, originReplay)
	}
}

// commit appends d to the record and delivers it. Side effects of the
// event may commit further events.
func (r *room) commit(ctx context.Context, actorID string, d event.Draft) (event.Event, error) {
	ev, err := r.hub.store.Append(ctx, r.id, actorID, d)
	if err != nil {
		return event.Event{}, err
	}
	r.deliver(ctx, ev)
	r.hub.metrics.EventCommitted(string(ev.Kind))
	r.hub.publish(ctx, ev)
	r.apply(ctx, ev, originLocal)
	return ev, nil
}

// relay handles an event committed by another instance.
func (r *room) relay(ctx context.Context, ev event.Event) {
	if ev.Sequence <= r.head {
		return
	}
	r.deliver(ctx, ev)
	r.apply(ctx, ev, originRemote)
}

// deliver broadcasts ev, first filling any gap from the record so that
// subscribers always see consecutive sequences.
func (r *room) deliver(ctx context.Context, ev event.Event) {
	if ev.Sequence <= r.head {
		return
	}
	if ev.Sequence > r.head+1 {
		r.repair(ctx, ev.Sequence-1)
	}
	r.broadcast(ev)
	r.head = ev.Sequence
}

func (r *room) repair(ctx context.Context, upTo uint64) {
	n := 0
	for ev, err := range aar.Replay(ctx, r.hub.store, r.id, r.head+1, upTo) {
		if err != nil {
			r.hub.logger.Warn("gap repair failed", "squad", r.id, "from", r.head+1, "to", upTo, "error", err)
			break
		}
		r.broadcast(ev)
		r.head = ev.Sequence
		r.apply(ctx, ev, originRemote)
		n++
	}
	if n > 0 {
		r.hub.metrics.RelayRepaired(n)
		r.hub.logger.Debug("repaired sequence gap", "squad", r.id, "events", n)
	}
}

func (r *room) broadcast(ev event.Event) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		r.subs[id].push(ev)
	}
}

// apply updates room state for a committed event.
func (r *room) apply(ctx context.Context, ev event.Event, o origin) {
	switch ev.Kind {
	case event.KindRallyPlaced:
		p := *ev.Rally
		if p.RadiusMeters <= 0 {
			p.RadiusMeters = r.hub.rallyRadius
		}
		r.rallies = append(r.rallies, &rallyPoint{seq: ev.Sequence, point: p, arrived: make(map[string]bool)})
		if len(r.rallies) > maxRallies {
			r.rallies = r.rallies[len(r.rallies)-maxRallies:]
		}

	case event.KindPresenceUpdate:
		u, c := ev.Presence.UserID, ev.Presence.Coordinate
		r.positions[u] = c
		if o == originLocal {
			r.persistPosition(ctx, u, c, ev.Timestamp)
		}
		for _, rp := range r.rallies {
			if rp.arrived[u] || geo.Distance(c, rp.point.Coordinate) > rp.point.RadiusMeters {
				continue
			}
			rp.arrived[u] = true
			if o != originLocal {
				continue
			}
			label := rp.point.Label
			if label == "" {
				label = fmt.Sprintf("rally point #%d", rp.seq)
			}
			if _, err := r.commit(ctx, u, event.NewSitRep(u, "ARRIVED at "+label, event.SeverityStatus)); err != nil {
				r.hub.logger.Warn("arrival sitrep not recorded", "squad", r.id, "user", u, "error", err)
			}
		}

	case event.KindBeacon:
		if o != originLocal {
			return
		}
		u := ev.Beacon.UserID
		if _, err := r.commit(ctx, u, event.NewMemberStatus(u, beaconStatus(ev.Beacon.Signal))); err != nil {
			r.hub.logger.Warn("beacon status not recorded", "squad", r.id, "user", u, "error", err)
		}

	case event.KindMemberStatus:
		u, st := ev.Status.UserID, ev.Status.Status
		switch st {
		case event.StatusOnline, event.StatusOffline:
			// Connection state does not survive a restart.
			if o != originReplay {
				r.presence[u] = st
			}
		default:
			r.status[u] = st
		}
	}
}

func beaconStatus(signal string) string {
	switch signal {
	case event.SignalSOS:
		return event.StatusSOS
	case event.SignalRegroup:
		return event.StatusRegroup
	default:
		return event.StatusOK
	}
}

func (r *room) persistPosition(ctx context.Context, userID string, c geo.Coordinate, at time.Time) {
	if r.hub.positions == nil {
		return
	}
	if last, ok := r.lastPersist[userID]; ok && at.Sub(last) < r.hub.presenceEvery {
		return
	}
	r.lastPersist[userID] = at
	if err := r.hub.positions.RecordPosition(ctx, r.id, userID, c, at); err != nil {
		r.hub.logger.Warn("position not persisted", "squad", r.id, "user", userID, "error", err)
	}
}

// subscribe registers a subscriber. When userID is non-empty it counts as a
// member connection and the first one announces the member online.
func (r *room) subscribe(ctx context.Context, userID string) *Subscription {
	id := r.nextSub
	r.nextSub++
	sub := newSubscription(id, userID, func() {
		go func() {
			_ = r.do(r.hub.ctx, func() { r.unsubscribe(id) })
		}()
	})
	r.subs[id] = sub
	r.hub.metrics.SubscriberAdded()

	if userID != "" {
		r.conns[userID]++
		if r.conns[userID] == 1 && r.presence[userID] != event.StatusOnline {
			if _, err := r.commit(ctx, userID, event.NewMemberStatus(userID, event.StatusOnline)); err != nil {
				r.hub.logger.Warn("online status not recorded", "squad", r.id, "user", userID, "error", err)
			}
		}
	}
	return sub
}

func (r *room) unsubscribe(id int) {
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	r.hub.metrics.SubscriberRemoved()

	u := sub.userID
	if u == "" {
		return
	}
	r.conns[u]--
	if r.conns[u] > 0 {
		return
	}
	delete(r.conns, u)
	r.markOffline(u)
}

// evict ends every subscription held by userID, as when they leave.
func (r *room) evict(userID string) {
	for id, s := range r.subs {
		if s.userID != userID {
			continue
		}
		s.stop()
		delete(r.subs, id)
		r.hub.metrics.SubscriberRemoved()
	}
	delete(r.conns, userID)
	r.markOffline(userID)
	delete(r.status, userID)
	delete(r.positions, userID)
	delete(r.lastPersist, userID)
	for _, rp := range r.rallies {
		delete(rp.arrived, userID)
	}
}

func (r *room) markOffline(userID string) {
	if r.presence[userID] != event.StatusOnline {
		return
	}
	ctx, cancel := context.WithTimeout(r.hub.ctx, 5*time.Second)
	defer cancel()
	if _, err := r.commit(ctx, userID, event.NewMemberStatus(userID, event.StatusOffline)); err != nil {
		r.hub.logger.Warn("offline status not recorded", "squad", r.id, "user", userID, "error", err)
	}
}

func (r *room) roster(ms []Membership) []Member {
	out := make([]Member, 0, len(ms))
	for _, m := range ms {
		mem := Member{
			UserID:   m.UserID,
			JoinedAt: m.JoinedAt,
			Online:   r.presence[m.UserID] == event.StatusOnline,
			Status:   r.status[m.UserID],
		}
		if c, ok := r.positions[m.UserID]; ok {
			c := c
			mem.Position = &c
		}
		out = append(out, mem)
	}
	return out
}
