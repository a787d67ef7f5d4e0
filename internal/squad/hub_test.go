package squad

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
)

var gate = geo.Coordinate{Latitude: 35.0116, Longitude: 135.7681}

type fixture struct {
	dir   *MemoryDirectory
	store *aar.MemoryStore
	hub   *Hub
	squad Squad
}

func newFixture(t *testing.T, opts Options, members ...string) *fixture {
	t.Helper()
	f := &fixture{dir: NewMemoryDirectory(), store: aar.NewMemoryStore()}
	opts.Directory = f.dir
	opts.Store = f.store
	f.hub = NewHub(opts)
	t.Cleanup(f.hub.Close)

	ctx := context.Background()
	s, err := f.hub.CreateSquad(ctx, "Pilgrims", "alice", 0)
	require.NoError(t, err)
	f.squad = s
	for _, m := range members {
		_, err := f.hub.JoinSquad(ctx, s.JoinCode, m)
		require.NoError(t, err)
	}
	return f
}

func recv(t *testing.T, sub *Subscription) event.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Event{}
}

// recvKind skips events until one of the given kind arrives.
func recvKind(t *testing.T, sub *Subscription, kind event.Kind) event.Event {
	t.Helper()
	for {
		if ev := recv(t, sub); ev.Kind == kind {
			return ev
		}
	}
}

func TestSendReachesOtherMemberWithNextSequence(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()

	a, err := f.hub.Join(ctx, f.squad.ID, "alice", 0)
	require.NoError(t, err)
	defer a.Subscription.Cancel()
	b, err := f.hub.Join(ctx, f.squad.ID, "bob", 0)
	require.NoError(t, err)
	defer b.Subscription.Cancel()

	online := recv(t, b.Subscription)
	assert.Equal(t, event.KindMemberStatus, online.Kind)
	assert.Equal(t, "bob", online.Status.UserID)

	sent, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "heading to the east gate", ""))
	require.NoError(t, err)

	got := recv(t, b.Subscription)
	assert.Equal(t, event.KindSitRep, got.Kind)
	assert.Equal(t, online.Sequence+1, got.Sequence)
	assert.Equal(t, sent.Sequence, got.Sequence)
	assert.Equal(t, "alice", got.SitRep.AuthorID)
	assert.Equal(t, event.SeverityInfo, got.SitRep.Severity)
}

func TestConcurrentSendsAreGapless(t *testing.T) {
	users := []string{"bob", "carol", "dave"}
	f := newFixture(t, Options{}, users...)
	users = append(users, "alice")
	ctx := context.Background()

	obs, err := f.hub.Subscribe(ctx, f.squad.ID)
	require.NoError(t, err)
	defer obs.Cancel()

	const perUser = 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = make(map[uint64]bool)
	)
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				ev, err := f.hub.Send(ctx, f.squad.ID, u, event.NewSitRep("", fmt.Sprintf("%s %d", u, i), ""))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs[ev.Sequence] = true
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	assert.Len(t, seqs, len(users)*perUser)

	var prev uint64
	for i := 0; i < len(users)*perUser; i++ {
		ev := recv(t, obs)
		if i > 0 {
			require.Equal(t, prev+1, ev.Sequence)
		}
		prev = ev.Sequence
	}
}

func TestJoinCatchUp(t *testing.T) {
	f := newFixture(t, Options{CatchUp: 3}, "bob")
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", fmt.Sprintf("report %d", i), ""))
		require.NoError(t, err)
	}

	res, err := f.hub.Join(ctx, f.squad.ID, "bob", 2)
	require.NoError(t, err)
	defer res.Subscription.Cancel()
	assert.False(t, res.Truncated)
	assert.Equal(t, uint64(5), res.Head)
	require.Len(t, res.Events, 3)
	assert.Equal(t, uint64(3), res.Events[0].Sequence)
	assert.Equal(t, uint64(5), res.Events[2].Sequence)

	// The subscription continues where the catch-up ended.
	assert.Equal(t, uint64(6), recv(t, res.Subscription).Sequence)

	fresh, err := f.hub.Join(ctx, f.squad.ID, "alice", 0)
	require.NoError(t, err)
	defer fresh.Subscription.Cancel()
	require.Len(t, fresh.Events, 3)
	assert.Equal(t, fresh.Head, fresh.Events[2].Sequence)
}

func TestJoinUpToDate(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()
	_, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "one", ""))
	require.NoError(t, err)

	res, err := f.hub.Join(ctx, f.squad.ID, "bob", 1)
	require.NoError(t, err)
	defer res.Subscription.Cancel()
	assert.Empty(t, res.Events)
	assert.Equal(t, uint64(1), res.Head)
}

func TestJoinTruncatedHistory(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "old news", ""))
		require.NoError(t, err)
	}
	_, err := f.store.Trim(ctx, f.squad.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	res, err := f.hub.Join(ctx, f.squad.ID, "bob", 2)
	require.ErrorIs(t, err, ErrHistoryTruncated)
	require.NotNil(t, res.Subscription)
	defer res.Subscription.Cancel()
	assert.True(t, res.Truncated)
	assert.Empty(t, res.Events)
	assert.Equal(t, uint64(5), res.Head)
	assert.Equal(t, event.KindMemberStatus, recv(t, res.Subscription).Kind)
}

func TestJoinAheadOfHeadIsTruncated(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()
	_, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "only", ""))
	require.NoError(t, err)

	res, err := f.hub.Join(ctx, f.squad.ID, "bob", 40)
	require.ErrorIs(t, err, ErrHistoryTruncated)
	defer res.Subscription.Cancel()
	require.Len(t, res.Events, 1)
	assert.Equal(t, uint64(1), res.Events[0].Sequence)
}

func TestNonMemberRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.hub.Join(ctx, f.squad.ID, "mallory", 0)
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = f.hub.Send(ctx, f.squad.ID, "mallory", event.NewSitRep("", "hi", ""))
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = f.hub.Join(ctx, f.squad.ID+1, "alice", 0)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		draft event.Draft
	}{
		{"empty sitrep", event.NewSitRep("", "   ", "")},
		{"unknown signal", event.NewBeacon("", "PARTY")},
		{"bad coordinate", event.NewPresence("", geo.Coordinate{Latitude: 91})},
		{"client online", event.NewMemberStatus("", event.StatusOnline)},
		{"client offline", event.NewMemberStatus("", event.StatusOffline)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.hub.Send(ctx, f.squad.ID, "alice", tt.draft)
			assert.ErrorIs(t, err, event.ErrInvalidEvent)
		})
	}

	b, err := f.store.Bounds(ctx, f.squad.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Head)
}

func TestSendForcesActor(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()

	ev, err := f.hub.Send(ctx, f.squad.ID, "bob", event.NewSitRep("alice", "impersonation", event.SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, "bob", ev.ActorID)
	assert.Equal(t, "bob", ev.SitRep.AuthorID)
	assert.Equal(t, event.SeverityWarning, ev.SitRep.Severity)
}

func TestArrivalAtRallyPoint(t *testing.T) {
	presence := &MemoryPresence{}
	f := newFixture(t, Options{Presence: presence}, "bob")
	ctx := context.Background()

	obs, err := f.hub.Subscribe(ctx, f.squad.ID)
	require.NoError(t, err)
	defer obs.Cancel()

	_, err = f.hub.Send(ctx, f.squad.ID, "alice", event.NewRally(gate, 0, "East Gate"))
	require.NoError(t, err)
	far := geo.Coordinate{Latitude: gate.Latitude + 0.01, Longitude: gate.Longitude}
	_, err = f.hub.Send(ctx, f.squad.ID, "bob", event.NewPresence("", far))
	require.NoError(t, err)
	near := geo.Coordinate{Latitude: gate.Latitude + 0.0001, Longitude: gate.Longitude}
	p, err := f.hub.Send(ctx, f.squad.ID, "bob", event.NewPresence("", near))
	require.NoError(t, err)

	arrived := recvKind(t, obs, event.KindSitRep)
	assert.Equal(t, p.Sequence+1, arrived.Sequence)
	assert.Equal(t, "ARRIVED at East Gate", arrived.SitRep.Text)
	assert.Equal(t, "bob", arrived.SitRep.AuthorID)
	assert.Equal(t, event.SeverityStatus, arrived.SitRep.Severity)

	// Staying inside the radius does not announce again.
	again, err := f.hub.Send(ctx, f.squad.ID, "bob", event.NewPresence("", near))
	require.NoError(t, err)
	b, err := f.store.Bounds(ctx, f.squad.ID)
	require.NoError(t, err)
	assert.Equal(t, again.Sequence, b.Head)

	// Only the first fix inside the throttle interval is persisted.
	fixes := presence.Fixes()
	require.Len(t, fixes, 1)
	assert.Equal(t, "bob", fixes[0].UserID)

	_, members, err := f.hub.Roster(ctx, f.squad.ID)
	require.NoError(t, err)
	for _, m := range members {
		if m.UserID == "bob" {
			require.NotNil(t, m.Position)
			assert.Equal(t, near, *m.Position)
		}
	}
}

func TestBeaconUpdatesStatus(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()
	obs, err := f.hub.Subscribe(ctx, f.squad.ID)
	require.NoError(t, err)
	defer obs.Cancel()

	b, err := f.hub.Send(ctx, f.squad.ID, "bob", event.NewBeacon("", event.SignalSOS))
	require.NoError(t, err)

	assert.Equal(t, b.Sequence, recv(t, obs).Sequence)
	st := recv(t, obs)
	assert.Equal(t, event.KindMemberStatus, st.Kind)
	assert.Equal(t, b.Sequence+1, st.Sequence)
	assert.Equal(t, event.StatusSOS, st.Status.Status)

	_, members, err := f.hub.Roster(ctx, f.squad.ID)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, m := range members {
		statuses[m.UserID] = m.Status
	}
	assert.Equal(t, event.StatusSOS, statuses["bob"])
	assert.Empty(t, statuses["alice"])
}

func TestPresenceFollowsConnections(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()

	first, err := f.hub.Join(ctx, f.squad.ID, "bob", 0)
	require.NoError(t, err)
	second, err := f.hub.Join(ctx, f.squad.ID, "bob", 0)
	require.NoError(t, err)

	online := func() bool {
		_, members, err := f.hub.Roster(ctx, f.squad.ID)
		if err != nil {
			return false
		}
		for _, m := range members {
			if m.UserID == "bob" {
				return m.Online
			}
		}
		return false
	}
	assert.True(t, online())

	// A second connection neither announces nor withdraws presence.
	first.Subscription.Cancel()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, online())

	second.Subscription.Cancel()
	require.Eventually(t, func() bool { return !online() }, time.Second, 10*time.Millisecond)

	b, err := f.store.Bounds(ctx, f.squad.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Head)
}

func TestLeaveEvictsSubscriptions(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()

	obs, err := f.hub.Subscribe(ctx, f.squad.ID)
	require.NoError(t, err)
	defer obs.Cancel()
	res, err := f.hub.Join(ctx, f.squad.ID, "bob", 0)
	require.NoError(t, err)
	recv(t, obs)

	require.NoError(t, f.hub.LeaveSquad(ctx, "bob"))

	select {
	case <-res.Subscription.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not ended")
	}
	off := recv(t, obs)
	assert.Equal(t, event.StatusOffline, off.Status.Status)

	m, err := f.hub.MembershipOf(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, m)
	_, err = f.hub.Send(ctx, f.squad.ID, "bob", event.NewSitRep("", "still here?", ""))
	assert.ErrorIs(t, err, ErrNotMember)
	assert.ErrorIs(t, f.hub.LeaveSquad(ctx, "bob"), ErrNotMember)
}

func (h *Hub) loadedRooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func TestIdleRoomsUnload(t *testing.T) {
	f := newFixture(t, Options{RoomIdle: 30 * time.Millisecond}, "bob")
	ctx := context.Background()

	first, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "at the gate", ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, 1, f.hub.loadedRooms())
	require.Eventually(t, func() bool { return f.hub.loadedRooms() == 0 }, 2*time.Second, 5*time.Millisecond)

	// A reloaded room continues the sequence from the record.
	second, err := f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "moving on", ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)

	// Rooms with subscribers stay loaded.
	sub, err := f.hub.Subscribe(ctx, f.squad.ID)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.hub.loadedRooms())

	sub.Cancel()
	require.Eventually(t, func() bool { return f.hub.loadedRooms() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSendsAcrossRoomUnloadsStayGapless(t *testing.T) {
	f := newFixture(t, Options{RoomIdle: time.Millisecond}, "bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	seqs := make(chan uint64, 40)
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				ev, err := f.hub.Send(ctx, f.squad.ID, user, event.NewSitRep("", fmt.Sprintf("%s %d", user, i), ""))
				if !assert.NoError(t, err) {
					return
				}
				seqs <- ev.Sequence
				time.Sleep(time.Millisecond)
			}
		}(user)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, 40)
	for i := uint64(1); i <= 40; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestMembershipRules(t *testing.T) {
	dir := NewMemoryDirectory()
	hub := NewHub(Options{Directory: dir, Store: aar.NewMemoryStore()})
	defer hub.Close()
	ctx := context.Background()

	s, err := hub.CreateSquad(ctx, "Pair", "alice", 2)
	require.NoError(t, err)
	assert.Len(t, s.JoinCode, JoinCodeLength)
	assert.Equal(t, 2, s.Capacity)

	_, err = hub.JoinSquad(ctx, " "+strings.ToLower(s.JoinCode)+" ", "bob")
	require.NoError(t, err)
	_, err = hub.JoinSquad(ctx, s.JoinCode, "bob")
	assert.NoError(t, err, "rejoining the same squad is a no-op")
	_, err = hub.JoinSquad(ctx, s.JoinCode, "carol")
	assert.ErrorIs(t, err, ErrSquadFull)
	_, err = hub.CreateSquad(ctx, "Another", "bob", 0)
	assert.ErrorIs(t, err, ErrAlreadyMember)
	_, err = hub.JoinSquad(ctx, "ZZZZZZ", "carol")
	assert.ErrorIs(t, err, ErrUnknownSquad)

	_, err = hub.CreateSquad(ctx, "  ", "carol", 0)
	assert.ErrorIs(t, err, ErrInvalidSquad)
	_, err = hub.CreateSquad(ctx, "Crowd", "carol", MaxCapacity+1)
	assert.ErrorIs(t, err, ErrInvalidSquad)

	members, err := dir.Members(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID)
}

func TestRelayBetweenHubs(t *testing.T) {
	dir := NewMemoryDirectory()
	store := aar.NewMemoryStore()
	bus := NewLocalBus()
	newHub := func(b Bus) *Hub {
		h := NewHub(Options{Directory: dir, Store: store, Bus: b})
		t.Cleanup(h.Close)
		return h
	}
	silent := newHub(nil)
	h2 := newHub(bus.Connect())
	h3 := newHub(bus.Connect())
	ctx := context.Background()

	s, err := h2.CreateSquad(ctx, "Spread", "alice", 0)
	require.NoError(t, err)
	_, err = h2.JoinSquad(ctx, s.JoinCode, "bob")
	require.NoError(t, err)
	_, err = h2.JoinSquad(ctx, s.JoinCode, "carol")
	require.NoError(t, err)

	res, err := h2.Join(ctx, s.ID, "bob", 0)
	require.NoError(t, err)
	defer res.Subscription.Cancel()
	recv(t, res.Subscription)

	relayed, err := h3.Send(ctx, s.ID, "carol", event.NewSitRep("", "via another node", ""))
	require.NoError(t, err)
	got := recvKind(t, res.Subscription, event.KindSitRep)
	assert.Equal(t, relayed.Sequence, got.Sequence)

	// Events committed where no relay reaches are repaired from the record
	// when the next relayed event exposes the gap.
	var missed []uint64
	for i := 0; i < 2; i++ {
		ev, err := silent.Send(ctx, s.ID, "alice", event.NewSitRep("", "unrelayed", ""))
		require.NoError(t, err)
		missed = append(missed, ev.Sequence)
	}
	last, err := h3.Send(ctx, s.ID, "carol", event.NewSitRep("", "relayed", ""))
	require.NoError(t, err)

	for _, seq := range append(missed, last.Sequence) {
		assert.Equal(t, seq, recv(t, res.Subscription).Sequence)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	obs, err := f.hub.Subscribe(ctx, f.squad.ID)
	require.NoError(t, err)

	f.hub.Close()
	select {
	case <-obs.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription survived close")
	}
	_, err = f.hub.Send(ctx, f.squad.ID, "alice", event.NewSitRep("", "late", ""))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNATSBus(t *testing.T) {
	url := os.Getenv("PILGRIM_TEST_NATS_URL")
	if url == "" {
		t.Skip("PILGRIM_TEST_NATS_URL not set")
	}
	nc1, err := ConnectNATS(url, "test-a")
	require.NoError(t, err)
	defer nc1.Close()
	nc2, err := ConnectNATS(url, "test-b")
	require.NoError(t, err)
	defer nc2.Close()

	a := NewNATSBus(nc1, "a", nil)
	b := NewNATSBus(nc2, "b", nil)

	got := make(chan event.Event, 2)
	unsubA, err := a.Subscribe(7, func(ev event.Event) { got <- ev })
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := b.Subscribe(7, func(ev event.Event) { got <- ev })
	require.NoError(t, err)
	defer unsubB()
	require.NoError(t, nc1.Flush())
	require.NoError(t, nc2.Flush())

	ev := event.Event{SquadID: 7, Sequence: 3, Draft: event.NewSitRep("bob", "over the wire", event.SeverityInfo)}
	require.NoError(t, b.Publish(context.Background(), ev))

	select {
	case e := <-got:
		assert.Equal(t, uint64(3), e.Sequence)
		assert.Equal(t, "over the wire", e.SitRep.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("relay not received")
	}
	select {
	case <-got:
		t.Fatal("publisher received its own event")
	case <-time.After(100 * time.Millisecond):
	}
}
