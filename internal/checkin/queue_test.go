package checkin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilgrim_sync/internal/catalog"
	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/wire"
)

var (
	gate   = geo.Target{ID: "gate", Name: "East Gate", Order: 1, Coordinate: geo.Coordinate{Latitude: 12.2319, Longitude: 79.0677}, ProximityRadiusMeters: 50}
	shrine = geo.Target{ID: "shrine", Name: "Shrine", Order: 2, Coordinate: geo.Coordinate{Latitude: 12.2253, Longitude: 79.0747}, ProximityRadiusMeters: 50}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTargets() *catalog.Catalog {
	return catalog.New(gate, shrine)
}

func at(t geo.Target) geo.Fix {
	return geo.Fix{Coordinate: t.Coordinate, AccuracyMeters: 10}
}

// serviceConfirmer routes confirmations straight into a server-side Service.
type serviceConfirmer struct {
	svc  *Service
	repo *MemoryRepository

	mu       sync.Mutex
	calls    []wire.CheckInRequest
	updates  []int64
	deletes  []int64
	failNext []error
	// loseResponse stores the check-in but reports a transport error.
	loseResponse bool
}

func newServiceConfirmer() *serviceConfirmer {
	repo := NewMemoryRepository()
	return &serviceConfirmer{svc: NewService(repo, testTargets(), testLogger()), repo: repo}
}

func (c *serviceConfirmer) popFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failNext) == 0 {
		return nil
	}
	err := c.failNext[0]
	c.failNext = c.failNext[1:]
	return err
}

func (c *serviceConfirmer) Confirm(ctx context.Context, req wire.CheckInRequest) (wire.CheckInResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	lose := c.loseResponse
	c.loseResponse = false
	c.mu.Unlock()

	if err := c.popFailure(); err != nil {
		return wire.CheckInResponse{}, err
	}
	resp, err := c.svc.Confirm(ctx, "pilgrim", req)
	if lose {
		return wire.CheckInResponse{}, errors.New("connection reset by peer")
	}
	return resp, err
}

func (c *serviceConfirmer) UpdateReflection(ctx context.Context, id int64, text string) error {
	c.mu.Lock()
	c.updates = append(c.updates, id)
	c.mu.Unlock()
	if err := c.popFailure(); err != nil {
		return err
	}
	return c.svc.UpdateReflection(ctx, "pilgrim", id, text)
}

func (c *serviceConfirmer) Delete(ctx context.Context, id int64) error {
	c.mu.Lock()
	c.deletes = append(c.deletes, id)
	c.mu.Unlock()
	return c.svc.Delete(ctx, "pilgrim", id)
}

func (c *serviceConfirmer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestQueue(c Confirmer, opts Options) *Queue {
	opts.Logger = testLogger()
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	return NewQueue(testTargets(), c, opts)
}

func TestSubmitAtTargetThenSync(t *testing.T) {
	conf := newServiceConfirmer()
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	rec, err := q.Submit(ctx, "gate", at(gate), "first light")
	require.NoError(t, err)
	assert.Equal(t, Pending, rec.State)
	assert.Equal(t, int64(-1), rec.ID)
	assert.Equal(t, rec.ID, rec.LocalID)
	assert.NotEmpty(t, rec.DedupToken)
	assert.Equal(t, 1, q.PendingCount())

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	got, err := q.Get(-1)
	require.NoError(t, err)
	assert.Equal(t, Synced, got.State)
	assert.Positive(t, got.ID)
	assert.Equal(t, got.ID, got.CanonicalID)
	assert.Equal(t, int64(-1), got.LocalID)
	assert.Equal(t, "first light", got.Reflection)
	assert.True(t, got.Verified)
	assert.Equal(t, 0, q.PendingCount())
	assert.Equal(t, 1, q.Len())

	byCanonical, err := q.Get(got.ID)
	require.NoError(t, err)
	assert.Equal(t, got, byCanonical)
}

func TestSubmitOutOfRangeCreatesNothing(t *testing.T) {
	q := newTestQueue(newServiceConfirmer(), Options{})

	// Roughly 1200 m north of the gate.
	far := geo.Fix{Coordinate: geo.Coordinate{Latitude: gate.Coordinate.Latitude + 0.0108, Longitude: gate.Coordinate.Longitude}}
	_, err := q.Submit(context.Background(), "gate", far, "")
	require.ErrorIs(t, err, ErrNotInRange)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.PendingCount())
}

func TestSubmitRejectsBadInput(t *testing.T) {
	q := newTestQueue(newServiceConfirmer(), Options{})

	_, err := q.Submit(context.Background(), "nowhere", at(gate), "")
	assert.ErrorIs(t, err, catalog.ErrUnknownTarget)

	_, err = q.Submit(context.Background(), "gate", geo.Fix{Coordinate: geo.Coordinate{Latitude: 91}}, "")
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)
	assert.Equal(t, 0, q.Len())
}

func TestOfflineSubmissionsFlushInOrder(t *testing.T) {
	conf := newServiceConfirmer()
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	var counts []int
	cancel := q.Subscribe(func(s Snapshot) { counts = append(counts, s.PendingCount) })
	defer cancel()

	// The visits are minutes apart in client time but share a target, so
	// each gets its own dedup token and is confirmed separately.
	clock := time.Date(2026, 2, 1, 5, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }
	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		rec, err := q.Submit(ctx, "gate", at(gate), text)
		require.NoError(t, err)
		ids = append(ids, rec.LocalID)
		clock = clock.Add(11 * time.Minute)
	}
	assert.Equal(t, 3, q.PendingCount())
	assert.Equal(t, []int64{-1, -2, -3}, ids)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Confirmed)
	assert.Equal(t, 0, q.PendingCount())

	require.Len(t, conf.calls, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, conf.calls[i].Reflection)
		assert.Equal(t, ids[i], conf.calls[i].LocalID)
	}
	assert.Equal(t, 3, conf.repo.Count())

	require.NotEmpty(t, counts)
	assert.Equal(t, []int{1, 2, 3}, counts[:3])
	assert.Equal(t, 0, counts[len(counts)-1])
}

func TestDuplicateDeliveryYieldsOneCanonicalRecord(t *testing.T) {
	conf := newServiceConfirmer()
	conf.loseResponse = true
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	rec, err := q.Submit(ctx, "shrine", at(shrine), "")
	require.NoError(t, err)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	failed, err := q.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, Failed, failed.State)
	assert.Contains(t, failed.LastError, ErrSyncFailed.Error())
	assert.False(t, failed.Permanent)

	assert.Equal(t, 1, q.RetryFailed())
	res, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	require.Len(t, conf.calls, 2)
	assert.Equal(t, conf.calls[0].DedupToken, conf.calls[1].DedupToken)
	assert.Equal(t, 1, conf.repo.Count())

	snap := q.Snapshot()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, Synced, snap.Records[0].State)
}

func TestFailedRecordsWaitForRetry(t *testing.T) {
	conf := newServiceConfirmer()
	conf.failNext = []error{errors.New("timeout")}
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	_, err := q.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)

	_, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conf.callCount())

	_, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conf.callCount(), "failed record must not be flushed automatically")
	assert.Equal(t, 1, q.PendingCount())

	assert.Equal(t, 1, q.ResumeFailed())
	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 0, q.PendingCount())
}

func TestBackoffDelaysResumedRecords(t *testing.T) {
	conf := newServiceConfirmer()
	conf.failNext = []error{errors.New("timeout")}
	clock := time.Date(2026, 2, 1, 5, 0, 0, 0, time.UTC)
	q := newTestQueue(conf, Options{
		Now:        func() time.Time { return clock },
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(30 * time.Second) },
	})
	ctx := context.Background()

	rec, err := q.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)
	_, err = q.Flush(ctx)
	require.NoError(t, err)

	failed, err := q.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(30*time.Second), failed.NextAttemptAt)

	q.ResumeFailed()
	_, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conf.callCount(), "backoff deadline not yet reached")

	clock = clock.Add(31 * time.Second)
	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
}

func TestPermanentRejection(t *testing.T) {
	conf := newServiceConfirmer()
	conf.failNext = []error{&StatusError{StatusCode: http.StatusUnprocessableEntity, Code: wire.CodeNotInRange}}
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	rec, err := q.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)
	_, err = q.Flush(ctx)
	require.NoError(t, err)

	got, err := q.Get(rec.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Permanent)

	assert.Equal(t, 0, q.ResumeFailed(), "permanent failures are not resumed on reconnect")
	assert.Equal(t, 1, q.RetryFailed())

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
}

// blockingConfirmer holds every Confirm until released.
type blockingConfirmer struct {
	*serviceConfirmer
	started chan struct{}
	release chan struct{}
}

func (b *blockingConfirmer) Confirm(ctx context.Context, req wire.CheckInRequest) (wire.CheckInResponse, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return wire.CheckInResponse{}, ctx.Err()
	}
	return b.serviceConfirmer.Confirm(ctx, req)
}

func TestCancel(t *testing.T) {
	conf := &blockingConfirmer{serviceConfirmer: newServiceConfirmer(), started: make(chan struct{}, 1), release: make(chan struct{})}
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	first, err := q.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)
	second, err := q.Submit(ctx, "shrine", at(shrine), "")
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, second.LocalID))
	assert.Equal(t, 1, q.Len())
	assert.ErrorIs(t, q.Cancel(ctx, second.LocalID), ErrNotFound)

	done := make(chan struct{})
	go func() {
		_, _ = q.Flush(ctx)
		close(done)
	}()
	<-conf.started

	assert.ErrorIs(t, q.Cancel(ctx, first.LocalID), ErrInFlight)
	assert.ErrorIs(t, q.Delete(ctx, first.LocalID), ErrInFlight)

	close(conf.release)
	<-done

	assert.ErrorIs(t, q.Cancel(ctx, first.LocalID), ErrWrongState)
}

func TestRequeueOnDisconnect(t *testing.T) {
	conf := &blockingConfirmer{serviceConfirmer: newServiceConfirmer(), started: make(chan struct{}, 1), release: make(chan struct{})}
	q := newTestQueue(conf, Options{})

	rec, err := q.Submit(context.Background(), "gate", at(gate), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Flush(ctx)
		done <- err
	}()
	<-conf.started

	got, _ := q.Get(rec.LocalID)
	assert.Equal(t, Syncing, got.State)

	assert.Equal(t, 1, q.Requeue())
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	got, _ = q.Get(rec.LocalID)
	assert.Equal(t, Pending, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 0, conf.repo.Count())
}

func TestCancelRefusedWhileRequestOutstanding(t *testing.T) {
	conf := &blockingConfirmer{serviceConfirmer: newServiceConfirmer(), started: make(chan struct{}, 1), release: make(chan struct{})}
	q := newTestQueue(conf, Options{})

	rec, err := q.Submit(context.Background(), "gate", at(gate), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = q.Flush(ctx)
		close(done)
	}()
	<-conf.started

	// Pending again, but the POST has not returned yet.
	require.Equal(t, 1, q.Requeue())
	got, _ := q.Get(rec.LocalID)
	assert.Equal(t, Pending, got.State)
	assert.ErrorIs(t, q.Cancel(context.Background(), rec.LocalID), ErrInFlight)

	cancel()
	<-done
	require.NoError(t, q.Cancel(context.Background(), rec.LocalID))
	assert.Equal(t, 0, q.Len())
}

func TestRevisitFoldsIntoEarlierRecord(t *testing.T) {
	conf := newServiceConfirmer()
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	first, err := q.Submit(ctx, "gate", at(gate), "first visit")
	require.NoError(t, err)
	second, err := q.Submit(ctx, "gate", at(gate), "second journal entry")
	require.NoError(t, err)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmed)
	assert.Equal(t, 1, res.Updated)

	require.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.PendingCount())
	_, err = q.Get(second.LocalID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := q.Get(first.LocalID)
	require.NoError(t, err)
	assert.Equal(t, Synced, got.State)
	assert.False(t, got.ReflectionDirty)
	assert.Equal(t, "first visit\n\nsecond journal entry", got.Reflection)

	require.Equal(t, 1, conf.repo.Count())
	server := conf.repo.byID[got.CanonicalID]
	require.NotNil(t, server)
	assert.Equal(t, got.Reflection, server.Reflection)
}

func TestRevisitWithoutReflectionNeedsNoUpdate(t *testing.T) {
	conf := newServiceConfirmer()
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	_, err := q.Submit(ctx, "gate", at(gate), "first visit")
	require.NoError(t, err)
	_, err = q.Submit(ctx, "gate", at(gate), "  ")
	require.NoError(t, err)

	_, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, conf.updates)
	assert.Equal(t, 2, conf.callCount())
}

func TestEditReflectionAfterSync(t *testing.T) {
	conf := newServiceConfirmer()
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	rec, err := q.Submit(ctx, "gate", at(gate), "draft")
	require.NoError(t, err)

	// Editing while Pending only changes what the confirmation carries.
	_, err = q.EditReflection(ctx, rec.LocalID, "before sync")
	require.NoError(t, err)
	_, err = q.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, conf.calls, 1)
	assert.Equal(t, "before sync", conf.calls[0].Reflection)

	synced, err := q.Get(rec.LocalID)
	require.NoError(t, err)

	edited, err := q.EditReflection(ctx, synced.ID, "after sync")
	require.NoError(t, err)
	assert.True(t, edited.ReflectionDirty)
	assert.Equal(t, Synced, edited.State)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []int64{synced.ID}, conf.updates)

	final, err := q.Get(synced.ID)
	require.NoError(t, err)
	assert.False(t, final.ReflectionDirty)
	assert.Equal(t, synced.ID, final.ID, "canonical id unchanged by edits")
	assert.Equal(t, 1, q.Len())
}

func TestDeleteOnlySynced(t *testing.T) {
	conf := newServiceConfirmer()
	q := newTestQueue(conf, Options{})
	ctx := context.Background()

	rec, err := q.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Delete(ctx, rec.LocalID), ErrWrongState)

	_, err = q.Flush(ctx)
	require.NoError(t, err)
	synced, _ := q.Get(rec.LocalID)

	require.NoError(t, q.Delete(ctx, synced.ID))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []int64{synced.ID}, conf.deletes)
	assert.Equal(t, 0, conf.repo.Count())
}

func TestQueueCapacity(t *testing.T) {
	q := newTestQueue(newServiceConfirmer(), Options{Capacity: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Submit(ctx, "gate", at(gate), "")
		require.NoError(t, err)
	}
	_, err := q.Submit(ctx, "gate", at(gate), "")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestSubscribeCancelIsIsolated(t *testing.T) {
	q := newTestQueue(newServiceConfirmer(), Options{})
	ctx := context.Background()

	var a, b []uint64
	cancelA := q.Subscribe(func(s Snapshot) { a = append(a, s.Version) })
	cancelB := q.Subscribe(func(s Snapshot) { b = append(b, s.Version) })
	defer cancelB()

	_, err := q.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)
	cancelA()
	cancelA()
	_, err = q.Submit(ctx, "shrine", at(shrine), "")
	require.NoError(t, err)

	assert.Len(t, a, 1)
	assert.Len(t, b, 2)
	assert.True(t, sort.SliceIsSorted(b, func(i, j int) bool { return b[i] < b[j] }))
}

// memStore is an in-memory Store for restart tests.
type memStore struct {
	mu   sync.Mutex
	recs map[int64]Record
}

func (m *memStore) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[r.LocalID] = r
	return nil
}

func (m *memStore) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memStore) Load(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func TestRestoreContinuesPlaceholders(t *testing.T) {
	store := &memStore{recs: make(map[int64]Record)}
	ctx := context.Background()

	q1 := newTestQueue(newServiceConfirmer(), Options{Store: store})
	for i := 0; i < 3; i++ {
		_, err := q1.Submit(ctx, "gate", at(gate), "")
		require.NoError(t, err)
	}
	// Simulate a crash mid-flight.
	r := store.recs[-2]
	r.State = Syncing
	store.recs[-2] = r

	q2 := newTestQueue(newServiceConfirmer(), Options{Store: store})
	require.NoError(t, q2.Restore(ctx))
	snap := q2.Snapshot()
	require.Len(t, snap.Records, 3)
	assert.Equal(t, []int64{-1, -2, -3}, []int64{snap.Records[0].LocalID, snap.Records[1].LocalID, snap.Records[2].LocalID})
	assert.Equal(t, Pending, snap.Records[1].State)

	next, err := q2.Submit(ctx, "gate", at(gate), "")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), next.LocalID)
}
