package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/wire"
)

// DefaultCapacity bounds the number of unconfirmed records a queue holds.
const DefaultCapacity = 1000

var tracer = otel.Tracer("pilgrim_sync/checkin")

// Targets resolves target ids for geofence evaluation.
type Targets interface {
	Lookup(id string) (geo.Target, error)
}

// Store persists queue records across restarts. Records are keyed by
// LocalID, which never changes.
type Store interface {
	Save(ctx context.Context, r Record) error
	Remove(ctx context.Context, localID int64) error
	Load(ctx context.Context) ([]Record, error)
}

// ChangeKind names the transition that produced a snapshot.
type ChangeKind string

const (
	ChangeSubmitted ChangeKind = "submitted"
	ChangeCancelled ChangeKind = "cancelled"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeEdited    ChangeKind = "edited"
	ChangeSyncing   ChangeKind = "syncing"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeUpdated   ChangeKind = "updated"
	ChangeFailed    ChangeKind = "failed"
	ChangeRequeued  ChangeKind = "requeued"
	ChangeRetried   ChangeKind = "retried"
	ChangeRestored  ChangeKind = "restored"
)

// Change identifies the record a snapshot was produced for. LocalID is zero
// for bulk changes.
type Change struct {
	Kind    ChangeKind
	LocalID int64
}

// Snapshot is a read-only view of the queue.
type Snapshot struct {
	Version      uint64
	Change       Change
	Records      []Record
	PendingCount int
}

// FlushResult summarises one flush pass.
type FlushResult struct {
	Confirmed int
	Updated   int
	Failed    int
}

// Options configures a Queue.
type Options struct {
	Capacity int
	Store    Store
	Logger   *slog.Logger
	// NewBackOff returns the retry policy for one record.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

// DefaultBackOff is the retry policy applied to failed records.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Queue is the optimistic, offline-tolerant check-in queue owned by one
// client session.
type Queue struct {
	targets    Targets
	confirmer  Confirmer
	store      Store
	logger     *slog.Logger
	capacity   int
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	records  []*Record // insertion order
	nextID   int64
	inflight map[string]bool
	sending  map[int64]bool // local ids with a request outstanding
	backoffs map[int64]backoff.BackOff
	version  uint64

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	notifyMu  sync.Mutex
	published uint64
}

// NewQueue creates an empty queue.
func NewQueue(targets Targets, confirmer Confirmer, opts Options) *Queue {
	q := &Queue{
		targets:    targets,
		confirmer:  confirmer,
		store:      opts.Store,
		logger:     opts.Logger,
		capacity:   opts.Capacity,
		now:        opts.Now,
		newBackOff: opts.NewBackOff,
		nextID:     -1,
		inflight:   make(map[string]bool),
		sending:    make(map[int64]bool),
		backoffs:   make(map[int64]backoff.BackOff),
		subs:       make(map[int]func(Snapshot)),
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.capacity <= 0 {
		q.capacity = DefaultCapacity
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newBackOff == nil {
		q.newBackOff = DefaultBackOff
	}
	return q
}

// Restore loads persisted records. Records that were in flight when the
// process stopped go back to Pending.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	recs, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	// Placeholders are allocated -1, -2, ... so descending LocalID is
	// insertion order.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].LocalID > recs[j].LocalID })

	q.mu.Lock()
	q.records = q.records[:0]
	for i := range recs {
		r := recs[i]
		if r.State == Syncing {
			r.State = Pending
		}
		q.records = append(q.records, &r)
		if r.LocalID <= q.nextID {
			q.nextID = r.LocalID - 1
		}
	}
	snap := q.snapshotLocked(Change{Kind: ChangeRestored})
	q.mu.Unlock()

	q.publish(snap)
	q.logger.Info("check-in queue restored", "records", len(recs), "pending", snap.PendingCount)
	return nil
}

// Submit evaluates the geofence for targetID at the given fix and, when in
// range, enqueues a Pending record. It never waits for the network.
func (q *Queue) Submit(ctx context.Context, targetID string, fix geo.Fix, reflection string) (Record, error) {
	target, err := q.targets.Lookup(targetID)
	if err != nil {
		return Record{}, err
	}
	eval, err := geo.Evaluate(fix.Coordinate, target)
	if err != nil {
		return Record{}, err
	}
	if !eval.WithinRange {
		return Record{}, fmt.Errorf("%w: %.0f m from %s (radius %.0f m)",
			ErrNotInRange, eval.DistanceMeters, target.ID, target.ProximityRadiusMeters)
	}

	q.mu.Lock()
	if q.unconfirmedLocked() >= q.capacity {
		q.mu.Unlock()
		return Record{}, ErrQueueFull
	}
	id := q.nextID
	q.nextID--
	r := &Record{
		ID:              id,
		LocalID:         id,
		TargetID:        target.ID,
		ClientTimestamp: q.now().UTC(),
		Coordinate:      fix.Coordinate,
		AccuracyMeters:  fix.AccuracyMeters,
		Reflection:      reflection,
		State:           Pending,
		DedupToken:      uuid.NewString(),
	}
	if q.store != nil {
		if err := q.store.Save(ctx, *r); err != nil {
			q.mu.Unlock()
			return Record{}, fmt.Errorf("persist check-in: %w", err)
		}
	}
	q.records = append(q.records, r)
	out := *r
	snap := q.snapshotLocked(Change{Kind: ChangeSubmitted, LocalID: id})
	q.mu.Unlock()

	q.publish(snap)
	q.logger.Debug("check-in queued", "local_id", id, "target", target.ID, "distance_m", eval.DistanceMeters)
	return out, nil
}

// Cancel removes a record that has not been sent yet.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	q.mu.Lock()
	i, r := q.findLocked(id)
	if r == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	switch {
	case r.State == Syncing || q.sending[r.LocalID]:
		q.mu.Unlock()
		return ErrInFlight
	case r.State == Pending && r.CanonicalID == 0:
	default:
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel a %s check-in", ErrWrongState, r.State)
	}
	q.removeLocked(ctx, i)
	snap := q.snapshotLocked(Change{Kind: ChangeCancelled, LocalID: r.LocalID})
	q.mu.Unlock()

	q.publish(snap)
	return nil
}

// EditReflection replaces the reflection text of any record. Confirmed
// records are marked for re-upload on the next flush.
func (q *Queue) EditReflection(ctx context.Context, id int64, text string) (Record, error) {
	q.mu.Lock()
	_, r := q.findLocked(id)
	if r == nil {
		q.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.Reflection = text
	if r.CanonicalID != 0 {
		r.ReflectionDirty = true
	}
	q.saveLocked(ctx, r)
	out := *r
	snap := q.snapshotLocked(Change{Kind: ChangeEdited, LocalID: r.LocalID})
	q.mu.Unlock()

	q.publish(snap)
	return out, nil
}

// Delete removes a confirmed record on the server and then locally.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	q.mu.Lock()
	_, r := q.findLocked(id)
	if r == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if r.State == Syncing {
		q.mu.Unlock()
		return ErrInFlight
	}
	if r.State != Synced {
		q.mu.Unlock()
		return fmt.Errorf("%w: only confirmed check-ins can be deleted", ErrWrongState)
	}
	canonical, localID := r.CanonicalID, r.LocalID
	q.mu.Unlock()

	if err := q.confirmer.Delete(ctx, canonical); err != nil {
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
	}

	q.mu.Lock()
	i, r := q.findLocked(localID)
	if r == nil {
		q.mu.Unlock()
		return nil
	}
	q.removeLocked(ctx, i)
	snap := q.snapshotLocked(Change{Kind: ChangeDeleted, LocalID: localID})
	q.mu.Unlock()

	q.publish(snap)
	return nil
}

// RetryFailed moves every Failed record back to Pending and clears its
// backoff, including records the server rejected permanently. It returns
// the number of records moved.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	n := 0
	for _, r := range q.records {
		if r.State != Failed {
			continue
		}
		r.State = Pending
		r.NextAttemptAt = time.Time{}
		r.Permanent = false
		delete(q.backoffs, r.LocalID)
		q.saveLocked(context.Background(), r)
		n++
	}
	snap := q.snapshotLocked(Change{Kind: ChangeRetried})
	q.mu.Unlock()

	if n > 0 {
		q.publish(snap)
	}
	return n
}

// ResumeFailed moves transiently Failed records back to Pending after a
// reconnection. Their backoff deadline still applies.
func (q *Queue) ResumeFailed() int {
	q.mu.Lock()
	n := 0
	for _, r := range q.records {
		if r.State != Failed || r.Permanent {
			continue
		}
		r.State = Pending
		q.saveLocked(context.Background(), r)
		n++
	}
	snap := q.snapshotLocked(Change{Kind: ChangeRetried})
	q.mu.Unlock()

	if n > 0 {
		q.publish(snap)
	}
	return n
}

// Requeue moves every Syncing record back to Pending. It is called when
// connectivity is lost while a flush is running.
func (q *Queue) Requeue() int {
	q.mu.Lock()
	n := 0
	for _, r := range q.records {
		if r.State == Syncing {
			r.State = Pending
			q.saveLocked(context.Background(), r)
			n++
		}
	}
	snap := q.snapshotLocked(Change{Kind: ChangeRequeued})
	q.mu.Unlock()

	if n > 0 {
		q.publish(snap)
	}
	return n
}

// Flush sends eligible records to the server. Records for the same target
// are sent one at a time in submission order; different targets proceed
// concurrently. Failures are recorded on the records, not returned. The
// returned error is non-nil only when ctx ends the flush early.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	now := q.now()

	q.mu.Lock()
	var targets []string
	seen := make(map[string]bool)
	for _, r := range q.records {
		if seen[r.TargetID] || q.inflight[r.TargetID] || !eligible(r, now) {
			continue
		}
		seen[r.TargetID] = true
		q.inflight[r.TargetID] = true
		targets = append(targets, r.TargetID)
	}
	q.mu.Unlock()

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
		total FlushResult
	)
	for _, t := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			res := q.drain(ctx, target)
			resMu.Lock()
			total.Confirmed += res.Confirmed
			total.Updated += res.Updated
			total.Failed += res.Failed
			resMu.Unlock()
		}(t)
	}
	wg.Wait()

	if total != (FlushResult{}) {
		q.logger.Info("check-in flush finished",
			"confirmed", total.Confirmed, "updated", total.Updated, "failed", total.Failed)
	}
	return total, ctx.Err()
}

func eligible(r *Record, now time.Time) bool {
	switch r.State {
	case Pending:
		return !r.NextAttemptAt.After(now)
	case Synced:
		return r.ReflectionDirty
	}
	return false
}

// drain sends one target's records sequentially until none is eligible.
func (q *Queue) drain(ctx context.Context, target string) FlushResult {
	var res FlushResult
	defer func() {
		q.mu.Lock()
		delete(q.inflight, target)
		q.mu.Unlock()
	}()

	for ctx.Err() == nil {
		q.mu.Lock()
		var r *Record
		now := q.now()
		for _, c := range q.records {
			if c.TargetID == target && eligible(c, now) {
				r = c
				break
			}
		}
		if r == nil {
			q.mu.Unlock()
			return res
		}
		r.State = Syncing
		r.Attempts++
		q.sending[r.LocalID] = true
		job := *r
		q.saveLocked(ctx, r)
		snap := q.snapshotLocked(Change{Kind: ChangeSyncing, LocalID: r.LocalID})
		q.mu.Unlock()
		q.publish(snap)

		resp, err := q.send(ctx, job)
		switch q.finish(ctx, job, resp, err) {
		case ChangeConfirmed:
			res.Confirmed++
		case ChangeUpdated:
			res.Updated++
		case ChangeFailed:
			res.Failed++
		}
	}
	return res
}

func (q *Queue) send(ctx context.Context, job Record) (wire.CheckInResponse, error) {
	ctx, span := tracer.Start(ctx, "checkin.sync", trace.WithAttributes(
		attribute.String("checkin.target", job.TargetID),
		attribute.Int64("checkin.local_id", job.LocalID),
		attribute.Int("checkin.attempt", job.Attempts),
	))
	defer span.End()

	var (
		resp wire.CheckInResponse
		err  error
	)
	if job.CanonicalID == 0 {
		resp, err = q.confirmer.Confirm(ctx, wire.CheckInRequest{
			DedupToken:      job.DedupToken,
			LocalID:         job.LocalID,
			TargetID:        job.TargetID,
			ClientTimestamp: job.ClientTimestamp,
			Coordinate:      job.Coordinate,
			AccuracyMeters:  job.AccuracyMeters,
			Reflection:      job.Reflection,
		})
	} else {
		err = q.confirmer.UpdateReflection(ctx, job.CanonicalID, job.Reflection)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

// finish applies the outcome of one attempt and reports what happened.
func (q *Queue) finish(ctx context.Context, job Record, resp wire.CheckInResponse, err error) ChangeKind {
	q.mu.Lock()
	delete(q.sending, job.LocalID)
	i, r := q.findLocked(job.LocalID)
	if r == nil {
		q.mu.Unlock()
		q.logger.Warn("check-in vanished while in flight", "local_id", job.LocalID)
		return ""
	}

	if err == nil && job.CanonicalID == 0 {
		if into := q.canonicalLocked(resp.ID, r); into != nil {
			q.mergeLocked(ctx, i, r, into)
			snap := q.snapshotLocked(Change{Kind: ChangeConfirmed, LocalID: job.LocalID})
			q.mu.Unlock()

			q.publish(snap)
			q.logger.Info("check-in folded into earlier visit",
				"local_id", job.LocalID, "into", into.LocalID, "canonical_id", resp.ID)
			return ChangeConfirmed
		}
	}

	var kind ChangeKind
	switch {
	case err == nil:
		kind = ChangeUpdated
		if job.CanonicalID == 0 {
			kind = ChangeConfirmed
			r.CanonicalID = resp.ID
			r.ID = resp.ID
			r.Verified = resp.Verified
		}
		r.State = Synced
		r.Attempts = 0
		r.NextAttemptAt = time.Time{}
		r.LastError = ""
		r.Permanent = false
		r.ReflectionDirty = r.Reflection != job.Reflection
		delete(q.backoffs, r.LocalID)

	case ctx.Err() != nil:
		// Connectivity went away mid-flight; the attempt does not count.
		kind = ChangeRequeued
		r.Attempts = max(r.Attempts-1, 0)
		if r.State == Syncing {
			r.State = Pending
		}

	default:
		kind = ChangeFailed
		r.State = Failed
		r.LastError = fmt.Errorf("%w: %w", ErrSyncFailed, err).Error()
		r.Permanent = IsPermanent(err)
		b, ok := q.backoffs[r.LocalID]
		if !ok {
			b = q.newBackOff()
			q.backoffs[r.LocalID] = b
		}
		if d := b.NextBackOff(); d != backoff.Stop {
			r.NextAttemptAt = q.now().Add(d)
		}
	}
	q.saveLocked(context.Background(), r)
	snap := q.snapshotLocked(Change{Kind: kind, LocalID: r.LocalID})
	q.mu.Unlock()

	q.publish(snap)
	if kind == ChangeFailed {
		q.logger.Warn("check-in sync failed",
			"local_id", job.LocalID, "target", job.TargetID, "attempt", job.Attempts,
			"permanent", r.Permanent, "error", err)
	}
	return kind
}

// Snapshot returns the current view of the queue.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(Change{})
}

// PendingCount returns the number of records not yet confirmed.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unconfirmedLocked()
}

// Len returns the number of records held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Get returns a copy of the record with the given placeholder or canonical id.
func (q *Queue) Get(id int64) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, r := q.findLocked(id)
	if r == nil {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return *r, nil
}

// Subscribe registers fn to receive a snapshot after every change, in
// order. fn must not call Subscribe or mutate the queue. The returned
// function cancels the subscription.
func (q *Queue) Subscribe(fn func(Snapshot)) (cancel func()) {
	q.subsMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.subsMu.Lock()
			delete(q.subs, id)
			q.subsMu.Unlock()
		})
	}
}

func (q *Queue) publish(snap Snapshot) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	if snap.Version <= q.published {
		return
	}
	q.published = snap.Version

	q.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(q.subs))
	ids := make([]int, 0, len(q.subs))
	for id := range q.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, q.subs[id])
	}
	q.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (q *Queue) snapshotLocked(c Change) Snapshot {
	q.version++
	recs := make([]Record, len(q.records))
	for i, r := range q.records {
		recs[i] = *r
	}
	return Snapshot{
		Version:      q.version,
		Change:       c,
		Records:      recs,
		PendingCount: q.unconfirmedLocked(),
	}
}

func (q *Queue) unconfirmedLocked() int {
	n := 0
	for _, r := range q.records {
		if r.unconfirmed() {
			n++
		}
	}
	return n
}

func (q *Queue) findLocked(id int64) (int, *Record) {
	for i, r := range q.records {
		if r.Matches(id) {
			return i, r
		}
	}
	return -1, nil
}

// canonicalLocked returns the record other than self already confirmed as id.
func (q *Queue) canonicalLocked(id int64, self *Record) *Record {
	if id == 0 {
		return nil
	}
	for _, r := range q.records {
		if r != self && r.CanonicalID == id {
			return r
		}
	}
	return nil
}

// mergeLocked drops the record at index i, which the server folded into
// into, and carries its reflection over as a pending edit.
func (q *Queue) mergeLocked(ctx context.Context, i int, r, into *Record) {
	if text := strings.TrimSpace(r.Reflection); text != "" && !strings.Contains(into.Reflection, text) {
		if strings.TrimSpace(into.Reflection) == "" {
			into.Reflection = text
		} else {
			into.Reflection += "\n\n" + text
		}
		into.ReflectionDirty = true
		q.saveLocked(ctx, into)
	}
	q.removeLocked(ctx, i)
}

func (q *Queue) removeLocked(ctx context.Context, i int) {
	r := q.records[i]
	q.records = append(q.records[:i], q.records[i+1:]...)
	delete(q.backoffs, r.LocalID)
	if q.store != nil {
		if err := q.store.Remove(context.WithoutCancel(ctx), r.LocalID); err != nil {
			q.logger.Warn("remove persisted check-in", "local_id", r.LocalID, "error", err)
		}
	}
}

func (q *Queue) saveLocked(ctx context.Context, r *Record) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(context.WithoutCancel(ctx), *r); err != nil {
		q.logger.Warn("persist check-in", "local_id", r.LocalID, "error", err)
	}
}
