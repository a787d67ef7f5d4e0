// Package aar implements the after-action record: an append-only, per-squad
// log of command events keyed by (squad, sequence).
package aar

import (
	"context"
	"errors"
	"iter"
	"time"

	"pilgrim_sync/internal/event"
)

// DefaultPageSize is the number of events fetched per page during replay.
const DefaultPageSize = 256

// ErrUnknownSquad is returned when a squad has no record.
var ErrUnknownSquad = errors.New("unknown squad")

// Store is the persistence contract for the record.
//
// Append allocates the next sequence for the squad atomically with the write,
// so concurrent appenders never observe the same sequence. Range returns
// events with from <= seq <= to in ascending order, at most limit of them.
type Store interface {
	Append(ctx context.Context, squadID int64, actorID string, d event.Draft) (event.Event, error)
	Range(ctx context.Context, squadID int64, from, to uint64, limit int) ([]event.Event, error)
	Bounds(ctx context.Context, squadID int64) (Bounds, error)
}

// Trimmer is implemented by stores that support administrative retention.
type Trimmer interface {
	Trim(ctx context.Context, squadID int64, before time.Time) (int64, error)
}

// Bounds describes the retained part of a squad's record.
// Floor is the lowest retained sequence; Head is the last assigned one.
// An empty record has Floor == Head+1.
type Bounds struct {
	Floor uint64
	Head  uint64
}

// Empty reports whether no events are retained.
func (b Bounds) Empty() bool { return b.Floor > b.Head }

// Replay returns a lazy sequence of the squad's events between from and to,
// inclusive. A zero to means the head at the time iteration starts. Each
// iteration re-reads the store page by page, so the sequence can be ranged
// over any number of times. Events below the retained floor are skipped.
func Replay(ctx context.Context, s Store, squadID int64, from, to uint64) iter.Seq2[event.Event, error] {
	return ReplayPaged(ctx, s, squadID, from, to, DefaultPageSize)
}

// ReplayPaged is Replay with an explicit page size.
func ReplayPaged(ctx context.Context, s Store, squadID int64, from, to uint64, pageSize int) iter.Seq2[event.Event, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(event.Event, error) bool) {
		end := to
		if end == 0 {
			b, err := s.Bounds(ctx, squadID)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			end = b.Head
		}
		next := max(from, 1)
		for next <= end {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			page, err := s.Range(ctx, squadID, next, end, pageSize)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			next = page[len(page)-1].Sequence + 1
		}
	}
}

// Collect drains a replay into a slice.
func Collect(seq iter.Seq2[event.Event, error]) ([]event.Event, error) {
	var out []event.Event
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
