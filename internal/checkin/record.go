// Package checkin implements geofence-gated check-ins: the client-side
// optimistic reconciliation queue and the server-side confirmation service.
package checkin

import (
	"errors"
	"fmt"
	"time"

	"pilgrim_sync/internal/geo"
)

var (
	// ErrNotInRange is returned when the geofence rejects a check-in.
	ErrNotInRange = errors.New("not in range of target")
	// ErrSyncFailed wraps the cause of a failed confirmation attempt.
	ErrSyncFailed = errors.New("sync failed")
	// ErrInFlight is returned when an operation needs a record that is
	// currently being sent.
	ErrInFlight = errors.New("check-in is in flight")
	// ErrQueueFull is returned when too many unconfirmed check-ins are held.
	ErrQueueFull = errors.New("check-in queue is full")
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("check-in not found")
	// ErrWrongState is returned when a record's state forbids the operation.
	ErrWrongState = errors.New("operation not allowed in current state")
)

// SyncState is the reconciliation state of a record.
type SyncState int

const (
	Pending SyncState = iota
	Syncing
	Synced
	Failed
)

func (s SyncState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// ParseSyncState is the inverse of SyncState.String.
func ParseSyncState(s string) (SyncState, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "syncing":
		return Syncing, nil
	case "synced":
		return Synced, nil
	case "failed":
		return Failed, nil
	}
	return 0, fmt.Errorf("unknown sync state %q", s)
}

// Record is one check-in as seen by the client.
//
// ID starts as the negative placeholder LocalID and is replaced in place by
// the server's canonical id once the record is Synced. LocalID and
// DedupToken never change.
type Record struct {
	ID              int64
	LocalID         int64
	CanonicalID     int64
	TargetID        string
	ClientTimestamp time.Time
	Coordinate      geo.Coordinate
	AccuracyMeters  float64
	Reflection      string
	State           SyncState
	DedupToken      string

	Attempts        int
	NextAttemptAt   time.Time
	LastError       string
	Permanent       bool
	ReflectionDirty bool
	Verified        bool
}

// Matches reports whether id refers to this record, by placeholder or
// canonical id.
func (r *Record) Matches(id int64) bool {
	return id != 0 && (r.ID == id || r.LocalID == id || r.CanonicalID == id)
}

// unconfirmed reports whether the record counts towards the pending count.
func (r *Record) unconfirmed() bool {
	return r.State != Synced
}
