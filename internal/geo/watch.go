package geo

import (
	"context"
	"sync"
	"time"
)

// Fix is a coordinate reported by the device together with its accuracy.
type Fix struct {
	Coordinate
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Latest holds the most recent fix from the geolocation collaborator.
// Readers tolerate staleness; Age reports how old the fix is.
type Latest struct {
	mu  sync.RWMutex
	fix Fix
	ok  bool
	now func() time.Time
}

// NewLatest creates an empty holder.
func NewLatest() *Latest {
	return &Latest{now: time.Now}
}

// Update stores a new fix. Invalid coordinates are ignored.
func (l *Latest) Update(f Fix) bool {
	if f.Validate() != nil {
		return false
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = l.now()
	}
	l.mu.Lock()
	l.fix = f
	l.ok = true
	l.mu.Unlock()
	return true
}

// Get returns the latest fix and whether one has been seen.
func (l *Latest) Get() (Fix, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fix, l.ok
}

// Age returns how long ago the latest fix was captured.
func (l *Latest) Age() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ok {
		return 0
	}
	return l.now().Sub(l.fix.CapturedAt)
}

// Watch re-evaluates target for every coordinate received on updates and
// emits the result. Invalid coordinates are skipped. The returned channel is
// closed when ctx ends or updates is closed.
func Watch(ctx context.Context, updates <-chan Coordinate, target Target) <-chan Evaluation {
	out := make(chan Evaluation)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-updates:
				if !ok {
					return
				}
				ev, err := Evaluate(c, target)
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
