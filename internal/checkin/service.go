package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/wire"
)

const (
	// RevisitWindow is how long a second check-in at the same target is
	// folded into the first one.
	RevisitWindow = 10 * time.Minute
	// VerifiedAccuracyMeters is the worst fix accuracy that still marks a
	// check-in as verified.
	VerifiedAccuracyMeters = 100.0
	// MaxReflectionRunes bounds reflection text.
	MaxReflectionRunes = 5000
)

// ErrInvalidRequest is returned for malformed confirmation requests.
var ErrInvalidRequest = errors.New("invalid check-in request")

// Confirmed is a canonical, server-side check-in.
type Confirmed struct {
	ID              int64
	UserID          string
	TargetID        string
	DedupToken      string
	ClientTimestamp time.Time
	Coordinate      geo.Coordinate
	AccuracyMeters  float64
	Reflection      string
	Verified        bool
	CreatedAt       time.Time
}

// Repository is the server-side persistence contract for check-ins.
type Repository interface {
	// InsertCheckIn stores c unless a check-in with the same dedup token
	// exists. It returns the stored row and whether it already existed.
	InsertCheckIn(ctx context.Context, c Confirmed) (Confirmed, bool, error)
	// RecentCheckIn returns the user's latest check-in at target created at
	// or after since, or nil.
	RecentCheckIn(ctx context.Context, userID, targetID string, since time.Time) (*Confirmed, error)
	UpdateReflection(ctx context.Context, userID string, id int64, text string) error
	DeleteCheckIn(ctx context.Context, userID string, id int64) error
	// AdvanceProgress records that the user reached a target with the given
	// pilgrimage order; progress never moves backwards.
	AdvanceProgress(ctx context.Context, userID string, order int) error
}

// Service confirms check-ins on the server. It re-runs the geofence so a
// client cannot skip it.
type Service struct {
	repo    Repository
	targets Targets
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a confirmation service.
func NewService(repo Repository, targets Targets, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, targets: targets, logger: logger, now: time.Now}
}

// Confirm stores the check-in described by req for userID. Repeating a
// request with the same dedup token, or checking in at the same target
// again within RevisitWindow, returns the existing record.
func (s *Service) Confirm(ctx context.Context, userID string, req wire.CheckInRequest) (wire.CheckInResponse, error) {
	if _, err := uuid.Parse(req.DedupToken); err != nil {
		return wire.CheckInResponse{}, fmt.Errorf("%w: dedup token: %v", ErrInvalidRequest, err)
	}
	if len([]rune(req.Reflection)) > MaxReflectionRunes {
		return wire.CheckInResponse{}, fmt.Errorf("%w: reflection too long", ErrInvalidRequest)
	}
	target, err := s.targets.Lookup(req.TargetID)
	if err != nil {
		return wire.CheckInResponse{}, err
	}
	eval, err := geo.Evaluate(req.Coordinate, target)
	if err != nil {
		return wire.CheckInResponse{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !eval.WithinRange {
		return wire.CheckInResponse{}, fmt.Errorf("%w: %.0f m from %s", ErrNotInRange, eval.DistanceMeters, target.ID)
	}

	ts := req.ClientTimestamp
	if ts.IsZero() || ts.After(s.now().Add(time.Minute)) {
		ts = s.now()
	}
	ts = ts.UTC()

	recent, err := s.repo.RecentCheckIn(ctx, userID, target.ID, ts.Add(-RevisitWindow))
	if err != nil {
		return wire.CheckInResponse{}, fmt.Errorf("revisit lookup: %w", err)
	}
	if recent != nil {
		s.logger.Debug("check-in folded into recent visit", "user", userID, "target", target.ID, "id", recent.ID)
		return response(*recent, true), nil
	}

	stored, existed, err := s.repo.InsertCheckIn(ctx, Confirmed{
		UserID:          userID,
		TargetID:        target.ID,
		DedupToken:      req.DedupToken,
		ClientTimestamp: ts,
		Coordinate:      req.Coordinate,
		AccuracyMeters:  req.AccuracyMeters,
		Reflection:      strings.TrimSpace(req.Reflection),
		Verified:        req.AccuracyMeters > 0 && req.AccuracyMeters <= VerifiedAccuracyMeters,
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return wire.CheckInResponse{}, fmt.Errorf("store check-in: %w", err)
	}
	if !existed {
		if err := s.repo.AdvanceProgress(ctx, userID, target.Order); err != nil {
			s.logger.Warn("journey progress not updated", "user", userID, "target", target.ID, "error", err)
		}
		s.logger.Info("check-in confirmed", "user", userID, "target", target.ID, "id", stored.ID, "verified", stored.Verified)
	}
	return response(stored, existed), nil
}

// UpdateReflection edits the reflection of one of the user's check-ins.
func (s *Service) UpdateReflection(ctx context.Context, userID string, id int64, text string) error {
	if len([]rune(text)) > MaxReflectionRunes {
		return fmt.Errorf("%w: reflection too long", ErrInvalidRequest)
	}
	return s.repo.UpdateReflection(ctx, userID, id, strings.TrimSpace(text))
}

// Delete removes one of the user's check-ins.
func (s *Service) Delete(ctx context.Context, userID string, id int64) error {
	return s.repo.DeleteCheckIn(ctx, userID, id)
}

func response(c Confirmed, duplicate bool) wire.CheckInResponse {
	return wire.CheckInResponse{
		ID:        c.ID,
		TargetID:  c.TargetID,
		Verified:  c.Verified,
		Duplicate: duplicate,
		CreatedAt: c.CreatedAt,
	}
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	byID     map[int64]*Confirmed
	byToken  map[string]int64
	progress map[string]int
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[int64]*Confirmed),
		byToken:  make(map[string]int64),
		progress: make(map[string]int),
	}
}

// InsertCheckIn implements Repository.
func (m *MemoryRepository) InsertCheckIn(_ context.Context, c Confirmed) (Confirmed, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byToken[c.DedupToken]; ok {
		return *m.byID[id], true, nil
	}
	m.nextID++
	c.ID = m.nextID
	m.byID[c.ID] = &c
	m.byToken[c.DedupToken] = c.ID
	return c, false, nil
}

// RecentCheckIn implements Repository.
func (m *MemoryRepository) RecentCheckIn(_ context.Context, userID, targetID string, since time.Time) (*Confirmed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Confirmed
	for _, c := range m.byID {
		if c.UserID != userID || c.TargetID != targetID || c.ClientTimestamp.Before(since) {
			continue
		}
		if best == nil || c.ClientTimestamp.After(best.ClientTimestamp) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// UpdateReflection implements Repository.
func (m *MemoryRepository) UpdateReflection(_ context.Context, userID string, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok || c.UserID != userID {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	c.Reflection = text
	return nil
}

// DeleteCheckIn implements Repository.
func (m *MemoryRepository) DeleteCheckIn(_ context.Context, userID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok || c.UserID != userID {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(m.byToken, c.DedupToken)
	delete(m.byID, id)
	return nil
}

// AdvanceProgress implements Repository.
func (m *MemoryRepository) AdvanceProgress(_ context.Context, userID string, order int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order > m.progress[userID] {
		m.progress[userID] = order
	}
	return nil
}

// Progress returns the highest target order the user has reached.
func (m *MemoryRepository) Progress(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress[userID]
}

// Count returns the number of stored check-ins.
func (m *MemoryRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
