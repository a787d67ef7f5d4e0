// Package squad implements squad membership and the realtime command
// channel: one room per squad serialises event commits and fans them out
// to subscribers in sequence order.
package squad

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"

	"pilgrim_sync/internal/geo"
)

var (
	ErrHistoryTruncated = errors.New("requested history is no longer retained")
	ErrSquadFull        = errors.New("squad is full")
	ErrAlreadyMember    = errors.New("already a member of a squad")
	ErrNotMember        = errors.New("not a member of this squad")
	ErrUnknownSquad     = errors.New("unknown squad")
	ErrInvalidSquad     = errors.New("invalid squad")
	ErrClosed           = errors.New("squad hub closed")
	ErrCodeTaken        = errors.New("join code already in use")
)

const (
	// DefaultCapacity is the member limit for squads created without one.
	DefaultCapacity = 12
	// MaxCapacity bounds the member limit.
	MaxCapacity = 50
	// JoinCodeLength is the length of generated join codes.
	JoinCodeLength = 6
)

// Squad is a group of users sharing a command channel.
type Squad struct {
	ID        int64
	Name      string
	JoinCode  string
	CreatorID string
	Capacity  int
	CreatedAt time.Time
}

// Membership binds a user to their single active squad.
type Membership struct {
	SquadID  int64
	UserID   string
	JoinedAt time.Time
}

// Member is a roster entry with live state.
type Member struct {
	UserID   string
	JoinedAt time.Time
	Online   bool
	Status   string
	Position *geo.Coordinate
}

// Directory stores squads and memberships.
type Directory interface {
	// CreateSquad stores s and makes its creator the first member. It fails
	// with ErrAlreadyMember if the creator belongs to a squad and with
	// ErrCodeTaken if the join code is in use.
	CreateSquad(ctx context.Context, s Squad, at time.Time) (Squad, error)
	// JoinByCode adds userID to the squad with the given code, enforcing
	// capacity and the one-squad rule.
	JoinByCode(ctx context.Context, code, userID string, at time.Time) (Squad, error)
	// Leave removes the user's membership and returns the squad left.
	Leave(ctx context.Context, userID string) (int64, error)
	Squad(ctx context.Context, id int64) (*Squad, error)
	Members(ctx context.Context, squadID int64) ([]Membership, error)
	MembershipOf(ctx context.Context, userID string) (*Membership, error)
}

// PresenceStore keeps the last known position of each member.
type PresenceStore interface {
	RecordPosition(ctx context.Context, squadID int64, userID string, c geo.Coordinate, at time.Time) error
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewJoinCode returns a random upper-case share code.
func NewJoinCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < JoinCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases and trims a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
