// Package event defines the squad command events that flow through the
// command channel and into the after-action record.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pilgrim_sync/internal/geo"
)

// Kind tags a command event variant.
type Kind string

const (
	KindRallyPlaced    Kind = "rally_placed"
	KindSitRep         Kind = "sitrep"
	KindPresenceUpdate Kind = "presence_update"
	KindBeacon         Kind = "beacon"
	KindMemberStatus   Kind = "member_status"
)

// MaxSitRepRunes bounds free-text situation reports.
const MaxSitRepRunes = 2000

// Beacon signals a member can raise.
const (
	SignalSOS     = "SOS"
	SignalRegroup = "REGROUP"
	SignalMoving  = "MOVING"
)

// Member statuses carried by MemberStatus events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusSOS     = "sos"
	StatusRegroup = "regroup"
	StatusOK      = "ok"
)

// SitRep severities.
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityStatus  = "STATUS"
)

// ErrInvalidEvent is returned for malformed event input.
var ErrInvalidEvent = errors.New("invalid event")

// RallyPlaced marks a coordinate the squad should converge on.
type RallyPlaced struct {
	Coordinate   geo.Coordinate `json:"coordinate"`
	RadiusMeters float64        `json:"radius_meters,omitempty"`
	Label        string         `json:"label,omitempty"`
}

// SitRep is a free-text situation report.
type SitRep struct {
	Text     string `json:"text"`
	AuthorID string `json:"author_id"`
	Severity string `json:"severity,omitempty"`
}

// PresenceUpdate reports a member's position.
type PresenceUpdate struct {
	UserID     string         `json:"user_id"`
	Coordinate geo.Coordinate `json:"coordinate"`
}

// Beacon is an urgent signal raised by a member.
type Beacon struct {
	UserID string `json:"user_id"`
	Signal string `json:"signal"`
}

// MemberStatus reports a roster change such as coming online.
type MemberStatus struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Draft is an event before the server stamps it with a sequence number.
// Exactly one variant field is set, matching Kind.
type Draft struct {
	Kind     Kind            `json:"kind"`
	Rally    *RallyPlaced    `json:"rally,omitempty"`
	SitRep   *SitRep         `json:"sitrep,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
	Beacon   *Beacon         `json:"beacon,omitempty"`
	Status   *MemberStatus   `json:"status,omitempty"`
}

// Event is an immutable, sequenced command event.
type Event struct {
	SquadID   int64     `json:"squad_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Draft
}

// Validate checks that the draft is well formed.
func (d Draft) Validate() error {
	set := 0
	for _, p := range []bool{d.Rally != nil, d.SitRep != nil, d.Presence != nil, d.Beacon != nil, d.Status != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload required, got %d", ErrInvalidEvent, set)
	}

	switch d.Kind {
	case KindRallyPlaced:
		if d.Rally == nil {
			return fmt.Errorf("%w: rally payload missing", ErrInvalidEvent)
		}
		if err := d.Rally.Coordinate.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if d.Rally.RadiusMeters < 0 {
			return fmt.Errorf("%w: negative rally radius", ErrInvalidEvent)
		}
	case KindSitRep:
		if d.SitRep == nil {
			return fmt.Errorf("%w: sitrep payload missing", ErrInvalidEvent)
		}
		text := strings.TrimSpace(d.SitRep.Text)
		if text == "" {
			return fmt.Errorf("%w: empty sitrep", ErrInvalidEvent)
		}
		if utf8.RuneCountInString(text) > MaxSitRepRunes {
			return fmt.Errorf("%w: sitrep longer than %d characters", ErrInvalidEvent, MaxSitRepRunes)
		}
	case KindPresenceUpdate:
		if d.Presence == nil {
			return fmt.Errorf("%w: presence payload missing", ErrInvalidEvent)
		}
		if err := d.Presence.Coordinate.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	case KindBeacon:
		if d.Beacon == nil {
			return fmt.Errorf("%w: beacon payload missing", ErrInvalidEvent)
		}
		switch d.Beacon.Signal {
		case SignalSOS, SignalRegroup, SignalMoving:
		default:
			return fmt.Errorf("%w: unknown beacon signal %q", ErrInvalidEvent, d.Beacon.Signal)
		}
	case KindMemberStatus:
		if d.Status == nil || d.Status.Status == "" {
			return fmt.Errorf("%w: status payload missing", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, d.Kind)
	}
	return nil
}

// WithActor returns a copy of the draft with author fields forced to the
// authenticated actor, so clients cannot speak for other members.
func (d Draft) WithActor(userID string) Draft {
	switch {
	case d.SitRep != nil:
		s := *d.SitRep
		s.AuthorID = userID
		s.Text = strings.TrimSpace(s.Text)
		if s.Severity == "" {
			s.Severity = SeverityInfo
		}
		d.SitRep = &s
	case d.Presence != nil:
		p := *d.Presence
		p.UserID = userID
		d.Presence = &p
	case d.Beacon != nil:
		b := *d.Beacon
		b.UserID = userID
		d.Beacon = &b
	case d.Status != nil:
		s := *d.Status
		s.UserID = userID
		d.Status = &s
	}
	return d
}

// Payload returns the JSON encoding of the variant payload.
func (d Draft) Payload() ([]byte, error) {
	var v any
	switch d.Kind {
	case KindRallyPlaced:
		v = d.Rally
	case KindSitRep:
		v = d.SitRep
	case KindPresenceUpdate:
		v = d.Presence
	case KindBeacon:
		v = d.Beacon
	case KindMemberStatus:
		v = d.Status
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, d.Kind)
	}
	return json.Marshal(v)
}

// DecodeDraft rebuilds a draft from a kind and its JSON payload, as stored
// by the persistence layer.
func DecodeDraft(kind Kind, payload []byte) (Draft, error) {
	d := Draft{Kind: kind}
	var err error
	switch kind {
	case KindRallyPlaced:
		d.Rally = &RallyPlaced{}
		err = json.Unmarshal(payload, d.Rally)
	case KindSitRep:
		d.SitRep = &SitRep{}
		err = json.Unmarshal(payload, d.SitRep)
	case KindPresenceUpdate:
		d.Presence = &PresenceUpdate{}
		err = json.Unmarshal(payload, d.Presence)
	case KindBeacon:
		d.Beacon = &Beacon{}
		err = json.Unmarshal(payload, d.Beacon)
	case KindMemberStatus:
		d.Status = &MemberStatus{}
		err = json.Unmarshal(payload, d.Status)
	default:
		return Draft{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
	}
	if err != nil {
		return Draft{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return d, nil
}

// Constructors for the common variants.

func NewRally(c geo.Coordinate, radius float64, label string) Draft {
	return Draft{Kind: KindRallyPlaced, Rally: &RallyPlaced{Coordinate: c, RadiusMeters: radius, Label: label}}
}

func NewSitRep(authorID, text, severity string) Draft {
	return Draft{Kind: KindSitRep, SitRep: &SitRep{Text: text, AuthorID: authorID, Severity: severity}}
}

func NewPresence(userID string, c geo.Coordinate) Draft {
	return Draft{Kind: KindPresenceUpdate, Presence: &PresenceUpdate{UserID: userID, Coordinate: c}}
}

func NewBeacon(userID, signal string) Draft {
	return Draft{Kind: KindBeacon, Beacon: &Beacon{UserID: userID, Signal: signal}}
}

func NewMemberStatus(userID, status string) Draft {
	return Draft{Kind: KindMemberStatus, Status: &MemberStatus{UserID: userID, Status: status}}
}
