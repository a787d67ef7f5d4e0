// Package wire holds the JSON shapes exchanged between the server and clients
// over HTTP and the squad WebSocket channel.
package wire

import (
	"encoding/json"
	"time"

	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
)

// CheckInRequest confirms a queued check-in. DedupToken makes the request
// idempotent: resending it never creates a second record.
type CheckInRequest struct {
	DedupToken      string         `json:"dedup_token"`
	LocalID         int64          `json:"local_id"`
	TargetID        string         `json:"target_id"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	Coordinate      geo.Coordinate `json:"coordinate"`
	AccuracyMeters  float64        `json:"accuracy_meters,omitempty"`
	Reflection      string         `json:"reflection,omitempty"`
}

// CheckInResponse is returned for a confirmed check-in.
type CheckInResponse struct {
	ID        int64     `json:"id"`
	TargetID  string    `json:"target_id"`
	Verified  bool      `json:"verified"`
	Duplicate bool      `json:"duplicate"`
	CreatedAt time.Time `json:"created_at"`
}

// ReflectionUpdate edits the reflection attached to a confirmed check-in.
type ReflectionUpdate struct {
	Reflection string `json:"reflection"`
}

// CreateSquadRequest creates a squad with the caller as its first member.
type CreateSquadRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
}

// JoinSquadRequest joins a squad by its share code.
type JoinSquadRequest struct {
	Code string `json:"code"`
}

// Squad describes a squad and its roster.
type Squad struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	JoinCode  string   `json:"join_code"`
	CreatorID string   `json:"creator_id"`
	Capacity  int      `json:"capacity"`
	Members   []Member `json:"members,omitempty"`
}

// Member is one roster entry.
type Member struct {
	UserID   string          `json:"user_id"`
	JoinedAt time.Time       `json:"joined_at"`
	Online   bool            `json:"online"`
	Status   string          `json:"status,omitempty"`
	Position *geo.Coordinate `json:"position,omitempty"`
}

// ErrorBody is the payload of an HTTP error response or an error frame.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorResponse wraps ErrorBody for HTTP.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error codes shared by HTTP and the squad channel.
const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeNotFound         = "NOT_FOUND"
	CodeNotInRange       = "NOT_IN_RANGE"
	CodeSquadFull        = "SQUAD_FULL"
	CodeAlreadyMember    = "ALREADY_MEMBER"
	CodeNotMember        = "NOT_MEMBER"
	CodeHistoryTruncated = "HISTORY_TRUNCATED"
	CodeInternal         = "INTERNAL"
)

// Frame types on the squad channel.
const (
	FrameJoin     = "join"
	FrameJoined   = "joined"
	FrameSend     = "send"
	FrameAck      = "ack"
	FrameEvent    = "event"
	FrameSnapshot = "snapshot"
	FrameError    = "error"
	FramePing     = "ping"
	FramePong     = "pong"
)

// Frame is the envelope for every message on the squad channel.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload opens the channel for a squad. LastSequence is the highest
// sequence the client has already applied; zero requests the latest events.
type JoinPayload struct {
	SquadID      int64  `json:"squad_id"`
	LastSequence uint64 `json:"last_sequence"`
}

// JoinedPayload answers a join with the roster and catch-up events.
type JoinedPayload struct {
	Squad  Squad         `json:"squad"`
	Events []event.Event `json:"events"`
	Head   uint64        `json:"head"`
}

// SnapshotPayload replaces client state when history was truncated.
type SnapshotPayload struct {
	Squad  Squad         `json:"squad"`
	Events []event.Event `json:"events"`
	Head   uint64        `json:"head"`
}

// SendPayload submits a command event.
type SendPayload struct {
	Draft event.Draft `json:"draft"`
}

// AckPayload confirms a send with the committed sequence.
type AckPayload struct {
	Sequence uint64 `json:"sequence"`
}

// NewFrame builds a frame with a JSON-encoded payload.
func NewFrame(typ, requestID string, payload any) (Frame, error) {
	f := Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = raw
	}
	return f, nil
}
