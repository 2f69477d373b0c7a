package models

import "time"

// ChatKind selects the chat surface a MatchRequest is for.
type ChatKind string

const (
	ChatKindText  ChatKind = "text"
	ChatKindVideo ChatKind = "video"
)

// Valid reports whether k is a known chat kind.
func (k ChatKind) Valid() bool {
	return k == ChatKindText || k == ChatKindVideo
}

// Role is the negotiation role of the local side in a peer connection.
type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// MatchRequest is emitted as the findPartner payload.
type MatchRequest struct {
	Kind      ChatKind `json:"kind"`
	Interests []string `json:"interests"`
	AuthID    string   `json:"authId,omitempty"`
	SessionID string   `json:"sessionId"`
	Timestamp int64    `json:"timestamp"`
}

// Match is the pairing the relay assigned to this session.
type Match struct {
	RoomID             string
	PartnerIdentity    string
	PartnerTransportID string
	Interests          []string
	Role               Role
	StartedAt          time.Time
}
