package models

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged with the matchmaking relay.
const (
	// Transport lifecycle. EventConnect is also the first frame the relay
	// sends after the upgrade, carrying the assigned transport id.
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventTabIdentify    = "tab_identify"
	EventDuplicateTab   = "duplicate_tab_detected"
	EventAuthConflict   = "auth_conflict_detected"
	EventFindPartner    = "findPartner"
	EventCancelSearch   = "cancelSearch"
	EventPartnerFound   = "partnerFound"
	EventWaiting        = "waitingForPartner"
	EventFindCooldown   = "findPartnerCooldown"
	EventSearchError    = "searchError"
	EventSkipPartner    = "skipPartner"
	EventLeaveChat      = "leaveChat"
	EventPartnerLeft    = "partnerLeft"
	EventSkippedYou     = "partnerSkippedYou"
	EventSkipConfirmed  = "skipConfirmed"
	EventPartnerSkipped = "partnerSkipped"

	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventWebRTCSignal   = "webrtcSignal"

	EventHeartbeat         = "heartbeat"
	EventHeartbeatResponse = "heartbeat_response"
	EventConnectionWarning = "connection_warning"
	EventConnectionHealth  = "connection_health"
	EventBatchedMessages   = "batchedMessages"
)

// Envelope is the single frame format on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Encode returns the wire bytes for event and payload.
func Encode(event string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the data of an envelope into v. An empty body decodes
// to the zero value so that events without payloads are accepted.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// ConnectAck is sent by the relay right after the websocket upgrade.
type ConnectAck struct {
	ID string `json:"id"`
}

// TabIdentify announces which tab and logical session owns this transport.
type TabIdentify struct {
	TabID     string `json:"tabId"`
	SessionID string `json:"sessionId"`
	AuthID    string `json:"authId,omitempty"`
}

// Notice is the payload of informational and fatal server notices
// (duplicate tab, auth conflict, search error, connection warning).
type Notice struct {
	Message string `json:"message,omitempty"`
}

// Cooldown is sent when the relay refuses a search for a while.
type Cooldown struct {
	RemainingMs int64  `json:"remainingMs,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PartnerFound assigns a partner and a rendezvous room.
type PartnerFound struct {
	PartnerID     string   `json:"partnerId"`
	RoomID        string   `json:"roomId"`
	PartnerAuthID string   `json:"partnerAuthId,omitempty"`
	Interests     []string `json:"interests,omitempty"`
	// Initiator tells the receiver whether it should create the offer.
	Initiator *bool `json:"initiator,omitempty"`
}

// RoomRef names a room in skip/leave requests and partner notifications.
type RoomRef struct {
	RoomID string `json:"roomId,omitempty"`
}

// SkipConfirmed acknowledges the local participant's own skip.
type SkipConfirmed struct {
	RoomID            string `json:"roomId,omitempty"`
	AutoSearchStarted bool   `json:"autoSearchStarted,omitempty"`
}

// CancelSearch withdraws an outstanding MatchRequest.
type CancelSearch struct {
	SessionID string `json:"sessionId"`
}

// ChatMessage is used for both sendMessage and receiveMessage.
type ChatMessage struct {
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// WebRTCSignal carries an offer, answer or candidate between the two
// members of a room. SignalData is interpreted by the peer engine.
type WebRTCSignal struct {
	RoomID     string          `json:"roomId"`
	SenderID   string          `json:"senderId,omitempty"`
	SignalData json.RawMessage `json:"signalData"`
}

// Heartbeat is the relay's liveness ping.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatResponse echoes the ping with the client's clock.
type HeartbeatResponse struct {
	Timestamp int64 `json:"timestamp"`
	Received  int64 `json:"received"`
}

// ConnectionHealth answers a connection_warning.
type ConnectionHealth struct {
	Timestamp int64  `json:"timestamp"`
	State     string `json:"state"`
}

// TransportStatus is the payload of the locally generated disconnect and
// connect_error events.
type TransportStatus struct {
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
	Fatal  bool   `json:"fatal,omitempty"`
}
