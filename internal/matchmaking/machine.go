// Package matchmaking holds the per-session matchmaking state machine.
//
// Transition table ((state, event) -> state):
//
//	(Idle, find)                     -> Searching  emits findPartner
//	(Searching, waitingForPartner)   -> Searching  informational
//	(Searching, partnerFound)        -> Matched    after validation
//	(Searching, cancel)              -> Idle
//	(Searching, findPartnerCooldown) -> Idle       no automatic retry in window
//	(Searching, searchError)         -> Idle
//	(Matched, partnerLeft)           -> Idle       peer torn down, no re-search
//	(Matched, skip)                  -> Searching  peer torn down, findPartner emitted
//	(Matched, partnerSkippedYou)     -> Idle       peer torn down, no re-search
//	(*, disconnect | reset)          -> Idle       with cleanup
//
// A Machine is not safe for concurrent use. Its owner serializes every call.
package matchmaking

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
	"github.com/mossy-p/webrtc-matchmaking/internal/identity"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// State of the matchmaking session.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateMatched
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	default:
		return "idle"
	}
}

// Transport is the part of the connection manager the machine emits
// through.
type Transport interface {
	Send(event string, payload interface{}) bool
	Connected() bool
	TransportID() string
	SessionID() string
	AuthID() string
}

// Peer is the part of the peer negotiation engine the machine drives. It
// is called once when a match starts and once when it ends.
type Peer interface {
	Setup(roomID string, role models.Role) error
	Teardown(stopLocalMedia bool)
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	RoomID string
	Cause  string
}

// Config configures a Machine.
type Config struct {
	Kind      models.ChatKind
	Interests []string
	Limiter   *RateLimiter
	Now       func() time.Time
	// OnTransition is called synchronously after every state change.
	OnTransition func(Transition)
}

// Machine is the matchmaking session state machine.
type Machine struct {
	cfg       Config
	transport Transport
	peer      Peer
	limiter   *RateLimiter
	logger    *zap.Logger

	state State
	match *models.Match
	// acknowledged is set by waitingForPartner for the current search.
	acknowledged bool
	// requeued is set once a search has been re-sent after a rejected
	// self-match; a second rejection ends the search.
	requeued bool
}

// NewMachine returns a machine in the Idle state. peer may be nil for
// text-only sessions.
func NewMachine(cfg Config, transport Transport, peer Peer, logger *zap.Logger) *Machine {
	if cfg.Kind == "" {
		cfg.Kind = models.ChatKindVideo
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(DefaultMaxAttempts, DefaultCooldownWindow)
	}
	if peer == nil {
		peer = nopPeer{}
	}
	return &Machine{
		cfg:       cfg,
		transport: transport,
		peer:      peer,
		limiter:   cfg.Limiter,
		logger:    logger.Named("matchmaking"),
	}
}

func (m *Machine) State() State { return m.state }

// Match returns a copy of the current match.
func (m *Machine) Match() (models.Match, bool) {
	if m.match == nil {
		return models.Match{}, false
	}
	return *m.match, true
}

// RoomID is the current room, empty outside Matched.
func (m *Machine) RoomID() string {
	if m.match == nil {
		return ""
	}
	return m.match.RoomID
}

// Acknowledged reports whether the relay confirmed the current search.
func (m *Machine) Acknowledged() bool { return m.acknowledged }

func (m *Machine) Kind() models.ChatKind { return m.cfg.Kind }

// SetInterests replaces the interests sent with future requests.
func (m *Machine) SetInterests(interests []string) {
	m.cfg.Interests = append([]string(nil), interests...)
}

// Find starts a search.
func (m *Machine) Find(trigger Trigger) error {
	switch m.state {
	case StateSearching:
		return faults.ErrAlreadySearching
	case StateMatched:
		return faults.ErrAlreadyMatched
	}
	if !m.transport.Connected() {
		return faults.ErrNotConnected
	}
	if err := m.limiter.Admit(trigger, m.cfg.Now()); err != nil {
		m.logger.Info("search refused locally", zap.Stringer("trigger", trigger), zap.Error(err))
		return err
	}
	if !m.sendRequest() {
		return faults.ErrNotConnected
	}
	m.requeued = false
	m.transition(StateSearching, "", "find:"+trigger.String())
	return nil
}

// Cancel withdraws the outstanding search.
func (m *Machine) Cancel() error {
	if m.state != StateSearching {
		return faults.ErrNotSearching
	}
	m.transport.Send(models.EventCancelSearch, models.CancelSearch{SessionID: m.transport.SessionID()})
	m.transition(StateIdle, "", "cancel")
	return nil
}

// Skip ends the current match and immediately searches again on behalf of
// the skipper.
func (m *Machine) Skip() error {
	if m.state != StateMatched {
		return faults.ErrNotMatched
	}
	roomID := m.match.RoomID
	m.transport.Send(models.EventSkipPartner, models.RoomRef{RoomID: roomID})
	m.peer.Teardown(false)
	m.match = nil

	if !m.transport.Connected() {
		m.transition(StateIdle, roomID, "skip")
		return faults.ErrNotConnected
	}
	m.limiter.RecordSkip(m.cfg.Now())
	if !m.sendRequest() {
		m.transition(StateIdle, roomID, "skip")
		return faults.ErrNotConnected
	}
	m.requeued = false
	m.transition(StateSearching, roomID, "skip")
	return nil
}

// requeue re-sends the current search once after a self-match rejection.
// It reports whether the search is still outstanding.
func (m *Machine) requeue() bool {
	if m.requeued {
		return false
	}
	if err := m.limiter.Admit(TriggerRequeue, m.cfg.Now()); err != nil {
		m.logger.Info("search not re-sent", zap.Error(err))
		return false
	}
	if !m.sendRequest() {
		return false
	}
	m.requeued = true
	return true
}

// HandleWaiting records the relay's acknowledgement of the search.
func (m *Machine) HandleWaiting() {
	if m.state == StateSearching {
		m.acknowledged = true
	}
}

// HandleFound applies a partnerFound event.
//
// A repeat of the current room is a no-op. A different room while matched
// is ErrUnexpectedMatch. A payload naming ourselves is rejected, the room
// is left, and the search is re-sent once; a second rejection in the same
// search returns to Idle so the participant can retry.
func (m *Machine) HandleFound(found models.PartnerFound) error {
	if found.RoomID == "" || found.PartnerID == "" {
		return fmt.Errorf("partnerFound without roomId or partnerId: %w", faults.ErrInvalidPayload)
	}

	if m.state == StateMatched {
		if m.match.RoomID == found.RoomID {
			return nil
		}
		return fmt.Errorf("partnerFound for room %s while matched on %s: %w",
			found.RoomID, m.match.RoomID, faults.ErrUnexpectedMatch)
	}

	local := identity.Local{TransportID: m.transport.TransportID(), AuthID: m.transport.AuthID()}
	if err := identity.CheckFound(local, found); err != nil {
		m.logger.Warn("rejected self match", zap.String("roomId", found.RoomID), zap.Error(err))
		m.transport.Send(models.EventLeaveChat, models.RoomRef{RoomID: found.RoomID})
		if m.state == StateSearching && !m.requeue() {
			m.transition(StateIdle, "", "selfMatch")
		}
		return err
	}

	if m.state != StateSearching {
		m.logger.Warn("partnerFound while not searching", zap.String("roomId", found.RoomID))
		m.transport.Send(models.EventLeaveChat, models.RoomRef{RoomID: found.RoomID})
		return fmt.Errorf("partnerFound while %s: %w", m.state, faults.ErrStaleEvent)
	}

	role := resolveRole(found, local.TransportID)
	m.match = &models.Match{
		RoomID:             found.RoomID,
		PartnerIdentity:    found.PartnerAuthID,
		PartnerTransportID: found.PartnerID,
		Interests:          found.Interests,
		Role:               role,
		StartedAt:          m.cfg.Now(),
	}
	m.limiter.RecordMatch()
	m.transition(StateMatched, found.RoomID, "partnerFound")

	if err := m.peer.Setup(found.RoomID, role); err != nil {
		m.logger.Warn("peer setup failed, match continues without video",
			zap.String("roomId", found.RoomID), zap.Error(err))
		return err
	}
	return nil
}

// HandleCooldown applies findPartnerCooldown.
func (m *Machine) HandleCooldown(c models.Cooldown) error {
	wait := time.Duration(c.RemainingMs) * time.Millisecond
	if wait <= 0 {
		wait = DefaultCooldownWindow
	}
	m.limiter.BlockUntil(m.cfg.Now().Add(wait))
	if m.state != StateSearching {
		return nil
	}
	m.transition(StateIdle, "", "cooldown")
	return faults.ErrServerCooldown
}

// HandleSearchError applies searchError.
func (m *Machine) HandleSearchError(n models.Notice) error {
	if m.state != StateSearching {
		return nil
	}
	m.transition(StateIdle, "", "searchError")
	return fmt.Errorf("%s: %w", n.Message, faults.ErrSearchFailed)
}

// HandlePartnerLeft applies partnerLeft.
func (m *Machine) HandlePartnerLeft(ref models.RoomRef) error {
	return m.endMatch(ref, "partnerLeft")
}

// HandleSkippedYou applies partnerSkippedYou. Unlike a self skip it never
// searches again automatically.
func (m *Machine) HandleSkippedYou(ref models.RoomRef) error {
	return m.endMatch(ref, "partnerSkippedYou")
}

// HandleSkipConfirmed acknowledges our own skip.
func (m *Machine) HandleSkipConfirmed(c models.SkipConfirmed) {
	m.logger.Debug("skip confirmed",
		zap.String("roomId", c.RoomID),
		zap.Bool("autoSearchStarted", c.AutoSearchStarted))
}

// HandleDisconnect returns to Idle from any state.
func (m *Machine) HandleDisconnect() {
	m.toIdle("disconnect", false)
}

// Reset returns to Idle from any state, telling the relay to drop the
// current search or room when still connected.
func (m *Machine) Reset() {
	m.toIdle("reset", true)
}

func (m *Machine) toIdle(cause string, notify bool) {
	switch m.state {
	case StateMatched:
		roomID := m.match.RoomID
		if notify {
			m.transport.Send(models.EventLeaveChat, models.RoomRef{RoomID: roomID})
		}
		m.peer.Teardown(false)
		m.match = nil
		m.transition(StateIdle, roomID, cause)
	case StateSearching:
		if notify {
			m.transport.Send(models.EventCancelSearch, models.CancelSearch{SessionID: m.transport.SessionID()})
		}
		m.transition(StateIdle, "", cause)
	}
}

func (m *Machine) endMatch(ref models.RoomRef, cause string) error {
	if m.state != StateMatched {
		return nil
	}
	if ref.RoomID != "" && ref.RoomID != m.match.RoomID {
		return fmt.Errorf("%s for room %s while matched on %s: %w",
			cause, ref.RoomID, m.match.RoomID, faults.ErrStaleEvent)
	}
	roomID := m.match.RoomID
	m.peer.Teardown(false)
	m.match = nil
	m.transition(StateIdle, roomID, cause)
	return nil
}

func (m *Machine) sendRequest() bool {
	interests := m.cfg.Interests
	if interests == nil {
		interests = []string{}
	}
	return m.transport.Send(models.EventFindPartner, models.MatchRequest{
		Kind:      m.cfg.Kind,
		Interests: interests,
		AuthID:    m.transport.AuthID(),
		SessionID: m.transport.SessionID(),
		Timestamp: m.cfg.Now().UnixMilli(),
	})
}

func (m *Machine) transition(to State, roomID, cause string) {
	from := m.state
	m.state = to
	if to != StateSearching {
		m.acknowledged = false
	}
	m.logger.Debug("transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("roomId", roomID),
		zap.String("cause", cause))
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(Transition{From: from, To: to, RoomID: roomID, Cause: cause})
	}
}

// resolveRole uses the relay's hint when present. Otherwise the side with
// the lower transport id offers, so both ends agree without coordination.
func resolveRole(found models.PartnerFound, localID string) models.Role {
	if found.Initiator != nil {
		if *found.Initiator {
			return models.RoleInitiator
		}
		return models.RoleResponder
	}
	if localID < found.PartnerID {
		return models.RoleInitiator
	}
	return models.RoleResponder
}

type nopPeer struct{}

func (nopPeer) Setup(string, models.Role) error { return nil }
func (nopPeer) Teardown(bool)                   {}
