// Package orchestrator wires the connection manager, the matchmaking state
// machine and the peer engine into one chat session, and projects the
// result into a Status for the UI.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/connection"
	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
	"github.com/mossy-p/webrtc-matchmaking/internal/identity"
	"github.com/mossy-p/webrtc-matchmaking/internal/matchmaking"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/peer"
)

// Conn is the part of the connection manager the orchestrator uses.
type Conn interface {
	matchmaking.Transport
	On(event string, handler connection.Handler)
	Off(event string)
	Connect(ctx context.Context)
	Close()
	ResetSession() string
	LastError() error
	State() connection.State
}

// Config configures an Orchestrator.
type Config struct {
	Kind              models.ChatKind
	Interests         []string
	AutoSearch        bool
	MaxSearchAttempts int
	SearchCooldown    time.Duration

	// Video sessions only.
	STUNServers     []string
	Media           peer.MediaSource
	IncludeLoopback bool

	Now func() time.Time
}

// Orchestrator owns one chat session.
type Orchestrator struct {
	cfg    Config
	conn   Conn
	engine *peer.Engine
	logger *zap.Logger

	// mu serializes the machine between transport handlers and commands.
	mu         sync.Mutex
	machine    *matchmaking.Machine
	started    bool
	alive      bool
	mediaReady bool

	board  *board
	chatMu sync.Mutex
	onChat func(models.ChatMessage)
}

// New builds an orchestrator on conn. Video sessions get a peer engine that
// signals through conn.
func New(cfg Config, conn Conn, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.Kind == "" {
		cfg.Kind = models.ChatKindVideo
	}
	if !cfg.Kind.Valid() {
		return nil, errors.New("orchestrator: unknown chat kind " + string(cfg.Kind))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		cfg:    cfg,
		conn:   conn,
		logger: logger.Named("orchestrator"),
		board:  newBoard(),
	}

	var machinePeer matchmaking.Peer
	if cfg.Kind == models.ChatKindVideo {
		engine, err := peer.NewEngine(peer.Config{
			STUNServers:     cfg.STUNServers,
			Media:           cfg.Media,
			Send:            conn.Send,
			LocalID:         conn.TransportID,
			OnState:         o.onPeerState,
			IncludeLoopback: cfg.IncludeLoopback,
		}, logger)
		if err != nil {
			return nil, err
		}
		o.engine = engine
		machinePeer = engine
	} else {
		o.mediaReady = true
	}

	o.machine = matchmaking.NewMachine(matchmaking.Config{
		Kind:         cfg.Kind,
		Interests:    cfg.Interests,
		Limiter:      matchmaking.NewRateLimiter(cfg.MaxSearchAttempts, cfg.SearchCooldown),
		Now:          cfg.Now,
		OnTransition: o.onTransition,
	}, conn, machinePeer, logger)
	return o, nil
}

// OnStatus registers the single status observer, replacing any previous
// one. It is called synchronously and must not block.
func (o *Orchestrator) OnStatus(fn func(Status)) { o.board.setObserver(fn) }

// OnChat registers the single chat observer.
func (o *Orchestrator) OnChat(fn func(models.ChatMessage)) {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	o.onChat = fn
}

// Snapshot returns the latest status.
func (o *Orchestrator) Snapshot() Status { return o.board.snapshot() }

// Engine returns the peer engine, nil for text sessions.
func (o *Orchestrator) Engine() *peer.Engine { return o.engine }

// Start mounts the session: registers transport handlers, acquires local
// media for video sessions, and connects. Subsequent calls are no-ops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.alive = true
	o.mu.Unlock()

	o.registerHandlers()
	o.prepareMedia(ctx)
	o.conn.Connect(ctx)
}

func (o *Orchestrator) prepareMedia(ctx context.Context) {
	if o.engine == nil {
		return
	}
	err := o.engine.PrepareMedia(ctx)

	o.mu.Lock()
	o.mediaReady = err == nil
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("local media unavailable, search needs camera access", zap.Error(err))
		o.report(err)
	}
}

func (o *Orchestrator) handlers() map[string]connection.Handler {
	return map[string]connection.Handler{
		models.EventConnect:           o.handleConnect,
		models.EventDisconnect:        o.handleDisconnect,
		models.EventConnectError:      o.handleConnectError,
		models.EventDuplicateTab:      o.handleConflict,
		models.EventAuthConflict:      o.handleConflict,
		models.EventPartnerFound:      o.handleFound,
		models.EventWaiting:           o.handleWaiting,
		models.EventFindCooldown:      o.handleCooldown,
		models.EventSearchError:       o.handleSearchError,
		models.EventPartnerLeft:       o.handlePartnerLeft,
		models.EventSkippedYou:        o.handleSkippedYou,
		models.EventSkipConfirmed:     o.handleSkipConfirmed,
		models.EventPartnerSkipped:    o.handleSkipConfirmed,
		models.EventReceiveMessage:    o.handleChat,
		models.EventWebRTCSignal:      o.handleSignal,
		models.EventConnectionWarning: o.handleConnectionWarning,
	}
}

func (o *Orchestrator) registerHandlers() {
	for event, h := range o.handlers() {
		o.conn.On(event, h)
	}
}

func (o *Orchestrator) unregisterHandlers() {
	for event := range o.handlers() {
		o.conn.Off(event)
	}
}

// Find asks for a partner on behalf of the participant.
func (o *Orchestrator) Find() error {
	return o.command(func() error {
		if !o.mediaReady {
			return faults.ErrMediaUnavailable
		}
		return o.machine.Find(matchmaking.TriggerUser)
	})
}

// Cancel withdraws the current search.
func (o *Orchestrator) Cancel() error {
	return o.command(o.machine.Cancel)
}

// Skip leaves the current partner and searches again.
func (o *Orchestrator) Skip() error {
	return o.command(o.machine.Skip)
}

// SendChat sends text to the current partner.
func (o *Orchestrator) SendChat(text string) error {
	return o.command(func() error {
		roomID := o.machine.RoomID()
		if roomID == "" {
			return faults.ErrNotMatched
		}
		if !o.conn.Send(models.EventSendMessage, models.ChatMessage{
			RoomID:    roomID,
			Message:   text,
			Timestamp: o.cfg.Now().UnixMilli(),
		}) {
			return faults.ErrNotConnected
		}
		return nil
	})
}

// Reset forces the session back to Idle as on navigation away from the chat
// surface: the search or room is dropped, the peer connection closed, and a
// new session id announced.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.alive {
		return
	}
	o.machine.Reset()
	if o.engine != nil {
		o.engine.Teardown(false)
	}
	sessionID := o.conn.ResetSession()
	o.logger.Info("session reset", zap.String("sessionId", sessionID))
	o.board.update(func(s *Status) {
		s.Notice = ""
		s.Err = nil
	})
}

// Retry recovers from connectionError and mediaUnavailable: it re-acquires
// media if missing and reconnects if the transport gave up.
func (o *Orchestrator) Retry(ctx context.Context) {
	o.mu.Lock()
	alive := o.alive
	mediaReady := o.mediaReady
	o.mu.Unlock()
	if !alive {
		return
	}

	if !mediaReady {
		o.prepareMedia(ctx)
	}
	if o.conn.State() == connection.StateDisconnected {
		o.conn.Connect(ctx)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.board.update(func(s *Status) {
		if s.Phase == PhaseMediaUnavailable && o.mediaReady {
			s.Phase = phaseOf(o.machine.State())
		}
	})
}

// Close unmounts the session: it leaves any search or room, releases local
// media, unregisters its handlers and closes the transport.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.alive {
		o.mu.Unlock()
		return
	}
	o.alive = false
	o.machine.Reset()
	o.mu.Unlock()

	if o.engine != nil {
		o.engine.Teardown(true)
	}
	o.unregisterHandlers()
	o.conn.Close()
	if o.engine != nil {
		o.engine.Wait()
	}
}

func (o *Orchestrator) command(fn func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.alive {
		return faults.ErrNotConnected
	}
	err := fn()
	o.report(err)
	return err
}

// onEvent decodes data into v and runs fn under the session lock. Events
// arriving after Close are dropped.
func onEvent[T any](o *Orchestrator, event string, data json.RawMessage, fn func(T) error) {
	var v T
	if err := (models.Envelope{Event: event, Data: data}).Decode(&v); err != nil {
		o.logger.Warn("malformed event", zap.String("event", event), zap.Error(err))
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.alive {
		return
	}
	o.report(fn(v))
}

func (o *Orchestrator) handleConnect(data json.RawMessage) {
	onEvent(o, models.EventConnect, data, func(ack models.ConnectAck) error {
		o.logger.Info("session connected", zap.String("transportId", ack.ID))
		o.board.update(func(s *Status) {
			if s.Phase == PhaseConnectionError {
				s.Phase = phaseOf(o.machine.State())
				s.Notice = ""
				s.Err = nil
			}
		})
		if !o.cfg.AutoSearch || !o.mediaReady || o.machine.State() != matchmaking.StateIdle {
			return nil
		}
		return o.machine.Find(matchmaking.TriggerAuto)
	})
}

func (o *Orchestrator) handleDisconnect(data json.RawMessage) {
	onEvent(o, models.EventDisconnect, data, func(st models.TransportStatus) error {
		o.machine.HandleDisconnect()
		if st.Fatal {
			if err := o.conn.LastError(); err != nil {
				return err
			}
			return faults.ErrDuplicateSession
		}
		return nil
	})
}

func (o *Orchestrator) handleConnectError(data json.RawMessage) {
	onEvent(o, models.EventConnectError, data, func(st models.TransportStatus) error {
		if st.Fatal {
			return faults.ErrConnectionExhausted
		}
		o.logger.Debug("connect attempt failed", zap.String("reason", st.Reason))
		return nil
	})
}

func (o *Orchestrator) handleConflict(data json.RawMessage) {
	onEvent(o, models.EventDuplicateTab, data, func(n models.Notice) error {
		o.logger.Error("session rejected by relay", zap.String("message", n.Message))
		return faults.ErrDuplicateSession
	})
}

func (o *Orchestrator) handleFound(data json.RawMessage) {
	onEvent(o, models.EventPartnerFound, data, o.machine.HandleFound)
}

func (o *Orchestrator) handleWaiting(data json.RawMessage) {
	onEvent(o, models.EventWaiting, data, func(struct{}) error {
		o.machine.HandleWaiting()
		return nil
	})
}

func (o *Orchestrator) handleCooldown(data json.RawMessage) {
	onEvent(o, models.EventFindCooldown, data, o.machine.HandleCooldown)
}

func (o *Orchestrator) handleSearchError(data json.RawMessage) {
	onEvent(o, models.EventSearchError, data, o.machine.HandleSearchError)
}

func (o *Orchestrator) handlePartnerLeft(data json.RawMessage) {
	onEvent(o, models.EventPartnerLeft, data, o.machine.HandlePartnerLeft)
}

func (o *Orchestrator) handleSkippedYou(data json.RawMessage) {
	onEvent(o, models.EventSkippedYou, data, o.machine.HandleSkippedYou)
}

func (o *Orchestrator) handleSkipConfirmed(data json.RawMessage) {
	onEvent(o, models.EventSkipConfirmed, data, func(c models.SkipConfirmed) error {
		o.machine.HandleSkipConfirmed(c)
		return nil
	})
}

func (o *Orchestrator) handleChat(data json.RawMessage) {
	var msg models.ChatMessage
	onEvent(o, models.EventReceiveMessage, data, func(m models.ChatMessage) error {
		local := identity.Local{TransportID: o.conn.TransportID(), AuthID: o.conn.AuthID()}
		if identity.IsSelf(local, m.SenderID) {
			return nil
		}
		if roomID := o.machine.RoomID(); roomID == "" || m.RoomID != roomID {
			o.logger.Debug("chat for another room", zap.String("roomId", m.RoomID))
			return nil
		}
		o.board.update(func(s *Status) { s.Messages++ })
		msg = m
		return nil
	})
	if msg.RoomID == "" {
		return
	}

	o.chatMu.Lock()
	fn := o.onChat
	o.chatMu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// handleSignal hands signaling to the engine outside the session lock; the
// engine checks room and sender itself.
func (o *Orchestrator) handleSignal(data json.RawMessage) {
	if o.engine == nil {
		return
	}
	var msg models.WebRTCSignal
	if err := (models.Envelope{Event: models.EventWebRTCSignal, Data: data}).Decode(&msg); err != nil {
		o.logger.Warn("malformed event", zap.String("event", models.EventWebRTCSignal), zap.Error(err))
		return
	}
	if err := o.engine.HandleSignal(msg); err != nil {
		if errors.Is(err, faults.ErrStaleEvent) {
			o.logger.Debug("dropped signal", zap.String("roomId", msg.RoomID), zap.Error(err))
			return
		}
		o.logger.Warn("signal rejected", zap.String("roomId", msg.RoomID), zap.Error(err))
	}
}

func (o *Orchestrator) handleConnectionWarning(data json.RawMessage) {
	onEvent(o, models.EventConnectionWarning, data, func(n models.Notice) error {
		o.logger.Warn("relay reports a weak connection", zap.String("message", n.Message))
		o.conn.Send(models.EventConnectionHealth, models.ConnectionHealth{
			Timestamp: o.cfg.Now().UnixMilli(),
			State:     o.conn.State().String(),
		})
		return nil
	})
}

// onTransition runs under o.mu, from inside the machine.
func (o *Orchestrator) onTransition(t matchmaking.Transition) {
	match, matched := o.machine.Match()
	o.board.update(func(s *Status) {
		s.Phase = phaseOf(t.To)
		s.Notice = ""
		s.Err = nil
		if !matched {
			s.RoomID, s.PartnerID = "", ""
			s.Video = VideoNone
			s.Messages = 0
			return
		}
		s.RoomID = match.RoomID
		s.PartnerID = match.PartnerTransportID
		s.Messages = 0
		if o.engine != nil {
			s.Video = VideoNegotiating
		}
	})
}

// onPeerState runs on engine goroutines and only touches the board.
func (o *Orchestrator) onPeerState(roomID string, state peer.State, err error) {
	o.board.update(func(s *Status) {
		if s.RoomID != roomID {
			return
		}
		switch state {
		case peer.StateNegotiating:
			s.Video = VideoNegotiating
		case peer.StateConnected:
			s.Video = VideoConnected
		case peer.StateFailed:
			s.Video = VideoUnavailable
			s.Notice = faults.ErrVideoUnavailable.Message
			s.Err = err
		}
	})
}

// report maps a fault to the status. Policy refusals are quiet notices;
// transport and media faults change the phase.
func (o *Orchestrator) report(err error) {
	if err == nil {
		return
	}
	kind := faults.KindOf(err)
	switch kind {
	case faults.KindPolicy:
		o.logger.Info("request refused", zap.Error(err))
	case faults.KindProtocol:
		o.logger.Warn("protocol fault", zap.String("code", faults.CodeOf(err)), zap.Error(err))
	default:
		o.logger.Error("session fault", zap.Stringer("kind", kind), zap.Error(err))
	}

	o.board.update(func(s *Status) {
		s.Err = err
		s.Notice = noticeOf(err)
		switch {
		case errors.Is(err, faults.ErrRateLimited),
			errors.Is(err, faults.ErrAutoSearchDisabled),
			errors.Is(err, faults.ErrServerCooldown):
			s.Phase = PhaseRateLimited
		case errors.Is(err, faults.ErrMediaUnavailable):
			if s.Phase != PhaseMatched {
				s.Phase = PhaseMediaUnavailable
			}
		case kind == faults.KindTransport && !faults.IsRecoverable(err):
			s.Phase = PhaseConnectionError
			s.RoomID, s.PartnerID = "", ""
			s.Video = VideoNone
		}
	})
}

func noticeOf(err error) string {
	var f *faults.Error
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}

func phaseOf(state matchmaking.State) Phase {
	switch state {
	case matchmaking.StateSearching:
		return PhaseSearching
	case matchmaking.StateMatched:
		return PhaseMatched
	default:
		return PhaseIdle
	}
}
