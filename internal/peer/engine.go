// Package peer drives the single WebRTC peer connection of a matchmaking
// session on top of pion.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// State of the current peer connection.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "new"
	}
}

// SendFunc emits one event to the relay.
type SendFunc func(event string, payload interface{}) bool

// Config configures an Engine.
type Config struct {
	STUNServers []string
	// Media is the local capture. Nil negotiates receive-only.
	Media MediaSource
	Send  SendFunc
	// LocalID returns the current transport id. Outbound signals carry it
	// and inbound signals from it are dropped.
	LocalID func() string
	// OnState is called outside the engine lock on every state change of
	// the current connection. err is ErrMediaUnavailable or
	// ErrVideoUnavailable when the change is a failure.
	OnState func(roomID string, state State, err error)
	OnTrack func(roomID string, track *webrtc.TrackRemote)
	// IncludeLoopback gathers loopback host candidates, for same-host
	// peers.
	IncludeLoopback bool
}

// Engine owns at most one peer connection at a time and the local media
// shared by consecutive connections.
type Engine struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.Logger

	mu      sync.Mutex
	session *session

	// last is the most recently created session, retired the most
	// recently torn down one.
	last    *session
	retired *session

	// mediaMu serializes acquisition and release of local media.
	mediaMu sync.Mutex
	local   []webrtc.TrackLocal
}

// session is one peer connection attempt for one room. Its fields are
// guarded by Engine.mu; negotiation steps are serialized by opMu.
//
// Each session is run by one goroutine that owns its peer connection. done
// is closed once that connection and the connections of every earlier
// session are closed.
type session struct {
	roomID string
	role   models.Role
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	opMu sync.Mutex

	pc    *webrtc.PeerConnection
	state State
	// pending holds signals that arrived before pc existed.
	pending []Signal
	// held holds candidates that arrived before the remote description;
	// owned by opMu.
	held      []webrtc.ICECandidateInit
	restarted bool
}

// NewEngine builds the pion API shared by every connection the engine
// creates.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Send == nil {
		return nil, errors.New("peer: Send is required")
	}
	if cfg.LocalID == nil {
		cfg.LocalID = func() string { return "" }
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	return &Engine{
		cfg:    cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		logger: logger.Named("peer"),
	}, nil
}

// PrepareMedia acquires local media ahead of the first match. It is a no-op
// when media is already held or no source is configured.
func (e *Engine) PrepareMedia(ctx context.Context) error {
	_, err := e.ensureMedia(ctx)
	return err
}

// HasMedia reports whether local media is currently held.
func (e *Engine) HasMedia() bool {
	e.mediaMu.Lock()
	defer e.mediaMu.Unlock()
	return e.local != nil
}

func (e *Engine) ensureMedia(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if e.cfg.Media == nil {
		return nil, nil
	}
	e.mediaMu.Lock()
	defer e.mediaMu.Unlock()
	if e.local != nil {
		return e.local, nil
	}
	tracks, err := e.cfg.Media.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("acquiring local media: %v: %w", err, faults.ErrMediaUnavailable)
	}
	if err := ctx.Err(); err != nil {
		e.cfg.Media.Release()
		return nil, err
	}
	e.local = tracks
	return tracks, nil
}

func (e *Engine) releaseMedia() {
	e.mediaMu.Lock()
	defer e.mediaMu.Unlock()
	if e.local == nil {
		return
	}
	e.local = nil
	e.cfg.Media.Release()
}

// Setup starts a connection for roomID. Media acquisition, connection
// creation and, for the Initiator, the offer run asynchronously; their
// results are dropped if the connection is torn down first. The new
// connection is created only after every earlier one has been closed.
func (e *Engine) Setup(roomID string, role models.Role) error {
	if roomID == "" {
		return fmt.Errorf("setup without room: %w", faults.ErrInvalidPayload)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{roomID: roomID, role: role, ctx: ctx, cancel: cancel, done: make(chan struct{}), state: StateNew}

	e.mu.Lock()
	current := e.session
	prev := e.last
	e.session = s
	e.last = s
	e.mu.Unlock()

	if current != nil {
		e.logger.Warn("setup replaced a live connection", zap.String("roomId", current.roomID))
		e.detach(current)
	}

	e.logger.Info("peer setup", zap.String("roomId", roomID), zap.Stringer("role", role))
	go e.run(s, prev)
	return nil
}

// run owns the connection of s from creation until it is closed after
// teardown.
func (e *Engine) run(s, prev *session) {
	defer close(s.done)
	if prev != nil {
		defer func() { <-prev.done }()
	}

	e.start(s, prev)
	<-s.ctx.Done()

	e.mu.Lock()
	pc := s.pc
	s.pc = nil
	e.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			e.logger.Debug("closing peer connection", zap.String("roomId", s.roomID), zap.Error(err))
		}
	}
}

func (e *Engine) start(s, prev *session) {
	// Held until pending signals are applied so nothing overtakes them.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	tracks, err := e.ensureMedia(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.logger.Warn("local media unavailable", zap.String("roomId", s.roomID), zap.Error(err))
		e.setState(s, StateFailed, faults.ErrMediaUnavailable)
		return
	}

	if prev != nil {
		select {
		case <-prev.done:
		case <-s.ctx.Done():
			return
		}
	}

	pc, err := e.newPeerConnection(s, tracks)
	if err != nil {
		e.logger.Error("creating peer connection", zap.String("roomId", s.roomID), zap.Error(err))
		e.setState(s, StateFailed, faults.ErrVideoUnavailable)
		return
	}

	e.mu.Lock()
	s.pc = pc
	if s.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	e.mu.Unlock()

	e.setState(s, StateNegotiating, nil)

	if s.role == models.RoleInitiator {
		if err := e.sendOffer(s, nil); err != nil {
			e.logger.Warn("sending offer", zap.String("roomId", s.roomID), zap.Error(err))
		}
	}
	for _, sig := range pending {
		e.apply(s, sig)
	}
}

func (e *Engine) newPeerConnection(s *session, tracks []webrtc.TrackLocal) (*webrtc.PeerConnection, error) {
	servers := []webrtc.ICEServer{}
	if len(e.cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: e.cfg.STUNServers})
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
			}
		}
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !e.live(s) {
			return
		}
		e.send(s, candidateSignal(c.ToJSON()))
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.handleICEState(s, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.handleTrack(s, track)
	})
	return pc, nil
}

// HandleSignal applies one inbound webrtcSignal. Signals from the local
// transport id and signals for another room are dropped.
func (e *Engine) HandleSignal(msg models.WebRTCSignal) error {
	if msg.SenderID != "" && msg.SenderID == e.cfg.LocalID() {
		e.logger.Debug("dropped own signal", zap.String("roomId", msg.RoomID))
		return nil
	}
	sig, err := DecodeSignal(msg.SignalData)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s := e.session
	if s == nil || s.roomID != msg.RoomID {
		e.mu.Unlock()
		return fmt.Errorf("signal for room %s: %w", msg.RoomID, faults.ErrStaleEvent)
	}
	if s.pc == nil {
		s.pending = append(s.pending, sig)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	e.apply(s, sig)
	return nil
}

// apply runs with s.opMu held.
func (e *Engine) apply(s *session, sig Signal) {
	pc := e.livePC(s)
	if pc == nil {
		return
	}
	log := e.logger.With(zap.String("roomId", s.roomID))

	if sig.IsCandidate() {
		if pc.RemoteDescription() == nil {
			s.held = append(s.held, *sig.Candidate)
			return
		}
		if err := pc.AddICECandidate(*sig.Candidate); err != nil {
			log.Warn("adding remote candidate", zap.Error(err))
		}
		return
	}

	switch sig.Type {
	case "offer":
		if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			log.Warn("dropped offer while our own offer is outstanding")
			return
		}
		if err := pc.SetRemoteDescription(sig.Description()); err != nil {
			log.Warn("applying remote offer", zap.Error(err))
			return
		}
		e.flushHeld(s, pc)
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			log.Warn("creating answer", zap.Error(err))
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			log.Warn("setting local answer", zap.Error(err))
			return
		}
		e.send(s, descriptionSignal(answer))
	case "answer":
		if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			log.Debug("dropped answer with no offer outstanding")
			return
		}
		if err := pc.SetRemoteDescription(sig.Description()); err != nil {
			log.Warn("applying remote answer", zap.Error(err))
			return
		}
		e.flushHeld(s, pc)
	}
}

func (e *Engine) flushHeld(s *session, pc *webrtc.PeerConnection) {
	held := s.held
	s.held = nil
	for _, c := range held {
		if err := pc.AddICECandidate(c); err != nil {
			e.logger.Warn("adding held candidate", zap.String("roomId", s.roomID), zap.Error(err))
		}
	}
}

// sendOffer runs with s.opMu held.
func (e *Engine) sendOffer(s *session, opts *webrtc.OfferOptions) error {
	pc := e.livePC(s)
	if pc == nil {
		return nil
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local offer: %w", err)
	}
	e.send(s, descriptionSignal(offer))
	return nil
}

func (e *Engine) send(s *session, sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		e.logger.Error("encoding signal", zap.Error(err))
		return
	}
	if !e.cfg.Send(models.EventWebRTCSignal, models.WebRTCSignal{
		RoomID:     s.roomID,
		SenderID:   e.cfg.LocalID(),
		SignalData: data,
	}) {
		e.logger.Debug("signal not sent, transport down", zap.String("roomId", s.roomID))
	}
}

// handleICEState restarts ICE once after a failure. The Initiator sends the
// restart offer; a second consecutive failure marks video unavailable.
func (e *Engine) handleICEState(s *session, state webrtc.ICEConnectionState) {
	e.mu.Lock()
	if e.session != s || s.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	var restart, failed bool
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.restarted = false
	case webrtc.ICEConnectionStateFailed:
		if s.restarted {
			failed = true
		} else {
			s.restarted = true
			restart = s.role == models.RoleInitiator
		}
	}
	e.mu.Unlock()

	e.logger.Info("ICE state change", zap.String("roomId", s.roomID), zap.Stringer("state", state))

	switch {
	case state == webrtc.ICEConnectionStateConnected:
		e.setState(s, StateConnected, nil)
	case failed:
		e.setState(s, StateFailed, faults.ErrVideoUnavailable)
	case restart:
		e.setState(s, StateNegotiating, nil)
		go func() {
			s.opMu.Lock()
			defer s.opMu.Unlock()
			if err := e.sendOffer(s, &webrtc.OfferOptions{ICERestart: true}); err != nil {
				e.logger.Warn("ICE restart", zap.String("roomId", s.roomID), zap.Error(err))
			}
		}()
	}
}

func (e *Engine) handleTrack(s *session, track *webrtc.TrackRemote) {
	if !e.live(s) {
		return
	}

	e.logger.Info("remote track",
		zap.String("roomId", s.roomID),
		zap.String("kind", track.Kind().String()),
		zap.String("codec", track.Codec().MimeType))
	if e.cfg.OnTrack != nil {
		e.cfg.OnTrack(s.roomID, track)
	}

	// Drain so pion's receive buffers do not fill; rendering is out of
	// scope for a headless client.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (e *Engine) setState(s *session, state State, err error) {
	e.mu.Lock()
	if e.session != s || s.ctx.Err() != nil || s.state == state {
		e.mu.Unlock()
		return
	}
	s.state = state
	e.mu.Unlock()

	if e.cfg.OnState != nil {
		e.cfg.OnState(s.roomID, state, err)
	}
}

func (e *Engine) live(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session == s && s.ctx.Err() == nil
}

// livePC returns the connection of s, or nil once s has been torn down.
func (e *Engine) livePC(s *session) *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != s || s.ctx.Err() != nil {
		return nil
	}
	return s.pc
}

// Teardown closes the current connection and removes its listeners. Local
// media is released only when stopLocalMedia is set.
func (e *Engine) Teardown(stopLocalMedia bool) {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()

	if s != nil {
		e.logger.Info("peer teardown", zap.String("roomId", s.roomID), zap.Bool("stopLocalMedia", stopLocalMedia))
		e.detach(s)
	}
	if stopLocalMedia {
		e.releaseMedia()
	}
}

// detach cancels s and removes the listeners of its connection. The
// connection itself is closed by the goroutine running s. s must already be
// unlinked from the engine.
func (e *Engine) detach(s *session) {
	e.mu.Lock()
	s.cancel()
	s.state = StateClosed
	pc := s.pc
	s.pending = nil
	e.retired = s
	e.mu.Unlock()

	if pc != nil {
		pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
		pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	}
}

// Wait blocks until every torn down connection has finished closing.
func (e *Engine) Wait() {
	e.mu.Lock()
	s := e.retired
	e.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

// State returns the state of the current connection, StateClosed when there
// is none.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return StateClosed
	}
	return e.session.state
}

// RoomID returns the room of the current connection.
func (e *Engine) RoomID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.roomID
}
