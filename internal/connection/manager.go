package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

const (
	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second
	// Time allowed to read the next message or pong from the relay.
	pongWait = 60 * time.Second
	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
)

// Disconnect reasons reported in models.TransportStatus.
const (
	ReasonClientClose  = "io client disconnect"
	ReasonServerClose  = "transport close"
	ReasonReadError    = "transport error"
	ReasonDuplicateTab = "duplicate session"
)

// State is the transport state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Config configures a Manager.
type Config struct {
	URL       string
	AuthToken string
	AuthID    string
	// TabID disambiguates duplicate tabs of one identity. Generated when
	// empty.
	TabID            string
	HandshakeTimeout time.Duration
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	// Jitter is the randomization factor of reconnect delays. Zero selects
	// the default; negative disables it.
	Jitter float64
}

// Manager owns the websocket session to the matchmaking relay.
//
// Inbound frames are dispatched synchronously, one at a time, from a single
// goroutine, so handlers observe events in the order the relay sent them.
// Lifecycle events (connect, disconnect, connect_error) are dispatched on the
// same goroutine. A disconnect must be treated by the owner of any Match as
// the partner leaving.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	mu          sync.Mutex
	state       State
	lastError   error
	transportID string
	sessionID   string
	conn        *websocket.Conn
	running     bool
	stop        chan struct{}
	fatal       bool

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = defaultJitter
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("connection"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		now:       time.Now,
		sessionID: uuid.NewString(),
		handlers:  make(map[string]Handler),
	}
}

// On registers the handler for event, replacing any previous one.
func (m *Manager) On(event string, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[event] = handler
}

// Off removes the handler for event.
func (m *Manager) Off(event string) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.handlers, event)
}

// Connect starts the connect loop in the background. Failures are retried
// with capped exponential backoff; after MaxAttempts consecutive failures
// LastError becomes faults.ErrConnectionExhausted and the loop stops until
// Connect is called again. Calling Connect while the loop runs is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.fatal = false
	m.lastError = nil
	m.state = StateConnecting
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	go m.run(ctx, stop)
}

// Close ends the session and stops reconnecting.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

// Send emits one event. It returns false, without queueing anything, when
// the manager is not connected or the write fails.
func (m *Manager) Send(event string, payload interface{}) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	data, err := models.Encode(event, payload)
	if err != nil {
		m.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Warn("failed to write event", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// ResetSession regenerates the session id and re-announces the tab when
// connected.
func (m *Manager) ResetSession() string {
	m.mu.Lock()
	m.sessionID = uuid.NewString()
	id := m.sessionID
	m.mu.Unlock()

	m.announce()
	return id
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// LastError is the most recent transport fault, cleared by Connect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// TransportID is the relay-assigned id of the current socket, empty when
// disconnected.
func (m *Manager) TransportID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transportID
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) AuthID() string { return m.cfg.AuthID }

func (m *Manager) TabID() string { return m.cfg.TabID }

func (m *Manager) run(ctx context.Context, stop <-chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		if m.state != StateDisconnected {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
	}()

	// Close must also abort a dial in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := newBackOff(m.cfg)
	attempts := 0

	for {
		conn, transportID, err := m.dial(ctx)
		if err != nil {
			if stopped(ctx, stop) {
				return
			}
			attempts++
			m.logger.Warn("connect failed",
				zap.String("url", m.cfg.URL),
				zap.Int("attempt", attempts),
				zap.Error(err))

			if attempts >= m.cfg.MaxAttempts {
				m.setError(faults.ErrConnectionExhausted)
				m.logger.Error("giving up on relay connection", zap.Int("attempts", attempts))
				m.dispatch(models.EventConnectError, mustJSON(models.TransportStatus{
					Reason: err.Error(),
					Code:   faults.ErrConnectionExhausted.Code,
					Fatal:  true,
				}))
				return
			}
			m.setError(fmt.Errorf("%w: %v", faults.ErrTransportClosed, err))
			m.dispatch(models.EventConnectError, mustJSON(models.TransportStatus{Reason: err.Error()}))
			if !sleep(policy.NextBackOff(), stop, ctx.Done()) {
				return
			}
			continue
		}

		attempts = 0
		policy.Reset()
		if !m.attach(conn, transportID, stop) {
			conn.Close()
			return
		}
		m.logger.Info("connected to relay", zap.String("transportId", transportID))
		m.announce()
		m.dispatch(models.EventConnect, mustJSON(models.ConnectAck{ID: transportID}))

		reason := m.readPump(conn, stop)
		m.detach(conn)
		fatal := m.isFatal()
		m.logger.Info("disconnected from relay", zap.String("reason", reason))
		m.dispatch(models.EventDisconnect, mustJSON(models.TransportStatus{Reason: reason, Fatal: fatal}))

		if fatal || stopped(ctx, stop) {
			return
		}
		m.setState(StateReconnecting)
		if !sleep(policy.NextBackOff(), stop, ctx.Done()) {
			return
		}
	}
}

// dial opens the websocket and waits for the relay's connect frame, which
// carries the transport id.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, string, error) {
	header := http.Header{}
	if m.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("dial %s: %s: %w", m.cfg.URL, resp.Status, err)
		}
		return nil, "", fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read handshake: %w", err)
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("parse handshake: %w", err)
	}
	if env.Event != models.EventConnect {
		conn.Close()
		return nil, "", fmt.Errorf("unexpected handshake event %q", env.Event)
	}
	var ack models.ConnectAck
	if err := env.Decode(&ack); err != nil || ack.ID == "" {
		conn.Close()
		return nil, "", errors.New("handshake without transport id")
	}
	return conn, ack.ID, nil
}

func (m *Manager) attach(conn *websocket.Conn, transportID string, stop <-chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-stop:
		return false
	default:
	}
	m.conn = conn
	m.transportID = transportID
	m.state = StateConnected
	m.lastError = nil
	return true
}

func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.transportID = ""
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) announce() {
	m.Send(models.EventTabIdentify, models.TabIdentify{
		TabID:     m.cfg.TabID,
		SessionID: m.SessionID(),
		AuthID:    m.cfg.AuthID,
	})
}

// readPump reads frames until the socket fails, returning the disconnect
// reason.
func (m *Manager) readPump(conn *websocket.Conn, stop <-chan struct{}) string {
	done := make(chan struct{})
	defer close(done)
	go m.pingLoop(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return ReasonClientClose
			default:
			}
			if m.isFatal() {
				return ReasonDuplicateTab
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonServerClose
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("websocket error", zap.Error(err))
			}
			return ReasonReadError
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		m.handleEnvelope(env)
		if m.isFatal() {
			return ReasonDuplicateTab
		}
	}
}

// handleEnvelope applies transport-level behaviour and then dispatches.
// Batched envelopes are replayed in array order through the same path.
func (m *Manager) handleEnvelope(env models.Envelope) {
	switch env.Event {
	case models.EventBatchedMessages:
		var batch []models.Envelope
		if err := env.Decode(&batch); err != nil {
			m.logger.Warn("dropping malformed batch", zap.Error(err))
			return
		}
		for _, item := range batch {
			if m.isFatal() {
				return
			}
			m.handleEnvelope(item)
		}
		return

	case models.EventHeartbeat:
		var hb models.Heartbeat
		if err := env.Decode(&hb); err != nil {
			m.logger.Warn("dropping malformed heartbeat", zap.Error(err))
			return
		}
		m.Send(models.EventHeartbeatResponse, models.HeartbeatResponse{
			Timestamp: m.now().UnixMilli(),
			Received:  hb.Timestamp,
		})

	case models.EventDuplicateTab, models.EventAuthConflict:
		m.mu.Lock()
		m.fatal = true
		m.lastError = faults.ErrDuplicateSession
		m.mu.Unlock()
		m.logger.Error("relay rejected this tab", zap.String("event", env.Event))
	}

	m.dispatch(env.Event, env.Data)
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.handlersMu.RLock()
	handler := m.handlers[event]
	m.handlersMu.RUnlock()
	if handler != nil {
		handler(data)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()
}

func (m *Manager) isFatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
