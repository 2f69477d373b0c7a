// Package relay is a development matchmaking relay. It pairs participants
// per chat kind, fans chat out to both members of a room and forwards
// WebRTC signaling between them.
package relay

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
)

const storeTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Presence is the shared registry of live tabs and rooms.
type Presence interface {
	ClaimTab(ctx context.Context, authID, tabID string) (bool, string, error)
	RefreshTab(ctx context.Context, authID, tabID string) error
	ReleaseTab(ctx context.Context, authID, tabID string) error
	SaveRoom(ctx context.Context, room redis.RoomRecord) error
	Room(ctx context.Context, roomID string) (*redis.RoomRecord, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

type Options struct {
	HeartbeatInterval time.Duration
	// SearchCooldown is the minimum spacing between two searches of one
	// client. Zero disables the server cooldown.
	SearchCooldown time.Duration
	Now            func() time.Time
}

type room struct {
	id        string
	kind      models.ChatKind
	members   [2]*Client
	interests []string
	createdAt time.Time
}

func (r *room) other(c *Client) *Client {
	if r.members[0] == c {
		return r.members[1]
	}
	return r.members[0]
}

// Hub owns every client, the waiting queue and the open rooms.
type Hub struct {
	opts     Options
	presence Presence
	metrics  *Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
	queue   []*Client
	rooms   map[string]*room
}

// NewHub creates a hub. presence may be nil, which disables duplicate tab
// detection and room records.
func NewHub(opts Options, presence Presence, metrics *Metrics, logger *zap.Logger) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if metrics == nil {
		metrics = NewMetrics("relay")
	}
	return &Hub{
		opts:     opts,
		presence: presence,
		metrics:  metrics,
		logger:   logger.Named("relay"),
		clients:  make(map[string]*Client),
		rooms:    make(map[string]*room),
	}
}

// ServeWS upgrades the request and attaches a new client.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), middleware.UserID(c), conn, h.opts.Now())
	h.register(client)

	go client.writePump()
	go client.readPump(h)
}

// Run sends heartbeats until ctx is done. Clients silent for two intervals
// get a connection_warning.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// Clients is the number of attached clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Rooms is the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.sendLocked(c, models.EventConnect, models.ConnectAck{ID: c.ID})
	h.metrics.Connected()
	h.logger.Info("client connected", zap.String("client", c.ID), zap.String("bearer", c.BearerID))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	roomID := h.dropLocked(c)
	authID, tabID := c.identity(), c.tabID
	h.mu.Unlock()

	h.metrics.Disconnected()
	h.logger.Info("client disconnected", zap.String("client", c.ID))
	h.deleteRoom(roomID)
	if h.presence != nil && authID != "" && tabID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.presence.ReleaseTab(ctx, authID, tabID); err != nil {
			h.logger.Warn("failed to release tab", zap.String("authId", authID), zap.Error(err))
		}
	}
}

func (h *Hub) handle(c *Client, env models.Envelope) {
	h.mu.Lock()
	closed := c.closed
	c.lastActivity = h.opts.Now()
	c.warned = false
	h.mu.Unlock()
	if closed {
		return
	}

	switch env.Event {
	case models.EventTabIdentify:
		if msg, ok := decode[models.TabIdentify](h, c, env); ok {
			h.identify(c, msg)
		}
	case models.EventFindPartner:
		if req, ok := decode[models.MatchRequest](h, c, env); ok {
			h.findPartner(c, req)
		}
	case models.EventCancelSearch:
		h.cancelSearch(c)
	case models.EventSkipPartner:
		if ref, ok := decode[models.RoomRef](h, c, env); ok {
			h.skipPartner(c, ref)
		}
	case models.EventLeaveChat:
		if ref, ok := decode[models.RoomRef](h, c, env); ok {
			h.leaveChat(c, ref)
		}
	case models.EventSendMessage:
		if msg, ok := decode[models.ChatMessage](h, c, env); ok {
			h.relayChat(c, msg)
		}
	case models.EventWebRTCSignal:
		if msg, ok := decode[models.WebRTCSignal](h, c, env); ok {
			h.relaySignal(c, msg)
		}
	case models.EventHeartbeatResponse, models.EventConnectionHealth:
		// Activity was recorded above.
	default:
		h.logger.Debug("unknown event", zap.String("client", c.ID), zap.String("event", env.Event))
	}
}

func decode[T any](h *Hub, c *Client, env models.Envelope) (T, bool) {
	var v T
	if err := env.Decode(&v); err != nil {
		h.logger.Warn("malformed event", zap.String("client", c.ID), zap.String("event", env.Event), zap.Error(err))
		return v, false
	}
	return v, true
}

// identify records the tab of a client and claims its identity. A second
// tab of a live identity, or an authId contradicting the bearer token, is
// rejected and disconnected.
func (h *Hub) identify(c *Client, msg models.TabIdentify) {
	h.mu.Lock()
	if c.BearerID != "" && msg.AuthID != "" && msg.AuthID != c.BearerID {
		h.rejectLocked(c, models.EventAuthConflict, "authId does not match the bearer token")
		h.mu.Unlock()
		h.metrics.Rejected("auth_conflict")
		return
	}
	c.tabID = msg.TabID
	c.sessionID = msg.SessionID
	if c.BearerID == "" {
		c.authID = msg.AuthID
	}
	authID := c.identity()
	h.mu.Unlock()

	if h.presence == nil || authID == "" || msg.TabID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ok, owner, err := h.presence.ClaimTab(ctx, authID, msg.TabID)
	if err != nil {
		h.logger.Warn("presence unavailable", zap.String("authId", authID), zap.Error(err))
		return
	}
	if ok {
		return
	}

	h.logger.Info("duplicate tab rejected",
		zap.String("authId", authID),
		zap.String("tab", msg.TabID),
		zap.String("owner", owner))
	h.mu.Lock()
	// Do not release the owner's claim on disconnect.
	c.tabID = ""
	h.rejectLocked(c, models.EventDuplicateTab, "This account is already chatting in another tab")
	h.mu.Unlock()
	h.metrics.Rejected("duplicate_tab")
}

func (h *Hub) findPartner(c *Client, req models.MatchRequest) {
	now := h.opts.Now()

	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	if c.roomID != "" {
		h.sendLocked(c, models.EventSearchError, models.Notice{Message: "Already in a chat"})
		h.mu.Unlock()
		return
	}
	if !req.Kind.Valid() {
		h.sendLocked(c, models.EventSearchError, models.Notice{Message: "Unknown chat kind"})
		h.mu.Unlock()
		return
	}
	// The search that follows a skip is never throttled.
	if h.opts.SearchCooldown > 0 && !c.skipPending && !c.lastSearch.IsZero() {
		if wait := c.lastSearch.Add(h.opts.SearchCooldown).Sub(now); wait > 0 {
			h.sendLocked(c, models.EventFindCooldown, models.Cooldown{
				RemainingMs: wait.Milliseconds(),
				Message:     "Please wait before searching again",
			})
			h.mu.Unlock()
			h.metrics.Cooldown()
			return
		}
	}
	c.skipPending = false
	c.lastSearch = now
	c.kind = req.Kind
	c.interests = req.Interests
	if c.BearerID == "" && c.authID == "" {
		c.authID = req.AuthID
	}
	h.removeFromQueueLocked(c)
	h.metrics.Searched(string(req.Kind))

	partner := h.pickPartnerLocked(c)
	if partner == nil {
		c.waiting = true
		h.queue = append(h.queue, c)
		h.sendLocked(c, models.EventWaiting, struct{}{})
		h.updateWaitingLocked(c.kind)
		h.mu.Unlock()
		return
	}

	h.removeFromQueueLocked(partner)
	r := h.openRoomLocked(partner, c, now)
	record := redis.RoomRecord{
		ID:        r.id,
		Kind:      string(r.kind),
		Members:   []string{partner.ID, c.ID},
		Interests: r.interests,
		CreatedAt: r.createdAt,
	}
	h.mu.Unlock()

	h.saveRoom(record)
}

// pickPartnerLocked takes the longest waiting client of the same kind,
// preferring one that shares an interest. Clients of the same identity are
// never paired.
func (h *Hub) pickPartnerLocked(c *Client) *Client {
	var fallback *Client
	for _, p := range h.queue {
		if p == c || p.closed || p.kind != c.kind {
			continue
		}
		if id := c.identity(); id != "" && id == p.identity() {
			continue
		}
		if len(sharedInterests(p.interests, c.interests)) > 0 {
			return p
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback
}

// openRoomLocked pairs waiter and seeker. The waiter makes the offer.
func (h *Hub) openRoomLocked(waiter, seeker *Client, now time.Time) *room {
	r := &room{
		id:        uuid.NewString(),
		kind:      seeker.kind,
		members:   [2]*Client{waiter, seeker},
		interests: sharedInterests(waiter.interests, seeker.interests),
		createdAt: now,
	}
	h.rooms[r.id] = r
	waiter.roomID = r.id
	seeker.roomID = r.id

	initiator, responder := true, false
	h.sendLocked(waiter, models.EventPartnerFound, models.PartnerFound{
		PartnerID:     seeker.ID,
		RoomID:        r.id,
		PartnerAuthID: seeker.identity(),
		Interests:     r.interests,
		Initiator:     &initiator,
	})
	h.sendLocked(seeker, models.EventPartnerFound, models.PartnerFound{
		PartnerID:     waiter.ID,
		RoomID:        r.id,
		PartnerAuthID: waiter.identity(),
		Interests:     r.interests,
		Initiator:     &responder,
	})
	h.metrics.Matched(string(r.kind))
	h.logger.Info("room opened",
		zap.String("roomId", r.id),
		zap.String("kind", string(r.kind)),
		zap.Strings("members", []string{waiter.ID, seeker.ID}))
	return r
}

func (h *Hub) cancelSearch(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromQueueLocked(c)
}

func (h *Hub) skipPartner(c *Client, ref models.RoomRef) {
	h.mu.Lock()
	r := h.roomOfLocked(c, ref.RoomID)
	if r == nil {
		h.mu.Unlock()
		return
	}
	partner := r.other(c)
	h.closeRoomLocked(r)
	c.skipPending = true
	h.sendLocked(c, models.EventSkipConfirmed, models.SkipConfirmed{RoomID: r.id})
	h.sendLocked(partner, models.EventSkippedYou, models.RoomRef{RoomID: r.id})
	h.mu.Unlock()

	h.metrics.Skipped()
	h.deleteRoom(r.id)
}

func (h *Hub) leaveChat(c *Client, ref models.RoomRef) {
	h.mu.Lock()
	r := h.roomOfLocked(c, ref.RoomID)
	if r == nil {
		h.mu.Unlock()
		return
	}
	h.closeRoomLocked(r)
	h.sendLocked(r.other(c), models.EventPartnerLeft, models.RoomRef{RoomID: r.id})
	h.mu.Unlock()

	h.deleteRoom(r.id)
}

// relayChat delivers a message to both members, the sender included, so
// that both transcripts follow the relay's order.
func (h *Hub) relayChat(c *Client, msg models.ChatMessage) {
	if msg.Message == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.roomOfLocked(c, msg.RoomID)
	if r == nil || msg.RoomID == "" {
		return
	}
	out := models.ChatMessage{
		RoomID:    r.id,
		SenderID:  c.ID,
		Message:   msg.Message,
		Timestamp: h.opts.Now().UnixMilli(),
	}
	for _, member := range r.members {
		h.sendLocked(member, models.EventReceiveMessage, out)
	}
}

func (h *Hub) relaySignal(c *Client, msg models.WebRTCSignal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.roomOfLocked(c, msg.RoomID)
	if r == nil || msg.RoomID == "" {
		h.logger.Debug("signal outside room", zap.String("client", c.ID), zap.String("roomId", msg.RoomID))
		return
	}
	h.sendLocked(r.other(c), models.EventWebRTCSignal, models.WebRTCSignal{
		RoomID:     r.id,
		SenderID:   c.ID,
		SignalData: msg.SignalData,
	})
}

func (h *Hub) heartbeat() {
	now := h.opts.Now()
	silent := 2 * h.opts.HeartbeatInterval

	type claim struct{ authID, tabID string }
	var claims []claim

	h.mu.Lock()
	for _, c := range h.clients {
		if c.closed {
			continue
		}
		if !c.warned && now.Sub(c.lastActivity) > silent {
			c.warned = true
			h.sendLocked(c, models.EventConnectionWarning, models.Notice{Message: "No heartbeat response"})
		}
		h.sendLocked(c, models.EventHeartbeat, models.Heartbeat{Timestamp: now.UnixMilli()})
		if id := c.identity(); id != "" && c.tabID != "" {
			claims = append(claims, claim{id, c.tabID})
		}
	}
	h.mu.Unlock()

	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, cl := range claims {
		if err := h.presence.RefreshTab(ctx, cl.authID, cl.tabID); err != nil {
			h.logger.Warn("failed to refresh tab", zap.String("authId", cl.authID), zap.Error(err))
		}
	}
}

// roomOfLocked returns the room of c if roomID names it. An empty roomID
// means the client's current room.
func (h *Hub) roomOfLocked(c *Client, roomID string) *room {
	if c.roomID == "" || (roomID != "" && roomID != c.roomID) {
		return nil
	}
	return h.rooms[c.roomID]
}

func (h *Hub) closeRoomLocked(r *room) {
	delete(h.rooms, r.id)
	for _, member := range r.members {
		if member.roomID == r.id {
			member.roomID = ""
		}
	}
	h.logger.Info("room closed", zap.String("roomId", r.id))
}

func (h *Hub) removeFromQueueLocked(c *Client) {
	if !c.waiting {
		return
	}
	c.waiting = false
	h.queue = slices.DeleteFunc(h.queue, func(p *Client) bool { return p == c })
	h.updateWaitingLocked(c.kind)
}

func (h *Hub) updateWaitingLocked(kind models.ChatKind) {
	n := 0
	for _, p := range h.queue {
		if p.kind == kind {
			n++
		}
	}
	h.metrics.Waiting(string(kind), n)
}

// dropLocked detaches c from the queue and its room, telling the partner,
// and closes its send channel. It returns the closed room id.
func (h *Hub) dropLocked(c *Client) string {
	h.removeFromQueueLocked(c)
	var roomID string
	if r := h.roomOfLocked(c, ""); r != nil {
		roomID = r.id
		h.closeRoomLocked(r)
		h.sendLocked(r.other(c), models.EventPartnerLeft, models.RoomRef{RoomID: r.id})
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return roomID
}

func (h *Hub) rejectLocked(c *Client, event, message string) {
	h.sendLocked(c, event, models.Notice{Message: message})
	h.dropLocked(c)
}

func (h *Hub) sendLocked(c *Client, event string, payload interface{}) {
	if c == nil || c.closed {
		return
	}
	data, err := models.Encode(event, payload)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("send buffer full, dropping message",
			zap.String("client", c.ID),
			zap.String("event", event))
	}
}

func (h *Hub) saveRoom(record redis.RoomRecord) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.presence.SaveRoom(ctx, record); err != nil {
		h.logger.Warn("failed to store room", zap.String("roomId", record.ID), zap.Error(err))
	}
}

// Room returns the stored record of an open room.
func (h *Hub) Room(ctx context.Context, roomID string) (*redis.RoomRecord, error) {
	if h.presence == nil {
		return nil, redis.ErrRoomNotFound
	}
	return h.presence.Room(ctx, roomID)
}

func (h *Hub) deleteRoom(roomID string) {
	if h.presence == nil || roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.presence.DeleteRoom(ctx, roomID); err != nil {
		h.logger.Warn("failed to delete room", zap.String("roomId", roomID), zap.Error(err))
	}
}

func sharedInterests(a, b []string) []string {
	var out []string
	for _, interest := range a {
		if slices.Contains(b, interest) && !slices.Contains(out, interest) {
			out = append(out, interest)
		}
	}
	return out
}
