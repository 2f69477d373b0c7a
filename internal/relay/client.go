package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer = 256
)

// Client is one websocket participant of the relay.
//
// Fields below conn are owned by the hub and only touched under hub.mu.
type Client struct {
	ID string
	// BearerID is the identity proven by the bearer token, empty for
	// anonymous connections.
	BearerID string
	conn     *websocket.Conn
	send     chan []byte

	closed       bool
	authID       string
	tabID        string
	sessionID    string
	kind         models.ChatKind
	interests    []string
	waiting      bool
	roomID       string
	lastSearch   time.Time
	skipPending  bool
	lastActivity time.Time
	warned       bool
}

func newClient(id, bearerID string, conn *websocket.Conn, now time.Time) *Client {
	return &Client{
		ID:           id,
		BearerID:     bearerID,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		lastActivity: now,
	}
}

// identity is the authId the client is known under, empty when anonymous.
func (c *Client) identity() string {
	if c.BearerID != "" {
		return c.BearerID
	}
	return c.authID
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket error", zap.String("client", c.ID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.logger.Warn("failed to parse message", zap.String("client", c.ID), zap.Error(err))
			continue
		}
		h.handle(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
