package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
)

const (
	testSecret  = "relay-secret"
	waitTimeout = 3 * time.Second
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testRelay struct {
	server *httptest.Server
	hub    *Hub
	mr     *miniredis.Miniredis
	store  *redis.Store
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	mr := miniredis.RunT(t)
	store := redis.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), time.Minute)
	metrics := NewMetrics("relay")
	hub := NewHub(opts, store, metrics, zap.NewNop())
	cfg := &config.Config{
		Environment:    "test",
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	server := httptest.NewServer(NewRouter(cfg, hub, metrics))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		server.Close()
		store.Close()
	})
	return &testRelay{server: server, hub: hub, mr: mr, store: store}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

// wsPeer is a raw websocket participant.
type wsPeer struct {
	t      *testing.T
	id     string
	conn   *websocket.Conn
	events chan models.Envelope
}

func dialPeer(t *testing.T, r *testRelay, header http.Header) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &wsPeer{t: t, conn: conn, events: make(chan models.Envelope, 64)}
	go func() {
		defer close(p.events)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			if json.Unmarshal(data, &env) == nil {
				p.events <- env
			}
		}
	}()

	var ack models.ConnectAck
	require.NoError(t, p.expect(models.EventConnect).Decode(&ack))
	require.NotEmpty(t, ack.ID)
	p.id = ack.ID
	return p
}

func (p *wsPeer) send(event string, payload interface{}) {
	p.t.Helper()
	data, err := models.Encode(event, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

// expect returns the next event named event. Heartbeats are skipped unless
// asked for.
func (p *wsPeer) expect(event string) models.Envelope {
	p.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case env, ok := <-p.events:
			if !ok {
				p.t.Fatalf("connection closed while waiting for %s", event)
			}
			if env.Event == event {
				return env
			}
			if env.Event == models.EventHeartbeat || env.Event == models.EventConnectionWarning {
				continue
			}
			p.t.Fatalf("got %s while waiting for %s", env.Event, event)
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (p *wsPeer) expectNothing(within time.Duration) {
	p.t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env, ok := <-p.events:
			if !ok {
				return
			}
			if env.Event == models.EventHeartbeat {
				continue
			}
			p.t.Fatalf("unexpected %s", env.Event)
		case <-deadline:
			return
		}
	}
}

func (p *wsPeer) expectClosed() {
	p.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-p.events:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatal("connection was not closed")
		}
	}
}

func (p *wsPeer) find(kind models.ChatKind, interests ...string) {
	p.send(models.EventFindPartner, models.MatchRequest{Kind: kind, Interests: interests, SessionID: "S-" + p.id})
}

func decodeAs[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}

// pair matches a and b, a waiting first.
func pair(t *testing.T, a, b *wsPeer) (models.PartnerFound, models.PartnerFound) {
	t.Helper()
	a.find(models.ChatKindText)
	a.expect(models.EventWaiting)
	b.find(models.ChatKindText)
	return decodeAs[models.PartnerFound](t, a.expect(models.EventPartnerFound)),
		decodeAs[models.PartnerFound](t, b.expect(models.EventPartnerFound))
}

func TestConnectAssignsDistinctIDs(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	assert.NotEqual(t, a.id, b.id)
	assert.Equal(t, 2, relay.hub.Clients())
}

func TestPairingAndChatFanout(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	fa, fb := pair(t, a, b)

	assert.Equal(t, fa.RoomID, fb.RoomID)
	assert.Equal(t, b.id, fa.PartnerID)
	assert.Equal(t, a.id, fb.PartnerID)
	require.NotNil(t, fa.Initiator)
	require.NotNil(t, fb.Initiator)
	assert.True(t, *fa.Initiator, "the waiter offers")
	assert.False(t, *fb.Initiator)

	b.send(models.EventSendMessage, models.ChatMessage{RoomID: fb.RoomID, Message: "hello"})
	for _, p := range []*wsPeer{a, b} {
		msg := decodeAs[models.ChatMessage](t, p.expect(models.EventReceiveMessage))
		assert.Equal(t, "hello", msg.Message)
		assert.Equal(t, b.id, msg.SenderID)
		assert.Equal(t, fb.RoomID, msg.RoomID)
	}

	b.send(models.EventSendMessage, models.ChatMessage{RoomID: "elsewhere", Message: "lost"})
	a.expectNothing(100 * time.Millisecond)
}

func TestPairingPrefersSharedInterest(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)
	c := dialPeer(t, relay, nil)

	a.find(models.ChatKindText, "music")
	a.expect(models.EventWaiting)
	b.find(models.ChatKindText, "chess")
	b.expect(models.EventWaiting)

	c.find(models.ChatKindText, "chess", "go")
	found := decodeAs[models.PartnerFound](t, c.expect(models.EventPartnerFound))
	assert.Equal(t, b.id, found.PartnerID)
	assert.Equal(t, []string{"chess"}, found.Interests)
	b.expect(models.EventPartnerFound)
	a.expectNothing(100 * time.Millisecond)
}

func TestKindsAreNotMixed(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	a.find(models.ChatKindText)
	a.expect(models.EventWaiting)
	b.find(models.ChatKindVideo)
	b.expect(models.EventWaiting)

	b.find("hologram")
	b.expect(models.EventSearchError)
}

func TestSameIdentityIsNeverPaired(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	a.send(models.EventFindPartner, models.MatchRequest{Kind: models.ChatKindText, AuthID: "user_a"})
	a.expect(models.EventWaiting)
	b.send(models.EventFindPartner, models.MatchRequest{Kind: models.ChatKindText, AuthID: "user_a"})
	b.expect(models.EventWaiting)
}

func TestCancelSearchLeavesQueue(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	a.find(models.ChatKindText)
	a.expect(models.EventWaiting)
	a.send(models.EventCancelSearch, models.CancelSearch{SessionID: "S-" + a.id})

	// Messages of one connection are handled in order, so the cancel is
	// applied once a later request is answered.
	a.send(models.EventFindPartner, models.MatchRequest{Kind: "hologram"})
	a.expect(models.EventSearchError)

	b.find(models.ChatKindText)
	b.expect(models.EventWaiting)
}

func TestSignalForwarding(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)
	fa, _ := pair(t, a, b)

	a.send(models.EventWebRTCSignal, models.WebRTCSignal{
		RoomID:     fa.RoomID,
		SenderID:   "spoofed",
		SignalData: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	sig := decodeAs[models.WebRTCSignal](t, b.expect(models.EventWebRTCSignal))
	assert.Equal(t, a.id, sig.SenderID)
	assert.Equal(t, fa.RoomID, sig.RoomID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(sig.SignalData))
	a.expectNothing(100 * time.Millisecond)
}

func TestSkipNotifiesBoth(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)
	fa, _ := pair(t, a, b)

	a.send(models.EventSkipPartner, models.RoomRef{RoomID: fa.RoomID})

	confirmed := decodeAs[models.SkipConfirmed](t, a.expect(models.EventSkipConfirmed))
	assert.Equal(t, fa.RoomID, confirmed.RoomID)
	skipped := decodeAs[models.RoomRef](t, b.expect(models.EventSkippedYou))
	assert.Equal(t, fa.RoomID, skipped.RoomID)
	assert.Equal(t, 0, relay.hub.Rooms())
}

func TestLeaveAndDisconnectNotifyPartner(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	fa, _ := pair(t, a, b)
	require.Eventually(t, func() bool { return relay.mr.Exists("room:" + fa.RoomID) }, waitTimeout, 10*time.Millisecond)

	a.send(models.EventLeaveChat, models.RoomRef{RoomID: fa.RoomID})
	left := decodeAs[models.RoomRef](t, b.expect(models.EventPartnerLeft))
	assert.Equal(t, fa.RoomID, left.RoomID)
	require.Eventually(t, func() bool { return !relay.mr.Exists("room:" + fa.RoomID) }, waitTimeout, 10*time.Millisecond)

	fa, _ = pair(t, a, b)
	b.conn.Close()
	left = decodeAs[models.RoomRef](t, a.expect(models.EventPartnerLeft))
	assert.Equal(t, fa.RoomID, left.RoomID)
	require.Eventually(t, func() bool { return relay.hub.Clients() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestSearchCooldown(t *testing.T) {
	relay := newTestRelay(t, Options{SearchCooldown: time.Minute})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	a.find(models.ChatKindText)
	a.expect(models.EventWaiting)
	a.find(models.ChatKindText)
	cooldown := decodeAs[models.Cooldown](t, a.expect(models.EventFindCooldown))
	assert.Greater(t, cooldown.RemainingMs, int64(0))
	assert.LessOrEqual(t, cooldown.RemainingMs, time.Minute.Milliseconds())

	// a is still waiting from its first search.
	b.find(models.ChatKindText)
	found := decodeAs[models.PartnerFound](t, b.expect(models.EventPartnerFound))
	a.expect(models.EventPartnerFound)

	b.send(models.EventSkipPartner, models.RoomRef{RoomID: found.RoomID})
	b.expect(models.EventSkipConfirmed)
	b.find(models.ChatKindText)
	b.expect(models.EventWaiting)
}

func TestDuplicateTabIsRejected(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)

	a.send(models.EventTabIdentify, models.TabIdentify{TabID: "tab1", SessionID: "S1", AuthID: "user_a"})
	require.Eventually(t, func() bool {
		owner, _ := relay.store.TabOwner(context.Background(), "user_a")
		return owner == "tab1"
	}, waitTimeout, 10*time.Millisecond)

	b.send(models.EventTabIdentify, models.TabIdentify{TabID: "tab2", SessionID: "S2", AuthID: "user_a"})
	notice := decodeAs[models.Notice](t, b.expect(models.EventDuplicateTab))
	assert.NotEmpty(t, notice.Message)
	b.expectClosed()

	owner, err := relay.store.TabOwner(context.Background(), "user_a")
	require.NoError(t, err)
	assert.Equal(t, "tab1", owner, "the rejected tab does not release the claim")

	a.conn.Close()
	require.Eventually(t, func() bool {
		owner, _ := relay.store.TabOwner(context.Background(), "user_a")
		return owner == ""
	}, waitTimeout, 10*time.Millisecond)
}

func TestReidentifyKeepsClaim(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)

	a.send(models.EventTabIdentify, models.TabIdentify{TabID: "tab1", SessionID: "S1", AuthID: "user_a"})
	a.send(models.EventTabIdentify, models.TabIdentify{TabID: "tab1", SessionID: "S2", AuthID: "user_a"})
	a.find(models.ChatKindText)
	a.expect(models.EventWaiting)
}

func TestBearerIdentity(t *testing.T) {
	relay := newTestRelay(t, Options{})
	token, err := middleware.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	header := http.Header{"Authorization": {"Bearer " + token}}

	a := dialPeer(t, relay, header)
	b := dialPeer(t, relay, nil)
	_, fb := pair(t, a, b)
	assert.Equal(t, "alice", fb.PartnerAuthID)

	c := dialPeer(t, relay, header)
	c.send(models.EventTabIdentify, models.TabIdentify{TabID: "tab9", AuthID: "mallory"})
	c.expect(models.EventAuthConflict)
	c.expectClosed()

	_, _, err = websocket.DefaultDialer.Dial(relay.wsURL(), http.Header{"Authorization": {"Bearer forged"}})
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestHeartbeatAndWarning(t *testing.T) {
	relay := newTestRelay(t, Options{HeartbeatInterval: 30 * time.Millisecond})
	a := dialPeer(t, relay, nil)

	hb := decodeAs[models.Heartbeat](t, a.expect(models.EventHeartbeat))
	assert.NotZero(t, hb.Timestamp)
	a.expect(models.EventConnectionWarning)
}

func TestHealthMetricsAndLogin(t *testing.T) {
	relay := newTestRelay(t, Options{})
	dialPeer(t, relay, nil)

	resp, err := http.Get(relay.server.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)

	resp, err = http.Get(relay.server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_connections 1")

	resp, err = http.Post(relay.server.URL+"/api/auth/login", "application/json", strings.NewReader(`{"username":"alice"}`))
	require.NoError(t, err)
	var login LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	userID, err := middleware.ParseToken(testSecret, login.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	resp, err = http.Post(relay.server.URL+"/api/auth/login", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomLookup(t *testing.T) {
	relay := newTestRelay(t, Options{})
	a := dialPeer(t, relay, nil)
	b := dialPeer(t, relay, nil)
	fa, _ := pair(t, a, b)

	lookup := func() (int, redis.RoomRecord) {
		resp, err := http.Get(relay.server.URL + "/api/rooms/" + fa.RoomID)
		require.NoError(t, err)
		defer resp.Body.Close()
		var room redis.RoomRecord
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
		}
		return resp.StatusCode, room
	}

	require.Eventually(t, func() bool {
		code, _ := lookup()
		return code == http.StatusOK
	}, waitTimeout, 10*time.Millisecond)
	_, room := lookup()
	assert.Equal(t, fa.RoomID, room.ID)
	assert.Equal(t, string(models.ChatKindText), room.Kind)
	assert.ElementsMatch(t, []string{a.id, b.id}, room.Members)
	assert.Equal(t, 2, room.Peers)

	a.send(models.EventLeaveChat, models.RoomRef{RoomID: fa.RoomID})
	b.expect(models.EventPartnerLeft)
	require.Eventually(t, func() bool {
		code, _ := lookup()
		return code == http.StatusNotFound
	}, waitTimeout, 10*time.Millisecond)
}

func TestSharedInterests(t *testing.T) {
	assert.Equal(t, []string{"b"}, sharedInterests([]string{"a", "b", "b"}, []string{"b", "c"}))
	assert.Empty(t, sharedInterests(nil, []string{"a"}))
}
