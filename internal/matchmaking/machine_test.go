package matchmaking

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

type sentEvent struct {
	event   string
	payload interface{}
}

type fakeTransport struct {
	connected bool
	id        string
	authID    string
	sessionID string
	sent      []sentEvent
}

func (f *fakeTransport) Send(event string, payload interface{}) bool {
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return true
}

func (f *fakeTransport) Connected() bool     { return f.connected }
func (f *fakeTransport) TransportID() string { return f.id }
func (f *fakeTransport) SessionID() string   { return f.sessionID }
func (f *fakeTransport) AuthID() string      { return f.authID }

func (f *fakeTransport) count(event string) int {
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(event string) interface{} {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].event == event {
			return f.sent[i].payload
		}
	}
	return nil
}

// fakePeer fails the test if a second connection is set up while one is
// alive.
type fakePeer struct {
	t         *testing.T
	live      int
	setups    int
	roles     []models.Role
	teardowns []bool
	setupErr  error
}

func (p *fakePeer) Setup(roomID string, role models.Role) error {
	p.setups++
	p.roles = append(p.roles, role)
	if p.setupErr != nil {
		return p.setupErr
	}
	p.live++
	if p.live > 1 {
		p.t.Fatalf("%d peer connections alive after setup of %s", p.live, roomID)
	}
	return nil
}

func (p *fakePeer) Teardown(stopLocalMedia bool) {
	p.teardowns = append(p.teardowns, stopLocalMedia)
	if p.live > 0 {
		p.live--
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	machine     *Machine
	transport   *fakeTransport
	peer        *fakePeer
	clock       *clock
	transitions []Transition
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		transport: &fakeTransport{connected: true, id: "A", authID: "user_a", sessionID: "S1"},
		peer:      &fakePeer{t: t},
		clock:     &clock{now: time.Unix(1_700_000_000, 0)},
	}
	f.machine = NewMachine(Config{
		Kind:         models.ChatKindVideo,
		Interests:    []string{"music"},
		Limiter:      NewRateLimiter(2, time.Second),
		Now:          f.clock.Now,
		OnTransition: func(tr Transition) { f.transitions = append(f.transitions, tr) },
	}, f.transport, f.peer, zap.NewNop())
	return f
}

func initiator(v bool) *bool { return &v }

func found(partner, room string) models.PartnerFound {
	return models.PartnerFound{PartnerID: partner, RoomID: room, PartnerAuthID: "user_" + partner}
}

func TestFindEmitsVideoRequest(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.machine.Find(TriggerUser))

	assert.Equal(t, StateSearching, f.machine.State())
	assert.Equal(t, 1, f.transport.count(models.EventFindPartner))
	req := f.transport.last(models.EventFindPartner).(models.MatchRequest)
	assert.Equal(t, models.ChatKindVideo, req.Kind)
	assert.Equal(t, []string{"music"}, req.Interests)
	assert.Equal(t, "S1", req.SessionID)
	assert.Equal(t, "user_a", req.AuthID)
}

func TestFindPolicyRefusals(t *testing.T) {
	f := newFixture(t)

	f.transport.connected = false
	assert.ErrorIs(t, f.machine.Find(TriggerUser), faults.ErrNotConnected)
	assert.Equal(t, StateIdle, f.machine.State())

	f.transport.connected = true
	require.NoError(t, f.machine.Find(TriggerUser))
	assert.ErrorIs(t, f.machine.Find(TriggerUser), faults.ErrAlreadySearching)
	assert.Equal(t, 1, f.transport.count(models.EventFindPartner))

	require.NoError(t, f.machine.HandleFound(found("B", "R1")))
	assert.ErrorIs(t, f.machine.Find(TriggerUser), faults.ErrAlreadyMatched)
}

func TestWaitingIsInformational(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))

	f.machine.HandleWaiting()

	assert.Equal(t, StateSearching, f.machine.State())
	assert.True(t, f.machine.Acknowledged())
	assert.Len(t, f.transitions, 1)
}

func TestFoundEntersMatched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))

	p := found("B", "R1")
	p.Initiator = initiator(false)
	require.NoError(t, f.machine.HandleFound(p))

	assert.Equal(t, StateMatched, f.machine.State())
	assert.Equal(t, "R1", f.machine.RoomID())
	match, ok := f.machine.Match()
	require.True(t, ok)
	assert.Equal(t, "B", match.PartnerTransportID)
	assert.Equal(t, "user_B", match.PartnerIdentity)
	assert.Equal(t, []models.Role{models.RoleResponder}, f.peer.roles)
	assert.Equal(t, 1, f.peer.live)
}

func TestRoleFallsBackToTransportOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))
	assert.Equal(t, []models.Role{models.RoleInitiator}, f.peer.roles, "A sorts before B")

	g := newFixture(t)
	g.transport.id = "C"
	require.NoError(t, g.machine.Find(TriggerUser))
	require.NoError(t, g.machine.HandleFound(found("B", "R1")))
	assert.Equal(t, []models.Role{models.RoleResponder}, g.peer.roles)
}

func TestDuplicateFoundIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	assert.Equal(t, 1, f.peer.setups)
	assert.Len(t, f.transitions, 2)
	assert.Equal(t, "R1", f.machine.RoomID())
}

func TestFoundForOtherRoomWhileMatched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	err := f.machine.HandleFound(found("C", "R2"))

	assert.ErrorIs(t, err, faults.ErrUnexpectedMatch)
	assert.Equal(t, "R1", f.machine.RoomID())
	assert.Equal(t, 1, f.peer.setups)
}

func TestInvalidFoundPayload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))

	err := f.machine.HandleFound(models.PartnerFound{PartnerID: "B"})

	assert.ErrorIs(t, err, faults.ErrInvalidPayload)
	assert.Equal(t, StateSearching, f.machine.State())
	assert.Equal(t, 0, f.peer.setups)
}

func TestSelfMatchRejected(t *testing.T) {
	for _, tc := range []struct {
		name  string
		found models.PartnerFound
	}{
		{"transport id", models.PartnerFound{PartnerID: "A", RoomID: "R1"}},
		{"auth id", models.PartnerFound{PartnerID: "B", RoomID: "R1", PartnerAuthID: "user_a"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.machine.Find(TriggerUser))

			err := f.machine.HandleFound(tc.found)

			assert.ErrorIs(t, err, faults.ErrSelfMatch)
			assert.Equal(t, StateSearching, f.machine.State())
			assert.Empty(t, f.machine.RoomID())
			assert.Equal(t, 0, f.peer.setups)
			assert.Equal(t, models.RoomRef{RoomID: "R1"}, f.transport.last(models.EventLeaveChat))
			assert.Equal(t, 2, f.transport.count(models.EventFindPartner), "search is re-sent once")
			assert.Equal(t, 1, f.machine.limiter.Attempts(), "the re-sent search is an automatic attempt")

			err = f.machine.HandleFound(tc.found)
			assert.ErrorIs(t, err, faults.ErrSelfMatch)
			assert.Equal(t, StateIdle, f.machine.State(), "second rejection ends the search")
			assert.Equal(t, 2, f.transport.count(models.EventFindPartner))
		})
	}
}

func TestSelfMatchRequeueRespectsAttemptCeiling(t *testing.T) {
	f := newFixture(t)
	f.machine.limiter = NewRateLimiter(1, time.Second)
	require.NoError(t, f.machine.Find(TriggerAuto))

	err := f.machine.HandleFound(models.PartnerFound{PartnerID: "A", RoomID: "R1"})

	assert.ErrorIs(t, err, faults.ErrSelfMatch)
	assert.Equal(t, StateIdle, f.machine.State())
	assert.Equal(t, 1, f.transport.count(models.EventFindPartner), "no attempts left for a re-send")
}

func TestSelfMatchNeverMatchesUnderAnyInterests(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := []string{"music", "games", "art", "films", "books"}
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		var interests []string
		for _, tag := range pool {
			if rng.Intn(2) == 0 {
				interests = append(interests, tag)
			}
		}
		f.machine.SetInterests(interests)
		require.NoError(t, f.machine.Find(TriggerUser))

		_ = f.machine.HandleFound(models.PartnerFound{PartnerID: "A", RoomID: "R", Interests: interests})

		assert.NotEqual(t, StateMatched, f.machine.State())
	}
}

func TestFoundWhileIdleIsStale(t *testing.T) {
	f := newFixture(t)

	err := f.machine.HandleFound(found("B", "R1"))

	assert.ErrorIs(t, err, faults.ErrStaleEvent)
	assert.Equal(t, StateIdle, f.machine.State())
	assert.Equal(t, 1, f.transport.count(models.EventLeaveChat))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.machine.Cancel(), faults.ErrNotSearching)

	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.Cancel())

	assert.Equal(t, StateIdle, f.machine.State())
	assert.Equal(t, 1, f.transport.count(models.EventCancelSearch))
}

func TestServerCooldown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))

	err := f.machine.HandleCooldown(models.Cooldown{RemainingMs: 10_000})

	assert.ErrorIs(t, err, faults.ErrServerCooldown)
	assert.Equal(t, StateIdle, f.machine.State())

	f.clock.advance(5 * time.Second)
	assert.ErrorIs(t, f.machine.Find(TriggerAuto), faults.ErrServerCooldown, "no automatic retry inside the window")
	assert.Equal(t, 1, f.transport.count(models.EventFindPartner))

	f.clock.advance(6 * time.Second)
	assert.NoError(t, f.machine.Find(TriggerAuto))
}

func TestSearchError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))

	err := f.machine.HandleSearchError(models.Notice{Message: "queue full"})

	assert.ErrorIs(t, err, faults.ErrSearchFailed)
	assert.Equal(t, StateIdle, f.machine.State())
}

func TestPartnerLeftReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	assert.ErrorIs(t, f.machine.HandlePartnerLeft(models.RoomRef{RoomID: "R0"}), faults.ErrStaleEvent)
	assert.Equal(t, StateMatched, f.machine.State())

	require.NoError(t, f.machine.HandlePartnerLeft(models.RoomRef{}))

	assert.Equal(t, StateIdle, f.machine.State())
	assert.Empty(t, f.machine.RoomID())
	assert.Equal(t, []bool{false}, f.peer.teardowns)
	assert.Equal(t, 1, f.transport.count(models.EventFindPartner), "partner leaving never re-searches")
}

func TestSkipAsymmetry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	require.NoError(t, f.machine.Skip())

	assert.Equal(t, StateSearching, f.machine.State(), "self skip searches again")
	assert.Equal(t, models.RoomRef{RoomID: "R1"}, f.transport.last(models.EventSkipPartner))
	assert.Equal(t, 2, f.transport.count(models.EventFindPartner))
	assert.Equal(t, []bool{false}, f.peer.teardowns, "camera stays warm")

	require.NoError(t, f.machine.HandleFound(found("C", "R2")))
	require.NoError(t, f.machine.HandleSkippedYou(models.RoomRef{RoomID: "R2"}))

	assert.Equal(t, StateIdle, f.machine.State(), "being skipped does not search")
	assert.Equal(t, 2, f.transport.count(models.EventFindPartner))
}

func TestSkipIgnoresSpacingWindow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	require.NoError(t, f.machine.Skip())
	assert.Equal(t, StateSearching, f.machine.State())
}

func TestSkipRequiresMatch(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.machine.Skip(), faults.ErrNotMatched)
}

func TestDisconnectWhileMatched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))

	f.transport.connected = false
	f.machine.HandleDisconnect()

	assert.Equal(t, StateIdle, f.machine.State())
	assert.Empty(t, f.machine.RoomID())
	assert.Equal(t, []bool{false}, f.peer.teardowns, "local media is kept")
	assert.Equal(t, 0, f.peer.live)
}

func TestResetNotifiesRelay(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Find(TriggerUser))
	f.machine.Reset()
	assert.Equal(t, 1, f.transport.count(models.EventCancelSearch))

	f.clock.advance(2 * time.Second)
	require.NoError(t, f.machine.Find(TriggerUser))
	require.NoError(t, f.machine.HandleFound(found("B", "R1")))
	f.machine.Reset()

	assert.Equal(t, StateIdle, f.machine.State())
	assert.Equal(t, models.RoomRef{RoomID: "R1"}, f.transport.last(models.EventLeaveChat))
}

func TestPeerSetupFailureKeepsMatch(t *testing.T) {
	f := newFixture(t)
	f.peer.setupErr = faults.ErrMediaUnavailable
	require.NoError(t, f.machine.Find(TriggerUser))

	err := f.machine.HandleFound(found("B", "R1"))

	assert.ErrorIs(t, err, faults.ErrMediaUnavailable)
	assert.Equal(t, StateMatched, f.machine.State())
}

func TestAutoSearchStopsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.machine.Find(TriggerAuto))
		require.NoError(t, f.machine.Cancel())
		f.clock.advance(2 * time.Second)
	}

	assert.ErrorIs(t, f.machine.Find(TriggerAuto), faults.ErrAutoSearchDisabled)
	assert.Equal(t, 2, f.transport.count(models.EventFindPartner), "refusal emits nothing")

	require.NoError(t, f.machine.Find(TriggerUser))
	assert.Equal(t, 3, f.transport.count(models.EventFindPartner))
}

// TestRoomInvariantUnderRandomEvents drives the machine with random event
// sequences and checks after every step that a room id is held exactly
// while Matched and that at most one peer connection is alive.
func TestRoomInvariantUnderRandomEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rooms := []string{"R1", "R2", "R3"}
	partners := []string{"A", "B", "C"}

	for run := 0; run < 200; run++ {
		f := newFixture(t)
		for step := 0; step < 40; step++ {
			f.clock.advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
			switch rng.Intn(11) {
			case 0:
				_ = f.machine.Find(TriggerUser)
			case 1:
				_ = f.machine.Find(TriggerAuto)
			case 2:
				_ = f.machine.Cancel()
			case 3:
				_ = f.machine.Skip()
			case 4, 5:
				_ = f.machine.HandleFound(found(partners[rng.Intn(3)], rooms[rng.Intn(3)]))
			case 6:
				_ = f.machine.HandlePartnerLeft(models.RoomRef{RoomID: rooms[rng.Intn(3)]})
			case 7:
				_ = f.machine.HandleSkippedYou(models.RoomRef{})
			case 8:
				_ = f.machine.HandleCooldown(models.Cooldown{RemainingMs: 500})
			case 9:
				f.transport.connected = false
				f.machine.HandleDisconnect()
				f.transport.connected = true
			case 10:
				f.machine.HandleWaiting()
			}

			if f.machine.State() == StateMatched {
				require.NotEmpty(t, f.machine.RoomID())
				require.Equal(t, 1, f.peer.live)
			} else {
				require.Empty(t, f.machine.RoomID())
				require.Equal(t, 0, f.peer.live)
			}
		}
	}
}
