package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-matchmaking/config"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client, time.Minute)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	client, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}

func TestClaimTab(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, owner, err := store.ClaimTab(ctx, "user_a", "tab1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tab1", owner)

	ok, owner, err = store.ClaimTab(ctx, "user_a", "tab1")
	require.NoError(t, err)
	assert.True(t, ok, "the owning tab may reclaim")
	assert.Equal(t, "tab1", owner)

	ok, owner, err = store.ClaimTab(ctx, "user_a", "tab2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "tab1", owner)

	ok, _, err = store.ClaimTab(ctx, "user_b", "tab2")
	require.NoError(t, err)
	assert.True(t, ok, "claims are per identity")

	mr.FastForward(2 * time.Minute)
	ok, _, err = store.ClaimTab(ctx, "user_a", "tab2")
	require.NoError(t, err)
	assert.True(t, ok, "expired claims are free")
}

func TestReleaseTabOnlyByOwner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.ClaimTab(ctx, "user_a", "tab1")
	require.NoError(t, err)

	require.NoError(t, store.ReleaseTab(ctx, "user_a", "tab2"))
	owner, err := store.TabOwner(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, "tab1", owner)

	require.NoError(t, store.ReleaseTab(ctx, "user_a", "tab1"))
	owner, err = store.TabOwner(ctx, "user_a")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRefreshTab(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.ClaimTab(ctx, "user_a", "tab1")
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, store.RefreshTab(ctx, "user_a", "tab1"))
	require.NoError(t, store.RefreshTab(ctx, "user_a", "tab2"))
	mr.FastForward(50 * time.Second)

	owner, err := store.TabOwner(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, "tab1", owner)
}

func TestRoomRecords(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	room := RoomRecord{
		ID:        "R1",
		Kind:      "text",
		Members:   []string{"A", "B"},
		Interests: []string{"music"},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, store.SaveRoom(ctx, room))

	got, err := store.Room(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Peers)
	got.Peers = 0
	assert.Equal(t, room, *got)
	assert.True(t, mr.Exists("room:R1:peers"))

	require.NoError(t, store.DeleteRoom(ctx, "R1"))
	assert.False(t, mr.Exists("room:R1:peers"))
	_, err = store.Room(ctx, "R1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.False(t, mr.Exists("room:R1:peers"))
}
