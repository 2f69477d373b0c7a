package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-matchmaking/config"
)

const roomTTL = 24 * time.Hour

// ErrRoomNotFound is returned for rooms that are not, or no longer, stored.
var ErrRoomNotFound = errors.New("room not found")

// Connect opens a client and checks it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RoomRecord is what the relay stores about a live room.
type RoomRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Members   []string  `json:"members"`
	Interests []string  `json:"interests,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	// Peers is the size of the member set, filled in by Room.
	Peers int `json:"peers,omitempty"`
}

// Store keeps tab presence per authId and room records for the relay.
type Store struct {
	client      *redis.Client
	presenceTTL time.Duration
}

func NewStore(client *redis.Client, presenceTTL time.Duration) *Store {
	if presenceTTL <= 0 {
		presenceTTL = 2 * time.Minute
	}
	return &Store{client: client, presenceTTL: presenceTTL}
}

func presenceKey(authID string) string { return "presence:" + authID }
func roomKey(roomID string) string     { return "room:" + roomID }
func peersKey(roomID string) string    { return "room:" + roomID + ":peers" }

// ClaimTab registers tabID as the live tab of authID. It fails, reporting
// the current owner, when another tab already holds the claim.
func (s *Store) ClaimTab(ctx context.Context, authID, tabID string) (bool, string, error) {
	ok, err := s.client.SetNX(ctx, presenceKey(authID), tabID, s.presenceTTL).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, tabID, nil
	}

	owner, err := s.client.Get(ctx, presenceKey(authID)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls.
		return s.ClaimTab(ctx, authID, tabID)
	}
	if err != nil {
		return false, "", err
	}
	if owner != tabID {
		return false, owner, nil
	}
	return true, owner, s.client.Expire(ctx, presenceKey(authID), s.presenceTTL).Err()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RefreshTab extends the claim of tabID. It is a no-op for a tab that does
// not hold the claim.
func (s *Store) RefreshTab(ctx context.Context, authID, tabID string) error {
	return refreshScript.Run(ctx, s.client, []string{presenceKey(authID)}, tabID, s.presenceTTL.Milliseconds()).Err()
}

// ReleaseTab drops the claim if tabID still holds it.
func (s *Store) ReleaseTab(ctx context.Context, authID, tabID string) error {
	return releaseScript.Run(ctx, s.client, []string{presenceKey(authID)}, tabID).Err()
}

// TabOwner returns the tab currently holding authID, empty if none.
func (s *Store) TabOwner(ctx context.Context, authID string) (string, error) {
	owner, err := s.client.Get(ctx, presenceKey(authID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// SaveRoom stores the room and its member set.
func (s *Store) SaveRoom(ctx context.Context, room RoomRecord) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	members := make([]interface{}, len(room.Members))
	for i, m := range room.Members {
		members[i] = m
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.ID), data, roomTTL)
		if len(members) > 0 {
			pipe.SAdd(ctx, peersKey(room.ID), members...)
			pipe.Expire(ctx, peersKey(room.ID), roomTTL)
		}
		return nil
	})
	return err
}

// Room loads a stored room together with its current member count.
func (s *Store) Room(ctx context.Context, roomID string) (*RoomRecord, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var room RoomRecord
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	peers, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	room.Peers = int(peers)
	return &room, nil
}

// DeleteRoom drops the room record and its member set.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, roomKey(roomID), peersKey(roomID)).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
