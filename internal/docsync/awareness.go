package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	awarenessKeyPrefix  = "awareness:"
	defaultAwarenessTTL = 120 * time.Second
)

var errMissingAwarenessClient = errors.New("docsync: awareness redis client is required")

// Awareness stores ephemeral per-connection cursor and selection blobs for a room.
type Awareness struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewAwareness builds an Awareness store.
func NewAwareness(client redis.UniversalClient, ttl time.Duration) (*Awareness, error) {
	if client == nil {
		return nil, errMissingAwarenessClient
	}
	if ttl <= 0 {
		ttl = defaultAwarenessTTL
	}
	return &Awareness{client: client, ttl: ttl}, nil
}

// Set records state for connectionID and refreshes the room hash TTL.
func (a *Awareness) Set(ctx context.Context, id RoomID, connectionID string, state json.RawMessage) error {
	if !json.Valid(state) {
		return fmt.Errorf("docsync: awareness state must be JSON")
	}
	key := awarenessKey(id)
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, connectionID, []byte(state))
		pipe.Expire(ctx, key, a.ttl)
		return nil
	})
	return err
}

// Remove deletes connectionID's state.
func (a *Awareness) Remove(ctx context.Context, id RoomID, connectionID string) error {
	return a.client.HDel(ctx, awarenessKey(id), connectionID).Err()
}

// All returns every connection's state in the room.
func (a *Awareness) All(ctx context.Context, id RoomID) (map[string]json.RawMessage, error) {
	values, err := a.client.HGetAll(ctx, awarenessKey(id)).Result()
	if err != nil {
		return nil, err
	}
	states := make(map[string]json.RawMessage, len(values))
	for connectionID, raw := range values {
		if !json.Valid([]byte(raw)) {
			continue
		}
		states[connectionID] = json.RawMessage(raw)
	}
	return states, nil
}

func awarenessKey(id RoomID) string {
	return awarenessKeyPrefix + id.String()
}
