package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSwapAttempts = 8

// ErrSwapContention is returned when every compare-and-swap attempt lost to a concurrent writer.
var ErrSwapContention = errors.New("kv: concurrent updates exhausted retries")

// Mutation receives the current value (nil when absent) and returns the value to store.
// A nil result deletes the key. Returning an error aborts without writing.
type Mutation func(current []byte) ([]byte, error)

// CompareAndSwap applies mutate to key under WATCH/MULTI and retries when another writer
// commits first. A positive ttl is applied on write.
func CompareAndSwap(ctx context.Context, client redis.UniversalClient, key string, ttl time.Duration, mutate Mutation) error {
	for attempt := 0; attempt < defaultSwapAttempts; attempt++ {
		err := client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}
			next, err := mutate(current)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
					return nil
				}
				pipe.Set(ctx, key, next, ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrSwapContention
}
