package marketdata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tradeforge/pkg/types"
)

// RedisPublisher fans snapshots out over Redis pub/sub, one topic per
// (venue, instrument): prices:<venue>:<instrument>. Payload is the snapshot
// JSON shape.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects a publisher to the given Redis address.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Publish sends one snapshot. Callers treat failures as best-effort.
func (p *RedisPublisher) Publish(ctx context.Context, snap types.MarketSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	topic := fmt.Sprintf("prices:%s:%s", snap.Venue, snap.Instrument)
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error { return p.client.Close() }
