// Package relay bridges canonical deltas between processes over Redis
// pub/sub, one channel per notebook. Rooms stay authoritative in-process;
// the relay is best-effort plumbing that lets another daemon or an observer
// follow a room's accepted deltas. Merge idempotence makes duplicate or
// re-delivered relay traffic harmless.
package relay

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabnb/syncd/crdt"
)

// Envelope is the relay payload. Node identifies the publishing process so a
// room can ignore its own traffic.
type Envelope struct {
	Node  string     `json:"node"`
	Seq   uint64     `json:"seq"`
	Delta crdt.Delta `json:"delta"`
}

// Relay publishes and subscribes to per-notebook delta channels. A nil Relay
// (no Redis configured) is valid: rooms simply run standalone.
type Relay interface {
	Node() string
	Publish(ctx context.Context, notebook string, env Envelope) error
	Subscribe(ctx context.Context, notebook string, handler func(Envelope)) func()
}

func channelFor(notebook string) string {
	return "syncd:notebook:" + notebook
}

// RedisRelay implements Relay on go-redis pub/sub.
type RedisRelay struct {
	client *redis.Client
	node   string
}

// NewRedis connects to Redis, retrying with exponential backoff so the
// daemon can start before its Redis does.
func NewRedis(ctx context.Context, addr string) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ping := func() error {
		return client.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		client.Close()
		return nil, err
	}
	log.Printf("[relay] connected to redis at %s", addr)
	return &RedisRelay{client: client, node: uuid.NewString()}, nil
}

func (r *RedisRelay) Node() string { return r.node }

func (r *RedisRelay) Publish(ctx context.Context, notebook string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelFor(notebook), data).Err()
}

// Subscribe forwards envelopes for one notebook to handler until the
// returned cancel func is called. go-redis reconnects the subscription
// itself; decode failures are logged and skipped.
func (r *RedisRelay) Subscribe(ctx context.Context, notebook string, handler func(Envelope)) func() {
	pubsub := r.client.Subscribe(ctx, channelFor(notebook))
	go func() {
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("[relay] bad envelope on %s: %v", msg.Channel, err)
				continue
			}
			handler(env)
		}
	}()
	return func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("[relay] close subscription for %s: %v", notebook, err)
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
