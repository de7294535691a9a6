// Package redischan provides a broadcast.Channel over Redis pub/sub for
// deployments where widget state is shared across processes.
package redischan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/curia-network/embedhost/broadcast"
)

// Config for the Redis-backed channel. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// TopicPrefix for all pub/sub channels. ENV: EMBED_CHANNEL_PREFIX
	TopicPrefix string `env:"EMBED_CHANNEL_PREFIX,default=embed:chan:"`

	// Client optionally supplies an existing client; when set RedisAddr is
	// ignored.
	Client *redis.Client

	// Logger for subscription diagnostics; defaults to slog.Default().
	Logger *slog.Logger
}

// envelope is the JSON shape published to Redis. Origin travels with the
// payload so remote subscribers can distinguish their own writes.
type envelope struct {
	Origin string `json:"origin"`
	Data   []byte `json:"data"`
}

// Channel implements broadcast.Channel over Redis pub/sub.
type Channel struct {
	origin      string
	client      *redis.Client
	topicPrefix string
	ownClient   bool
	log         *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// New creates a Redis-backed channel from cfg.
func New(cfg Config) (*Channel, error) {
	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		own = true
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redischan: redis ping: %w", err)
		}
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "embed:chan:"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		origin:      uuid.NewString(),
		client:      client,
		topicPrefix: prefix,
		ownClient:   own,
		log:         log,
		subs:        make(map[*subscription]struct{}),
	}, nil
}

// NewFromEnv builds a Channel using envdecode to populate Config.
func NewFromEnv() (*Channel, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (c *Channel) Origin() string { return c.origin }

func (c *Channel) Publish(ctx context.Context, topic string, data []byte) error {
	payload, err := json.Marshal(envelope{Origin: c.origin, Data: data})
	if err != nil {
		return fmt.Errorf("redischan: failed to marshal envelope: %w", err)
	}
	if err := c.client.Publish(ctx, c.topicPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redischan: failed to publish to %q: %w", topic, err)
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, topic string, fn broadcast.Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("redischan: channel closed")
	}
	c.mu.Unlock()

	pubsub := c.client.Subscribe(ctx, c.topicPrefix+topic)
	// Wait for the subscription to be established so events published after
	// Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redischan: failed to subscribe to %q: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{pubsub: pubsub, cancel: cancel}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					c.log.Debug("redischan: dropping malformed envelope", slog.String("err", err.Error()))
					continue
				}
				fn(subCtx, broadcast.Event{Topic: topic, Data: env.Data, Origin: env.Origin})
			}
		}
	}()

	unsubscribe := func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		cancel()
		sub.pubsub.Close()
	}
	return unsubscribe, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.pubsub.Close()
	}
	if c.ownClient {
		return c.client.Close()
	}
	return nil
}

var _ broadcast.Channel = (*Channel)(nil)
