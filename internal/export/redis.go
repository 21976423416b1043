// Package export publishes confirmed weight events to external consumers.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/packline/orderscale/internal/monitoring"
	"github.com/packline/orderscale/internal/scale"
)

// Redis key and channel defaults.
const (
	defaultChannel    = "orderscale:weight"
	defaultLatestKey  = "orderscale:latest"
	defaultHistoryKey = "orderscale:history"
	defaultHistoryLen = 100
	defaultLatestTTL  = time.Hour
)

// RedisConfig configures the Redis publisher. Zero values select defaults;
// Addr is required.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Channel receives a PUBLISH per confirmed weight change.
	Channel string

	// LatestKey holds the most recent message, refreshed with LatestTTL.
	LatestKey string
	LatestTTL time.Duration

	// HistoryKey is a capped list of recent messages, newest first.
	HistoryKey string
	HistoryLen int64
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Channel == "" {
		c.Channel = defaultChannel
	}
	if c.LatestKey == "" {
		c.LatestKey = defaultLatestKey
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.HistoryKey == "" {
		c.HistoryKey = defaultHistoryKey
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = defaultHistoryLen
	}
	return c
}

// WeightMessage is the JSON payload published for each confirmed weight
// change.
type WeightMessage struct {
	WeightKg *float64  `json:"weight_kg"`
	At       time.Time `json:"at"`
}

func encodeWeightMessage(ev scale.WeightEvent) ([]byte, error) {
	return json.Marshal(WeightMessage{WeightKg: ev.Weight, At: ev.At})
}

// RedisPublisher forwards engine weight events to Redis. Each event is
// published to a channel for live consumers and recorded under a latest key
// and a capped history list for late joiners.
type RedisPublisher struct {
	cfg    RedisConfig
	client *redis.Client
	engine *scale.Engine

	subID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, engine *scale.Engine) (*RedisPublisher, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisPublisher{
		cfg:    cfg,
		client: client,
		engine: engine,
	}, nil
}

// Start subscribes to the engine and begins forwarding events until Close.
func (p *RedisPublisher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	id, events := p.engine.SubscribeWeight()
	p.subID = id

	go p.forward(ctx, events)
}

func (p *RedisPublisher) forward(ctx context.Context, events <-chan scale.WeightEvent) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.publish(ctx, ev); err != nil {
				monitoring.Logf("export: redis publish failed: %v", err)
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, ev scale.WeightEvent) error {
	payload, err := encodeWeightMessage(ev)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.cfg.Channel, payload)
	pipe.Set(ctx, p.cfg.LatestKey, payload, p.cfg.LatestTTL)
	pipe.LPush(ctx, p.cfg.HistoryKey, payload)
	pipe.LTrim(ctx, p.cfg.HistoryKey, 0, p.cfg.HistoryLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Close stops forwarding and releases the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.cancel != nil {
		p.cancel()
		p.engine.Unsubscribe(p.subID)
		<-p.done
	}
	return p.client.Close()
}
