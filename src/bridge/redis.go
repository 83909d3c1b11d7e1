package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope tags a packet with the instance that published it.
type envelope struct {
	InstanceID string       `json:"instance_id"`
	Packet     types.Packet `json:"packet"`
}

// Stats counts bridge traffic since Start.
type Stats struct {
	Published uint64 `json:"published"`
	Relayed   uint64 `json:"relayed"`
	Dropped   uint64 `json:"dropped"`
}

// RedisBridge fans packets out to other relay instances through Redis
// pub/sub. Each room maps to its own channel under the prefix, and every
// instance pattern-subscribes to all of them.
type RedisBridge struct {
	rdb        *redis.Client
	prefix     string
	instanceID string
	target     BroadcastTarget
	logger     zerolog.Logger

	published atomic.Uint64
	relayed   atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge delivering remote packets to target.
func NewRedisBridge(cfg *RedisConfig, target BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBridge{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:     cfg.Prefix,
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this relay instance on the bridge.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

func (b *RedisBridge) roomChannel(room string) string { return b.prefix + "room:" + room }

// Start pattern-subscribes to every room channel and relays remote packets.
func (b *RedisBridge) Start() error {
	if err := b.rdb.Ping(b.ctx).Err(); err != nil {
		return err
	}

	pattern := b.roomChannel("*")
	sub := b.rdb.PSubscribe(b.ctx, pattern)
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("pattern", pattern).
		Msg("redis bridge started")
	return nil
}

// Publish sends p to the channel of p.Room.
func (b *RedisBridge) Publish(p types.Packet) error {
	body, err := json.Marshal(envelope{InstanceID: b.instanceID, Packet: p})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(b.ctx, b.roomChannel(p.Room), body).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Stop cancels the subscription and closes the Redis client.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.rdb.Close()
}

// Available reports whether the subscription is running.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Stats returns traffic counters.
func (b *RedisBridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Relayed:   b.relayed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *RedisBridge) consume(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			b.relay(m)
		}
	}
}

// relay hands a remote packet to the local target. The room comes from
// the channel name when the packet does not carry one.
func (b *RedisBridge) relay(m *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		b.dropped.Add(1)
		b.logger.Error().Err(err).Str("channel", m.Channel).Msg("undecodable bridge message")
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}
	if env.Packet.Room == "" {
		env.Packet.Room = strings.TrimPrefix(m.Channel, b.roomChannel(""))
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("room", env.Packet.Room).
		Str("event", env.Packet.Event).
		Msg("relaying remote packet")

	b.relayed.Add(1)
	b.target.BroadcastToLocal(env.Packet)
}
