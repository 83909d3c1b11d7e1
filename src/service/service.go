// Package service composes transport, rooms, dedup, router and health into
// the session API used by dashboard glue code.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/codec"
	"github.com/orchestra-mcp/realtime/src/dedup"
	"github.com/orchestra-mcp/realtime/src/health"
	"github.com/orchestra-mcp/realtime/src/rooms"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// ErrCapability is returned when a feature emits an event it does not own
// or while it is inactive.
var ErrCapability = errors.New("capability not granted")

// SessionOptions configures a Session.
type SessionOptions struct {
	// Key names the endpoint group: "default" or a dedicated feature key.
	Key    string
	Config *config.Config
	Table  *router.Table
	// Params are sent as handshake query parameters.
	Params url.Values
	// Dialer overrides the websocket dialer built from Config.
	Dialer transport.Dialer
}

// Session is one connection with its rooms, router and health monitor.
type Session struct {
	id     string
	key    string
	cfg    *config.Config
	logger zerolog.Logger

	conn   *transport.Connection
	rooms  *rooms.Tracker
	dedup  *dedup.Deduplicator
	router *router.Router
	health *health.Monitor
}

// NewSession wires a session. It does not connect.
func NewSession(opts SessionOptions, logger zerolog.Logger) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if opts.Key == "" {
		opts.Key = "default"
	}
	table := opts.Table
	if table == nil {
		var err error
		if table, err = config.LoadFeatureTable(cfg.FeatureTable); err != nil {
			return nil, err
		}
	}
	dialer := opts.Dialer
	if dialer == nil {
		c, err := codec.ByName(cfg.Codec)
		if err != nil {
			return nil, err
		}
		dialer = transport.NewWSDialer(c, cfg.ConnectTimeout)
	}

	s := &Session{
		id:     uuid.New().String(),
		key:    opts.Key,
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Str("conn_id", opts.Key).Logger(),
	}
	s.conn = transport.New(transport.Options{
		ID:                opts.Key,
		Endpoint:          cfg.Endpoint,
		Params:            opts.Params,
		Dialer:            dialer,
		Reconnect:         cfg.Reconnect,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
	}, logger)

	// The tracker binds first so joins are replayed before any lifecycle
	// notification reaches subscribers.
	s.rooms = rooms.NewTracker(s.conn, logger)
	s.rooms.Bind(s.conn)

	s.dedup = dedup.New(dedup.WithCapacity(cfg.DedupCapacity, cfg.DedupEvict))
	s.router = router.New(table, s.conn, s.dedup, logger)
	s.health = health.NewMonitor(prober{s}, health.Options{
		Interval: cfg.HealthInterval,
		Timeout:  cfg.HealthTimeout,
		OnTick:   s.publishHealth,
	}, logger)

	s.conn.OnConnected(func() {
		s.router.Publish(types.NotifyConnected, types.Payload{"conn_id": s.key, "session_id": s.id})
	})
	s.conn.OnReconnected(func(attempt int) {
		s.router.Publish(types.NotifyReconnected, types.Payload{"conn_id": s.key, "attempt": attempt})
		s.router.Resume(attempt)
	})
	s.conn.OnDisconnected(func(reason string) {
		s.router.Publish(types.NotifyDisconnected, types.Payload{"conn_id": s.key, "reason": reason})
	})
	s.conn.OnError(func(err error) {
		s.router.Publish(types.NotifyError, types.Payload{"conn_id": s.key, "error": err.Error()})
	})
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Key returns the endpoint group name.
func (s *Session) Key() string { return s.key }

// State returns the connection state.
func (s *Session) State() types.State { return s.conn.State() }

// Connected reports whether the connection is live.
func (s *Session) Connected() bool { return s.conn.Connected() }

// Router returns the session router.
func (s *Session) Router() *router.Router { return s.router }

// Rooms returns the session's room tracker.
func (s *Session) Rooms() *rooms.Tracker { return s.rooms }

// Health returns the session's health monitor.
func (s *Session) Health() *health.Monitor { return s.health }

// Start begins connecting in the background.
func (s *Session) Start() { s.conn.Connect() }

// Connect starts the connection and waits up to the configured connect
// timeout. A timeout does not stop background reconnection.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.ConnectAndWait(ctx, s.cfg.ConnectTimeout)
}

// Ready waits until the connection is live or ctx is done.
func (s *Session) Ready(ctx context.Context) error { return s.conn.Ready(ctx) }

// Disconnect closes the connection; rooms and features stay registered
// for the next Connect.
func (s *Session) Disconnect() { s.conn.Disconnect() }

// Close stops health checks and the connection.
func (s *Session) Close() error {
	s.health.Stop()
	return s.conn.Close()
}

// On subscribes handler to a raw event or notification. A non-empty
// feature scopes the subscription to that feature's active lifetime.
func (s *Session) On(event string, handler types.Handler, feature string) (router.SubscriptionID, error) {
	return s.router.On(feature, event, handler)
}

// Off removes a subscription.
func (s *Session) Off(id router.SubscriptionID) bool { return s.router.Off(id) }

// Emit sends a raw event. It returns false when not connected.
func (s *Session) Emit(event string, payload types.Payload, ack types.AckFunc) bool {
	return s.conn.Send(event, payload, ack)
}

// EmitAs sends event on behalf of feature, which must be active and own
// the event as a capability.
func (s *Session) EmitAs(feature, event string, payload types.Payload, ack types.AckFunc) error {
	f, ok := s.router.Table().Feature(feature)
	if !ok {
		return fmt.Errorf("emit %s: %w", event, router.ErrUnknownFeature)
	}
	if !s.router.Active(feature) || !f.Can(event) {
		return fmt.Errorf("%s emit %s: %w", feature, event, ErrCapability)
	}
	if !s.conn.Send(event, payload, ack) {
		return fmt.Errorf("emit %s: %w", event, transport.ErrNotConnected)
	}
	return nil
}

// JoinRoom tracks a room; it is joined now or on the next connect.
func (s *Session) JoinRoom(name string, opts ...rooms.Option) bool {
	return s.rooms.Join(name, opts...)
}

// LeaveRoom untracks a room.
func (s *Session) LeaveRoom(name string) bool { return s.rooms.Leave(name) }

// ActivateFeature activates a feature and starts health checks.
func (s *Session) ActivateFeature(name string) error {
	if err := s.router.Activate(name); err != nil {
		return err
	}
	s.health.Start()
	return nil
}

// DeactivateFeature deactivates a feature, stopping health checks when no
// feature remains active.
func (s *Session) DeactivateFeature(name string) error {
	if err := s.router.Deactivate(name); err != nil {
		return err
	}
	if len(s.router.ActiveFeatures()) == 0 {
		s.health.Stop()
	}
	return nil
}

// Ping round-trips a ping and returns the latency measured from its ack.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	acked := make(chan struct{}, 1)
	ok := s.conn.Send(types.EventPing, types.Payload{"timestamp": start.UnixMilli()}, func(types.Payload) {
		acked <- struct{}{}
	})
	if !ok {
		return 0, transport.ErrNotConnected
	}
	select {
	case <-acked:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// prober adapts a Session to health.Prober.
type prober struct{ s *Session }

func (p prober) Connected() bool { return p.s.conn.Connected() }
func (p prober) Connect() { p.s.conn.Connect() }
func (p prober) Ping(ctx context.Context) (time.Duration, error) {
	return p.s.Ping(ctx)
}

func (s *Session) publishHealth(st health.Status) {
	payload := types.Payload{
		"conn_id":      s.key,
		"connected":    st.Connected,
		"reconnecting": st.Reconnecting,
		"missed":       st.Missed,
		"latency_ms":   st.Latency.Milliseconds(),
		"rooms":        len(s.rooms.Rooms()),
		"features":     s.router.ActiveFeatures(),
	}
	s.conn.Post(func() { s.router.Publish(types.NotifyHealthCheck, payload) })
}

// Summary is a point-in-time view of a session.
type Summary struct {
	Key      string
	ID       string
	State    string
	Rooms    []string
	Features []string
	Latency  time.Duration
}

// Summary returns the session's current state.
func (s *Session) Summary() Summary {
	return Summary{
		Key:      s.key,
		ID:       s.id,
		State:    s.conn.State().String(),
		Rooms:    s.rooms.Rooms(),
		Features: s.router.ActiveFeatures(),
		Latency:  s.health.Last().Latency,
	}
}
