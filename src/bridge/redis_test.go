package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records packets forwarded from the bridge.
type mockBroadcastTarget struct {
	mu       sync.Mutex
	received []types.Packet
}

func (m *mockBroadcastTarget) BroadcastToLocal(p types.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, p)
}

func (m *mockBroadcastTarget) packets() []types.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Packet(nil), m.received...)
}

func TestEnvelopeSerialization(t *testing.T) {
	p := types.Packet{
		Type:      types.PacketEvent,
		Event:     "new_chat_message",
		Room:      "inquiry_42",
		Data:      types.Payload{"message_id": float64(5), "inquiry_id": "42"},
		Timestamp: time.Now().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(envelope{InstanceID: "node-1", Packet: p})
	require.NoError(t, err)

	var out envelope
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "node-1", out.InstanceID)
	assert.Equal(t, "inquiry_42", out.Packet.Room)
	assert.Equal(t, "new_chat_message", out.Packet.Event)
	assert.Equal(t, "5", out.Packet.Data.String("message_id"))
	assert.True(t, p.Timestamp.Equal(out.Packet.Timestamp))
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "realtime:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_WS_PREFIX", "test:ws:")

	cfg, err := RedisConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnvDefaults(t *testing.T) {
	cfg, err := RedisConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisConfig(), cfg)
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	_, err := RedisConfigFromEnv()
	assert.Error(t, err)
}

func TestRedisBridgeAvailableFalseBeforeStart(t *testing.T) {
	rb := NewRedisBridge(DefaultRedisConfig(), &mockBroadcastTarget{}, zerolog.Nop())
	assert.False(t, rb.Available())
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	target := &mockBroadcastTarget{}
	b1 := NewRedisBridge(DefaultRedisConfig(), target, zerolog.Nop())
	b2 := NewRedisBridge(DefaultRedisConfig(), target, zerolog.Nop())
	assert.NotEqual(t, b1.InstanceID(), b2.InstanceID())
}

func TestRedisBridgeStartFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	mr.Close()

	rb := NewRedisBridge(cfg, &mockBroadcastTarget{}, zerolog.Nop())
	require.Error(t, rb.Start())
	assert.False(t, rb.Available())
}

func TestRedisBridgeRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	local, remote := &mockBroadcastTarget{}, &mockBroadcastTarget{}
	b1 := NewRedisBridge(cfg, local, zerolog.Nop())
	b2 := NewRedisBridge(cfg, remote, zerolog.Nop())
	require.NoError(t, b1.Start())
	require.NoError(t, b2.Start())
	defer b1.Stop()
	defer b2.Stop()
	assert.True(t, b1.Available())

	p := types.Packet{Type: types.PacketEvent, Event: "staff_status_update", Room: "admin_room", Data: types.Payload{"status": "online"}}
	require.NoError(t, b1.Publish(p))

	require.Eventually(t, func() bool { return len(remote.packets()) == 1 }, time.Second, 5*time.Millisecond)
	got := remote.packets()[0]
	assert.Equal(t, "admin_room", got.Room)
	assert.Equal(t, "online", got.Data.String("status"))

	// The publisher skips its own envelope.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, local.packets())
	assert.EqualValues(t, 1, b1.Stats().Published)
	assert.EqualValues(t, 1, b2.Stats().Relayed)
}

func TestRedisBridgeRoomFromChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	target := &mockBroadcastTarget{}
	rb := NewRedisBridge(cfg, target, zerolog.Nop())
	require.NoError(t, rb.Start())
	defer rb.Stop()

	body, err := json.Marshal(envelope{InstanceID: "other", Packet: types.Packet{Type: types.PacketEvent, Event: "notification"}})
	require.NoError(t, err)
	mr.Publish("realtime:ws:room:user_7", string(body))
	mr.Publish("realtime:ws:room:user_7", "not json")

	require.Eventually(t, func() bool { return rb.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, target.packets(), 1)
	assert.Equal(t, "user_7", target.packets()[0].Room)
}

func TestRedisBridgeStopMarksUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	rb := NewRedisBridge(cfg, &mockBroadcastTarget{}, zerolog.Nop())
	require.NoError(t, rb.Start())
	require.NoError(t, rb.Stop())
	assert.False(t, rb.Available())
}
