package service

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/transport/memtransport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

// fakeRelay answers ping acks and records every packet it receives.
type fakeRelay struct {
	dialer  *memtransport.Dialer
	packets chan types.Packet

	mu     sync.Mutex
	conns  []*memtransport.Conn
	params []url.Values
}

func newFakeRelay() *fakeRelay {
	r := &fakeRelay{dialer: memtransport.NewDialer(), packets: make(chan types.Packet, 256)}
	r.dialer.OnDial = func(server *memtransport.Conn, params url.Values) {
		r.mu.Lock()
		r.conns = append(r.conns, server)
		r.params = append(r.params, params)
		r.mu.Unlock()
		go r.serve(server)
	}
	return r
}

func (r *fakeRelay) serve(c *memtransport.Conn) {
	for {
		p, err := c.ReadPacket()
		if err != nil {
			return
		}
		if p.Event == types.EventPing && p.AckID != 0 {
			_ = c.WritePacket(types.Packet{Type: types.PacketAck, AckID: p.AckID, Data: p.Data})
			continue
		}
		r.packets <- p
	}
}

func (r *fakeRelay) latest() *memtransport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func (r *fakeRelay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *fakeRelay) next(t *testing.T) types.Packet {
	t.Helper()
	select {
	case p := <-r.packets:
		return p
	case <-time.After(waitFor):
		t.Fatal("relay received nothing")
		return types.Packet{}
	}
}

func (r *fakeRelay) quiet(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.packets:
		t.Fatalf("unexpected packet %s %v", p.Event, p.Data)
	case <-time.After(30 * time.Millisecond):
	}
}

func (r *fakeRelay) push(t *testing.T, event string, data types.Payload) {
	t.Helper()
	require.NoError(t, r.latest().WritePacket(types.Packet{Type: types.PacketEvent, Event: event, Data: data}))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.ReconnectDelayMax = 10 * time.Millisecond
	cfg.ConnectTimeout = waitFor
	cfg.HealthInterval = time.Hour
	return cfg
}

func newTestClient(t *testing.T, relay *fakeRelay) *Client {
	t.Helper()
	c, err := NewClient(testConfig(), zerolog.Nop(),
		WithDialer(relay.dialer),
		WithParams(url.Values{"user_id": {"7"}, "role": {"student"}}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type counter struct{ n atomic.Int32 }

func (c *counter) handler(types.Event) error {
	c.n.Add(1)
	return nil
}

func TestEndToEndReconnectReplayAndDedup(t *testing.T) {
	relay := newFakeRelay()
	c := newTestClient(t, relay)
	s := c.Default()

	require.NoError(t, s.ActivateFeature("chat"))
	s.JoinRoom("inquiry_42")
	var messages counter
	_, err := s.On("chat:new_message", messages.handler, "chat")
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	p := relay.next(t)
	assert.Equal(t, types.EventJoin, p.Event)
	assert.Equal(t, "inquiry_42", p.Data.String("room"))

	require.NoError(t, relay.latest().Close())
	require.Eventually(t, func() bool { return relay.connCount() == 2 && s.Connected() }, waitFor, 5*time.Millisecond)

	p = relay.next(t)
	assert.Equal(t, types.EventJoin, p.Event)
	assert.Equal(t, "inquiry_42", p.Data.String("room"))
	relay.quiet(t)

	msg := types.Payload{"inquiry_id": 42, "message_id": 7, "content": "hello"}
	relay.push(t, "new_chat_message", msg)
	relay.push(t, "new_chat_message", msg)
	require.Eventually(t, func() bool { return messages.n.Load() == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, messages.n.Load())
}

func TestLifecycleNotifications(t *testing.T) {
	relay := newFakeRelay()
	c := newTestClient(t, relay)
	s := c.Default()
	require.NoError(t, s.ActivateFeature("chat"))

	var mu sync.Mutex
	var seen []string
	record := func(evt types.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Name)
		return nil
	}
	for _, name := range []string{types.NotifyConnected, types.NotifyDisconnected, types.NotifyReconnected} {
		_, err := s.On(name, record, router.General)
		require.NoError(t, err)
	}
	_, err := s.On("chat:resumed", record, "chat")
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, relay.latest().Close())

	want := []string{types.NotifyConnected, types.NotifyDisconnected, types.NotifyReconnected, "chat:resumed"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, seen)
}

func TestEmitAsChecksCapabilities(t *testing.T) {
	relay := newFakeRelay()
	s := newTestClient(t, relay).Default()

	err := s.EmitAs("chat", types.EventTypingIndicator, types.Payload{}, nil)
	assert.ErrorIs(t, err, ErrCapability, "inactive feature")

	require.NoError(t, s.ActivateFeature("chat"))
	assert.ErrorIs(t, s.EmitAs("chat", types.EventStaffStatus, types.Payload{}, nil), ErrCapability)
	assert.ErrorIs(t, s.EmitAs("video", types.EventPing, types.Payload{}, nil), router.ErrUnknownFeature)
	assert.ErrorIs(t, s.EmitAs("chat", types.EventTypingIndicator, types.Payload{}, nil), transport.ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.SendTyping("student", "42", "7", true))
	p := relay.next(t)
	assert.Equal(t, types.EventStudentTyping, p.Event)
	assert.Equal(t, "7", p.Data.String("student_id"))
	assert.Equal(t, "true", p.Data.String("is_typing"))
}

func TestIntents(t *testing.T) {
	relay := newFakeRelay()
	s := newTestClient(t, relay).Default()

	assert.ErrorIs(t, s.JoinInquiry("42"), ErrCapability)
	require.NoError(t, s.ActivateFeature("chat"))
	require.NoError(t, s.JoinInquiry("42"))
	require.NoError(t, s.Connect(context.Background()))

	p := relay.next(t)
	assert.Equal(t, types.EventJoinInquiryRoom, p.Event)
	assert.Equal(t, "42", p.Data.String("inquiry_id"))

	require.NoError(t, s.MarkDelivered("42", "7", "3"))
	p = relay.next(t)
	assert.Equal(t, types.EventChatMessageDelivered, p.Event)
	assert.Equal(t, "3", p.Data.String("sender_id"))

	require.NoError(t, s.MarkRead("42", "7", ""))
	p = relay.next(t)
	assert.Equal(t, types.EventChatMessageRead, p.Event)
	assert.NotContains(t, p.Data, "sender_id")

	assert.Error(t, s.SetMessageStatus("7", "lost"))
	require.NoError(t, s.SetMessageStatus("7", "read"))
	assert.Equal(t, types.EventMessageStatus, relay.next(t).Event)

	assert.ErrorIs(t, s.SetStaffStatus("online"), ErrCapability)

	assert.True(t, s.LeaveInquiry("42"))
	assert.Equal(t, types.EventLeaveInquiryRoom, relay.next(t).Event)
}

func TestPing(t *testing.T) {
	relay := newFakeRelay()
	s := newTestClient(t, relay).Default()

	_, err := s.Ping(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	latency, err := s.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestHealthRunsWhileFeaturesActive(t *testing.T) {
	relay := newFakeRelay()
	s := newTestClient(t, relay).Default()

	assert.False(t, s.Health().Running())
	require.NoError(t, s.ActivateFeature("chat"))
	require.NoError(t, s.ActivateFeature("presence"))
	assert.True(t, s.Health().Running())

	require.NoError(t, s.DeactivateFeature("chat"))
	assert.True(t, s.Health().Running())
	require.NoError(t, s.DeactivateFeature("presence"))
	assert.False(t, s.Health().Running())
}

func TestHealthCheckNotification(t *testing.T) {
	relay := newFakeRelay()
	cfg := testConfig()
	cfg.HealthInterval = 10 * time.Millisecond
	c, err := NewClient(cfg, zerolog.Nop(), WithDialer(relay.dialer))
	require.NoError(t, err)
	defer c.Close()
	s := c.Default()

	got := make(chan types.Payload, 16)
	_, err = s.On(types.NotifyHealthCheck, func(evt types.Event) error {
		select {
		case got <- evt.Payload:
		default:
		}
		return nil
	}, router.General)
	require.NoError(t, err)

	// Not connected yet: the first tick reconnects.
	require.NoError(t, s.ActivateFeature("notification"))
	require.Eventually(t, s.Connected, waitFor, 5*time.Millisecond)

	select {
	case p := <-got:
		assert.Equal(t, "default", p.String("conn_id"))
	case <-time.After(waitFor):
		t.Fatal("no health notification")
	}
}

func TestDedicatedSessions(t *testing.T) {
	relay := newFakeRelay()
	c := newTestClient(t, relay)

	a, err := c.Dedicated(context.Background(), "counseling", url.Values{"session_id": {"s-1"}})
	require.NoError(t, err)
	assert.True(t, a.Connected())
	assert.Equal(t, "counseling", a.Key())

	b, err := c.Dedicated(context.Background(), "counseling", nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"counseling"}, c.DedicatedKeys())
	assert.Len(t, c.Sessions(), 2)

	relay.mu.Lock()
	params := relay.params[len(relay.params)-1]
	relay.mu.Unlock()
	assert.Equal(t, "counseling", params.Get("feature"))
	assert.Equal(t, "s-1", params.Get("session_id"))
	assert.Equal(t, "7", params.Get("user_id"))

	require.NoError(t, c.CloseDedicated("counseling"))
	assert.Empty(t, c.DedicatedKeys())
	assert.Equal(t, types.StateDisconnected, a.State())
}

func TestApplyAudience(t *testing.T) {
	relay := newFakeRelay()
	c := newTestClient(t, relay)

	assert.Error(t, c.ApplyAudience("parent", nil))
	assert.Error(t, c.ApplyAudience("student", map[string]string{}))

	require.NoError(t, c.ApplyAudience("student", map[string]string{"user_id": "7"}))
	s := c.Default()
	assert.Equal(t, []string{"notification", "chat", "announcement"}, s.Router().ActiveFeatures())
	assert.Equal(t, []string{"student_7", "user_7"}, s.Rooms().Rooms())

	require.NoError(t, c.Connect(context.Background()))
	first, second := relay.next(t), relay.next(t)
	assert.Equal(t, "student_7", first.Data.String("room"))
	assert.Equal(t, "student", first.Data.String("context"))
	assert.Equal(t, "user_7", second.Data.String("room"))

	summary := s.Summary()
	assert.Equal(t, "connected", summary.State)
	assert.Len(t, summary.Rooms, 2)
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DedupCapacity = 10
	cfg.DedupEvict = 20

	_, err := NewSession(SessionOptions{Config: cfg, Dialer: memtransport.NewDialer()}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewClient(cfg, zerolog.Nop(), WithDialer(memtransport.NewDialer()))
	require.Error(t, err)
}
