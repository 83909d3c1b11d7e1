package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/transport/memtransport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload types.Payload
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	gen       uint64
	sent      []sent
}

func (f *fakeSender) Send(event string, payload types.Payload, _ types.AckFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, sent{event, payload})
	return true
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

// setConnected(true) models a new physical connection.
func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v && !f.connected {
		f.gen++
	}
	f.connected = v
}

func (f *fakeSender) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *fakeSender) log() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeLifecycle struct {
	connected    []func()
	reconnected  []func(int)
	disconnected []func(string)
	handlers     map[string]types.Handler
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{handlers: make(map[string]types.Handler)}
}

func (l *fakeLifecycle) OnConnected(fn func()) { l.connected = append(l.connected, fn) }
func (l *fakeLifecycle) OnReconnected(fn func(int)) { l.reconnected = append(l.reconnected, fn) }
func (l *fakeLifecycle) OnDisconnected(fn func(string)) { l.disconnected = append(l.disconnected, fn) }
func (l *fakeLifecycle) On(e string, h types.Handler) types.HandlerID {
	l.handlers[e] = h
	return 1
}

func (l *fakeLifecycle) connect() {
	for _, fn := range l.connected {
		fn()
	}
}

func (l *fakeLifecycle) reconnect() {
	for _, fn := range l.reconnected {
		fn(1)
	}
}

func (l *fakeLifecycle) drop() {
	for _, fn := range l.disconnected {
		fn(types.DisconnectTransport)
	}
}

func newBound() (*Tracker, *fakeSender, *fakeLifecycle) {
	s := &fakeSender{}
	l := newFakeLifecycle()
	tr := NewTracker(s, zerolog.Nop())
	tr.Bind(l)
	return tr, s, l
}

func TestJoinIsIdempotentBeforeConnect(t *testing.T) {
	tr, s, l := newBound()

	assert.True(t, tr.Join("inquiry_42"))
	assert.False(t, tr.Join("inquiry_42"))
	assert.Empty(t, s.log())

	s.setConnected(true)
	l.connect()

	require.Len(t, s.log(), 1)
	assert.Equal(t, types.EventJoin, s.log()[0].event)
	assert.Equal(t, "inquiry_42", s.log()[0].payload.String("room"))
}

func TestJoinWhileLiveSendsImmediately(t *testing.T) {
	tr, s, l := newBound()
	s.setConnected(true)
	l.connect()

	tr.Join("office_3", WithContext("office"))
	require.Len(t, s.log(), 1)
	assert.Equal(t, "office", s.log()[0].payload.String("context"))
}

func TestReplayOnReconnectInOrder(t *testing.T) {
	tr, s, l := newBound()
	s.setConnected(true)
	l.connect()
	tr.Join("A")
	tr.Join("B")

	l.drop()
	s.setConnected(false)
	s.clear()

	s.setConnected(true)
	l.reconnect()

	got := s.log()
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].payload.String("room"))
	assert.Equal(t, "B", got[1].payload.String("room"))
}

func TestReplayRunsOncePerConnection(t *testing.T) {
	tr, s, l := newBound()
	tr.Join("A")
	s.setConnected(true)
	l.connect()
	require.Len(t, s.log(), 1)

	assert.Equal(t, 0, tr.Replay())
	l.reconnect()
	assert.Len(t, s.log(), 1)
}

func TestLateSignalsFromDroppedConnection(t *testing.T) {
	tr, s, l := newBound()
	tr.Join("A")

	// The first connection drops and a new one is attached before any
	// lifecycle signal is drained.
	s.setConnected(true)
	s.setConnected(false)
	s.setConnected(true)

	// Stale connected signal replays on the new connection.
	l.connect()
	require.Len(t, s.log(), 1)

	tr.Join("B")
	require.Len(t, s.log(), 2)
	assert.Equal(t, "B", s.log()[1].payload.String("room"))

	// Stale disconnect then the reconnected signal of the new connection.
	l.drop()
	l.reconnect()
	tr.Join("C")

	var rooms []string
	for _, m := range s.log() {
		rooms = append(rooms, m.payload.String("room"))
	}
	assert.Equal(t, []string{"A", "B", "C"}, rooms)
}

func TestJoinAfterDropWaitsForReplay(t *testing.T) {
	tr, s, l := newBound()
	s.setConnected(true)
	l.connect()

	// Dropped and re-dialed, nothing drained yet.
	s.setConnected(false)
	s.setConnected(true)
	tr.Join("A")
	assert.Empty(t, s.log())

	l.drop()
	l.reconnect()
	require.Len(t, s.log(), 1)
	assert.Equal(t, "A", s.log()[0].payload.String("room"))
}

func TestLeave(t *testing.T) {
	tr, s, l := newBound()
	assert.False(t, tr.Leave("nope"))

	s.setConnected(true)
	l.connect()
	tr.Join("A")
	tr.Join("B")
	assert.True(t, tr.Leave("A"))

	got := s.log()
	require.Len(t, got, 3)
	assert.Equal(t, types.EventLeave, got[2].event)
	assert.Equal(t, []string{"B"}, tr.Rooms())
	assert.False(t, tr.Tracked("A"))
}

func TestCustomEventsAndPayload(t *testing.T) {
	tr, s, l := newBound()
	tr.Join("inquiry_9",
		WithEvents(types.EventJoinInquiryRoom, types.EventLeaveInquiryRoom),
		WithPayload(types.Payload{"inquiry_id": "9"}))

	s.setConnected(true)
	l.connect()
	tr.Leave("inquiry_9")

	got := s.log()
	require.Len(t, got, 2)
	assert.Equal(t, types.EventJoinInquiryRoom, got[0].event)
	assert.Equal(t, "9", got[0].payload.String("inquiry_id"))
	assert.NotContains(t, got[0].payload, "room")
	assert.Equal(t, types.EventLeaveInquiryRoom, got[1].event)
}

func TestRoomConfirmationResetsOnDisconnect(t *testing.T) {
	tr, s, l := newBound()
	s.setConnected(true)
	l.connect()
	tr.Join("A")

	h := l.handlers[types.EventRoomJoined]
	require.NotNil(t, h)
	require.NoError(t, h(types.Event{Name: types.EventRoomJoined, Payload: types.Payload{"room": "A", "status": "success"}}))
	assert.True(t, tr.Confirmed("A"))

	l.drop()
	assert.False(t, tr.Confirmed("A"))
}

func TestReplayAcrossRealReconnect(t *testing.T) {
	d := memtransport.NewDialer()
	conn := transport.New(transport.Options{
		Endpoint:          "mem://relay",
		Dialer:            d,
		Reconnect:         true,
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectDelayMax: 10 * time.Millisecond,
	}, zerolog.Nop())
	defer conn.Close()

	tr := NewTracker(conn, zerolog.Nop())
	tr.Bind(conn)
	tr.Join("A")
	tr.Join("B")
	tr.Join("A")

	require.NoError(t, conn.ConnectAndWait(context.Background(), time.Second))
	first := <-d.Accepted()
	assert.Equal(t, []string{"A", "B"}, readRooms(t, first, 2))

	require.NoError(t, first.Close())
	second := <-d.Accepted()
	assert.Equal(t, []string{"A", "B"}, readRooms(t, second, 2))
}

func readRooms(t *testing.T, c *memtransport.Conn, n int) []string {
	t.Helper()
	var rooms []string
	for len(rooms) < n {
		p, err := c.ReadPacket()
		require.NoError(t, err)
		require.Equal(t, types.EventJoin, p.Event)
		rooms = append(rooms, p.Data.String("room"))
	}
	return rooms
}
