// Package rooms tracks the channels a session belongs to and replays their
// joins after every successful connect.
package rooms

import (
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Sender is the subset of a transport connection the tracker writes to.
type Sender interface {
	Send(event string, payload types.Payload, ack types.AckFunc) bool
	Connected() bool
	// Generation changes whenever the physical connection changes.
	Generation() uint64
}

// Lifecycle is the subset of a transport connection the tracker listens to.
type Lifecycle interface {
	OnConnected(fn func())
	OnReconnected(fn func(attempt int))
	OnDisconnected(fn func(reason string))
	On(event string, h types.Handler) types.HandlerID
}

// Room is a tracked channel and the events used to enter and leave it.
type Room struct {
	Name         string
	Context      string
	JoinEvent    string
	LeaveEvent   string
	JoinPayload  types.Payload
	LeavePayload types.Payload
	confirmed    bool
}

// Option customises how a room is joined.
type Option func(*Room)

// WithContext tags the default join/leave payloads with a context string.
func WithContext(ctx string) Option {
	return func(r *Room) { r.Context = ctx }
}

// WithEvents replaces the join and leave event names.
func WithEvents(join, leave string) Option {
	return func(r *Room) {
		r.JoinEvent = join
		r.LeaveEvent = leave
	}
}

// WithPayload sends payload instead of {room, context} for join and leave.
func WithPayload(payload types.Payload) Option {
	return func(r *Room) {
		r.JoinPayload = payload.Clone()
		r.LeavePayload = payload.Clone()
	}
}

func (r *Room) joinPayload() types.Payload {
	if r.JoinPayload != nil {
		return r.JoinPayload.Clone()
	}
	return r.defaultPayload()
}

func (r *Room) leavePayload() types.Payload {
	if r.LeavePayload != nil {
		return r.LeavePayload.Clone()
	}
	return r.defaultPayload()
}

func (r *Room) defaultPayload() types.Payload {
	p := types.Payload{"room": r.Name}
	if r.Context != "" {
		p["context"] = r.Context
	}
	return p
}

// Tracker holds the ordered set of rooms for one connection.
//
// Joins are sent immediately only when the current physical connection has
// already been replayed. Rooms added otherwise are joined by the next
// replay, and a replay runs at most once per connection generation, so a
// room is joined once per physical connection.
type Tracker struct {
	sender Sender
	logger zerolog.Logger

	mu    sync.Mutex
	order []*Room
	index map[string]*Room
	// gen is the connection generation of the last replay.
	gen  uint64
	live bool
}

// NewTracker creates an empty tracker writing through sender.
func NewTracker(sender Sender, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sender: sender,
		logger: logger.With().Str("component", "rooms").Logger(),
		index:  make(map[string]*Room),
	}
}

// Bind hooks the tracker to a connection's lifecycle: replay on every
// connect, reset confirmations on disconnect, and record room_joined.
func (t *Tracker) Bind(l Lifecycle) {
	l.OnConnected(func() { t.Replay() })
	l.OnReconnected(func(int) { t.Replay() })
	l.OnDisconnected(func(string) { t.suspend() })
	l.On(types.EventRoomJoined, func(evt types.Event) error {
		if evt.Payload.String("status") == "" || evt.Payload.String("status") == "success" {
			t.Confirm(evt.Payload.String("room"))
		}
		return nil
	})
}

// Join tracks name. It returns false when the room was already tracked.
func (t *Tracker) Join(name string, opts ...Option) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[name]; ok {
		return false
	}
	r := &Room{Name: name, JoinEvent: types.EventJoin, LeaveEvent: types.EventLeave}
	for _, opt := range opts {
		opt(r)
	}
	t.order = append(t.order, r)
	t.index[name] = r

	if t.replayed() {
		t.send(r.JoinEvent, r.joinPayload(), name)
	} else {
		t.logger.Debug().Str("room", name).Msg("join deferred until connected")
	}
	return true
}

// Leave untracks name and sends its leave event when connected.
func (t *Tracker) Leave(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.index[name]
	if !ok {
		return false
	}
	delete(t.index, name)
	t.order = lo.Filter(t.order, func(x *Room, _ int) bool { return x != r })

	if t.replayed() {
		t.send(r.LeaveEvent, r.leavePayload(), name)
	}
	return true
}

// Replay sends the join event of every tracked room in insertion order.
// It is a no-op when the current connection was already replayed, which
// happens when lifecycle signals from an earlier connection are drained
// late. It returns the number of joins sent.
func (t *Tracker) Replay() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	gen := t.sender.Generation()
	if t.live && gen == t.gen {
		return 0
	}
	t.live, t.gen = true, gen
	sent := 0
	for _, r := range t.order {
		r.confirmed = false
		if t.send(r.JoinEvent, r.joinPayload(), r.Name) {
			sent++
		}
	}
	if len(t.order) > 0 {
		t.logger.Info().Int("rooms", len(t.order)).Int("sent", sent).Msg("rooms replayed")
	}
	return sent
}

// replayed reports whether rooms were replayed on the live connection.
// Callers hold t.mu.
func (t *Tracker) replayed() bool {
	return t.live && t.sender.Connected() && t.sender.Generation() == t.gen
}

// suspend resets confirmations. Liveness follows the connection generation,
// so a late disconnect signal cannot clear it for a newer connection.
func (t *Tracker) suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.order {
		r.confirmed = false
	}
}

// Confirm marks a tracked room as acknowledged by the server.
func (t *Tracker) Confirm(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.index[name]; ok {
		r.confirmed = true
		t.logger.Debug().Str("room", name).Msg("room confirmed")
	}
}

// Confirmed reports whether the server acknowledged the room on the
// current connection.
func (t *Tracker) Confirmed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.index[name]
	return ok && r.confirmed
}

// Tracked reports whether name is tracked.
func (t *Tracker) Tracked(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[name]
	return ok
}

// Rooms returns tracked room names in insertion order.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Map(t.order, func(r *Room, _ int) string { return r.Name })
}

func (t *Tracker) send(event string, payload types.Payload, room string) bool {
	ok := t.sender.Send(event, payload, nil)
	if !ok {
		t.logger.Warn().Str("room", room).Str("event", event).Msg("room event not sent")
	}
	return ok
}
