package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Connection errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrClosed             = errors.New("connection closed")
	ErrConnectTimeout     = errors.New("connect timeout")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrMalformedFrame marks a frame that could not be decoded. The
	// connection stays up and the frame is dropped.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Dialer opens a packet connection to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, params url.Values) (types.Conn, error)
}

// Options configures a Connection.
type Options struct {
	// ID names the endpoint group, e.g. "default" or a dedicated feature key.
	ID       string
	Endpoint string
	// Params are sent as handshake query parameters.
	Params url.Values
	Dialer Dialer

	Reconnect bool
	// ReconnectAttempts bounds consecutive reconnect attempts; 0 means unlimited.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	SendBuffer int
	LoopBuffer int
}

type handlerEntry struct {
	id      types.HandlerID
	handler types.Handler
}

// Connection owns one physical connection for an endpoint group and
// delivers every inbound packet and lifecycle signal on a single event loop.
type Connection struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	state    types.State
	attempts int
	conn     types.Conn
	out      chan types.Packet
	stop     chan struct{}
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	session  bool
	closed   bool
	waiters  []chan struct{}
	handlers map[string][]handlerEntry
	nextID   types.HandlerID
	acks     map[uint64]types.AckFunc
	ackSeq   uint64

	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnected  []func(attempt int)
	onError        []func(err error)

	items     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Connection and starts its event loop. It does not dial.
func New(opts Options, logger zerolog.Logger) *Connection {
	if opts.ID == "" {
		opts.ID = "default"
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.LoopBuffer <= 0 {
		opts.LoopBuffer = 256
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = opts.ReconnectDelay
	}
	c := &Connection{
		opts:     opts,
		logger:   logger.With().Str("component", "transport").Str("conn_id", opts.ID).Logger(),
		handlers: make(map[string][]handlerEntry),
		acks:     make(map[uint64]types.AckFunc),
		items:    make(chan func(), opts.LoopBuffer),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// ID returns the endpoint group identity.
func (c *Connection) ID() string { return c.opts.ID }

// State returns the current lifecycle state.
func (c *Connection) State() types.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the connection is live.
func (c *Connection) Connected() bool { return c.State() == types.StateConnected }

// Generation identifies the current physical connection. It changes on
// every attach, drop and Disconnect.
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Attempts returns the current reconnect attempt counter.
func (c *Connection) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Connect starts the handshake in the background. It is a no-op while
// connecting or connected.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.closed || c.state != types.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = types.StateConnecting
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ctx := c.ctx
	c.mu.Unlock()

	c.logger.Info().Str("endpoint", c.opts.Endpoint).Msg("connecting")
	go c.dialLoop(ctx, false)
}

// Ready blocks until the connection is live or ctx is done. A timeout
// does not stop background reconnection.
func (c *Connection) Ready(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == types.StateConnected {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.closed {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrConnectTimeout, c.opts.ID)
	}
}

// ConnectAndWait calls Connect and waits up to timeout for the connection.
func (c *Connection) ConnectAndWait(ctx context.Context, timeout time.Duration) error {
	c.Connect()
	if timeout <= 0 {
		return c.Ready(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Ready(ctx)
}

// Disconnect tears the connection down and stops reconnection. State is
// StateDisconnected when it returns. Listeners receive disconnected with
// reason "client" on the event loop, after Disconnect has returned.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == types.StateDisconnected && c.cancel == nil {
		c.mu.Unlock()
		return
	}
	cancel, conn, stop := c.cancel, c.conn, c.stop
	c.cancel, c.conn, c.stop, c.out = nil, nil, nil, nil
	c.gen++
	c.state = types.StateDisconnected
	c.session = false
	c.attempts = 0
	c.acks = make(map[uint64]types.AckFunc)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info().Str("reason", types.DisconnectClient).Msg("disconnected")
	c.post(func() { c.fireDisconnected(types.DisconnectClient) })
}

// Close disconnects and stops the event loop. Queued lifecycle
// notifications are delivered before the loop exits.
func (c *Connection) Close() error {
	c.Disconnect()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	c.post(func() { c.closeOnce.Do(func() { close(c.done) }) })
	return nil
}

// Send emits an event. It returns false when the connection is not live
// or the outbound buffer is full; nothing is queued for later.
func (c *Connection) Send(event string, payload types.Payload, ack types.AckFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.StateConnected || c.out == nil {
		c.logger.Warn().Str("event", event).Msg("send while not connected, dropped")
		return false
	}
	p := types.Packet{
		Type:      types.PacketEvent,
		Event:     event,
		Data:      payload,
		Timestamp: time.Now(),
	}
	if ack != nil {
		c.ackSeq++
		p.AckID = c.ackSeq
		c.acks[p.AckID] = ack
	}
	select {
	case c.out <- p:
		return true
	default:
		delete(c.acks, p.AckID)
		c.logger.Warn().Str("event", event).Msg("send buffer full, dropped")
		return false
	}
}

// On registers a handler for a raw inbound event. Registrations outlive
// individual physical connections until removed with Off.
func (c *Connection) On(event string, h types.Handler) types.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextID, handler: h})
	return c.nextID
}

// Off removes a handler registered with On.
func (c *Connection) Off(event string, id types.HandlerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(c.handlers, event)
			} else {
				c.handlers[event] = entries
			}
			return true
		}
	}
	return false
}

// HandlerCount returns the number of raw handlers registered for event.
func (c *Connection) HandlerCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[event])
}

// OnConnected registers a listener for the first successful connect.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnDisconnected registers a listener for disconnects.
func (c *Connection) OnDisconnected(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

// OnReconnected registers a listener for automatic reconnects.
func (c *Connection) OnReconnected(fn func(attempt int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, fn)
}

// OnError registers a listener for connection errors.
func (c *Connection) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// Post runs fn on the event loop.
func (c *Connection) Post(fn func()) { c.post(fn) }

func (c *Connection) post(fn func()) {
	select {
	case c.items <- fn:
	case <-c.done:
	}
}

func (c *Connection) run() {
	for {
		select {
		case fn := <-c.items:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectDelay
	b.MaxInterval = c.opts.ReconnectDelayMax
	b.Reset()
	return b
}

func (c *Connection) dialLoop(ctx context.Context, reconnecting bool) {
	b := c.newBackoff()
	attempt := 0
	for {
		if reconnecting {
			attempt++
			c.mu.Lock()
			c.attempts = attempt
			c.mu.Unlock()
			c.logger.Info().Int("attempt", attempt).Msg("reconnecting")
		}

		conn, err := c.opts.Dialer.Dial(ctx, c.opts.Endpoint, c.opts.Params)
		if err == nil {
			if !c.attach(ctx, conn, attempt) {
				_ = conn.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		dialErr := err
		c.post(func() { c.fireError(dialErr) })

		if !c.opts.Reconnect || (c.opts.ReconnectAttempts > 0 && attempt >= c.opts.ReconnectAttempts) {
			c.giveUp(ctx)
			return
		}
		reconnecting = true

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// giveUp returns to disconnected after the dial budget is spent. A later
// Connect starts a fresh cycle.
func (c *Connection) giveUp(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil || c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel = nil
	c.state = types.StateDisconnected
	c.mu.Unlock()

	if c.opts.Reconnect {
		c.logger.Error().Msg("reconnect attempts exhausted")
		c.post(func() { c.fireError(ErrReconnectExhausted) })
	}
}

func (c *Connection) attach(ctx context.Context, conn types.Conn, attempt int) bool {
	c.mu.Lock()
	if ctx.Err() != nil || c.closed {
		c.mu.Unlock()
		return false
	}
	c.gen++
	gen := c.gen
	out := make(chan types.Packet, c.opts.SendBuffer)
	stop := make(chan struct{})
	c.conn, c.out, c.stop = conn, out, stop
	c.state = types.StateConnected
	c.attempts = 0
	reconnected := c.session
	c.session = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	go c.writePump(conn, out, stop, gen)
	// Lifecycle listeners are queued before the reader starts so that join
	// replay precedes any inbound dispatch on this connection.
	if reconnected {
		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		c.post(func() { c.fireReconnected(attempt) })
	} else {
		c.logger.Info().Msg("connected")
		c.post(c.fireConnected)
	}
	go c.readPump(conn, gen)
	return true
}

func (c *Connection) readPump(conn types.Conn, gen uint64) {
	for {
		p, err := conn.ReadPacket()
		if errors.Is(err, ErrMalformedFrame) {
			c.logger.Warn().Err(err).Msg("malformed frame skipped")
			continue
		}
		if err != nil {
			c.lost(gen, err)
			return
		}
		c.post(func() { c.deliver(p) })
	}
}

func (c *Connection) writePump(conn types.Conn, out <-chan types.Packet, stop <-chan struct{}, gen uint64) {
	for {
		select {
		case p := <-out:
			if err := conn.WritePacket(p); err != nil {
				c.logger.Warn().Err(err).Str("event", p.Event).Msg("write failed")
				c.lost(gen, err)
				return
			}
		case <-stop:
			return
		}
	}
}

// lost handles a physical connection dropping underneath a live session.
func (c *Connection) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != types.StateConnected {
		c.mu.Unlock()
		return
	}
	conn, stop := c.conn, c.stop
	c.conn, c.stop, c.out = nil, nil, nil
	c.gen++
	c.acks = make(map[uint64]types.AckFunc)
	ctx := c.ctx
	if c.opts.Reconnect {
		c.state = types.StateConnecting
	} else {
		c.state = types.StateDisconnected
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.session = false
	}
	c.mu.Unlock()

	close(stop)
	_ = conn.Close()

	c.logger.Warn().Err(err).Str("reason", types.DisconnectTransport).Msg("connection lost")
	c.post(func() { c.fireDisconnected(types.DisconnectTransport) })

	if c.opts.Reconnect {
		go c.dialLoop(ctx, true)
	}
}

func (c *Connection) deliver(p types.Packet) {
	if p.Type == types.PacketAck {
		c.mu.Lock()
		ack, ok := c.acks[p.AckID]
		delete(c.acks, p.AckID)
		c.mu.Unlock()
		if ok {
			c.safeCall(p.Event, func() error { ack(p.Data); return nil })
		}
		return
	}
	c.dispatch(types.Event{Name: p.Event, Payload: p.Data, ConnID: c.opts.ID})
}

func (c *Connection) dispatch(evt types.Event) {
	c.mu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[evt.Name]...)
	c.mu.RUnlock()
	for _, e := range entries {
		h := e.handler
		c.safeCall(evt.Name, func() error { return h(evt) })
	}
}

func (c *Connection) safeCall(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("event", event).Interface("panic", r).Msg("handler panic")
		}
	}()
	if err := fn(); err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("handler error")
	}
}

func (c *Connection) fireConnected() {
	c.mu.RLock()
	listeners := append([]func(){}, c.onConnected...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		f := fn
		c.safeCall(types.EventConnect, func() error { f(); return nil })
	}
	c.dispatch(types.Event{Name: types.EventConnect, Payload: types.Payload{}, ConnID: c.opts.ID})
}

func (c *Connection) fireReconnected(attempt int) {
	c.mu.RLock()
	listeners := append([]func(int){}, c.onReconnected...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		f := fn
		c.safeCall(types.EventReconnect, func() error { f(attempt); return nil })
	}
	c.dispatch(types.Event{Name: types.EventReconnect, Payload: types.Payload{"attempt": attempt}, ConnID: c.opts.ID})
}

func (c *Connection) fireDisconnected(reason string) {
	c.mu.RLock()
	listeners := append([]func(string){}, c.onDisconnected...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		f := fn
		c.safeCall(types.EventDisconnect, func() error { f(reason); return nil })
	}
	c.dispatch(types.Event{Name: types.EventDisconnect, Payload: types.Payload{"reason": reason}, ConnID: c.opts.ID})
}

func (c *Connection) fireError(err error) {
	c.mu.RLock()
	listeners := append([]func(error){}, c.onError...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		f := fn
		c.safeCall(types.EventConnectError, func() error { f(err); return nil })
	}
	c.dispatch(types.Event{Name: types.EventConnectError, Payload: types.Payload{"error": err.Error()}, ConnID: c.opts.ID})
}
