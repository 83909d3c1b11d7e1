// Package memtransport provides in-process packet connections for tests and
// embedded relays.
package memtransport

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("memtransport: closed")

// ErrRefused is returned by Dial while failures are scheduled.
var ErrRefused = errors.New("memtransport: connection refused")

// Conn is one end of an in-memory packet pipe.
type Conn struct {
	in     chan types.Packet
	peer   *Conn
	closed chan struct{}
	once   sync.Once
}

// Pair returns two connected ends.
func Pair() (*Conn, *Conn) {
	a := &Conn{in: make(chan types.Packet, 64), closed: make(chan struct{})}
	b := &Conn{in: make(chan types.Packet, 64), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// WritePacket delivers p to the peer.
func (c *Conn) WritePacket(p types.Packet) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case c.peer.in <- p:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrClosed
	}
}

// ReadPacket blocks for the next packet from the peer.
func (c *Conn) ReadPacket() (types.Packet, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.closed:
		return types.Packet{}, ErrClosed
	case <-c.peer.closed:
		return types.Packet{}, ErrClosed
	}
}

// Close closes this end; the peer observes ErrClosed.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether this end has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out client ends of new pipes and exposes the server ends.
type Dialer struct {
	mu       sync.Mutex
	fail     int
	dials    int
	params   []url.Values
	accepted chan *Conn

	// OnDial, when set, receives each server end instead of Accepted.
	OnDial func(server *Conn, params url.Values)
}

// NewDialer returns a Dialer with a buffered accept queue.
func NewDialer() *Dialer {
	return &Dialer{accepted: make(chan *Conn, 16)}
}

// Dial creates a new pipe unless failures are scheduled.
func (d *Dialer) Dial(ctx context.Context, _ string, params url.Values) (types.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.params = append(d.params, params)
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, ErrRefused
	}
	hook := d.OnDial
	d.mu.Unlock()

	client, server := Pair()
	if hook != nil {
		hook(server, params)
	} else {
		d.accepted <- server
	}
	return client, nil
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

// Dials returns the number of dial attempts so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Params returns the handshake parameters of every dial attempt.
func (d *Dialer) Params() []url.Values {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]url.Values(nil), d.params...)
}

// Accepted yields server ends of successful dials when OnDial is unset.
func (d *Dialer) Accepted() <-chan *Conn { return d.accepted }
