package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/realtime/src/codec"
	"github.com/orchestra-mcp/realtime/src/types"
)

// WSDialer dials websocket endpoints and frames packets with a codec.
type WSDialer struct {
	Dialer       *websocket.Dialer
	Codec        codec.Codec
	WriteTimeout time.Duration
}

// NewWSDialer returns a dialer using the given codec and handshake timeout.
func NewWSDialer(c codec.Codec, handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		Codec:        c,
		WriteTimeout: 10 * time.Second,
	}
}

// Dial connects to endpoint, appending params and the codec name to the
// query string.
func (d *WSDialer) Dial(ctx context.Context, endpoint string, params url.Values) (types.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("codec", d.Codec.Name())
	u.RawQuery = q.Encode()

	ws, _, err := d.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return NewPacketConn(ws, d.Codec, d.WriteTimeout), nil
}

// PacketConn adapts a websocket connection to types.Conn.
type PacketConn struct {
	ws           *websocket.Conn
	codec        codec.Codec
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewPacketConn wraps ws. It is shared by the client dialer and the relay.
func NewPacketConn(ws *websocket.Conn, c codec.Codec, writeTimeout time.Duration) *PacketConn {
	return &PacketConn{ws: ws, codec: c, writeTimeout: writeTimeout}
}

// WritePacket encodes and writes one frame.
func (p *PacketConn) WritePacket(pkt types.Packet) error {
	data, err := p.codec.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", pkt.Event, err)
	}
	mt := websocket.TextMessage
	if p.codec.Binary() {
		mt = websocket.BinaryMessage
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTimeout > 0 {
		_ = p.ws.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.ws.WriteMessage(mt, data)
}

// ReadPacket reads and decodes one frame.
func (p *PacketConn) ReadPacket() (types.Packet, error) {
	var pkt types.Packet
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return pkt, err
	}
	if err := p.codec.Unmarshal(data, &pkt); err != nil {
		return pkt, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return pkt, nil
}

// Close closes the underlying websocket.
func (p *PacketConn) Close() error { return p.ws.Close() }
