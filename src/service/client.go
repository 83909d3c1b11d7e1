package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/pool"
	"github.com/orchestra-mcp/realtime/src/rooms"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/rs/zerolog"
)

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithDialer replaces the websocket dialer for every session.
func WithDialer(d transport.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithTable replaces the feature table.
func WithTable(t *router.Table) ClientOption {
	return func(c *Client) { c.table = t }
}

// WithParams sets handshake parameters shared by every session.
func WithParams(params url.Values) ClientOption {
	return func(c *Client) { c.params = params }
}

// Client owns the default session and the pool of dedicated sessions.
type Client struct {
	cfg    *config.Config
	table  *router.Table
	dialer transport.Dialer
	params url.Values
	logger zerolog.Logger

	def       *Session
	dedicated *pool.Pool[*Session]
}

// NewClient builds the default session and an empty dedicated pool.
func NewClient(cfg *config.Config, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := &Client{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	if c.table == nil {
		t, err := config.LoadFeatureTable(cfg.FeatureTable)
		if err != nil {
			return nil, err
		}
		c.table = t
	}

	def, err := c.newSession("default", c.params)
	if err != nil {
		return nil, err
	}
	c.def = def
	c.dedicated = pool.New(func(key string, params url.Values) (*Session, error) {
		merged := url.Values{}
		for k, vs := range c.params {
			merged[k] = append([]string(nil), vs...)
		}
		for k, vs := range params {
			merged[k] = append([]string(nil), vs...)
		}
		merged.Set("feature", key)
		s, err := c.newSession(key, merged)
		if err != nil {
			return nil, err
		}
		s.Start()
		return s, nil
	}, logger)
	return c, nil
}

func (c *Client) newSession(key string, params url.Values) (*Session, error) {
	return NewSession(SessionOptions{
		Key:    key,
		Config: c.cfg,
		Table:  c.table,
		Params: params,
		Dialer: c.dialer,
	}, c.logger)
}

// Default returns the shared session.
func (c *Client) Default() *Session { return c.def }

// Table returns the feature table.
func (c *Client) Table() *router.Table { return c.table }

// Connect connects the default session.
func (c *Client) Connect(ctx context.Context) error { return c.def.Connect(ctx) }

// Dedicated returns the isolated session for key, creating and connecting
// it with params when absent. The connect timeout applies only to the wait.
func (c *Client) Dedicated(ctx context.Context, key string, params url.Values) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	s, err := c.dedicated.Create(ctx, key, params)
	if err != nil && s == nil {
		return nil, err
	}
	return s, err
}

// CloseDedicated closes the isolated session for key.
func (c *Client) CloseDedicated(key string) error { return c.dedicated.Close(key) }

// DedicatedKeys lists open dedicated sessions.
func (c *Client) DedicatedKeys() []string { return c.dedicated.Keys() }

// Sessions returns the default session followed by dedicated sessions.
func (c *Client) Sessions() []*Session {
	out := []*Session{c.def}
	for _, key := range c.dedicated.Keys() {
		if s, ok := c.dedicated.Get(key); ok {
			out = append(out, s)
		}
	}
	return out
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// ApplyAudience activates the audience's features on the default session
// and joins its session rooms with {param} placeholders filled from params.
func (c *Client) ApplyAudience(name string, params map[string]string) error {
	a, ok := c.table.Audience(name)
	if !ok {
		return fmt.Errorf("unknown audience %q", name)
	}
	roomNames := make([]string, 0, len(a.Rooms))
	for _, tmpl := range a.Rooms {
		var missing []string
		room := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := params[key]
			if !ok || v == "" {
				missing = append(missing, key)
			}
			return v
		})
		if len(missing) > 0 {
			return fmt.Errorf("audience %s room %s: missing %v", name, tmpl, missing)
		}
		roomNames = append(roomNames, room)
	}

	for _, f := range a.Features {
		if err := c.def.ActivateFeature(f); err != nil {
			return err
		}
	}
	for _, room := range roomNames {
		c.def.JoinRoom(room, rooms.WithContext(name))
	}
	c.logger.Info().Str("audience", name).Strs("rooms", roomNames).Msg("audience applied")
	return nil
}

// Close closes every dedicated session, then the default one.
func (c *Client) Close() error {
	return errors.Join(c.dedicated.CloseAll(), c.def.Close())
}
