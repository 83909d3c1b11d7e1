package pool

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	key    string
	params url.Values
	ready  chan struct{}
	closed bool
}

func (f *fakeEndpoint) Ready(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeEndpoint) Close() error {
	f.closed = true
	return nil
}

func newTestPool(readyNow bool) (*Pool[*fakeEndpoint], *int) {
	builds := 0
	p := New(func(key string, params url.Values) (*fakeEndpoint, error) {
		if key == "broken" {
			return nil, errors.New("bad endpoint")
		}
		builds++
		ep := &fakeEndpoint{key: key, params: params, ready: make(chan struct{})}
		if readyNow {
			close(ep.ready)
		}
		return ep, nil
	}, zerolog.Nop())
	return p, &builds
}

func TestCreateCachesPerKey(t *testing.T) {
	p, builds := newTestPool(true)
	ctx := context.Background()

	a, err := p.Create(ctx, "chat", url.Values{"feature": {"chat"}, "inquiry_id": {"42"}})
	require.NoError(t, err)
	b, err := p.Create(ctx, "chat", nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "42", a.params.Get("inquiry_id"))

	_, err = p.Create(ctx, "counseling", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *builds)
	assert.Equal(t, []string{"chat", "counseling"}, p.Keys())
}

func TestCreateTimeoutKeepsEndpoint(t *testing.T) {
	p, _ := newTestPool(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	ep, err := p.Create(ctx, "chat", nil)
	require.Error(t, err)
	require.NotNil(t, ep)
	cached, ok := p.Get("chat")
	assert.True(t, ok)
	assert.Same(t, ep, cached)
}

func TestFactoryErrorIsNotCached(t *testing.T) {
	p, _ := newTestPool(true)
	_, err := p.Create(context.Background(), "broken", nil)
	require.Error(t, err)
	_, ok := p.Get("broken")
	assert.False(t, ok)
}

func TestCloseAndCloseAll(t *testing.T) {
	p, _ := newTestPool(true)
	ctx := context.Background()
	a, _ := p.Create(ctx, "a", nil)
	b, _ := p.Create(ctx, "b", nil)

	require.NoError(t, p.Close("a"))
	assert.True(t, a.closed)
	require.NoError(t, p.Close("a"))

	require.NoError(t, p.CloseAll())
	assert.True(t, b.closed)
	assert.Empty(t, p.Keys())

	_, err := p.Create(ctx, "c", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
