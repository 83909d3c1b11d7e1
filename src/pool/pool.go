// Package pool keeps isolated connections keyed by feature.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrClosed is returned by Create after CloseAll.
var ErrClosed = errors.New("pool closed")

// Endpoint is a pooled connection.
type Endpoint interface {
	Ready(ctx context.Context) error
	Close() error
}

// Factory builds an endpoint for key and starts connecting it. It must not
// block on the handshake.
type Factory[T Endpoint] func(key string, params url.Values) (T, error)

// Pool caches one endpoint per key.
type Pool[T Endpoint] struct {
	factory Factory[T]
	logger  zerolog.Logger

	mu     sync.Mutex
	items  map[string]T
	closed bool
}

// New creates an empty pool.
func New[T Endpoint](factory Factory[T], logger zerolog.Logger) *Pool[T] {
	return &Pool[T]{
		factory: factory,
		logger:  logger.With().Str("component", "pool").Logger(),
		items:   make(map[string]T),
	}
}

// Create returns the endpoint for key, building it with params when absent,
// and waits until it is ready or ctx is done. An endpoint that times out
// stays cached and keeps reconnecting.
func (p *Pool[T]) Create(ctx context.Context, key string, params url.Values) (T, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}
	ep, ok := p.items[key]
	if !ok {
		var err error
		ep, err = p.factory(key, params)
		if err != nil {
			p.mu.Unlock()
			var zero T
			return zero, fmt.Errorf("create %s: %w", key, err)
		}
		p.items[key] = ep
		p.logger.Info().Str("key", key).Msg("dedicated connection created")
	}
	p.mu.Unlock()

	if err := ep.Ready(ctx); err != nil {
		return ep, err
	}
	return ep, nil
}

// Get returns the cached endpoint for key.
func (p *Pool[T]) Get(key string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.items[key]
	return ep, ok
}

// Keys returns the cached keys in sorted order.
func (p *Pool[T]) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := lo.Keys(p.items)
	sort.Strings(keys)
	return keys
}

// Close closes and forgets the endpoint for key.
func (p *Pool[T]) Close(key string) error {
	p.mu.Lock()
	ep, ok := p.items[key]
	delete(p.items, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.logger.Info().Str("key", key).Msg("dedicated connection closed")
	return ep.Close()
}

// CloseAll closes every endpoint and rejects further Create calls.
func (p *Pool[T]) CloseAll() error {
	p.mu.Lock()
	items := p.items
	p.items = make(map[string]T)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for key, ep := range items {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
