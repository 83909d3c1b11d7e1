// Package dedup suppresses repeated deliveries of the same event identity.
package dedup

import "sync"

const (
	// DefaultCapacity is the number of identities remembered per namespace.
	DefaultCapacity = 100
	// DefaultEvict is how many of the oldest identities are dropped when a
	// namespace is full.
	DefaultEvict = 20
)

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithCapacity overrides the per-namespace capacity and eviction batch.
// Non-positive values keep the defaults; the batch never exceeds capacity.
func WithCapacity(capacity, evict int) Option {
	return func(d *Deduplicator) {
		if capacity > 0 {
			d.capacity = capacity
		}
		if evict > 0 {
			d.evict = evict
		}
	}
}

type window struct {
	order []string
	seen  map[string]struct{}
}

// Deduplicator keeps a bounded, insertion-ordered set of keys per namespace.
type Deduplicator struct {
	mu         sync.Mutex
	capacity   int
	evict      int
	namespaces map[string]*window
}

// New creates a Deduplicator with capacity 100 and eviction batch 20 unless
// overridden.
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		capacity:   DefaultCapacity,
		evict:      DefaultEvict,
		namespaces: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.evict = min(d.evict, d.capacity)
	return d
}

// ShouldProcess reports whether key is new in namespace and records it.
// It returns true exactly once per key until the key is evicted.
func (d *Deduplicator) ShouldProcess(namespace, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.namespaces[namespace]
	if !ok {
		w = &window{seen: make(map[string]struct{})}
		d.namespaces[namespace] = w
	}
	if _, dup := w.seen[key]; dup {
		return false
	}
	if len(w.order) >= d.capacity {
		for _, old := range w.order[:d.evict] {
			delete(w.seen, old)
		}
		w.order = append(w.order[:0:0], w.order[d.evict:]...)
	}
	w.order = append(w.order, key)
	w.seen[key] = struct{}{}
	return true
}

// Len returns the number of keys currently remembered for namespace.
func (d *Deduplicator) Len(namespace string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.namespaces[namespace]; ok {
		return len(w.order)
	}
	return 0
}

// Reset forgets every namespace.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.namespaces = make(map[string]*window)
}
