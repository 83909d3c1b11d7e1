// Package router activates features from a declarative table and routes raw
// inbound events through deduplication to feature subscriptions and
// namespaced notifications.
package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrUnknownFeature is returned for names missing from the table.
var ErrUnknownFeature = errors.New("unknown feature")

// Transport registers raw event handlers.
type Transport interface {
	On(event string, h types.Handler) types.HandlerID
	Off(event string, id types.HandlerID) bool
}

// Deduper decides whether an identity has been seen in a namespace.
type Deduper interface {
	ShouldProcess(namespace, key string) bool
}

// General is the owner of subscriptions that are not tied to a feature.
// They stay registered regardless of which features are active.
const General = ""

// SubscriptionID identifies a subscription for Off.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	feature string
	event   string
	handler types.Handler
	removed atomic.Bool
}

type binding struct {
	id   types.HandlerID
	refs int
}

type passed struct {
	feature *Feature
	route   *Route
	payload types.Payload
}

// Router owns feature activation state and subscription fan-out.
type Router struct {
	table     *Table
	transport Transport
	dedup     Deduper
	logger    zerolog.Logger

	mu       sync.Mutex
	active   []string
	bindings map[string]*binding
	subs     []*subscription
	nextID   SubscriptionID
}

// New creates a router over table. Raw handlers are registered on transport
// only while some active feature routes the event.
func New(table *Table, transport Transport, dedup Deduper, logger zerolog.Logger) *Router {
	return &Router{
		table:     table,
		transport: transport,
		dedup:     dedup,
		logger:    logger.With().Str("component", "router").Logger(),
		bindings:  make(map[string]*binding),
	}
}

// Table returns the routing table.
func (r *Router) Table() *Table { return r.table }

// Activate turns a feature on and binds its raw events. Activating an
// active feature is a no-op.
func (r *Router) Activate(name string) error {
	f, ok := r.table.Feature(name)
	if !ok {
		return fmt.Errorf("activate %q: %w", name, ErrUnknownFeature)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lo.Contains(r.active, name) {
		r.logger.Info().Str("feature", name).Msg("feature already active")
		return nil
	}
	r.active = append(r.active, name)
	for _, event := range f.RawEvents() {
		b, ok := r.bindings[event]
		if !ok {
			b = &binding{id: r.transport.On(event, func(evt types.Event) error {
				r.Dispatch(evt)
				return nil
			})}
			r.bindings[event] = b
		}
		b.refs++
	}
	r.logger.Info().Str("feature", name).Int("events", len(f.RawEvents())).Msg("feature activated")
	return nil
}

// Deactivate turns a feature off, dropping its subscriptions and unbinding
// raw events no other active feature uses.
func (r *Router) Deactivate(name string) error {
	f, ok := r.table.Feature(name)
	if !ok {
		return fmt.Errorf("deactivate %q: %w", name, ErrUnknownFeature)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !lo.Contains(r.active, name) {
		return nil
	}
	r.active = lo.Without(r.active, name)
	for _, event := range f.RawEvents() {
		b := r.bindings[event]
		if b == nil {
			continue
		}
		b.refs--
		if b.refs <= 0 {
			r.transport.Off(event, b.id)
			delete(r.bindings, event)
		}
	}
	r.subs = lo.Filter(r.subs, func(s *subscription, _ int) bool {
		if s.feature == name {
			s.removed.Store(true)
			return false
		}
		return true
	})
	r.logger.Info().Str("feature", name).Msg("feature deactivated")
	return nil
}

// Active reports whether a feature is active.
func (r *Router) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Contains(r.active, name)
}

// ActiveFeatures returns active features in activation order.
func (r *Router) ActiveFeatures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.active...)
}

// Bound reports whether a transport handler is registered for a raw event.
func (r *Router) Bound(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[event]
	return ok
}

// On subscribes handler to a raw event or notification on behalf of
// feature. Feature subscriptions run only while the feature is active and
// are dropped when it is deactivated; General subscriptions always run.
func (r *Router) On(feature, event string, handler types.Handler) (SubscriptionID, error) {
	if feature != General {
		if _, ok := r.table.Feature(feature); !ok {
			return 0, fmt.Errorf("subscribe %q: %w", feature, ErrUnknownFeature)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs = append(r.subs, &subscription{id: r.nextID, feature: feature, event: event, handler: handler})
	return r.nextID, nil
}

// Off removes a subscription.
func (r *Router) Off(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			s.removed.Store(true)
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch routes one raw inbound event. For every active feature routing
// it, the identity is checked against that feature's namespace; features
// that pass have their subscriptions invoked in registration order and
// then the route notification is published with the normalized payload.
// General subscriptions to the raw event run once if any feature passed.
func (r *Router) Dispatch(evt types.Event) {
	r.mu.Lock()
	active := append([]string(nil), r.active...)
	r.mu.Unlock()

	var ok []passed
	for _, name := range active {
		f, found := r.table.Feature(name)
		if !found {
			continue
		}
		route, routed := f.route(evt.Name)
		if !routed {
			continue
		}
		payload, key, hasKey := route.Normalize(evt.Name, evt.Payload)
		log := r.logger.With().Str("event", evt.Name).Str("feature", f.Name).Logger()
		switch {
		case hasKey:
			if !r.dedup.ShouldProcess(f.namespace(), key) {
				log.Debug().Str("namespace", f.namespace()).Str("key", key).Msg("duplicate suppressed")
				continue
			}
		case route.RequireIdentity:
			log.Warn().Msg("event without identity dropped")
			continue
		}
		ok = append(ok, passed{feature: f, route: route, payload: payload})
	}
	if len(ok) == 0 {
		return
	}

	byFeature := lo.SliceToMap(ok, func(p passed) (string, passed) { return p.feature.Name, p })
	for _, s := range r.snapshot(evt.Name) {
		p, match := byFeature[s.feature]
		if s.feature == General {
			p, match = ok[0], true
		}
		if !match {
			continue
		}
		r.invoke(s, types.Event{Name: evt.Name, Payload: p.payload, ConnID: evt.ConnID, Feature: s.feature})
	}

	published := make(map[string]bool)
	for _, p := range ok {
		if published[p.route.Notification] {
			continue
		}
		published[p.route.Notification] = true
		r.publish(p.route.Notification, p.payload, evt.ConnID, p.feature.Name)
	}
}

// Publish delivers a notification to subscribers of name whose feature is
// active, and to General subscribers.
func (r *Router) Publish(name string, payload types.Payload) {
	r.publish(name, payload, "", "")
}

func (r *Router) publish(name string, payload types.Payload, connID, feature string) {
	subs := r.snapshot(name)
	if len(subs) == 0 {
		return
	}
	r.logger.Debug().Str("event", name).Int("subscribers", len(subs)).Msg("notification published")
	for _, s := range subs {
		if s.feature != General && !r.Active(s.feature) {
			continue
		}
		r.invoke(s, types.Event{Name: name, Payload: payload, ConnID: connID, Feature: feature})
	}
}

// Resume publishes <feature>:resumed for every active feature.
func (r *Router) Resume(attempt int) {
	for _, name := range r.ActiveFeatures() {
		r.Publish(name+":resumed", types.Payload{"feature": name, "attempt": attempt})
	}
}

func (r *Router) snapshot(event string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Filter(r.subs, func(s *subscription, _ int) bool { return s.event == event })
}

func (r *Router) invoke(s *subscription, evt types.Event) {
	if s.removed.Load() {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("event", evt.Name).Str("feature", s.feature).Interface("panic", rec).Msg("handler panic")
		}
	}()
	if err := s.handler(evt); err != nil {
		r.logger.Error().Err(err).Str("event", evt.Name).Str("feature", s.feature).Msg("handler error")
	}
}
