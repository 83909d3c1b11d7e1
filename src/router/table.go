package router

import (
	"fmt"
	"strings"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/samber/lo"
)

// Route maps a family of raw wire events to one notification.
type Route struct {
	Events       []string `yaml:"events"`
	Notification string   `yaml:"notification"`
	// Identity lists the payload fields forming the dedup key. Each entry
	// may name alternatives separated by "|"; the first is canonical.
	Identity []string `yaml:"identity"`
	// RequireIdentity drops events whose identity cannot be resolved.
	RequireIdentity bool `yaml:"require_identity"`
	// Kind is appended to the identity to separate event kinds that share ids.
	Kind string `yaml:"kind"`
}

// Feature is a named group of routes activated and deactivated as a unit.
type Feature struct {
	Name         string   `yaml:"name"`
	Namespace    string   `yaml:"namespace"`
	Routes       []Route  `yaml:"routes"`
	Capabilities []string `yaml:"capabilities"`
}

// Audience is a named profile of features and session rooms. Room names
// may contain {param} placeholders.
type Audience struct {
	Name     string   `yaml:"name"`
	Features []string `yaml:"features"`
	Rooms    []string `yaml:"rooms"`
}

// Table is the declarative routing table.
type Table struct {
	Features  []Feature  `yaml:"features"`
	Audiences []Audience `yaml:"audiences"`
}

// Validate checks the table for missing names and duplicate features.
func (t *Table) Validate() error {
	seen := make(map[string]bool)
	for i, f := range t.Features {
		if f.Name == "" {
			return fmt.Errorf("feature %d: missing name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("feature %s: duplicate", f.Name)
		}
		seen[f.Name] = true
		for j, r := range f.Routes {
			if len(r.Events) == 0 {
				return fmt.Errorf("feature %s route %d: no events", f.Name, j)
			}
			if r.Notification == "" {
				return fmt.Errorf("feature %s route %d: missing notification", f.Name, j)
			}
		}
	}
	for _, a := range t.Audiences {
		for _, name := range a.Features {
			if !seen[name] {
				return fmt.Errorf("audience %s: %w: %s", a.Name, ErrUnknownFeature, name)
			}
		}
	}
	return nil
}

// Feature returns the named feature.
func (t *Table) Feature(name string) (*Feature, bool) {
	for i := range t.Features {
		if t.Features[i].Name == name {
			return &t.Features[i], true
		}
	}
	return nil, false
}

// Audience returns the named audience profile.
func (t *Table) Audience(name string) (*Audience, bool) {
	for i := range t.Audiences {
		if t.Audiences[i].Name == name {
			return &t.Audiences[i], true
		}
	}
	return nil, false
}

// namespace returns the dedup namespace, defaulting to the feature name.
func (f *Feature) namespace() string {
	if f.Namespace != "" {
		return f.Namespace
	}
	return f.Name
}

// RawEvents returns the distinct raw events the feature listens to.
func (f *Feature) RawEvents() []string {
	var events []string
	for _, r := range f.Routes {
		events = append(events, r.Events...)
	}
	return lo.Uniq(events)
}

// Can reports whether the feature may emit event.
func (f *Feature) Can(event string) bool {
	return lo.Contains(f.Capabilities, event)
}

func (f *Feature) route(event string) (*Route, bool) {
	for i := range f.Routes {
		if lo.Contains(f.Routes[i].Events, event) {
			return &f.Routes[i], true
		}
	}
	return nil, false
}

// Normalize returns a copy of payload carrying event_type and every
// identity field under its canonical name, plus the dedup key. The key is
// scoped to the route's notification so that routes sharing a namespace
// never suppress each other. ok is false when the route has no identity or
// a field is missing.
func (r *Route) Normalize(event string, payload types.Payload) (out types.Payload, key string, ok bool) {
	out = payload.Clone()
	out["event_type"] = event
	if len(r.Identity) == 0 {
		return out, "", false
	}

	parts := make([]string, 0, len(r.Identity)+2)
	parts = append(parts, r.Notification)
	ok = true
	for _, field := range r.Identity {
		names := strings.Split(field, "|")
		value := ""
		for _, name := range names {
			if v := payload.String(name); v != "" {
				value = v
				if _, present := out[names[0]]; !present {
					out[names[0]] = payload[name]
				}
				break
			}
		}
		if value == "" {
			ok = false
			continue
		}
		parts = append(parts, value)
	}
	if !ok {
		return out, "", false
	}
	if r.Kind != "" {
		parts = append(parts, r.Kind)
	}
	return out, strings.Join(parts, ":"), true
}
