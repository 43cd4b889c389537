package endpoints

import (
	"fmt"
	"sync"

	"github.com/embra/widgetbridge/internal/config"
	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/types"
)

// Endpoint is a trusted (widget, origin) pair
type Endpoint struct {
	WidgetID  string `json:"widget_id" yaml:"widget_id"`
	OriginURL string `json:"origin_url" yaml:"origin_url"`
}

// NewEndpoint constructs an endpoint, failing fast when either field is empty
func NewEndpoint(widgetID, originURL string) (Endpoint, error) {
	if widgetID == "" {
		return Endpoint{}, types.NewError(types.ErrCodeInvalidArgument, "widget ID cannot be empty")
	}
	if originURL == "" {
		return Endpoint{}, types.NewError(types.ErrCodeInvalidArgument, "origin URL cannot be empty")
	}
	return Endpoint{WidgetID: widgetID, OriginURL: originURL}, nil
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return fmt.Sprintf("Endpoint{WidgetID: %s, OriginURL: %s}", e.WidgetID, e.OriginURL)
}

// Registry is an ordered collection of trusted endpoints. It keeps the entry
// slice for ordering and remove-all semantics, plus an origin count index so
// trust lookups are O(1).
type Registry struct {
	mu      sync.RWMutex
	entries []Endpoint
	origins map[string]int // origin -> number of entries with that origin
	logger  *logger.Logger
}

// New creates a registry seeded with the given endpoints. Seeding inserts
// directly, so it is how a registry ever becomes non-empty (see Add).
func New(seed []Endpoint, log *logger.Logger) (*Registry, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	r := &Registry{
		entries: make([]Endpoint, 0, len(seed)),
		origins: make(map[string]int),
		logger:  log.With("component", "endpoint_registry"),
	}

	for _, ep := range seed {
		validated, err := NewEndpoint(ep.WidgetID, ep.OriginURL)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid seed endpoint %s", ep), err)
		}
		r.insert(validated)
	}

	r.logger.Info("Endpoint registry initialized", "seed_count", len(r.entries))
	return r, nil
}

// NewFromConfig creates a registry seeded from configuration entries
func NewFromConfig(cfgs []config.EndpointConfig, log *logger.Logger) (*Registry, error) {
	seed := make([]Endpoint, len(cfgs))
	for i, c := range cfgs {
		seed[i] = Endpoint{WidgetID: c.WidgetID, OriginURL: c.OriginURL}
	}
	return New(seed, log)
}

// insert appends an entry and updates the origin index. Caller holds the lock
// or has exclusive access.
func (r *Registry) insert(ep Endpoint) {
	r.entries = append(r.entries, ep)
	r.origins[ep.OriginURL]++
}

// Add registers a trusted endpoint. Construction fails when either argument
// is empty. When the registry is currently empty the call is a silent no-op:
// entries only ever accumulate on a seeded registry. Long-standing observed
// behavior, preserved deliberately rather than "fixed". Duplicate pairs are
// also a no-op.
func (r *Registry) Add(widgetID, originURL string) error {
	ep, err := NewEndpoint(widgetID, originURL)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil
	}

	for _, existing := range r.entries {
		if existing == ep {
			return nil
		}
	}

	r.insert(ep)

	r.logger.Debug("Endpoint added",
		"widget_id", ep.WidgetID,
		"origin_url", ep.OriginURL,
		"size", len(r.entries))
	return nil
}

// Remove deletes all entries matching both fields exactly and reports
// whether the registry shrank
func (r *Registry) Remove(widgetID, originURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.entries)
	kept := r.entries[:0]
	for _, ep := range r.entries {
		if ep.WidgetID == widgetID && ep.OriginURL == originURL {
			r.origins[ep.OriginURL]--
			if r.origins[ep.OriginURL] <= 0 {
				delete(r.origins, ep.OriginURL)
			}
			continue
		}
		kept = append(kept, ep)
	}
	r.entries = kept

	removed := len(r.entries) < before
	if removed {
		r.logger.Debug("Endpoint removed",
			"widget_id", widgetID,
			"origin_url", originURL,
			"size", len(r.entries))
	}
	return removed
}

// IsTrusted reports whether any entry's origin matches exactly. No wildcard
// or subdomain matching.
func (r *Registry) IsTrusted(origin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origins[origin] > 0
}

// Len returns the number of registered endpoints
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns a copy of the registered endpoints in insertion order
func (r *Registry) Entries() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, len(r.entries))
	copy(out, r.entries)
	return out
}

// String returns a string representation of the registry
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry{Entries: %d, Origins: %d}", len(r.entries), len(r.origins))
}
