// Package registry maps exchanges to upstream ingestion bindings and routes
// series ids, including derived timeframes, onto the binding that feeds them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taflow/internal/model"
)

// ErrUnsupportedExchange is returned when no binding is registered for an exchange.
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// ErrDuplicateBinding is returned when an exchange is registered twice.
var ErrDuplicateBinding = errors.New("binding already registered")

// IngestFunc streams closed candles for series into out until ctx is
// cancelled or the upstream fails. It must be safe to call again after it
// returns; replaying candles that were already delivered is allowed.
type IngestFunc func(ctx context.Context, series model.SeriesID, out chan<- model.Candle) error

// Binding is one upstream source.
type Binding struct {
	SourceName string
	Ingest     IngestFunc
}

// Registry is a constructed, concurrency-safe exchange → binding table.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

func normalize(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}

// Register adds a binding for exchange (case-insensitive).
func (r *Registry) Register(exchange string, b Binding) error {
	key := normalize(exchange)
	if key == "" {
		return fmt.Errorf("register binding: empty exchange name")
	}
	if b.Ingest == nil {
		return fmt.Errorf("register binding %q: nil ingest func", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBinding, key)
	}
	r.bindings[key] = b
	return nil
}

// Replace registers or overwrites the binding for exchange.
func (r *Registry) Replace(exchange string, b Binding) {
	r.mu.Lock()
	r.bindings[normalize(exchange)] = b
	r.mu.Unlock()
}

// Lookup returns the binding for exchange or ErrUnsupportedExchange.
func (r *Registry) Lookup(exchange string) (Binding, error) {
	key := normalize(exchange)
	r.mu.RLock()
	b, ok := r.bindings[key]
	r.mu.RUnlock()
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnsupportedExchange, key)
	}
	return b, nil
}

// Exchanges lists registered exchange names in sorted order.
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
