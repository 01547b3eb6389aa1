package registry

import (
	"fmt"
	"sort"

	"taflow/internal/model"
)

// Router folds derived timeframes onto the base timeframe that is actually
// ingested and resolves the binding of the base series' exchange.
type Router struct {
	reg     *Registry
	baseTF  string
	derived map[string]bool
	order   []string
}

// NewRouter creates a Router. Every derived timeframe must be a whole
// multiple of the base timeframe.
func NewRouter(reg *Registry, baseTF string, derivedTFs []string) (*Router, error) {
	base, err := model.ParseTimeframe(baseTF)
	if err != nil {
		return nil, fmt.Errorf("router base timeframe: %w", err)
	}
	derived := make(map[string]bool, len(derivedTFs))
	secsOf := make(map[string]int64, len(derivedTFs))
	for _, tf := range derivedTFs {
		secs, err := model.ParseTimeframe(tf)
		if err != nil {
			return nil, fmt.Errorf("router derived timeframe: %w", err)
		}
		if secs <= base || secs%base != 0 {
			return nil, fmt.Errorf("router: derived timeframe %s is not a multiple of base %s", tf, baseTF)
		}
		if !derived[tf] {
			secsOf[tf] = secs
		}
		derived[tf] = true
	}
	order := make([]string, 0, len(secsOf))
	for tf := range secsOf {
		order = append(order, tf)
	}
	sort.Slice(order, func(i, j int) bool { return secsOf[order[i]] < secsOf[order[j]] })
	return &Router{reg: reg, baseTF: baseTF, derived: derived, order: order}, nil
}

// BaseTimeframe returns the ingested timeframe.
func (r *Router) BaseTimeframe() string { return r.baseTF }

// DerivedTimeframes returns the distinct derived timeframes, shortest first.
func (r *Router) DerivedTimeframes() []string {
	return append([]string(nil), r.order...)
}

// Expand returns id's base series followed by every series derived from it.
func (r *Router) Expand(id model.SeriesID) []model.SeriesID {
	base := r.BaseSeries(id)
	out := make([]model.SeriesID, 0, len(r.order)+1)
	out = append(out, base)
	for _, tf := range r.order {
		out = append(out, base.WithTimeframe(tf))
	}
	return out
}

// BaseSeries returns the series id used for ingestion. Derived series map
// onto their base timeframe; every other series maps to itself.
func (r *Router) BaseSeries(id model.SeriesID) model.SeriesID {
	if r.derived[id.Timeframe] {
		return id.WithTimeframe(r.baseTF)
	}
	return id
}

// Resolve returns the base series and its ingestion binding.
func (r *Router) Resolve(id model.SeriesID) (model.SeriesID, Binding, error) {
	base := r.BaseSeries(id)
	b, err := r.reg.Lookup(base.Exchange)
	if err != nil {
		return base, Binding{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	return base, b, nil
}
