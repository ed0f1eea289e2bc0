// Package registry holds the canonical asset records and the two layer
// sequences derived from them.
//
// A Registry is not safe for concurrent use. The surface actor owns it.
package registry

import (
	"math"
	"slices"

	"github.com/imgfloat/server-sub000/internal/domain"
)

// Placement controls where a newly created asset enters its layer sequence.
type Placement int

const (
	// PlacementAppend inserts at the bottom of the stack.
	PlacementAppend Placement = iota
	// PlacementPrepend inserts at the top of the stack.
	PlacementPrepend
	// PlacementKeep leaves the sequence alone; normalization appends the id
	// if it is missing.
	PlacementKeep
)

type Registry struct {
	assets map[string]*domain.Asset
	ids    []string // insertion order, used when normalization appends

	visual []string // front is topmost
	script []string
}

func New() *Registry {
	return &Registry{assets: make(map[string]*domain.Asset)}
}

// Upsert merges p into the stored asset, creating it if needed. created
// reports whether the asset did not exist before.
func (r *Registry) Upsert(p domain.AssetPatch, placement Placement) (asset domain.Asset, created bool) {
	a, ok := r.assets[p.ID]
	if !ok {
		fresh := domain.NewAsset(p.ID)
		a = &fresh
		r.assets[p.ID] = a
		r.ids = append(r.ids, p.ID)
	}
	a.Merge(p)

	if !ok {
		if seq := r.sequenceFor(a.Kind); seq != nil {
			switch placement {
			case PlacementAppend:
				*seq = append(*seq, a.ID)
			case PlacementPrepend:
				*seq = slices.Insert(*seq, 0, a.ID)
			case PlacementKeep:
			}
		}
	}
	return a.Clone(), !ok
}

// Remove deletes the asset from the registry and both sequences. Cascading
// cleanup of derived resources is the caller's job.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.assets[id]; !ok {
		return false
	}
	delete(r.assets, id)
	r.ids = without(r.ids, id)
	r.visual = without(r.visual, id)
	r.script = without(r.script, id)
	return true
}

func (r *Registry) Get(id string) (domain.Asset, bool) {
	a, ok := r.assets[id]
	if !ok {
		return domain.Asset{}, false
	}
	return a.Clone(), true
}

func (r *Registry) Has(id string) bool {
	_, ok := r.assets[id]
	return ok
}

func (r *Registry) Len() int { return len(r.assets) }

// All returns every asset in insertion order.
func (r *Registry) All() []domain.Asset {
	out := make([]domain.Asset, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.assets[id].Clone())
	}
	return out
}

// VisualOrder returns the visual sequence, topmost first.
func (r *Registry) VisualOrder() []string {
	r.visual = r.normalize(r.visual, domain.KindVisual)
	return slices.Clone(r.visual)
}

// ScriptOrder returns the script sequence, topmost first.
func (r *Registry) ScriptOrder() []string {
	r.script = r.normalize(r.script, domain.KindScript)
	return slices.Clone(r.script)
}

// RenderOrder is the visual sequence in draw order: bottom first, topmost last.
func (r *Registry) RenderOrder() []string {
	order := r.VisualOrder()
	slices.Reverse(order)
	return order
}

// MoveToOrder repositions id according to an external numeric order value.
// The id is removed first and the index is computed against the remaining
// length plus one, so an order that counted the asset itself and one that
// did not land on the same slot. It returns false for assets that are in
// neither sequence.
func (r *Registry) MoveToOrder(id string, order float64) bool {
	a, ok := r.assets[id]
	if !ok {
		return false
	}
	seq := r.sequenceFor(a.Kind)
	if seq == nil {
		return false
	}
	*seq = r.normalize(*seq, a.Kind)

	remaining := without(*seq, id)
	idx := min(OrderIndex(len(remaining)+1, order), len(remaining))
	*seq = slices.Insert(remaining, idx, id)
	return true
}

// OrderIndex converts an external order value to a sequence index:
// clamp(length - round(order), 0, length). Higher order values land closer
// to index 0, the top. NaN sorts to the bottom, +Inf to the top.
func OrderIndex(length int, order float64) int {
	if math.IsNaN(order) {
		return length
	}
	rounded := math.Round(order)
	if rounded >= float64(length) {
		return 0
	}
	if rounded <= 0 {
		return length
	}
	return length - int(rounded)
}

func (r *Registry) sequenceFor(k domain.Kind) *[]string {
	switch k {
	case domain.KindVisual:
		return &r.visual
	case domain.KindScript:
		return &r.script
	default:
		return nil
	}
}

// normalize drops ids that are gone or no longer of kind k, then appends ids
// of kind k that are missing.
func (r *Registry) normalize(seq []string, k domain.Kind) []string {
	present := make(map[string]struct{}, len(seq))
	out := seq[:0]
	for _, id := range seq {
		a, ok := r.assets[id]
		if !ok || a.Kind != k {
			continue
		}
		if _, dup := present[id]; dup {
			continue
		}
		present[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range r.ids {
		if _, ok := present[id]; ok {
			continue
		}
		if r.assets[id].Kind == k {
			out = append(out, id)
		}
	}
	return out
}

func without(seq []string, id string) []string {
	return slices.DeleteFunc(seq, func(s string) bool { return s == id })
}
