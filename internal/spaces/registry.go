// Package spaces materializes configured spaces into an in-memory model,
// indexes sources for dispatch, and merges runtime entity registrations into
// the configured view.
package spaces

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/haven-home/haven/internal/models"
)

// PropertyRow is one configured source property keyed by its source.
type PropertyRow struct {
	SourceID string
	Property *models.SourceProperty
}

// Registry is the in-memory space/source model. All sources begin
// unreachable; reachability follows the owning adapter's handle state.
type Registry struct {
	mu               sync.RWMutex
	spaces           map[string]*models.Space
	sources          map[string]*models.Source
	routes           map[string]models.SourceRoute
	sourcesByAdapter map[string][]*models.Source
}

// Load constructs the registry from the three persisted sequences. Sources
// referencing an unknown space are dropped with a warning; property rows
// referencing an unknown source likewise.
func Load(spaceRows []*models.Space, sourceRows []*models.Source, propertyRows []PropertyRow) *Registry {
	r := &Registry{
		spaces:           make(map[string]*models.Space, len(spaceRows)),
		sources:          make(map[string]*models.Source, len(sourceRows)),
		routes:           make(map[string]models.SourceRoute, len(sourceRows)),
		sourcesByAdapter: make(map[string][]*models.Source),
	}

	for _, sp := range spaceRows {
		space := *sp
		space.Sources = nil
		r.spaces[space.ID] = &space
	}

	for _, src := range sourceRows {
		space, ok := r.spaces[src.SpaceID]
		if !ok {
			log.Warn().Str("sourceId", src.ID).Str("spaceId", src.SpaceID).Msg("Source references unknown space, skipping")
			continue
		}
		source := *src
		source.Properties = nil
		source.Reachable = false
		r.sources[source.ID] = &source
		r.routes[source.ID] = models.SourceRoute{AdapterID: source.AdapterID, EntityID: source.EntityID}
		r.sourcesByAdapter[source.AdapterID] = append(r.sourcesByAdapter[source.AdapterID], &source)
		space.Sources = append(space.Sources, &source)
	}

	for _, row := range propertyRows {
		source, ok := r.sources[row.SourceID]
		if !ok {
			log.Warn().Str("sourceId", row.SourceID).Msg("Property row references unknown source, skipping")
			continue
		}
		prop := *row.Property
		if prop.CommandHints == nil {
			prop.CommandHints = DomainCommandHints(prop.Property)
		}
		source.Properties = append(source.Properties, &prop)
	}

	return r
}

// SetAdapterReachability flips the reachable flag of every source under the
// adapter.
func (r *Registry) SetAdapterReachability(adapterID string, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, source := range r.sourcesByAdapter[adapterID] {
		source.Reachable = reachable
	}
}

// ApplyEntityRegistrations merges runtime-reported capabilities into every
// configured source of the adapter. The feature merge is additive: configured
// features survive registrations that drop them, so the space view stays
// authoritative for authoring. Adapter command hints override domain defaults
// per key; domain keys not explicitly overridden are preserved.
func (r *Registry) ApplyEntityRegistrations(adapterID string, registrations []models.EntityRegistration) {
	byEntity := make(map[string]models.EntityRegistration, len(registrations))
	for _, reg := range registrations {
		byEntity[reg.EntityID] = reg
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, source := range r.sourcesByAdapter[adapterID] {
		reg, ok := byEntity[source.EntityID]
		if !ok {
			// The child did not register this entity: the source stays
			// dispatchable with configured semantics only.
			continue
		}
		for _, prop := range source.Properties {
			runtime, ok := findProperty(reg.Properties, prop.Property)
			if !ok {
				continue
			}
			prop.Features = unionFeatures(prop.Features, runtime.Features)
			prop.CommandHints = overlayHints(prop.Property, prop.CommandHints, runtime.CommandHints)
		}
	}
}

func findProperty(props []models.PropertyRegistration, property models.Property) (models.PropertyRegistration, bool) {
	for _, p := range props {
		if p.Property == property {
			return p, true
		}
	}
	return models.PropertyRegistration{}, false
}

// unionFeatures merges two feature sets preserving the configured order and
// appending new runtime features sorted for determinism.
func unionFeatures(configured, runtime []string) []string {
	seen := make(map[string]bool, len(configured))
	out := make([]string, 0, len(configured)+len(runtime))
	for _, f := range configured {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	var added []string
	for _, f := range runtime {
		if !seen[f] {
			seen[f] = true
			added = append(added, f)
		}
	}
	sort.Strings(added)
	return append(out, added...)
}

// overlayHints applies adapter-declared hints over the current set: adapter
// wins per key, domain defaults fill gaps.
func overlayHints(property models.Property, current, adapter map[string]models.CommandField) map[string]models.CommandField {
	merged := make(map[string]models.CommandField)
	for k, v := range DomainCommandHints(property) {
		merged[k] = v
	}
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range adapter {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// GetSourcesForProperty returns the sources in a space whose property set
// contains the given property. Used for "affect everything in this space"
// commands.
func (r *Registry) GetSourcesForProperty(spaceID string, property models.Property) []*models.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space, ok := r.spaces[spaceID]
	if !ok {
		return nil
	}
	var out []*models.Source
	for _, source := range space.Sources {
		for _, prop := range source.Properties {
			if prop.Property == property {
				out = append(out, source)
				break
			}
		}
	}
	return out
}

// FindSource reverse-maps an (adapterId, entityId) pair onto its configured
// source, for annotating events with space membership.
func (r *Registry) FindSource(adapterID, entityID string) (sourceID, spaceID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, source := range r.sourcesByAdapter[adapterID] {
		if source.EntityID == entityID {
			return source.ID, source.SpaceID, true
		}
	}
	return "", "", false
}

// GetSourceRoute returns the dispatch route for one source.
func (r *Registry) GetSourceRoute(sourceID string) (models.SourceRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[sourceID]
	return route, ok
}

// Snapshot returns a deep copy of every space for read-only surfaces.
func (r *Registry) Snapshot() []*models.Space {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Space, 0, len(r.spaces))
	for _, space := range r.spaces {
		sp := *space
		sp.Sources = make([]*models.Source, 0, len(space.Sources))
		for _, source := range space.Sources {
			src := *source
			src.Properties = make([]*models.SourceProperty, 0, len(source.Properties))
			for _, prop := range source.Properties {
				p := *prop
				p.Features = append([]string(nil), prop.Features...)
				if prop.CommandHints != nil {
					p.CommandHints = make(map[string]models.CommandField, len(prop.CommandHints))
					for k, v := range prop.CommandHints {
						p.CommandHints[k] = v
					}
				}
				src.Properties = append(src.Properties, &p)
			}
			sp.Sources = append(sp.Sources, &src)
		}
		out = append(out, &sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
