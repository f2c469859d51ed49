package api

import (
	"errors"
	"sync"

	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/ring"
)

// ErrSourceOwnedByOther is returned by Registry.GetOrCreate when sourceID
// was first claimed by a different tenant (§9 invariant P9, spec scenario
// S6's sibling test: a cross-tenant source_id collision must be rejected,
// not silently given its own isolated ring).
var ErrSourceOwnedByOther = errors.New("api: source_id owned by another tenant")

// SourceState bundles the long-lived per-(tenant,source) frame ring and
// analyzer that the buffer and analyze endpoints share.
type SourceState struct {
	Ring     *ring.Ring
	Analyzer *analyzer.Analyzer
}

// Registry lazily creates and retains one SourceState per (tenant, source)
// pair for the process lifetime. There is no eviction: a deployment has a
// bounded, known set of cameras, so this map stays bounded too (§4.1 sizes
// the ring itself, not the number of sources).
//
// owners tracks sourceID -> the tenant that first claimed it, independent of
// the tenantID-namespaced sources map: two tenants both naming a source
// "cam-1" must not each get their own silently-isolated ring, they must
// collide, with the later tenant rejected (S6).
type Registry struct {
	mu      sync.Mutex
	sources map[string]*SourceState
	owners  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*SourceState),
		owners:  make(map[string]string),
	}
}

func sourceKey(tenantID, sourceID string) string {
	return tenantID + "/" + sourceID
}

// GetOrCreate returns the existing state for (tenantID, sourceID), building
// one via factory on first use. Returns ErrSourceOwnedByOther, and leaves
// every tenant's state untouched, if sourceID was already claimed by a
// different tenant.
func (reg *Registry) GetOrCreate(tenantID, sourceID string, factory func() *SourceState) (*SourceState, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if owner, claimed := reg.owners[sourceID]; claimed {
		if owner != tenantID {
			return nil, ErrSourceOwnedByOther
		}
	} else {
		reg.owners[sourceID] = tenantID
	}

	key := sourceKey(tenantID, sourceID)
	if st, ok := reg.sources[key]; ok {
		return st, nil
	}
	st := factory()
	reg.sources[key] = st
	return st, nil
}

// Get returns the existing state for (tenantID, sourceID), or nil if no
// frame has ever been buffered for it.
func (reg *Registry) Get(tenantID, sourceID string) *SourceState {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.sources[sourceKey(tenantID, sourceID)]
}

// All returns a snapshot of every currently registered SourceState, for the
// background screening scheduler to drive Tick on.
func (reg *Registry) All() []*SourceState {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*SourceState, 0, len(reg.sources))
	for _, st := range reg.sources {
		out = append(out, st)
	}
	return out
}
