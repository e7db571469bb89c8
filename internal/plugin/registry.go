package plugin

import (
	"cmp"
	"slices"
	"sync"

	"warden/internal/domain"
)

// Registry indexes loaded plugins by id, type and declared capability. It
// holds only identity and status snapshots, never an instance handle, so
// lookups never contend with executing plugins.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]domain.RegistryEntry
	byType map[domain.PluginType]map[string]struct{}
	byCap  map[domain.Capability]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]domain.RegistryEntry),
		byType: make(map[domain.PluginType]map[string]struct{}),
		byCap:  make(map[domain.Capability]map[string]struct{}),
	}
}

// Register adds entry to every index. An id already present is ErrDuplicate.
func (r *Registry) Register(entry domain.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[entry.ID]; exists {
		return domain.NewSubSystemError("registry", "Registry.Register", domain.ErrDuplicate, entry.ID)
	}
	entry.Metadata.Capabilities = slices.Clone(entry.Metadata.Capabilities)
	r.byID[entry.ID] = entry
	addIndex(r.byType, entry.Metadata.Type, entry.ID)
	for _, c := range entry.Metadata.Capabilities {
		addIndex(r.byCap, c, entry.ID)
	}
	return nil
}

// Unregister removes id from every index and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	removeIndex(r.byType, entry.Metadata.Type, id)
	for _, c := range entry.Metadata.Capabilities {
		removeIndex(r.byCap, c, id)
	}
	return true
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (domain.RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	return entry, ok
}

// SetStatus updates the status snapshot for id.
func (r *Registry) SetStatus(id string, status domain.PluginStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[id]
	if !ok {
		return false
	}
	entry.Status = status
	r.byID[id] = entry
	return true
}

// FindByType returns every entry of type t, sorted by id.
func (r *Registry) FindByType(t domain.PluginType) []domain.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byType[t])
}

// FindByCapability returns every entry declaring c, sorted by id.
func (r *Registry) FindByCapability(c domain.Capability) []domain.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCap[c])
}

// All returns every entry, sorted by id.
func (r *Registry) All() []domain.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RegistryEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) collect(ids map[string]struct{}) []domain.RegistryEntry {
	out := make([]domain.RegistryEntry, 0, len(ids))
	for id := range ids {
		out = append(out, r.byID[id])
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []domain.RegistryEntry) {
	slices.SortFunc(entries, func(a, b domain.RegistryEntry) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func addIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
