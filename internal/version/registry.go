package version

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/streamrl/internal/faults"
)

// Registry is an arena of published versions keyed by number. Entries are
// append-only and numbers strictly increase.
type Registry struct {
	versions map[uint64]ModelVersion
	latest   uint64
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[uint64]ModelVersion)}
}

// Check reports whether v could be appended, without appending it.
func (r *Registry) Check(v uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check(v)
}

func (r *Registry) check(v uint64) error {
	switch {
	case v == 0:
		return fmt.Errorf("version 0 is reserved")
	case v == r.latest:
		return &faults.StaleVersionRejected{Reason: faults.ErrDuplicateVersion, Proposed: v, Current: r.latest}
	case v < r.latest:
		return &faults.StaleVersionRejected{Reason: faults.ErrOutOfOrderVersion, Proposed: v, Current: r.latest}
	}
	return nil
}

// Append records mv if its number is above every known number.
func (r *Registry) Append(mv ModelVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(mv.Version); err != nil {
		return err
	}
	r.versions[mv.Version] = mv
	r.latest = mv.Version
	return nil
}

// Get looks up a version by number.
func (r *Registry) Get(v uint64) (ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mv, ok := r.versions[v]
	return mv, ok
}

// Latest returns the highest version, or false when empty.
func (r *Registry) Latest() (ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == 0 {
		return ModelVersion{}, false
	}
	return r.versions[r.latest], true
}

// Len returns the number of recorded versions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions)
}

// All returns every version in ascending order.
func (r *Registry) All() []ModelVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelVersion, 0, len(r.versions))
	for _, mv := range r.versions {
		out = append(out, mv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
