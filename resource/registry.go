package resource

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds named synchronizers
type Registry struct {
	syncs *xsync.MapOf[string, *Synchronizer]
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		syncs: xsync.NewMapOf[string, *Synchronizer](),
	}
}

// Add registers s under name. Names are unique.
func (r *Registry) Add(name string, s *Synchronizer) error {
	if _, loaded := r.syncs.LoadOrStore(name, s); loaded {
		return fmt.Errorf("resource %q already registered", name)
	}
	return nil
}

// Get returns the synchronizer registered under name
func (r *Registry) Get(name string) (*Synchronizer, bool) {
	return r.syncs.Load(name)
}

// Remove releases and unregisters the synchronizer under name
func (r *Registry) Remove(name string) bool {
	s, ok := r.syncs.LoadAndDelete(name)
	if ok {
		s.Release()
	}
	return ok
}

// Names returns registered names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, r.syncs.Size())
	r.syncs.Range(func(name string, _ *Synchronizer) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Len returns the number of registered synchronizers
func (r *Registry) Len() int {
	return r.syncs.Size()
}

// StatusCounts returns the number of synchronizers per status name
func (r *Registry) StatusCounts() map[string]int {
	counts := map[string]int{
		Loading.String(): 0,
		Ok.String():      0,
		Error.String():   0,
	}
	r.syncs.Range(func(_ string, s *Synchronizer) bool {
		counts[s.State().Status.String()]++
		return true
	})
	return counts
}

// ReleaseAll releases and unregisters every synchronizer
func (r *Registry) ReleaseAll() {
	for _, name := range r.Names() {
		r.Remove(name)
	}
}
