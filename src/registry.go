package ember

import (
	"sort"
	"sync"
)

// Registry maps canonical names to config-schema factories for one
// category (optimizer, criterion, scheduler). Names are unique within a
// category; duplicate registration is rejected and lookup of an unknown
// name is a hard failure.
type Registry[F any] struct {
	category string
	mu       sync.RWMutex
	entries  map[string]F
}

// NewRegistry creates an empty registry for the named category.
func NewRegistry[F any](category string) *Registry[F] {
	return &Registry[F]{
		category: category,
		entries:  make(map[string]F),
	}
}

// Register associates name with a factory. Registering the same name
// twice is an error.
func (r *Registry[F]) Register(name string, factory F) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return errorf("%s %q already registered", r.category, name)
	}
	r.entries[name] = factory
	return nil
}

// Resolve returns the factory registered under name, or an
// UnknownKeyError. Nothing is constructed on failure.
func (r *Registry[F]) Resolve(name string) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.entries[name]
	if !ok {
		var zero F
		return zero, &UnknownKeyError{Category: r.category, Name: name, Known: r.namesLocked()}
	}
	return factory, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry[F]) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// The default registries. Each schema file registers its variants in an
// init func; adding an implementation means one variant plus one
// Register call, never runtime reflection over arbitrary names.
var (
	Optimizers = NewRegistry[func() OptimizerConfig]("optimizer")
	Criteria   = NewRegistry[func() CriterionConfig]("criterion")
	Schedulers = NewRegistry[func() SchedulerConfig]("scheduler")
)

func mustRegister[F any](r *Registry[F], name string, factory F) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}
