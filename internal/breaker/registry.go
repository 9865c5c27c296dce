package breaker

import (
	"slices"
	"strings"
	"sync"
)

// Registry hands out named breakers built from a shared template. It replaces
// process-wide breaker singletons; create one per process or per test.
type Registry struct {
	template Config
	opts     []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(template Config, opts ...Option) (*Registry, error) {
	probe := template
	if strings.TrimSpace(probe.Name) == "" {
		probe.Name = "template"
	}
	if err := probe.Validate(); err != nil {
		return nil, err
	}

	return &Registry{
		template: template,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}, nil
}

// Get returns the breaker called name, creating it from the template on
// first use.
func (r *Registry) Get(name string) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b, nil
	}

	cfg := r.template
	cfg.Name = name
	b, err := New(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = b
	return b, nil
}

// Register installs a breaker with its own config, replacing any breaker
// already registered under cfg.Name.
func (r *Registry) Register(cfg Config, opts ...Option) (*Breaker, error) {
	b, err := New(cfg, append(slices.Clone(r.opts), opts...)...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.breakers[cfg.Name] = b
	r.mu.Unlock()
	return b, nil
}

func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	slices.Sort(names)
	return names
}

func (r *Registry) Stats() []Stats {
	names := r.Names()
	stats := make([]Stats, 0, len(names))
	for _, name := range names {
		if b, ok := r.Lookup(name); ok {
			stats = append(stats, b.Stats())
		}
	}
	return stats
}
