package atom

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownRef = errors.New("unknown atom reference")
	ErrNotAtom    = errors.New("does not implement Atom")
	ErrFactory    = errors.New("atom factory failed")
)

// Factory builds a fresh atom. It returns any so that a catalog entry can be
// verified at load time instead of trusted at compile time.
type Factory func() any

// Catalog maps implementation references (e.g. "builtin.Shell") to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: map[string]Factory{}}
}

// Register adds a factory. Registering the same reference twice fails.
func (c *Catalog) Register(ref string, f Factory) error {
	if ref == "" || f == nil {
		return fmt.Errorf("invalid catalog entry %q", ref)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[ref]; exists {
		return fmt.Errorf("atom %q already registered", ref)
	}
	c.factories[ref] = f
	return nil
}

// MustRegister is Register for init-time wiring.
func (c *Catalog) MustRegister(ref string, f Factory) {
	if err := c.Register(ref, f); err != nil {
		panic(err)
	}
}

func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for ref := range c.factories {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// New instantiates ref and checks the result is an Atom. A panicking
// factory is reported as ErrFactory.
func (c *Catalog) New(ref string) (a Atom, err error) {
	c.mu.RLock()
	f, ok := c.factories[ref]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}

	defer func() {
		if r := recover(); r != nil {
			a = nil
			err = fmt.Errorf("%w: %q panicked: %v", ErrFactory, ref, r)
		}
	}()
	v := f()
	if v == nil {
		return nil, fmt.Errorf("%w: %q returned nil", ErrFactory, ref)
	}
	a, ok = v.(Atom)
	if !ok {
		return nil, fmt.Errorf("%q (%T) %w", ref, v, ErrNotAtom)
	}
	return a, nil
}
