package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentfleet/fleetd/internal/store"
)

// Outcome is what a handler reports about one run.
type Outcome struct {
	Success bool
	Message string
	// Duration overrides the measured wall time when set.
	Duration time.Duration
}

// Context is handed to every handler. App is whatever the daemon registered
// with Options.App; handlers assert the narrow interface they need.
type Context interface {
	DB() store.Store
	App() any
}

type jobContext struct {
	db  store.Store
	app any
}

func (c jobContext) DB() store.Store { return c.db }
func (c jobContext) App() any        { return c.app }

// Handler runs one job execution.
type Handler func(ctx context.Context, jc Context) (Outcome, error)

// Definition is a job known at build time.
type Definition struct {
	Name        string
	Description string
	Handler     Handler
}

// Builder collects job definitions before the scheduler starts. The set of
// known jobs is fixed once Build returns.
type Builder struct {
	defs map[string]Definition
	errs []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{defs: make(map[string]Definition)} }

// Register adds a job. Duplicate or empty names are reported by Build.
func (b *Builder) Register(name, description string, h Handler) *Builder {
	switch {
	case name == "":
		b.errs = append(b.errs, "empty job name")
	case h == nil:
		b.errs = append(b.errs, fmt.Sprintf("job %s: nil handler", name))
	case b.defs[name].Handler != nil:
		b.errs = append(b.errs, fmt.Sprintf("job %s registered twice", name))
	default:
		b.defs[name] = Definition{Name: name, Description: description, Handler: h}
	}
	return b
}

// Build returns the catalog, or the first registration error.
func (b *Builder) Build() (*Catalog, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("job catalog: %v", b.errs)
	}
	c := &Catalog{defs: make(map[string]Definition, len(b.defs))}
	for k, v := range b.defs {
		c.defs[k] = v
	}
	return c, nil
}

// Catalog is the immutable set of known jobs.
type Catalog struct {
	defs map[string]Definition
}

func (c *Catalog) Lookup(name string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	d, ok := c.defs[name]
	return d, ok
}

// Names returns the known job names sorted.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.defs))
	for k := range c.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
