// Package checkers defines the engine's Checker Registry: the narrow
// three-method contract probes are run through, a build-time registry
// of named checker factories (replacing the original's dynamic module
// loading per SPEC_FULL §4.9A), and a fault-wrapping guard so
// untrusted checker code can never escape a probe as anything but a
// status.
package checkers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arenactf/engine/internal/model"
)

// Checker is the three-method contract every service probe implements.
type Checker interface {
	// Check verifies the service is alive and behaving.
	Check(ctx context.Context) model.Status
	// Put plants flagData (generated from seed) into the service.
	Put(ctx context.Context, flagData, seed string) model.Status
	// Get retrieves flagData from the service and reports whether the
	// read matches what was planted.
	Get(ctx context.Context, flagData, seed string) model.Status
}

// Factory builds one Checker instance for a specific (team, service)
// pair, so stateful checkers (e.g. holding a session/cookie jar per
// team) are possible.
type Factory func(team model.Team, service model.Service) Checker

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named checker factory to the build-time registry.
// Intended to be called from an init() in the package that implements
// a given checker, the conventional way a Go plugin registry is
// assembled without dynamic loading.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup resolves a checker name (the config's per-service "checker"
// field) to its factory.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Guarded wraps a Checker so that any panic, error, or timeout from
// its three methods is converted to model.StatusError rather than
// propagating — checkers are assumed untrusted (spec.md §4.3 / §7).
type Guarded struct {
	Inner   Checker
	Timeout time.Duration
}

func (g Guarded) call(ctx context.Context, fn func(context.Context) model.Status) (status model.Status) {
	status = model.StatusError
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan model.Status, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.StatusError
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case s := <-done:
		return s
	case <-cctx.Done():
		return model.StatusError
	}
}

// Check runs the inner checker's Check, guarded.
func (g Guarded) Check(ctx context.Context) model.Status {
	return g.call(ctx, func(c context.Context) model.Status { return g.Inner.Check(c) })
}

// Put runs the inner checker's Put, guarded.
func (g Guarded) Put(ctx context.Context, flagData, seed string) model.Status {
	return g.call(ctx, func(c context.Context) model.Status { return g.Inner.Put(c, flagData, seed) })
}

// Get runs the inner checker's Get, guarded.
func (g Guarded) Get(ctx context.Context, flagData, seed string) model.Status {
	return g.call(ctx, func(c context.Context) model.Status { return g.Inner.Get(c, flagData, seed) })
}

// Registry instantiates and caches one Guarded checker per (team,
// service) pair, so stateful checkers keep their state across rounds
// for the lifetime of the engine process.
type Registry struct {
	timeout time.Duration

	mu       sync.Mutex
	instances map[string]Guarded
}

// NewRegistry creates a Registry that bounds every checker call to timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout, instances: map[string]Guarded{}}
}

// For returns the Guarded checker instance for (team, service),
// creating it on first use via the factory registered for
// service.Checker.
func (r *Registry) For(team model.Team, service model.Service) (Guarded, error) {
	key := fmt.Sprintf("%d:%d", team.ID, service.ID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.instances[key]; ok {
		return g, nil
	}

	factory, ok := Lookup(service.Checker)
	if !ok {
		return Guarded{}, fmt.Errorf("no checker registered for %q", service.Checker)
	}
	g := Guarded{Inner: factory(team, service), Timeout: r.timeout}
	r.instances[key] = g
	return g, nil
}
