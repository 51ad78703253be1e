package checkers

import (
	"context"
	"sync"

	"github.com/arenactf/engine/internal/model"
)

// EchoChecker is an in-memory reference checker whose Check always
// reports OK and which round-trips flags through a local map, adapted from the
// original's trivial example_checker_0 stub (which always returned
// OK). Useful for exercising the scheduler/dispatcher without a real
// network service behind it.
type EchoChecker struct {
	mu    sync.Mutex
	store map[string]string
}

// NewEchoChecker is the factory registered as the "echo" checker.
func NewEchoChecker(_ model.Team, _ model.Service) Checker {
	return &EchoChecker{store: map[string]string{}}
}

func init() {
	Register("echo", NewEchoChecker)
}

// Check always reports the service healthy.
func (c *EchoChecker) Check(_ context.Context) model.Status {
	return model.StatusOK
}

// Put records flagData under seed.
func (c *EchoChecker) Put(_ context.Context, flagData, seed string) model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[seed] = flagData
	return model.StatusOK
}

// Get reports whether the flag planted under seed is still readable.
func (c *EchoChecker) Get(_ context.Context, flagData, seed string) model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.store[seed]
	if !ok {
		return model.StatusCorrupt
	}
	if got != flagData {
		return model.StatusMumble
	}
	return model.StatusOK
}
