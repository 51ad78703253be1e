package checkers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/engine/internal/model"
)

func TestEchoChecker_PutThenGet(t *testing.T) {
	c := NewEchoChecker(model.Team{}, model.Service{})

	assert.Equal(t, model.StatusOK, c.Check(context.Background()))
	assert.Equal(t, model.StatusOK, c.Put(context.Background(), "flag{abc}", "seed-1"))
	assert.Equal(t, model.StatusOK, c.Get(context.Background(), "flag{abc}", "seed-1"))
}

func TestEchoChecker_GetWithoutPut(t *testing.T) {
	c := NewEchoChecker(model.Team{}, model.Service{})
	assert.Equal(t, model.StatusCorrupt, c.Get(context.Background(), "flag{abc}", "never-put"))
}

func TestEchoChecker_GetMismatch(t *testing.T) {
	c := NewEchoChecker(model.Team{}, model.Service{})
	require.Equal(t, model.StatusOK, c.Put(context.Background(), "flag{abc}", "seed-1"))
	assert.Equal(t, model.StatusMumble, c.Get(context.Background(), "flag{xyz}", "seed-1"))
}

type slowChecker struct{ delay time.Duration }

func (s slowChecker) Check(ctx context.Context) model.Status {
	select {
	case <-time.After(s.delay):
		return model.StatusOK
	case <-ctx.Done():
		return model.StatusError
	}
}
func (s slowChecker) Put(ctx context.Context, _, _ string) model.Status  { return s.Check(ctx) }
func (s slowChecker) Get(ctx context.Context, _, _ string) model.Status  { return s.Check(ctx) }

type panickingChecker struct{}

func (panickingChecker) Check(context.Context) model.Status               { panic("boom") }
func (panickingChecker) Put(context.Context, string, string) model.Status { panic("boom") }
func (panickingChecker) Get(context.Context, string, string) model.Status { panic("boom") }

func TestGuarded_TimesOutToError(t *testing.T) {
	g := Guarded{Inner: slowChecker{delay: 50 * time.Millisecond}, Timeout: 5 * time.Millisecond}
	assert.Equal(t, model.StatusError, g.Check(context.Background()))
}

func TestGuarded_WithinTimeoutSucceeds(t *testing.T) {
	g := Guarded{Inner: slowChecker{delay: 1 * time.Millisecond}, Timeout: 50 * time.Millisecond}
	assert.Equal(t, model.StatusOK, g.Check(context.Background()))
}

func TestGuarded_RecoversPanicAsError(t *testing.T) {
	g := Guarded{Inner: panickingChecker{}, Timeout: 50 * time.Millisecond}
	assert.Equal(t, model.StatusError, g.Check(context.Background()))
	assert.Equal(t, model.StatusError, g.Put(context.Background(), "f", "s"))
	assert.Equal(t, model.StatusError, g.Get(context.Background(), "f", "s"))
}

func TestRegistry_ForCachesPerTeamService(t *testing.T) {
	r := NewRegistry(time.Second)
	team := model.Team{ID: 1}
	svc := model.Service{ID: 2, Checker: "echo"}

	g1, err := r.For(team, svc)
	require.NoError(t, err)
	g2, err := r.For(team, svc)
	require.NoError(t, err)

	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, g1.Put(context.Background(), "flag{x}", "seed"))
	assert.Equal(t, model.StatusOK, g2.Get(context.Background(), "flag{x}", "seed"))
}

func TestRegistry_UnknownCheckerErrors(t *testing.T) {
	r := NewRegistry(time.Second)
	_, err := r.For(model.Team{ID: 1}, model.Service{ID: 1, Checker: "does-not-exist"})
	require.Error(t, err)
}
