package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/engine/internal/eventbus"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/model"
)

type pointsUpdate struct {
	teamID, serviceID int
	kind               model.PointsKind
	delta              int
}

type fakeStore struct {
	mu      sync.Mutex
	updates []pointsUpdate
}

func (f *fakeStore) UpdatePoints(_ context.Context, teamID, serviceID int, kind model.PointsKind, delta int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, pointsUpdate{teamID, serviceID, kind, delta})
	return nil
}

func (f *fakeStore) snapshot() []pointsUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pointsUpdate, len(f.updates))
	copy(out, f.updates)
	return out
}

func TestApply_CheckOK_IncrementsSLA(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs, eventbus.New(8), nil, logging.NewDefault("test"), time.Hour)

	d.apply(context.Background(), model.NewCheckEvent(1, 2, model.StatusOK, time.Now()))

	updates := fs.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, model.PointsSLA, updates[0].kind)
	assert.Equal(t, 1, updates[0].delta)
}

func TestApply_CheckDown_DecrementsSLA(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs, eventbus.New(8), nil, logging.NewDefault("test"), time.Hour)

	d.apply(context.Background(), model.NewCheckEvent(1, 2, model.StatusDown, time.Now()))

	updates := fs.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, -1, updates[0].delta)
}

func TestApply_CheckError_Ignored(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs, eventbus.New(8), nil, logging.NewDefault("test"), time.Hour)

	d.apply(context.Background(), model.NewCheckEvent(1, 2, model.StatusError, time.Now()))

	assert.Empty(t, fs.snapshot())
}

func TestApply_CheckUnknownStatus_Ignored(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs, eventbus.New(8), nil, logging.NewDefault("test"), time.Hour)

	d.apply(context.Background(), model.NewCheckEvent(1, 2, model.Status("WAT"), time.Now()))

	assert.Empty(t, fs.snapshot())
}

func TestApply_Attack_UpdatesAttackerAndVictim(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs, eventbus.New(8), nil, logging.NewDefault("test"), time.Hour)

	d.apply(context.Background(), model.NewAttackEvent(1, 2, 3, time.Now()))

	updates := fs.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, pointsUpdate{1, 3, model.PointsAttack, 1}, updates[0])
	assert.Equal(t, pointsUpdate{2, 3, model.PointsDefend, -1}, updates[1])
}

func TestApply_ZeroTimestamp_SubstitutesNow(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs, eventbus.New(8), nil, logging.NewDefault("test"), time.Hour)

	e := model.NewCheckEvent(1, 2, model.StatusOK, time.Time{})
	d.apply(context.Background(), e)

	assert.Len(t, fs.snapshot(), 1)
}

func TestDrain_AppliesAllQueuedEvents(t *testing.T) {
	fs := &fakeStore{}
	bus := eventbus.New(8)
	d := New(fs, bus, nil, logging.NewDefault("test"), time.Hour)

	bus.Put(model.NewCheckEvent(1, 1, model.StatusOK, time.Now()))
	bus.Put(model.NewCheckEvent(1, 2, model.StatusCorrupt, time.Now()))
	bus.Put(model.NewAttackEvent(1, 2, 3, time.Now()))

	d.drain(context.Background())
	d.wg.Wait()

	assert.Len(t, fs.snapshot(), 4)
}

func TestStartStop_StopsCleanlyWithoutPanicking(t *testing.T) {
	fs := &fakeStore{}
	bus := eventbus.New(8)
	d := New(fs, bus, nil, logging.NewDefault("test"), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)
	bus.Put(model.NewCheckEvent(1, 1, model.StatusOK, time.Now()))
	time.Sleep(20 * time.Millisecond)
	d.Stop()

	assert.NotEmpty(t, fs.snapshot())
}
