package submission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/engine/internal/config"
	"github.com/arenactf/engine/internal/ctferrors"
	"github.com/arenactf/engine/internal/eventbus"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/model"
)

type fakeFlagStore struct {
	mu            sync.Mutex
	teamsByToken  map[string]model.Team
	flagsByData   map[string]model.Flag
	stolen        map[string]bool // token|flagData
}

func newFakeFlagStore() *fakeFlagStore {
	return &fakeFlagStore{
		teamsByToken: map[string]model.Team{},
		flagsByData:  map[string]model.Flag{},
		stolen:       map[string]bool{},
	}
}

func (f *fakeFlagStore) GetTeamByToken(_ context.Context, token string) (*model.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.teamsByToken[token]
	if !ok {
		return nil, ctferrors.NotExistent("no team")
	}
	return &t, nil
}

func (f *fakeFlagStore) GetFlagByData(_ context.Context, data string) (*model.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, ok := f.flagsByData[data]
	if !ok {
		return nil, ctferrors.NotExistent("no flag")
	}
	return &flag, nil
}

func (f *fakeFlagStore) CheckStolenFlag(_ context.Context, teamToken, flagData string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stolen[teamToken+"|"+flagData], nil
}

func (f *fakeFlagStore) PushStolenFlag(_ context.Context, teamToken, flagData string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stolen[teamToken+"|"+flagData] = true
	return nil
}

func (f *fakeFlagStore) PushLostFlag(_ context.Context, _ int, _ string, _ time.Time) error {
	return nil
}

type fakeRounds struct{ n int }

func (f fakeRounds) RoundNum() int { return f.n }

func testMisc() config.Misc {
	return config.Misc{
		StartTime:             0,
		EndTime:                1 << 62,
		RoundTime:              60,
		FlagLifetime:           5,
		FlagHeader:             "flag",
		FlagBodyLen:            8,
		RateLimitSeconds:       1,
		MaxFlagsPerSubmission:  10,
	}
}

func TestSubmitFlags_InvalidToken(t *testing.T) {
	fs := newFakeFlagStore()
	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), testMisc())

	_, err := svc.SubmitFlags(context.Background(), "nope", []string{}, time.Now())
	require.Error(t, err)
	assert.True(t, ctferrors.IsKind(err, ctferrors.KindInvalidToken))
}

func TestSubmitFlags_OutOfTimeWindow(t *testing.T) {
	fs := newFakeFlagStore()
	misc := testMisc()
	misc.StartTime = time.Now().Add(time.Hour).Unix()
	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), misc)

	_, err := svc.SubmitFlags(context.Background(), "tok", []string{}, time.Now())
	require.Error(t, err)
	assert.True(t, ctferrors.IsKind(err, ctferrors.KindOutOfTimeWindow))
}

func TestSubmitFlags_AcceptsValidEnemyFlag(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["attacker-tok"] = model.Team{ID: 1}
	fs.flagsByData["flag{aaaaaaaa}"] = model.Flag{FlagData: "flag{aaaaaaaa}", TeamID: 2, ServiceID: 5, RoundNum: 9}

	bus := eventbus.New(8)
	svc := New(fs, bus, fakeRounds{10}, logging.NewDefault("test"), testMisc())

	summary, err := svc.SubmitFlags(context.Background(), "attacker-tok", []string{"flag{aaaaaaaa}"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumAccepted)

	events := bus.DrainAll()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAttack, events[0].Kind)
	assert.Equal(t, 1, events[0].Attacker)
	assert.Equal(t, 2, events[0].Victim)
}

func TestSubmitFlags_RejectsSyntacticallyInvalid(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}

	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), testMisc())
	summary, err := svc.SubmitFlags(context.Background(), "tok", []string{"not-a-flag"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumInvalid)
}

func TestSubmitFlags_RejectsUnknownFlag(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}

	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), testMisc())
	summary, err := svc.SubmitFlags(context.Background(), "tok", []string{"flag{deadbeef}"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumInvalid)
}

func TestSubmitFlags_RejectsSelfFlag(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}
	fs.flagsByData["flag{aaaaaaaa}"] = model.Flag{FlagData: "flag{aaaaaaaa}", TeamID: 1, ServiceID: 5, RoundNum: 9}

	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), testMisc())
	summary, err := svc.SubmitFlags(context.Background(), "tok", []string{"flag{aaaaaaaa}"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumSelfFlags)
}

func TestSubmitFlags_RejectsOldFlag(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}
	fs.flagsByData["flag{aaaaaaaa}"] = model.Flag{FlagData: "flag{aaaaaaaa}", TeamID: 2, ServiceID: 5, RoundNum: 1}

	misc := testMisc()
	svc := New(fs, eventbus.New(8), fakeRounds{100}, logging.NewDefault("test"), misc)
	summary, err := svc.SubmitFlags(context.Background(), "tok", []string{"flag{aaaaaaaa}"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumOld)
}

func TestSubmitFlags_RejectsAlreadySubmitted(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}
	fs.flagsByData["flag{aaaaaaaa}"] = model.Flag{FlagData: "flag{aaaaaaaa}", TeamID: 2, ServiceID: 5, RoundNum: 9}
	fs.stolen["tok|flag{aaaaaaaa}"] = true

	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), testMisc())
	summary, err := svc.SubmitFlags(context.Background(), "tok", []string{"flag{aaaaaaaa}"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumAlreadySubmitted)
}

func TestSubmitFlags_TruncatesExcessFlags(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}

	misc := testMisc()
	misc.MaxFlagsPerSubmission = 2
	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), misc)

	flags := []string{"a", "b", "c", "d"}
	summary, err := svc.SubmitFlags(context.Background(), "tok", flags, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.NumDiscarded)
}

func TestSubmitFlags_SecondCallWithinWindow_RateLimited(t *testing.T) {
	fs := newFakeFlagStore()
	fs.teamsByToken["tok"] = model.Team{ID: 1}

	misc := testMisc()
	misc.RateLimitSeconds = 3600
	svc := New(fs, eventbus.New(8), fakeRounds{10}, logging.NewDefault("test"), misc)

	_, err := svc.SubmitFlags(context.Background(), "tok", []string{}, time.Now())
	require.NoError(t, err)

	_, err = svc.SubmitFlags(context.Background(), "tok", []string{}, time.Now())
	require.Error(t, err)
	assert.True(t, ctferrors.IsKind(err, ctferrors.KindRateLimitExceeded))
}
