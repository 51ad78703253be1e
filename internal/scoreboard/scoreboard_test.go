package scoreboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/engine/internal/config"
	"github.com/arenactf/engine/internal/model"
)

type fakeTeamStore struct {
	teams    []model.Team
	services []model.Service
	calls    int32
	mu       sync.Mutex
	delay    time.Duration
}

func (f *fakeTeamStore) GetTeams(context.Context) ([]model.Team, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.teams, nil
}

func (f *fakeTeamStore) GetServices(context.Context) ([]model.Service, error) {
	return f.services, nil
}

func testMisc() config.Misc {
	return config.Misc{
		BaseScore:                           100,
		AtkWeight:                           2,
		DefWeight:                           3,
		SlaWeight:                           1,
		ScoreboardCacheUpdateLatencySeconds: 60,
	}
}

func TestGetStats_BuildsSanitizedView(t *testing.T) {
	fs := &fakeTeamStore{
		teams: []model.Team{{
			ID: 1, Name: "team-a", Host: "10.0.0.1", Token: "secret-token",
			Points: []model.PointRecord{{ServiceID: 1, AtkPts: 2, DefPts: -1, SlaPts: 3}},
			Checks: []model.CheckEntry{{ServiceID: 1, Status: model.StatusOK, Timestamp: 100}},
		}},
		services: []model.Service{{ID: 1, Name: "web"}},
	}
	cache := New(fs, nil, testMisc())

	views, err := cache.GetStats(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, "10.0.0.1", v.IPAddr)
	assert.Equal(t, "team-a", v.Name)
	assert.Equal(t, 100+2*2+(-1)*3+3*1, v.OverallScore)
	assert.Equal(t, model.StatusOK, v.ServiceStatus["web"])
	assert.Equal(t, 2, v.Points["web"].AtkPts)
}

func TestGetStats_CachesUntilStale(t *testing.T) {
	fs := &fakeTeamStore{teams: []model.Team{{ID: 1}}, services: nil}
	misc := testMisc()
	misc.ScoreboardCacheUpdateLatencySeconds = 3600
	cache := New(fs, nil, misc)

	_, err := cache.GetStats(context.Background(), false)
	require.NoError(t, err)
	_, err = cache.GetStats(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int32(1), fs.calls)
}

func TestGetStats_ConcurrentRefresh_FailsWithoutWait(t *testing.T) {
	fs := &fakeTeamStore{teams: []model.Team{{ID: 1}}, delay: 30 * time.Millisecond}
	misc := testMisc()
	misc.ScoreboardCacheUpdateLatencySeconds = 0
	cache := New(fs, nil, misc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cache.GetStats(context.Background(), false)
	}()
	time.Sleep(5 * time.Millisecond)

	_, err := cache.GetStats(context.Background(), false)
	require.Error(t, err)

	wg.Wait()
}

func TestServiceStatus_MostRecentPerService(t *testing.T) {
	team := model.Team{
		Checks: []model.CheckEntry{
			{ServiceID: 1, Status: model.StatusDown, Timestamp: 10},
			{ServiceID: 1, Status: model.StatusOK, Timestamp: 20},
		},
	}
	services := []model.Service{{ID: 1, Name: "web"}}
	names := map[int]string{1: "web"}

	status := serviceStatus(team, services, names)
	assert.Equal(t, model.StatusOK, status["web"])
}
