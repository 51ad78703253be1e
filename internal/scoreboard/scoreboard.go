// Package scoreboard implements the Scoreboard Cache: an in-memory,
// periodically-rebuilt list of sanitized team views, exposed to the
// HTTP facade's getStats endpoint.
package scoreboard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arenactf/engine/internal/config"
	"github.com/arenactf/engine/internal/ctferrors"
	"github.com/arenactf/engine/internal/ctfmetrics"
	"github.com/arenactf/engine/internal/model"
)

// View is a single team's sanitized scoreboard entry: only ip_addr,
// name, points (keyed by service name), last_pts_update,
// overall_score, and service_status are present (spec.md §4.7 /
// testable property 4, anti-leak).
type View struct {
	IPAddr         string                 `json:"ip_addr"`
	Name           string                 `json:"name"`
	Points         map[string]PointView   `json:"points"`
	LastPtsUpdate  int64                  `json:"last_pts_update"`
	OverallScore   int                    `json:"overall_score"`
	ServiceStatus  map[string]model.Status `json:"service_status"`
}

// PointView is one service's scoring line, service_id stripped.
type PointView struct {
	AtkPts int `json:"atk_pts"`
	DefPts int `json:"def_pts"`
	SlaPts int `json:"sla_pts"`
}

// teamStore is the narrow slice of store.Store the scoreboard needs.
type teamStore interface {
	GetTeams(ctx context.Context) ([]model.Team, error)
	GetServices(ctx context.Context) ([]model.Service, error)
}

// Cache is the Scoreboard Cache.
type Cache struct {
	store   teamStore
	metrics *ctfmetrics.Metrics
	misc    config.Misc

	mu         sync.Mutex
	teams      []View
	lastUpdate time.Time
	refreshing bool
	cond       *sync.Cond
}

// New builds an empty Cache. The first GetStats call finds it stale
// and rebuilds synchronously, so no separate warm-up step is needed
// before serving traffic.
func New(st teamStore, metrics *ctfmetrics.Metrics, misc config.Misc) *Cache {
	c := &Cache{store: st, metrics: metrics, misc: misc}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// GetStats returns the current cache, rebuilding it first if the
// cache is stale (spec.md §4.7 refresh policy).
func (c *Cache) GetStats(ctx context.Context, wait bool) ([]View, error) {
	c.mu.Lock()
	stale := time.Since(c.lastUpdate) >= time.Duration(c.misc.ScoreboardCacheUpdateLatencySeconds)*time.Second

	if !stale {
		teams := c.teams
		c.mu.Unlock()
		return teams, nil
	}

	if c.refreshing {
		if !wait {
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.ScoreboardRefresh.WithLabelValues("rejected").Inc()
			}
			return nil, ctferrors.New(ctferrors.KindServiceBusy, "scoreboard refresh already in progress", 409)
		}
		for c.refreshing {
			c.cond.Wait()
		}
		teams := c.teams
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ScoreboardRefresh.WithLabelValues("waited").Inc()
		}
		return teams, nil
	}

	c.refreshing = true
	c.mu.Unlock()

	views, err := c.rebuild(ctx)

	c.mu.Lock()
	c.refreshing = false
	if err == nil {
		c.teams = views
		c.lastUpdate = time.Now()
	}
	c.cond.Broadcast()
	result := c.teams
	c.mu.Unlock()

	if c.metrics != nil {
		outcome := "rebuilt"
		if err != nil {
			outcome = "failed"
		}
		c.metrics.ScoreboardRefresh.WithLabelValues(outcome).Inc()
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Cache) rebuild(ctx context.Context) ([]View, error) {
	teams, err := c.store.GetTeams(ctx)
	if err != nil {
		return nil, err
	}
	services, err := c.store.GetServices(ctx)
	if err != nil {
		return nil, err
	}

	serviceNameByID := make(map[int]string, len(services))
	for _, svc := range services {
		serviceNameByID[svc.ID] = svc.Name
	}

	views := make([]View, 0, len(teams))
	for _, team := range teams {
		views = append(views, buildView(team, services, serviceNameByID, c.misc))
	}
	return views, nil
}

func buildView(team model.Team, services []model.Service, serviceNameByID map[int]string, misc config.Misc) View {
	points := make(map[string]PointView, len(team.Points))
	overall := misc.BaseScore
	for _, p := range team.Points {
		name, ok := serviceNameByID[p.ServiceID]
		if !ok {
			continue
		}
		points[name] = PointView{AtkPts: p.AtkPts, DefPts: p.DefPts, SlaPts: p.SlaPts}
		overall += p.AtkPts*misc.AtkWeight + p.DefPts*misc.DefWeight + p.SlaPts*misc.SlaWeight
	}

	return View{
		IPAddr:        team.Host,
		Name:          team.Name,
		Points:        points,
		LastPtsUpdate: team.LastPtsUpdate,
		OverallScore:  overall,
		ServiceStatus: serviceStatus(team, services, serviceNameByID),
	}
}

// serviceStatus sorts a team's checks by timestamp descending and
// takes the first occurrence per service until every service is
// covered or checks are exhausted (spec.md §4.7).
func serviceStatus(team model.Team, services []model.Service, serviceNameByID map[int]string) map[string]model.Status {
	result := make(map[string]model.Status, len(services))

	checks := make([]model.CheckEntry, len(team.Checks))
	copy(checks, team.Checks)
	sort.Slice(checks, func(i, j int) bool {
		return checks[i].Timestamp > checks[j].Timestamp
	})

	for _, c := range checks {
		if len(result) >= len(services) {
			break
		}
		name, ok := serviceNameByID[c.ServiceID]
		if !ok {
			continue
		}
		if _, seen := result[name]; seen {
			continue
		}
		result[name] = c.Status
	}
	return result
}
