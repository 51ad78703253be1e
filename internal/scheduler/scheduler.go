// Package scheduler implements the Round Scheduler: the wall-clock
// tick loop that mints flags, fans out checker probes across the
// current round and the recent history window, and feeds observed
// statuses into the event bus. Grounded on the teacher's
// infrastructure/chain.EventListener poll loop (stopCh + running flag
// + ticker), generalized from block polling to round ticking.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/arenactf/engine/internal/checkers"
	"github.com/arenactf/engine/internal/config"
	"github.com/arenactf/engine/internal/ctferrors"
	"github.com/arenactf/engine/internal/ctfmetrics"
	"github.com/arenactf/engine/internal/eventbus"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/model"
	"github.com/arenactf/engine/internal/store"
)

// Scheduler drives the round tick loop.
type Scheduler struct {
	store     *store.Store
	bus       *eventbus.Bus
	registry  *checkers.Registry
	metrics   *ctfmetrics.Metrics
	log       *logging.Logger
	misc      config.Misc
	teams     []model.Team
	services  []model.Service
	maxRounds int

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	roundNum  int
}

// New builds a Scheduler over the given teams and services, reading
// round/flag parameters from misc.
func New(st *store.Store, bus *eventbus.Bus, registry *checkers.Registry, metrics *ctfmetrics.Metrics, log *logging.Logger, misc config.Misc, teams []model.Team, services []model.Service, maxRounds int) *Scheduler {
	return &Scheduler{
		store:     st,
		bus:       bus,
		registry:  registry,
		metrics:   metrics,
		log:       log.WithComponent("scheduler"),
		misc:      misc,
		teams:     teams,
		services:  services,
		maxRounds: maxRounds,
		stopCh:    make(chan struct{}),
	}
}

// RoundNum reports the current round number, read by the Submission
// Service's flag staleness check and by the HTTP facade's getStats.
func (s *Scheduler) RoundNum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundNum
}

// Start validates the startup window (spec.md §4.4 steps 1-3) and
// launches the tick loop in a background goroutine. It returns an
// error immediately if the game window has already ended.
func (s *Scheduler) Start(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ctferrors.InitSchedulerError("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	start := time.Unix(s.misc.StartTime, 0)
	end := time.Unix(s.misc.EndTime, 0)
	roundDur := time.Duration(s.misc.RoundTime) * time.Second

	if !now.Before(end) {
		return ctferrors.InitSchedulerError("game window has already ended")
	}

	var nextTick time.Time
	if !now.Before(start) {
		elapsed := now.Sub(start)
		s.mu.Lock()
		s.roundNum = int(elapsed / roundDur)
		s.mu.Unlock()
		nextTick = start.Add(time.Duration(s.roundNum+1) * roundDur)
	} else {
		nextTick = start
	}

	go s.run(ctx, nextTick, roundDur)
	return nil
}

// Stop requests the tick loop to halt after its current tick; in-flight
// probes are not waited on (spec.md §4.4 stop semantics).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Scheduler) run(ctx context.Context, firstTick time.Time, roundDur time.Duration) {
	wait := time.Until(firstTick)
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		s.mu.Lock()
		done := s.roundNum >= s.maxRounds
		s.mu.Unlock()
		if done {
			return
		}

		s.tick(ctx)

		timer.Reset(roundDur)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.roundNum++
	round := s.roundNum
	s.mu.Unlock()

	tickStart := time.Now()
	s.log.WithField("round", round).Info("round tick")

	for _, team := range s.teams {
		for _, svc := range s.services {
			flag, seed, err := s.mintFlag(ctx, round, team.ID, svc.ID)
			if err != nil {
				s.log.WithField("team", team.ID).WithField("service", svc.ID).WithField("error", err).Error("failed to mint flag")
				continue
			}
			go s.probe(ctx, team, svc, flag.FlagData, seed, round, false)
		}
	}

	for r := round - 1; r > round-1-s.misc.FlagLifetime; r-- {
		if r <= 0 {
			continue
		}
		for _, team := range s.teams {
			for _, svc := range s.services {
				flag, err := s.store.GetFlagForRound(ctx, r, team.ID, svc.ID)
				if err != nil {
					s.log.WithField("round", r).WithField("team", team.ID).WithField("service", svc.ID).Debug("no flag for past round, skipping")
					continue
				}
				go s.probe(ctx, team, svc, flag.FlagData, flag.Seed, r, true)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RoundsTotal.Inc()
		s.metrics.RoundDuration.Observe(time.Since(tickStart).Seconds())
	}
}

// mintFlag generates a unique flag+seed and persists it, retrying on a
// collision (spec.md §4.4 step 2).
func (s *Scheduler) mintFlag(ctx context.Context, round, teamID, serviceID int) (model.Flag, string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		flagData, err := generateFlag(s.misc.FlagHeader, s.misc.FlagBodyLen)
		if err != nil {
			return model.Flag{}, "", err
		}
		seed, err := generateSeed()
		if err != nil {
			return model.Flag{}, "", err
		}

		f := model.Flag{FlagData: flagData, Seed: seed, RoundNum: round, TeamID: teamID, ServiceID: serviceID}
		err = s.store.InsertFlag(ctx, f)
		if err == nil {
			return f, seed, nil
		}
		if ctferrors.IsKind(err, ctferrors.KindAlreadyExistent) {
			continue
		}
		return model.Flag{}, "", err
	}
	return model.Flag{}, "", ctferrors.Internal("exhausted retries minting a unique flag", nil)
}

// probe implements the CHECK -> PUT/GET state machine (spec.md §4.4).
// Any uncaught fault anywhere yields StatusError.
func (s *Scheduler) probe(ctx context.Context, team model.Team, svc model.Service, flagData, seed string, round int, isPrevious bool) {
	defer func() {
		if r := recover(); r != nil {
			s.record(ctx, team.ID, svc.ID, model.StatusError)
		}
	}()

	checker, err := s.registry.For(team, svc)
	if err != nil {
		s.record(ctx, team.ID, svc.ID, model.StatusError)
		return
	}

	roundDur := time.Duration(s.misc.RoundTime) * time.Second
	sleepJitter := func() {
		d, jerr := randDuration(roundDur / 3)
		if jerr != nil {
			return
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}

	checkStart := time.Now()
	status := checker.Check(ctx)
	s.metrics.ObserveProbePhase("check", checkStart)
	if status != model.StatusOK {
		s.record(ctx, team.ID, svc.ID, status)
		return
	}

	if isPrevious {
		sleepJitter()
		getStart := time.Now()
		status = checker.Get(ctx, flagData, seed)
		s.metrics.ObserveProbePhase("get", getStart)
		s.record(ctx, team.ID, svc.ID, status)
		return
	}

	sleepJitter()
	putStart := time.Now()
	status = checker.Put(ctx, flagData, seed)
	s.metrics.ObserveProbePhase("put", putStart)
	if status != model.StatusOK {
		s.record(ctx, team.ID, svc.ID, status)
		return
	}

	sleepJitter()
	getStart := time.Now()
	status = checker.Get(ctx, flagData, seed)
	s.metrics.ObserveProbePhase("get", getStart)
	s.record(ctx, team.ID, svc.ID, status)
}

func (s *Scheduler) record(ctx context.Context, teamID, serviceID int, status model.Status) {
	now := time.Now()
	if err := s.store.PushCheck(ctx, teamID, serviceID, status, now); err != nil {
		s.log.WithField("error", err).Error("failed to append check record")
	}
	s.bus.Put(model.NewCheckEvent(teamID, serviceID, status, now))
	if s.metrics != nil {
		s.metrics.ChecksTotal.WithLabelValues(string(status)).Inc()
	}
}

// generateFlag builds header{<hex>}, spec.md §4.4.
func generateFlag(header string, bodyLen int) (string, error) {
	raw, err := randomHex(bodyLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s{%s}", header, raw), nil
}

// generateSeed builds 32 lower-case hex characters.
func generateSeed() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	nBytes := (n + 1) / 2
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:n], nil
}

func randDuration(max time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64()), nil
}
