// Package submission implements the Submission Service: the
// concurrency-disciplined pipeline that validates a team's batched
// flag submissions, rate-limits per team, and emits ATTACK events for
// every accepted flag.
package submission

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arenactf/engine/internal/config"
	"github.com/arenactf/engine/internal/ctferrors"
	"github.com/arenactf/engine/internal/eventbus"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/model"
)

// Summary is the result of one submit_flags call.
type Summary struct {
	NumAccepted         int `json:"num_accepted"`
	NumInvalid          int `json:"num_invalid"`
	NumAlreadySubmitted int `json:"num_already_submitted"`
	NumSelfFlags        int `json:"num_self_flags"`
	NumOld              int `json:"num_old"`
	NumDiscarded        int `json:"num_discarded"`
}

// flagStore is the narrow slice of store.Store the submission service
// needs, satisfied by *store.Store in production and a fake in tests.
type flagStore interface {
	GetTeamByToken(ctx context.Context, token string) (*model.Team, error)
	GetFlagByData(ctx context.Context, data string) (*model.Flag, error)
	CheckStolenFlag(ctx context.Context, teamToken, flagData string) (bool, error)
	PushStolenFlag(ctx context.Context, teamToken, flagData string, ts time.Time) error
	PushLostFlag(ctx context.Context, teamID int, flagData string, ts time.Time) error
}

// roundSource reports the current round number, satisfied by
// *scheduler.Scheduler.
type roundSource interface {
	RoundNum() int
}

// teamSlot is one team's pair of concurrency slots: a rate-limit slot
// (token-bucket-of-size-1, refilling after rate_limit_seconds) and a
// service slot, both with idempotent release (SPEC_FULL §9, "Per-team
// mutex pairs").
type teamSlot struct {
	rateLimiter *rate.Limiter

	mu          sync.Mutex
	serviceHeld bool
}

func newTeamSlot(limit time.Duration) *teamSlot {
	return &teamSlot{rateLimiter: rate.NewLimiter(rate.Every(limit), 1)}
}

// tryRate attempts to acquire the rate-limit slot non-blockingly: a
// single token refilling every rate_limit_seconds models "acquire,
// then auto-release after rate_limit_seconds" directly via the token
// bucket's own refill clock, with no separate release timer needed.
func (t *teamSlot) tryRate(limit time.Duration) bool {
	t.rateLimiter.SetLimit(rate.Every(limit))
	return t.rateLimiter.Allow()
}

// tryService attempts to acquire the service slot non-blockingly.
func (t *teamSlot) tryService() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.serviceHeld {
		return false
	}
	t.serviceHeld = true
	return true
}

// releaseService releases the service slot; idempotent under a late
// manual release racing the reliability timer.
func (t *teamSlot) releaseService() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serviceHeld = false
}

// Service is the Submission Service.
type Service struct {
	store  flagStore
	bus    *eventbus.Bus
	rounds roundSource
	log    *logging.Logger

	misc config.Misc

	rateLimitMu      sync.Mutex
	rateLimitSeconds int

	slotsMu sync.Mutex
	slots   map[string]*teamSlot

	flagRegex *regexp.Regexp
}

// New builds a Submission Service.
func New(st flagStore, bus *eventbus.Bus, rounds roundSource, log *logging.Logger, misc config.Misc) *Service {
	pattern := regexp.QuoteMeta(misc.FlagHeader) + `\{[a-f0-9]{` + strconv.Itoa(misc.FlagBodyLen) + `}\}`
	return &Service{
		store:            st,
		bus:              bus,
		rounds:           rounds,
		log:              log.WithComponent("submission"),
		misc:             misc,
		rateLimitSeconds: misc.RateLimitSeconds,
		slots:            map[string]*teamSlot{},
		flagRegex:        regexp.MustCompile("^" + pattern + "$"),
	}
}

func (s *Service) slotFor(token string) *teamSlot {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	t, ok := s.slots[token]
	if !ok {
		t = newTeamSlot(s.currentRateLimit())
		s.slots[token] = t
	}
	return t
}

func (s *Service) currentRateLimit() time.Duration {
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()
	return time.Duration(s.rateLimitSeconds) * time.Second
}

// doubleRateLimit doubles the global rate_limit_seconds value, guarded
// by rateLimitMu, then schedules a halving after round_time.
func (s *Service) doubleRateLimit() {
	s.rateLimitMu.Lock()
	s.rateLimitSeconds *= 2
	s.rateLimitMu.Unlock()

	time.AfterFunc(time.Duration(s.misc.RoundTime)*time.Second, func() {
		s.rateLimitMu.Lock()
		if s.rateLimitSeconds > 1 {
			s.rateLimitSeconds /= 2
		}
		s.rateLimitMu.Unlock()
	})
}

// SubmitFlags validates and applies a batch of submitted flag values
// on behalf of the team identified by teamToken (spec.md §4.6).
func (s *Service) SubmitFlags(ctx context.Context, teamToken string, flagList []string, now time.Time) (Summary, error) {
	if now.Before(time.Unix(s.misc.StartTime, 0)) || now.After(time.Unix(s.misc.EndTime, 0)) {
		return Summary{}, ctferrors.OutOfTimeWindow()
	}

	team, err := s.store.GetTeamByToken(ctx, teamToken)
	if err != nil {
		if ctferrors.IsKind(err, ctferrors.KindNotExistent) {
			return Summary{}, ctferrors.InvalidToken()
		}
		return Summary{}, err
	}

	slot := s.slotFor(teamToken)

	if !slot.tryRate(s.currentRateLimit()) {
		return Summary{}, ctferrors.RateLimitExceeded()
	}

	if !slot.tryService() {
		s.doubleRateLimit()
		return Summary{}, ctferrors.ServiceBusy()
	}

	reliabilityTimer := time.AfterFunc(2*time.Duration(s.misc.RoundTime)*time.Second, func() {
		slot.releaseService()
	})
	var releaseOnce sync.Once
	defer releaseOnce.Do(func() {
		if reliabilityTimer.Stop() {
			slot.releaseService()
		}
	})

	truncated := flagList
	discarded := 0
	if len(flagList) > s.misc.MaxFlagsPerSubmission {
		discarded = len(flagList) - s.misc.MaxFlagsPerSubmission
		truncated = flagList[:s.misc.MaxFlagsPerSubmission]
	}

	summary := Summary{NumDiscarded: discarded}
	var mu sync.Mutex
	var wg sync.WaitGroup

	round := 0
	if s.rounds != nil {
		round = s.rounds.RoundNum()
	}

	for _, flagData := range truncated {
		flagData := flagData
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := s.validateAndApply(ctx, team, teamToken, flagData, round, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeInvalid:
				summary.NumInvalid++
			case outcomeSelfFlag:
				summary.NumSelfFlags++
			case outcomeOld:
				summary.NumOld++
			case outcomeAlreadySubmitted:
				summary.NumAlreadySubmitted++
			case outcomeAccepted:
				summary.NumAccepted++
			}
		}()
	}
	wg.Wait()

	return summary, nil
}

type outcome int

const (
	outcomeInvalid outcome = iota
	outcomeSelfFlag
	outcomeOld
	outcomeAlreadySubmitted
	outcomeAccepted
)

func (s *Service) validateAndApply(ctx context.Context, team *model.Team, teamToken, flagData string, round int, now time.Time) outcome {
	if !s.flagRegex.MatchString(flagData) {
		return outcomeInvalid
	}

	flag, err := s.store.GetFlagByData(ctx, flagData)
	if err != nil {
		if !ctferrors.IsKind(err, ctferrors.KindNotExistent) {
			s.log.WithField("error", err).Error("failed to look up flag by data")
		}
		return outcomeInvalid
	}

	if flag.TeamID == team.ID {
		return outcomeSelfFlag
	}

	if flag.RoundNum < round-s.misc.FlagLifetime {
		return outcomeOld
	}

	already, err := s.store.CheckStolenFlag(ctx, teamToken, flagData)
	if err != nil {
		s.log.WithField("error", err).Error("failed to check stolen flag")
		return outcomeInvalid
	}
	if already {
		return outcomeAlreadySubmitted
	}

	if err := s.store.PushStolenFlag(ctx, teamToken, flagData, now); err != nil {
		s.log.WithField("error", err).Error("failed to push stolen flag")
		return outcomeInvalid
	}
	if err := s.store.PushLostFlag(ctx, flag.TeamID, flagData, now); err != nil {
		s.log.WithField("error", err).Error("failed to push lost flag")
	}

	s.bus.Put(model.NewAttackEvent(team.ID, flag.TeamID, flag.ServiceID, now))
	return outcomeAccepted
}
