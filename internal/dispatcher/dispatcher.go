// Package dispatcher implements the Event Dispatcher: a single
// long-running worker that periodically drains the event bus and
// turns each event into a point-update write against the store.
// Grounded on the same poll-loop shape as internal/scheduler, itself
// adapted from the teacher's infrastructure/chain.EventListener.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arenactf/engine/internal/ctfmetrics"
	"github.com/arenactf/engine/internal/eventbus"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/model"
)

// pointsStore is the narrow slice of store.Store the dispatcher needs,
// satisfied by *store.Store in production and a fake in tests.
type pointsStore interface {
	UpdatePoints(ctx context.Context, teamID, serviceID int, kind model.PointsKind, delta int, ts time.Time) error
}

// Dispatcher drains the event bus on a fixed cadence and applies each
// event as an UpdatePoints call. The cadence is driven by a
// single-entry robfig/cron scheduler on a fixed-interval schedule
// (everySchedule), the same cron-based tick source the teacher's
// housekeeping jobs use instead of a bare time.Ticker.
type Dispatcher struct {
	store pointsStore
	bus   *eventbus.Bus
	log   *logging.Logger
	freq  time.Duration
	cron  *cron.Cron

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	metrics *ctfmetrics.Metrics
}

// New builds a Dispatcher that wakes every freq to drain the bus.
func New(st pointsStore, bus *eventbus.Bus, metrics *ctfmetrics.Metrics, log *logging.Logger, freq time.Duration) *Dispatcher {
	if freq <= 0 {
		freq = time.Second
	}
	return &Dispatcher{
		store:   st,
		bus:     bus,
		metrics: metrics,
		log:     log.WithComponent("dispatcher"),
		freq:    freq,
	}
}

// Start launches the drain loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.cron = cron.New()
	d.cron.Schedule(everySchedule(d.freq), cron.FuncJob(func() {
		d.drain(ctx)
	}))
	d.cron.Start()
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()
}

// everySchedule activates a fixed interval after each activation.
// Unlike cron's "@every" descriptor it keeps intervals shorter than a
// second as they are instead of rounding them up to one second.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Stop halts the drain loop and waits for any in-flight update tasks
// spawned from the last drain to finish (spec.md §4.5, "in-flight
// update tasks run to completion").
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	c := d.cron
	d.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
	d.wg.Wait()
}

// drain pulls every currently queued event and spawns one short task
// per event to apply its point delta (spec.md §4.5).
func (d *Dispatcher) drain(ctx context.Context) {
	batch := d.bus.DrainAll()
	if d.metrics != nil {
		d.metrics.EventQueueDepth.Set(float64(d.bus.Len()))
	}

	for _, e := range batch {
		e := e
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.apply(ctx, e)
		}()
	}
}

func (d *Dispatcher) apply(ctx context.Context, e model.Event) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch e.Kind {
	case model.EventCheck:
		d.applyCheck(ctx, e, ts)
	case model.EventAttack:
		d.applyAttack(ctx, e, ts)
	default:
		d.log.WithField("kind", e.Kind).Warn("unknown event kind, ignored")
	}
}

func (d *Dispatcher) applyCheck(ctx context.Context, e model.Event, ts time.Time) {
	var delta int
	switch e.Status {
	case model.StatusOK:
		delta = 1
	case model.StatusMumble, model.StatusCorrupt, model.StatusDown:
		delta = -1
	case model.StatusError:
		return
	default:
		d.log.WithField("status", e.Status).Warn("unknown check status, ignored")
		return
	}

	if err := d.store.UpdatePoints(ctx, e.Team, e.Service, model.PointsSLA, delta, ts); err != nil {
		d.log.WithField("error", err).Error("failed to apply sla point update")
	}
}

func (d *Dispatcher) applyAttack(ctx context.Context, e model.Event, ts time.Time) {
	if err := d.store.UpdatePoints(ctx, e.Attacker, e.Service, model.PointsAttack, 1, ts); err != nil {
		d.log.WithField("error", err).Error("failed to apply attack point update")
	}
	if err := d.store.UpdatePoints(ctx, e.Victim, e.Service, model.PointsDefend, -1, ts); err != nil {
		d.log.WithField("error", err).Error("failed to apply defense point update")
	}
}
