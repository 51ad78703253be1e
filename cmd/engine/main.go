// Package main is the arenactf engine's process entry point: it wires
// configuration, the store, the event bus, the checker registry, and
// every worker together, then serves HTTP until a shutdown signal
// arrives. Grounded on the teacher's cmd/gateway/main.go wiring and
// signal-handling shape.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arenactf/engine/internal/checkers"
	"github.com/arenactf/engine/internal/config"
	"github.com/arenactf/engine/internal/ctfmetrics"
	"github.com/arenactf/engine/internal/dispatcher"
	"github.com/arenactf/engine/internal/eventbus"
	"github.com/arenactf/engine/internal/httpapi"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/model"
	"github.com/arenactf/engine/internal/scheduler"
	"github.com/arenactf/engine/internal/scoreboard"
	"github.com/arenactf/engine/internal/store"
	"github.com/arenactf/engine/internal/submission"
)

func main() {
	configPath := "volume/config.json"
	if v := os.Getenv("CTF_CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: "info", Format: "text"}).WithComponent("engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Store.URI, cfg.Store.DBName)
	if err != nil {
		log.Fatalf("connect store: %v", err)
	}
	defer st.Close(context.Background())

	if err := st.EnsureIndexes(ctx); err != nil {
		log.Fatalf("ensure indexes: %v", err)
	}

	for _, t := range cfg.Teams {
		serviceIDs := make([]int, 0, len(cfg.Services))
		for _, svc := range cfg.Services {
			serviceIDs = append(serviceIDs, svc.ID)
		}
		if err := st.UpsertTeam(ctx, t.ID, t.Host, t.Name, t.Token, serviceIDs); err != nil {
			log.Fatalf("upsert team %d: %v", t.ID, err)
		}
	}
	for _, svc := range cfg.Services {
		if err := st.UpsertService(ctx, model.Service{ID: svc.ID, Name: svc.Name, Port: svc.Port, Checker: svc.Checker}); err != nil {
			log.Fatalf("upsert service %d: %v", svc.ID, err)
		}
	}

	if err := st.ResumePoints(ctx); err != nil {
		log.Fatalf("resume points: %v", err)
	}

	teams, err := st.GetTeams(ctx)
	if err != nil {
		log.Fatalf("load teams: %v", err)
	}
	services, err := st.GetServices(ctx)
	if err != nil {
		log.Fatalf("load services: %v", err)
	}

	metrics := ctfmetrics.New()
	bus := eventbus.New(4096)
	registry := checkers.NewRegistry(time.Duration(cfg.Misc.CheckerTimeoutSeconds) * time.Second)

	sched := scheduler.New(st, bus, registry, metrics, logger, cfg.Misc, teams, services, cfg.MaxRounds())
	if err := sched.Start(ctx, time.Now()); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	disp := dispatcher.New(st, bus, metrics, logger, time.Duration(cfg.Misc.DispatchFrequencySeconds)*time.Second)
	disp.Start(ctx)

	submitSvc := submission.New(st, bus, sched, logger, cfg.Misc)
	scoreCache := scoreboard.New(st, metrics, cfg.Misc)

	addr := ":" + itoaPort(cfg.HTTPPort)
	server := httpapi.NewServer(addr, scoreCache, submitSvc, sched, metrics, logger, cfg.Misc.FlagLifetime)

	go func() {
		logger.WithField("addr", addr).Info("http server starting")
		if err := server.ListenAndServe(); err != nil {
			logger.WithField("error", err).Error("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()
	disp.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("http shutdown error")
	}
}

func itoaPort(p int) string {
	if p == 0 {
		return "8080"
	}
	return itoa(p)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
