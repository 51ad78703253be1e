// Package config loads and validates the engine's single JSON
// configuration document (volume/config.json), with narrow
// environment-variable overrides for values that commonly differ
// between local, staging, and production deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/arenactf/engine/internal/ctferrors"
)

// TeamConfig describes one competing team.
type TeamConfig struct {
	ID    int    `json:"id"`
	Host  string `json:"host"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// ServiceConfig describes one vulnerable service every team hosts.
type ServiceConfig struct {
	ID      int    `json:"id"`
	Port    int    `json:"port"`
	Name    string `json:"name"`
	Checker string `json:"checker"`
}

// StoreConfig configures the MongoDB connection.
type StoreConfig struct {
	URI    string `json:"uri"`
	DBName string `json:"db_name"`
}

// Misc holds every tunable that isn't a team/service/store identity.
type Misc struct {
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
	RoundTime    int    `json:"round_time"`
	FlagLifetime int    `json:"flag_lifetime"`
	AtkWeight    int    `json:"atk_weight"`
	DefWeight    int    `json:"def_weight"`
	SlaWeight    int    `json:"sla_weight"`
	BaseScore    int    `json:"base_score"`
	FlagHeader   string `json:"flag_header"`
	FlagBodyLen  int    `json:"flag_body_len"`

	RateLimitSeconds                    int `json:"rate_limit_seconds"`
	MaxFlagsPerSubmission               int `json:"max_flags_per_submission"`
	ScoreboardCacheUpdateLatencySeconds int `json:"scoreboard_cache_update_latency"`
	DispatchFrequencySeconds            int `json:"dispatch_frequency"`

	// CheckerTimeoutSeconds bounds every individual checker call
	// (check/put/get); a supplement to the distilled spec (SPEC_FULL
	// §4.9A), since untrusted checker code must never hang a probe.
	CheckerTimeoutSeconds int `json:"checker_timeout_seconds"`
}

// Config is the full volume/config.json document.
type Config struct {
	Teams    []TeamConfig    `json:"teams"`
	Services []ServiceConfig `json:"services"`
	Store    StoreConfig     `json:"store"`
	HTTPPort int             `json:"http_port"`
	Misc     Misc            `json:"misc"`
}

// envOverrides captures the narrow set of environment overrides the
// engine accepts, decoded with envdecode the way the teacher's service
// entry points layer env vars on top of file-based configuration.
type envOverrides struct {
	MongoURI string `env:"CTF_MONGO_URI"`
	HTTPPort int    `env:"CTF_HTTP_PORT"`
}

// Load reads and validates the config document at path, applying any
// environment overrides and a best-effort .env file load first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ctferrors.InitServiceError(fmt.Sprintf("read config: %v", err))
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ctferrors.InitServiceError(fmt.Sprintf("parse config: %v", err))
	}

	var overrides envOverrides
	if err := envdecode.Decode(&overrides); err == nil {
		if overrides.MongoURI != "" {
			cfg.Store.URI = overrides.MongoURI
		}
		if overrides.HTTPPort != 0 {
			cfg.HTTPPort = overrides.HTTPPort
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fail-stops on any configuration inconsistency that would
// otherwise surface as a confusing runtime error later.
func (c *Config) Validate() error {
	if c.Misc.EndTime <= c.Misc.StartTime {
		return ctferrors.InitSchedulerError("end_time must be greater than start_time")
	}
	if c.Misc.RoundTime <= 0 {
		return ctferrors.InitSchedulerError("round_time must be positive")
	}
	if c.Misc.FlagLifetime < 0 {
		return ctferrors.InitSchedulerError("flag_lifetime must not be negative")
	}
	if c.Misc.FlagBodyLen <= 0 {
		return ctferrors.InitSchedulerError("flag_body_len must be positive")
	}
	if c.Misc.RateLimitSeconds <= 0 {
		return ctferrors.InitServiceError("rate_limit_seconds must be positive")
	}
	if c.Misc.MaxFlagsPerSubmission <= 0 {
		return ctferrors.InitServiceError("max_flags_per_submission must be positive")
	}

	seenTeams := make(map[int]bool, len(c.Teams))
	for _, t := range c.Teams {
		if seenTeams[t.ID] {
			return ctferrors.InitServiceError(fmt.Sprintf("duplicate team id %d", t.ID))
		}
		seenTeams[t.ID] = true
		if t.Token == "" {
			return ctferrors.InitServiceError(fmt.Sprintf("team %d missing token", t.ID))
		}
	}

	seenServices := make(map[int]bool, len(c.Services))
	for _, s := range c.Services {
		if seenServices[s.ID] {
			return ctferrors.InitServiceError(fmt.Sprintf("duplicate service id %d", s.ID))
		}
		seenServices[s.ID] = true
		if s.Checker == "" {
			return ctferrors.InitServiceError(fmt.Sprintf("service %d missing checker", s.ID))
		}
	}

	return nil
}

// MaxRounds computes floor((end-start)/round_time), the scheduler's
// fixed game length in rounds.
func (c *Config) MaxRounds() int {
	return int((c.Misc.EndTime - c.Misc.StartTime) / int64(c.Misc.RoundTime))
}
