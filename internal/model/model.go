// Package model holds the domain types shared across the engine: teams,
// services, flags, and the in-memory events that connect the round
// scheduler to the scoring pipeline.
package model

import "time"

// Status is the outcome of a single checker call.
type Status string

const (
	StatusOK      Status = "OK"
	StatusMumble  Status = "MUMBLE"
	StatusCorrupt Status = "CORRUPT"
	StatusDown    Status = "DOWN"
	StatusError   Status = "ERROR"
)

// PointsKind identifies which point bucket a PointRecord tracks.
type PointsKind string

const (
	PointsAttack PointsKind = "atk_pts"
	PointsDefend PointsKind = "def_pts"
	PointsSLA    PointsKind = "sla_pts"
)

// Team is a competing team and its append-only history.
type Team struct {
	ID            int           `bson:"team_id" json:"team_id"`
	Name          string        `bson:"name" json:"name"`
	Host          string        `bson:"ip_addr" json:"ip_addr"`
	Token         string        `bson:"token" json:"-"`
	Points        []PointRecord `bson:"points" json:"points"`
	StolenFlags   []FlagEvent   `bson:"stolen_flags" json:"-"`
	LostFlags     []FlagEvent   `bson:"lost_flags" json:"-"`
	Checks        []CheckEntry  `bson:"checks" json:"-"`
	LastPtsUpdate int64         `bson:"last_pts_update" json:"last_pts_update"`
}

// PointRecord is one service's scoring line within a Team.
type PointRecord struct {
	ServiceID int `bson:"service_id" json:"service_id"`
	AtkPts    int `bson:"atk_pts" json:"atk_pts"`
	DefPts    int `bson:"def_pts" json:"def_pts"`
	SlaPts    int `bson:"sla_pts" json:"sla_pts"`
}

// FlagEvent is a single (flag, timestamp) append in a stolen/lost list.
type FlagEvent struct {
	FlagData  string `bson:"flag_data" json:"flag_data"`
	Timestamp int64  `bson:"timestamp" json:"timestamp"`
}

// CheckEntry is a single append in a team's check history.
type CheckEntry struct {
	ServiceID int    `bson:"service_id" json:"service_id"`
	Status    Status `bson:"status" json:"status"`
	Timestamp int64  `bson:"timestamp" json:"timestamp"`
}

// Service is a vulnerable network service every team hosts one instance of.
type Service struct {
	ID      int    `bson:"service_id" json:"service_id"`
	Name    string `bson:"name" json:"name"`
	Port    int    `bson:"port" json:"port"`
	Checker string `bson:"checker" json:"checker"`
}

// Flag is a single planted secret, keyed by (round, team, service).
type Flag struct {
	FlagData  string `bson:"flag_data" json:"flag_data"`
	Seed      string `bson:"seed" json:"seed"`
	RoundNum  int    `bson:"round_num" json:"round_num"`
	TeamID    int    `bson:"team_id" json:"team_id"`
	ServiceID int    `bson:"service_id" json:"service_id"`
}

// EventKind tags the union carried by Event.
type EventKind string

const (
	EventCheck  EventKind = "CHECK"
	EventAttack EventKind = "ATTACK"
)

// Event is the in-memory message produced by probes and the submission
// service, and consumed by the Event Dispatcher.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	// CHECK fields
	Team    int
	Service int
	Status  Status

	// ATTACK fields
	Attacker int
	Victim   int
}

// NewCheckEvent builds a CHECK event.
func NewCheckEvent(team, service int, status Status, ts time.Time) Event {
	return Event{Kind: EventCheck, Team: team, Service: service, Status: status, Timestamp: ts}
}

// NewAttackEvent builds an ATTACK event. Service is shared between
// attacker and victim, since a flag submission always targets a
// specific service of the victim's.
func NewAttackEvent(attacker, victim, service int, ts time.Time) Event {
	return Event{Kind: EventAttack, Attacker: attacker, Victim: victim, Service: service, Timestamp: ts}
}
