// Package store is the engine's Persistence Gateway: typed operations
// against MongoDB collections team, service, and flag, each with a
// precise failure kind, hiding query details from every other
// component.
package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arenactf/engine/internal/ctferrors"
	"github.com/arenactf/engine/internal/model"
)

// Store is the Persistence Gateway. All methods are safe for
// concurrent use by many callers; the underlying mongo.Client owns its
// own connection pool shared across every caller.
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	teams    *mongo.Collection
	services *mongo.Collection
	flags    *mongo.Collection
}

// Connect dials MongoDB at uri and returns a Store bound to dbName.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, ctferrors.InitServiceError("connect to store: " + err.Error())
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, ctferrors.InitServiceError("ping store: " + err.Error())
	}
	db := client.Database(dbName)
	return &Store{
		client:   client,
		db:       db,
		teams:    db.Collection("team"),
		services: db.Collection("service"),
		flags:    db.Collection("flag"),
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique indexes the data model depends on:
// flag_data and seed must each be globally unique, and (round_num,
// team_id, service_id) is looked up constantly by the scheduler.
// Creation is idempotent, safe to call on every startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.flags.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "flag_data", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "seed", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{
			{Key: "round_num", Value: 1},
			{Key: "team_id", Value: 1},
			{Key: "service_id", Value: 1},
		}},
	})
	if err != nil {
		return ctferrors.InitServiceError("create flag indexes: " + err.Error())
	}
	return nil
}

// UpsertTeam inserts a team if one with the given ID doesn't already
// exist; existing teams are left untouched.
func (s *Store) UpsertTeam(ctx context.Context, id int, host, name, token string, serviceIDs []int) error {
	existing := s.teams.FindOne(ctx, bson.M{"team_id": id})
	if existing.Err() == nil {
		return nil
	}
	if existing.Err() != mongo.ErrNoDocuments {
		return ctferrors.Internal("lookup team", existing.Err())
	}

	points := make([]model.PointRecord, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		points = append(points, model.PointRecord{ServiceID: id})
	}

	team := model.Team{
		ID:            id,
		Name:          name,
		Host:          host,
		Token:         token,
		Points:        points,
		StolenFlags:   []model.FlagEvent{},
		LostFlags:     []model.FlagEvent{},
		Checks:        []model.CheckEntry{},
		LastPtsUpdate: 0,
	}
	_, err := s.teams.InsertOne(ctx, team)
	if err != nil {
		return ctferrors.Internal("insert team", err)
	}
	return nil
}

// UpsertService inserts a service if one with the given ID doesn't
// already exist.
func (s *Store) UpsertService(ctx context.Context, svc model.Service) error {
	existing := s.services.FindOne(ctx, bson.M{"service_id": svc.ID})
	if existing.Err() == nil {
		return nil
	}
	if existing.Err() != mongo.ErrNoDocuments {
		return ctferrors.Internal("lookup service", existing.Err())
	}
	_, err := s.services.InsertOne(ctx, svc)
	if err != nil {
		return ctferrors.Internal("insert service", err)
	}
	return nil
}

// GetTeams returns every configured team.
func (s *Store) GetTeams(ctx context.Context) ([]model.Team, error) {
	cur, err := s.teams.Find(ctx, bson.M{})
	if err != nil {
		return nil, ctferrors.Internal("find teams", err)
	}
	defer cur.Close(ctx)
	var teams []model.Team
	if err := cur.All(ctx, &teams); err != nil {
		return nil, ctferrors.Internal("decode teams", err)
	}
	return teams, nil
}

// GetTeamByToken looks up a team by its static submission bearer token.
func (s *Store) GetTeamByToken(ctx context.Context, token string) (*model.Team, error) {
	var team model.Team
	err := s.teams.FindOne(ctx, bson.M{"token": token}).Decode(&team)
	if err == mongo.ErrNoDocuments {
		return nil, ctferrors.NotExistent("no team with that token")
	}
	if err != nil {
		return nil, ctferrors.Internal("lookup team by token", err)
	}
	return &team, nil
}

// GetServices returns every configured service.
func (s *Store) GetServices(ctx context.Context) ([]model.Service, error) {
	cur, err := s.services.Find(ctx, bson.M{})
	if err != nil {
		return nil, ctferrors.Internal("find services", err)
	}
	defer cur.Close(ctx)
	var services []model.Service
	if err := cur.All(ctx, &services); err != nil {
		return nil, ctferrors.Internal("decode services", err)
	}
	return services, nil
}

// InsertFlag inserts a freshly generated flag. A collision on either
// unique index (flag_data or seed) surfaces as AlreadyExistent so the
// scheduler can retry with fresh randomness.
func (s *Store) InsertFlag(ctx context.Context, f model.Flag) error {
	_, err := s.flags.InsertOne(ctx, f)
	if mongo.IsDuplicateKeyError(err) {
		return ctferrors.AlreadyExistent("flag_data or seed collision")
	}
	if err != nil {
		return ctferrors.Internal("insert flag", err)
	}
	return nil
}

// GetFlagByData looks up a flag by its externally-submitted value.
func (s *Store) GetFlagByData(ctx context.Context, data string) (*model.Flag, error) {
	var f model.Flag
	err := s.flags.FindOne(ctx, bson.M{"flag_data": data}).Decode(&f)
	if err == mongo.ErrNoDocuments {
		return nil, ctferrors.NotExistent("no flag with that value")
	}
	if err != nil {
		return nil, ctferrors.Internal("lookup flag by data", err)
	}
	return &f, nil
}

// GetFlagForRound looks up the flag planted for a specific
// (round, team, service) triple.
func (s *Store) GetFlagForRound(ctx context.Context, round, team, service int) (*model.Flag, error) {
	var f model.Flag
	err := s.flags.FindOne(ctx, bson.M{
		"round_num":  round,
		"team_id":    team,
		"service_id": service,
	}).Decode(&f)
	if err == mongo.ErrNoDocuments {
		return nil, ctferrors.NotExistent("no flag for that round")
	}
	if err != nil {
		return nil, ctferrors.Internal("lookup flag for round", err)
	}
	return &f, nil
}

// PushStolenFlag appends a stolen-flag record to the submitting team,
// identified by its bearer token. Duplicates are not rejected at the
// storage layer: a second call for the same (team, flag) pair appends a
// second record, so the submission service is responsible for not
// calling this twice for that pair.
func (s *Store) PushStolenFlag(ctx context.Context, teamToken, flagData string, ts time.Time) error {
	_, err := s.teams.UpdateOne(ctx,
		bson.M{"token": teamToken},
		bson.M{"$push": bson.M{"stolen_flags": model.FlagEvent{FlagData: flagData, Timestamp: ts.Unix()}}},
	)
	if err != nil {
		return ctferrors.Internal("push stolen flag", err)
	}
	return nil
}

// PushLostFlag appends a lost-flag record to the owning team.
func (s *Store) PushLostFlag(ctx context.Context, teamID int, flagData string, ts time.Time) error {
	_, err := s.teams.UpdateOne(ctx,
		bson.M{"team_id": teamID},
		bson.M{"$push": bson.M{"lost_flags": model.FlagEvent{FlagData: flagData, Timestamp: ts.Unix()}}},
	)
	if err != nil {
		return ctferrors.Internal("push lost flag", err)
	}
	return nil
}

// PushCheck appends a check record to a team's history.
func (s *Store) PushCheck(ctx context.Context, teamID, serviceID int, status model.Status, ts time.Time) error {
	_, err := s.teams.UpdateOne(ctx,
		bson.M{"team_id": teamID},
		bson.M{"$push": bson.M{"checks": model.CheckEntry{ServiceID: serviceID, Status: status, Timestamp: ts.Unix()}}},
	)
	if err != nil {
		return ctferrors.Internal("push check", err)
	}
	return nil
}

// CheckStolenFlag reports whether teamToken has already claimed
// flagData, used as the submission pipeline's "already submitted" probe.
func (s *Store) CheckStolenFlag(ctx context.Context, teamToken, flagData string) (bool, error) {
	var team model.Team
	err := s.teams.FindOne(ctx,
		bson.M{"token": teamToken, "stolen_flags.flag_data": flagData},
		options.FindOne().SetProjection(bson.M{"_id": 1}),
	).Decode(&team)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, ctferrors.Internal("check stolen flag", err)
	}
	return true, nil
}

// UpdatePoints atomically increments one of {atk_pts, def_pts, sla_pts}
// for (team, service) by delta, and advances last_pts_update to the
// monotonic max of its current value and ts (SPEC_FULL §9, "Implicit
// monotonicity": a plain assignment could regress the field under
// concurrent updates with an earlier timestamp).
func (s *Store) UpdatePoints(ctx context.Context, teamID, serviceID int, kind model.PointsKind, delta int, ts time.Time) error {
	field, ok := pointsField(kind)
	if !ok {
		return ctferrors.InvalidUpdate("unknown pts_type: " + string(kind))
	}

	_, err := s.teams.UpdateOne(ctx,
		bson.M{"team_id": teamID},
		bson.M{
			"$inc": bson.M{"points.$[svc]." + field: delta},
			"$max": bson.M{"last_pts_update": ts.Unix()},
		},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"svc.service_id": serviceID}},
		}),
	)
	if err != nil {
		return ctferrors.Internal("update points", err)
	}
	return nil
}

// allFlagsByData loads every flag keyed by its flag_data value, used
// once per ResumePoints pass to resolve which service a stolen/lost
// flag entry belongs to.
func (s *Store) allFlagsByData(ctx context.Context) (map[string]model.Flag, error) {
	cur, err := s.flags.Find(ctx, bson.M{})
	if err != nil {
		return nil, ctferrors.Internal("find flags", err)
	}
	defer cur.Close(ctx)
	var flags []model.Flag
	if err := cur.All(ctx, &flags); err != nil {
		return nil, ctferrors.Internal("decode flags", err)
	}
	byData := make(map[string]model.Flag, len(flags))
	for _, f := range flags {
		byData[f.FlagData] = f
	}
	return byData, nil
}

func pointsField(kind model.PointsKind) (string, bool) {
	switch kind {
	case model.PointsAttack:
		return "atk_pts", true
	case model.PointsDefend:
		return "def_pts", true
	case model.PointsSLA:
		return "sla_pts", true
	default:
		return "", false
	}
}

// ResumePoints performs a full recompute of every team's point records
// from their append-only history, the pure function behind startup
// replay (SPEC_FULL §4.8 / §9 "Append-only model with replay").
func (s *Store) ResumePoints(ctx context.Context) error {
	teams, err := s.GetTeams(ctx)
	if err != nil {
		return err
	}
	services, err := s.GetServices(ctx)
	if err != nil {
		return err
	}
	flagsByData, err := s.allFlagsByData(ctx)
	if err != nil {
		return err
	}

	for _, team := range teams {
		recomputed := ApplyHistory(team, services, flagsByData)
		_, err := s.teams.UpdateOne(ctx,
			bson.M{"team_id": team.ID},
			bson.M{"$set": bson.M{
				"points":          recomputed.Points,
				"last_pts_update": recomputed.LastPtsUpdate,
			}},
		)
		if err != nil {
			return ctferrors.Internal("resume points for team "+team.Name, err)
		}
	}
	return nil
}
