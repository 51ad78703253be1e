package store

import "github.com/arenactf/engine/internal/model"

// ApplyHistory is the "apply event" function behind ResumePoints
// (SPEC_FULL §9, "Append-only model with replay"). The live Event
// Dispatcher does not call it; it applies the same status-to-points
// mapping in its own applyCheck/applyAttack. Given a team's full append-only
// history and a flagData->Flag index (to resolve which service a
// stolen/lost flag belongs to), it returns the team with
// {atk_pts, def_pts, sla_pts} per service recomputed from scratch and
// last_pts_update set to the monotonic max timestamp observed.
//
// Replay order does not matter (spec.md §8 property 3): every step is
// a pure accumulation, never a read-modify-write dependent on the
// order stolen_flags, lost_flags, and checks are visited in.
func ApplyHistory(team model.Team, services []model.Service, flagsByData map[string]model.Flag) model.Team {
	points := make(map[int]*model.PointRecord, len(services))
	for _, svc := range services {
		points[svc.ID] = &model.PointRecord{ServiceID: svc.ID}
	}
	ensure := func(serviceID int) *model.PointRecord {
		p, ok := points[serviceID]
		if !ok {
			p = &model.PointRecord{ServiceID: serviceID}
			points[serviceID] = p
		}
		return p
	}

	var lastUpdate int64
	bumpLast := func(ts int64) {
		if ts > lastUpdate {
			lastUpdate = ts
		}
	}

	// atk_pts: one per stolen flag whose owner flag still exists
	// (spec.md §3 invariant 4).
	for _, se := range team.StolenFlags {
		if f, ok := flagsByData[se.FlagData]; ok {
			ensure(f.ServiceID).AtkPts++
		}
		bumpLast(se.Timestamp)
	}

	// def_pts: -1 per lost flag (spec.md §3 invariant 4).
	for _, le := range team.LostFlags {
		if f, ok := flagsByData[le.FlagData]; ok {
			ensure(f.ServiceID).DefPts--
		}
		bumpLast(le.Timestamp)
	}

	// sla_pts: +1 OK, -1 {MUMBLE,CORRUPT,DOWN}, 0 ERROR/unknown
	// (spec.md §3 invariant 3 / §4.5 mapping rules).
	for _, c := range team.Checks {
		switch c.Status {
		case model.StatusOK:
			ensure(c.ServiceID).SlaPts++
		case model.StatusMumble, model.StatusCorrupt, model.StatusDown:
			ensure(c.ServiceID).SlaPts--
		case model.StatusError:
			// contributes zero
		default:
			// unknown status: skipped, contributes zero; neither this
			// function nor ResumePoints logs it
		}
		bumpLast(c.Timestamp)
	}

	result := team
	result.Points = make([]model.PointRecord, 0, len(services))
	for _, svc := range services {
		result.Points = append(result.Points, *points[svc.ID])
	}
	result.LastPtsUpdate = lastUpdate
	return result
}
