package main

// NightOutcome is the result of resolving one night.
type NightOutcome struct {
	KillTarget *int64 // plurality mafia target, nil on tie or no votes
	Saved      bool   // kill target was protected by a doctor
	Victim     *int64 // player who dies, nil if nobody
	Checks     []SheriffCheck
	SelfHealBy []int64 // doctors whose self-heal is consumed
}

// SheriffCheck is one investigation revealed at the end of a night.
type SheriffCheck struct {
	SheriffID int64
	TargetID  int64
	Role      Role
	Revealed  bool // already delivered synchronously
}

// DayOutcome is the result of resolving one day's vote.
type DayOutcome struct {
	Tally      map[int64]int
	Eliminated *int64
}

func aliveRoles(roles []PlayerRole) map[int64]PlayerRole {
	alive := make(map[int64]PlayerRole, len(roles))
	for _, r := range roles {
		if r.IsAlive {
			alive[r.PlayerID] = r
		}
	}
	return alive
}

// plurality returns the target with the strictly highest count.
func plurality(tally map[int64]int) *int64 {
	var best int64
	bestCount, tied := 0, false
	for target, count := range tally {
		switch {
		case count > bestCount:
			best, bestCount, tied = target, count, false
		case count == bestCount:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return nil
	}
	return &best
}

// resolveNight computes the night outcome from the alive set and the night's actions.
// Only actions from living players with the matching role count, and only living targets.
func resolveNight(roles []PlayerRole, actions []Action) NightOutcome {
	alive := aliveRoles(roles)
	kills := make(map[int64]int)
	var saves []Action
	var out NightOutcome

	for _, a := range actions {
		actor, ok := alive[a.PlayerID]
		if !ok || a.TargetID == nil {
			continue
		}
		target, ok := alive[*a.TargetID]
		if !ok {
			continue
		}
		switch {
		case a.ActionType == ActionKill && actor.Role == RoleMafia:
			kills[target.PlayerID]++
		case a.ActionType == ActionSave && actor.Role == RoleDoctor:
			saves = append(saves, a)
		case a.ActionType == ActionCheck && actor.Role == RoleSheriff:
			out.Checks = append(out.Checks, SheriffCheck{
				SheriffID: actor.PlayerID,
				TargetID:  target.PlayerID,
				Role:      target.Role,
				Revealed:  a.Revealed,
			})
		}
	}

	out.KillTarget = plurality(kills)
	for _, s := range saves {
		if s.PlayerID == *s.TargetID {
			if alive[s.PlayerID].DoctorSelfHealUsed {
				continue
			}
			out.SelfHealBy = append(out.SelfHealBy, s.PlayerID)
		}
		if out.KillTarget != nil && *s.TargetID == *out.KillTarget {
			out.Saved = true
		}
	}
	if out.KillTarget != nil && !out.Saved {
		victim := *out.KillTarget
		out.Victim = &victim
	}
	return out
}

// resolveDay tallies votes cast by living players for living targets.
func resolveDay(roles []PlayerRole, actions []Action) DayOutcome {
	alive := aliveRoles(roles)
	out := DayOutcome{Tally: make(map[int64]int)}
	for _, a := range actions {
		if a.ActionType != ActionVote || a.TargetID == nil {
			continue
		}
		if _, ok := alive[a.PlayerID]; !ok {
			continue
		}
		if _, ok := alive[*a.TargetID]; !ok {
			continue
		}
		out.Tally[*a.TargetID]++
	}
	out.Eliminated = plurality(out.Tally)
	return out
}

// evaluateWinner checks faction victory over the alive set. Town is checked first.
func evaluateWinner(roles []PlayerRole) *Faction {
	var aliveMafia, aliveTown int
	for _, r := range roles {
		if !r.IsAlive {
			continue
		}
		if r.Role.Faction() == FactionMafia {
			aliveMafia++
		} else {
			aliveTown++
		}
	}

	var winner Faction
	switch {
	case aliveMafia == 0:
		winner = FactionTown
	case aliveMafia >= aliveTown:
		winner = FactionMafia
	default:
		return nil
	}
	return &winner
}

// applyDeath flips the alive flag of one player in an in-memory role set.
func applyDeath(roles []PlayerRole, playerID int64) {
	for i := range roles {
		if roles[i].PlayerID == playerID {
			roles[i].IsAlive = false
		}
	}
}
