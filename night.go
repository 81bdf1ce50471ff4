package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
)

// ResolveNight applies the night's kill, save and checks and moves the game to
// day, or ends it. A call for a night that was already resolved is a no-op.
func (e *Engine) ResolveNight(ctx context.Context, roomCode string) (Game, error) {
	return e.resolveNightPhase(ctx, roomCode, current(PhaseNight))
}

func (e *Engine) resolveNightPhase(ctx context.Context, roomCode string, expected occurrence) (Game, error) {
	var outcome NightOutcome

	compute := func(roles []PlayerRole, actions []Action) resolution {
		outcome = resolveNight(roles, actions)
		var res resolution
		if outcome.Victim != nil {
			res.deaths = append(res.deaths, *outcome.Victim)
			applyDeath(roles, *outcome.Victim)
		}
		res.winner = evaluateWinner(roles)
		return res
	}

	apply := func(tx *sqlx.Tx, game Game, players map[int64]Player, res resolution, now time.Time) error {
		for _, doctorID := range outcome.SelfHealBy {
			_, err := tx.ExecContext(ctx, `
				UPDATE player_role SET doctor_self_heal_used = 1 WHERE game_id = ? AND player_id = ?`, game.ID, doctorID)
			if err != nil {
				return persistErr("consume self heal", err)
			}
		}
		for _, check := range outcome.Checks {
			if err := notifyCheck(ctx, tx, game, check, players[check.TargetID].Name, now); err != nil {
				return err
			}
		}

		switch {
		case outcome.Victim != nil:
			log.Printf("Night %d in room %s: player %d (%s) was killed", game.Day, game.RoomCode, *outcome.Victim, players[*outcome.Victim].Name)
		case outcome.Saved:
			log.Printf("Night %d in room %s: the doctor saved player %d", game.Day, game.RoomCode, *outcome.KillTarget)
		default:
			log.Printf("Night %d in room %s: no kill", game.Day, game.RoomCode)
		}
		return nil
	}

	return e.resolvePhase(ctx, roomCode, expected, compute, apply)
}

// notifyCheck tells the checked player they were investigated and gives the
// sheriff the result. Dedupe keys make repeated delivery a no-op.
func notifyCheck(ctx context.Context, q queryer, game Game, check SheriffCheck, targetName string, now time.Time) error {
	key := phaseKey(PhaseNight, game.Day)
	err := notify(ctx, q, Notification{
		PlayerID:  check.TargetID,
		GameID:    game.ID,
		Type:      NotificationSheriffCheck,
		Message:   "You were checked by the sheriff.",
		DedupeKey: fmt.Sprintf("%s:checked-by:%d", key, check.SheriffID),
	}, now)
	if err != nil {
		return err
	}

	info, _ := lookupRole(check.Role)
	return notify(ctx, q, Notification{
		PlayerID:  check.SheriffID,
		GameID:    game.ID,
		Type:      NotificationSheriffResult,
		Message:   fmt.Sprintf("%s is %s.", targetName, info.Name),
		DedupeKey: fmt.Sprintf("%s:result:%d", key, check.TargetID),
	}, now)
}
