package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
)

// ResolveDay eliminates the player with the strictly highest vote count and
// moves the game to the next night, or ends it. Ties eliminate nobody.
func (e *Engine) ResolveDay(ctx context.Context, roomCode string) (Game, error) {
	return e.resolveDayPhase(ctx, roomCode, current(PhaseDay))
}

func (e *Engine) resolveDayPhase(ctx context.Context, roomCode string, expected occurrence) (Game, error) {
	var outcome DayOutcome

	compute := func(roles []PlayerRole, actions []Action) resolution {
		outcome = resolveDay(roles, actions)
		var res resolution
		if outcome.Eliminated != nil {
			res.deaths = append(res.deaths, *outcome.Eliminated)
			applyDeath(roles, *outcome.Eliminated)
		}
		res.winner = evaluateWinner(roles)
		return res
	}

	apply := func(tx *sqlx.Tx, game Game, players map[int64]Player, res resolution, now time.Time) error {
		if outcome.Eliminated == nil {
			log.Printf("Day %d in room %s: no elimination (%d targets voted)", game.Day, game.RoomCode, len(outcome.Tally))
			message := "The vote was tied. Nobody was eliminated."
			if len(outcome.Tally) == 0 {
				message = "Nobody voted. Nobody was eliminated."
			}
			return insertEvent(ctx, tx, game.ID, EventNoElimination, message, now)
		}

		victim := players[*outcome.Eliminated]
		log.Printf("Day %d in room %s: player %d (%s) eliminated with %d votes",
			game.Day, game.RoomCode, victim.ID, victim.Name, outcome.Tally[victim.ID])
		return insertEvent(ctx, tx, game.ID, EventElimination,
			fmt.Sprintf("%s was voted out with %d votes.", victim.Name, outcome.Tally[victim.ID]), now)
	}

	return e.resolvePhase(ctx, roomCode, expected, compute, apply)
}
