package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
)

// StartGame moves the room's game from waiting to night and deals roles.
// It succeeds at most once per room; later calls fail with ErrConflict.
func (e *Engine) StartGame(ctx context.Context, roomCode string) (Game, error) {
	roomCode = normalizeRoomCode(roomCode)
	var game Game
	var assigned map[int64]Role
	now := e.now()

	err := e.withTx(ctx, "start game", func(tx *sqlx.Tx) error {
		if _, err := getRoom(ctx, tx, roomCode); err != nil {
			return err
		}
		players, err := getPlayersByRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		if len(players) < e.cfg.MinPlayers {
			return invalid(ErrInvalidAction, fmt.Sprintf("need at least %d players, have %d", e.cfg.MinPlayers, len(players)))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO game (room_code, phase, day, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)`, roomCode, PhaseWaiting, toMillis(now), toMillis(now))
		if err != nil {
			return persistErr("create game", err)
		}
		if game, err = getGameByRoom(ctx, tx, roomCode); err != nil {
			return err
		}
		if game.Phase != PhaseWaiting {
			return invalid(ErrConflict, "game already started in room "+roomCode)
		}

		// Roles are dealt only after the waiting→night transition is recorded.
		endsAt := toMillis(now.Add(e.cfg.NightDuration))
		err = casPhase(ctx, tx, game, PhaseNight, 0, &endsAt, nil, now)
		if errors.Is(err, ErrStaleTransition) {
			return invalid(ErrConflict, "game already started in room "+roomCode)
		}
		if err != nil {
			return err
		}
		game.Phase, game.PhaseEndsAt = PhaseNight, &endsAt

		assigned = assignRoles(players, e.shuffle)
		if err := storeRoles(ctx, tx, game, players, assigned); err != nil {
			return err
		}

		if err := insertEvent(ctx, tx, game.ID, EventGameStarted, fmt.Sprintf("The game begins with %d players.", len(players)), now); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, game.ID, EventNightStarted, "Night falls.", now); err != nil {
			return err
		}
		game, err = getGameByID(ctx, tx, game.ID)
		return err
	})
	if err != nil {
		return Game{}, err
	}

	logAssignment(game, assigned, now)
	LogDBState("after game start: " + roomCode)
	e.publish(roomCode, ChangePlayers, ChangeGame)
	return game, nil
}

// GetGame returns the room's game.
func (e *Engine) GetGame(ctx context.Context, roomCode string) (Game, error) {
	return getGameByRoom(ctx, e.db, normalizeRoomCode(roomCode))
}

// StartNightPhase re-arms the deadline of the current night. Outside a night
// it is a no-op returning the current game.
func (e *Engine) StartNightPhase(ctx context.Context, roomCode string, durationSec int) (Game, error) {
	roomCode = normalizeRoomCode(roomCode)
	duration := e.cfg.NightDuration
	if durationSec > 0 {
		duration = time.Duration(durationSec) * time.Second
	}

	var game Game
	err := e.withTx(ctx, "start night", func(tx *sqlx.Tx) error {
		var err error
		if game, err = getGameByRoom(ctx, tx, roomCode); err != nil {
			return err
		}
		if game.Phase != PhaseNight {
			return ErrStaleTransition
		}
		now := e.now()
		endsAt := toMillis(now.Add(duration))
		if err := casPhase(ctx, tx, game, PhaseNight, game.Day, &endsAt, nil, now); err != nil {
			return err
		}
		game, err = getGameByID(ctx, tx, game.ID)
		return err
	})
	if errors.Is(err, ErrStaleTransition) {
		DebugLog("StartNightPhase", "room %s is not in night, ignoring", roomCode)
		return e.GetGame(ctx, roomCode)
	}
	if err != nil {
		return Game{}, err
	}

	log.Printf("Night %d in room %s now ends at %s", game.Day, roomCode, fromMillis(*game.PhaseEndsAt).Format(time.RFC3339))
	e.publish(roomCode, ChangeGame)
	return game, nil
}

// Tick resolves the current phase if its deadline has passed.
func (e *Engine) Tick(ctx context.Context, roomCode string) (Game, error) {
	game, err := e.GetGame(ctx, roomCode)
	if err != nil {
		return Game{}, err
	}
	if !game.deadlinePassed(e.now()) {
		return game, nil
	}

	// Only the occurrence observed above, and only once it is due.
	due := occurrence{phase: game.Phase, day: game.Day, dueOnly: true}
	switch game.Phase {
	case PhaseNight:
		return e.resolveNightPhase(ctx, roomCode, due)
	case PhaseDay:
		return e.resolveDayPhase(ctx, roomCode, due)
	}
	return game, nil
}

// expiredRooms lists rooms whose night or day deadline has passed.
func (e *Engine) expiredRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	err := e.db.SelectContext(ctx, &rooms, `
		SELECT room_code FROM game
		WHERE phase IN (?, ?) AND phase_ends_at IS NOT NULL AND phase_ends_at <= ?
		ORDER BY phase_ends_at ASC`, PhaseNight, PhaseDay, toMillis(e.now()))
	if err != nil {
		return nil, persistErr("list expired games", err)
	}
	return rooms, nil
}

// ListEvents returns the game's public event log, oldest first.
func (e *Engine) ListEvents(ctx context.Context, gameID int64) ([]GameEvent, error) {
	if _, err := getGameByID(ctx, e.db, gameID); err != nil {
		return nil, err
	}
	var events []GameEvent
	err := e.db.SelectContext(ctx, &events, `
		SELECT id, game_id, type, message, created_at
		FROM game_event WHERE game_id = ?
		ORDER BY created_at ASC, id ASC`, gameID)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	return events, nil
}

// casPhase moves the game out of the phase occurrence it was read in.
// It returns ErrStaleTransition if another caller got there first.
func casPhase(ctx context.Context, tx *sqlx.Tx, from Game, to Phase, day int, endsAt *int64, winner *Faction, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE game SET phase = ?, day = ?, phase_ends_at = ?, winner = ?, updated_at = ?
		WHERE id = ? AND phase = ? AND day = ? AND winner IS NULL`,
		to, day, endsAt, winner, toMillis(now), from.ID, from.Phase, from.Day)
	if err != nil {
		return persistErr("update game phase", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update game phase", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// occurrence identifies the phase a caller believes it is resolving.
type occurrence struct {
	phase   Phase
	day     int  // anyDay matches whatever day is current
	dueOnly bool // resolve only once the phase deadline has passed
}

const anyDay = -1

// current matches the room's present occurrence of phase, deadline or not.
func current(phase Phase) occurrence {
	return occurrence{phase: phase, day: anyDay}
}

func (o occurrence) matches(g Game, now time.Time) bool {
	if g.Phase != o.phase {
		return false
	}
	if o.day != anyDay && g.Day != o.day {
		return false
	}
	return !o.dueOnly || g.deadlinePassed(now)
}

// resolution is what a resolved phase changes.
type resolution struct {
	deaths []int64
	winner *Faction
}

// nextPhase computes where the game goes after resolving `from`.
func (e *Engine) nextPhase(from Game, winner *Faction, now time.Time) (Phase, int, *int64) {
	if winner != nil {
		return PhaseEnded, from.Day, nil
	}
	if from.Phase == PhaseNight {
		endsAt := toMillis(now.Add(e.cfg.DayDuration))
		return PhaseDay, from.Day + 1, &endsAt
	}
	endsAt := toMillis(now.Add(e.cfg.NightDuration))
	return PhaseNight, from.Day, &endsAt
}

// resolvePhase runs one guarded phase resolution. compute reads the phase's
// actions and returns the deltas; apply writes them after the transition is recorded.
func (e *Engine) resolvePhase(ctx context.Context, roomCode string, expected occurrence,
	compute func(roles []PlayerRole, actions []Action) resolution,
	apply func(tx *sqlx.Tx, game Game, players map[int64]Player, res resolution, now time.Time) error,
) (Game, error) {
	roomCode = normalizeRoomCode(roomCode)
	var game Game
	var res resolution
	now := e.now()

	err := e.withTx(ctx, "resolve "+string(expected.phase), func(tx *sqlx.Tx) error {
		var err error
		if game, err = getGameByRoom(ctx, tx, roomCode); err != nil {
			return err
		}
		if !expected.matches(game, now) {
			return ErrStaleTransition
		}

		roles, err := getPlayerRoles(ctx, tx, game.ID)
		if err != nil {
			return err
		}
		actions, err := getActionsByPhase(ctx, tx, game.ID, game.PhaseKey())
		if err != nil {
			return err
		}
		res = compute(roles, actions)

		phase, day, endsAt := e.nextPhase(game, res.winner, now)
		if err := casPhase(ctx, tx, game, phase, day, endsAt, res.winner, now); err != nil {
			return err
		}

		players, err := getPlayersByRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		byID := make(map[int64]Player, len(players))
		for _, p := range players {
			byID[p.ID] = p
		}

		for _, id := range res.deaths {
			if err := killPlayer(ctx, tx, game.ID, id); err != nil {
				return err
			}
		}
		if err := apply(tx, game, byID, res, now); err != nil {
			return err
		}

		next := game
		next.Phase, next.Day = phase, day
		if err := recordPhaseEvent(ctx, tx, next, res.winner, now); err != nil {
			return err
		}

		game, err = getGameByID(ctx, tx, game.ID)
		return err
	})
	if errors.Is(err, ErrStaleTransition) {
		DebugLog("resolvePhase", "room %s is no longer in %s-%d, ignoring", roomCode, expected.phase, expected.day)
		return e.GetGame(ctx, roomCode)
	}
	if err != nil {
		return Game{}, err
	}

	LogDBState(fmt.Sprintf("after %s resolution: %s", expected.phase, roomCode))
	if res.winner != nil {
		log.Printf("Game %d in room %s ended: %s wins", game.ID, roomCode, *res.winner)
		e.narrate(game)
	}
	e.publish(roomCode, ChangePlayers, ChangeGame)
	return game, nil
}

// killPlayer flips both alive flags for a player.
func killPlayer(ctx context.Context, tx *sqlx.Tx, gameID, playerID int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE player_role SET is_alive = 0 WHERE game_id = ? AND player_id = ?`, gameID, playerID); err != nil {
		return persistErr("kill player role", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE player SET is_alive = 0 WHERE id = ?`, playerID); err != nil {
		return persistErr("kill player", err)
	}
	return nil
}

func recordPhaseEvent(ctx context.Context, tx *sqlx.Tx, game Game, winner *Faction, now time.Time) error {
	switch {
	case winner != nil && *winner == FactionTown:
		return insertEvent(ctx, tx, game.ID, EventGameEnded, "The town wins. Every mafia member has been eliminated.", now)
	case winner != nil:
		return insertEvent(ctx, tx, game.ID, EventGameEnded, "The mafia wins. They now equal or outnumber the town.", now)
	case game.Phase == PhaseDay:
		return insertEvent(ctx, tx, game.ID, EventDayStarted, fmt.Sprintf("Day %d begins.", game.Day), now)
	default:
		return insertEvent(ctx, tx, game.ID, EventNightStarted, "Night falls.", now)
	}
}
