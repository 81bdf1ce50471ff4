package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ActionRequest is one player's action for the current phase. A nil target abstains.
type ActionRequest struct {
	GameID     int64      `json:"game_id"`
	PlayerID   int64      `json:"player_id"`
	Phase      string     `json:"phase"` // "night", "day" or a full phase key; empty means current
	ActionType ActionType `json:"action_type"`
	TargetID   *int64     `json:"target_id"`
}

// Vote is one row of the day's vote board.
type Vote struct {
	VoterID    int64  `db:"voter_id" json:"voter_id"`
	VoterName  string `db:"voter_name" json:"voter_name"`
	TargetID   *int64 `db:"target_id" json:"target_id"`
	TargetName string `db:"target_name" json:"target_name,omitempty"`
}

// SubmitAction records the player's action for the current phase occurrence,
// replacing any earlier action by the same player in that occurrence.
func (e *Engine) SubmitAction(ctx context.Context, req ActionRequest) (Action, error) {
	if !req.ActionType.valid() {
		return Action{}, invalid(ErrInvalidInput, fmt.Sprintf("unknown action type %q", req.ActionType))
	}

	var action Action
	var game Game
	err := e.withTx(ctx, "submit action", func(tx *sqlx.Tx) error {
		var err error
		game, _, err = validateAction(ctx, tx, req)
		if err != nil {
			return err
		}

		if req.ActionType == ActionCheck {
			existing, err := getAction(ctx, tx, game.ID, req.PlayerID, game.PhaseKey())
			if err != nil {
				return err
			}
			if existing != nil && existing.Revealed {
				return invalid(ErrConflict, "you already investigated someone tonight")
			}
		}

		action = Action{
			GameID:     game.ID,
			PlayerID:   req.PlayerID,
			Phase:      game.PhaseKey(),
			ActionType: req.ActionType,
			TargetID:   req.TargetID,
			UpdatedAt:  toMillis(e.now()),
		}
		return upsertAction(ctx, tx, action)
	})
	if err != nil {
		return Action{}, err
	}

	DebugLog("SubmitAction", "game %d %s: player %d %s -> %v", action.GameID, action.Phase, action.PlayerID, action.ActionType, formatTarget(action.TargetID))
	if action.ActionType == ActionVote {
		e.publish(game.RoomCode, ChangeGame)
	}
	return action, nil
}

// SheriffCheck records the sheriff's check for the night and reveals the
// target's role immediately. The check is then locked for the night.
func (e *Engine) SheriffCheck(ctx context.Context, gameID, sheriffID, targetID int64) (Role, error) {
	req := ActionRequest{GameID: gameID, PlayerID: sheriffID, ActionType: ActionCheck, TargetID: &targetID}

	var role Role
	err := e.withTx(ctx, "sheriff check", func(tx *sqlx.Tx) error {
		game, target, err := validateAction(ctx, tx, req)
		if err != nil {
			return err
		}
		if target == nil {
			return invalid(ErrInvalidTarget, "choose someone to investigate")
		}

		existing, err := getAction(ctx, tx, game.ID, sheriffID, game.PhaseKey())
		if err != nil {
			return err
		}
		if existing != nil && existing.Revealed && (existing.TargetID == nil || *existing.TargetID != targetID) {
			return invalid(ErrConflict, "you already investigated someone tonight")
		}

		now := e.now()
		err = upsertAction(ctx, tx, Action{
			GameID:     game.ID,
			PlayerID:   sheriffID,
			Phase:      game.PhaseKey(),
			ActionType: ActionCheck,
			TargetID:   &targetID,
			Revealed:   true,
			UpdatedAt:  toMillis(now),
		})
		if err != nil {
			return err
		}

		targetPlayer, err := getPlayer(ctx, tx, targetID)
		if err != nil {
			return err
		}
		role = target.Role
		check := SheriffCheck{SheriffID: sheriffID, TargetID: targetID, Role: role, Revealed: true}
		return notifyCheck(ctx, tx, game, check, targetPlayer.Name, now)
	})
	if err != nil {
		return "", err
	}

	DebugLog("SheriffCheck", "game %d: sheriff %d checked player %d", gameID, sheriffID, targetID)
	return role, nil
}

// ListVotes returns the vote board of the game's latest day.
func (e *Engine) ListVotes(ctx context.Context, gameID int64) ([]Vote, error) {
	game, err := getGameByID(ctx, e.db, gameID)
	if err != nil {
		return nil, err
	}
	var votes []Vote
	err = e.db.SelectContext(ctx, &votes, `
		SELECT a.player_id AS voter_id, v.name AS voter_name, a.target_id, COALESCE(t.name, '') AS target_name
		FROM action a
		JOIN player v ON v.id = a.player_id
		LEFT JOIN player t ON t.id = a.target_id
		WHERE a.game_id = ? AND a.phase = ? AND a.action_type = ?
		ORDER BY a.updated_at ASC, a.player_id ASC`, game.ID, phaseKey(PhaseDay, game.Day), ActionVote)
	if err != nil {
		return nil, persistErr("list votes", err)
	}
	return votes, nil
}

// validateAction checks the game phase, the actor and the target. It returns
// the target's role row, or nil for an abstention.
func validateAction(ctx context.Context, q queryer, req ActionRequest) (Game, *PlayerRole, error) {
	game, err := getGameByID(ctx, q, req.GameID)
	if err != nil {
		return Game{}, nil, err
	}
	if game.Phase == PhaseEnded {
		return Game{}, nil, invalid(ErrInvalidAction, "the game is over")
	}
	if game.Phase != req.ActionType.phase() {
		return Game{}, nil, invalid(ErrInvalidAction, fmt.Sprintf("%s is not allowed during %s", req.ActionType, game.Phase))
	}
	if !phaseMatches(game, req.Phase) {
		return Game{}, nil, invalid(ErrInvalidAction, fmt.Sprintf("phase %s is over", req.Phase))
	}

	actor, err := getPlayerRole(ctx, q, game.ID, req.PlayerID)
	if err != nil {
		return Game{}, nil, err
	}
	if !actor.IsAlive {
		return Game{}, nil, invalid(ErrInvalidAction, "dead players cannot act")
	}
	if !actor.Role.allows(req.ActionType) {
		return Game{}, nil, invalid(ErrInvalidAction, fmt.Sprintf("a %s cannot %s", actor.Role, req.ActionType))
	}

	if req.TargetID == nil {
		return game, nil, nil
	}
	target, err := getPlayerRole(ctx, q, game.ID, *req.TargetID)
	if errors.Is(err, ErrNotFound) {
		return Game{}, nil, invalid(ErrInvalidTarget, "that player is not in this game")
	}
	if err != nil {
		return Game{}, nil, err
	}
	if !target.IsAlive {
		return Game{}, nil, invalid(ErrInvalidTarget, "cannot target a dead player")
	}
	if target.PlayerID == actor.PlayerID {
		selfHeal := req.ActionType == ActionSave && actor.Role == RoleDoctor
		if !selfHeal {
			return Game{}, nil, invalid(ErrInvalidTarget, "cannot target yourself")
		}
		if actor.DoctorSelfHealUsed {
			return Game{}, nil, invalid(ErrInvalidTarget, "you already used your self-heal")
		}
	}
	return game, &target, nil
}

// phaseMatches accepts an empty phase, a bare phase name or the full phase key.
func phaseMatches(game Game, phase string) bool {
	phase = strings.TrimSpace(phase)
	return phase == "" || phase == string(game.Phase) || phase == game.PhaseKey()
}

func getAction(ctx context.Context, q queryer, gameID, playerID int64, key string) (*Action, error) {
	var action Action
	err := q.GetContext(ctx, &action, `
		SELECT game_id, player_id, phase, action_type, target_id, revealed, updated_at
		FROM action WHERE game_id = ? AND player_id = ? AND phase = ?`, gameID, playerID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get action", err)
	}
	return &action, nil
}

func upsertAction(ctx context.Context, q queryer, a Action) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO action (game_id, player_id, phase, action_type, target_id, revealed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(game_id, player_id, phase) DO UPDATE SET
			action_type = excluded.action_type,
			target_id = excluded.target_id,
			revealed = excluded.revealed,
			updated_at = excluded.updated_at`,
		a.GameID, a.PlayerID, a.Phase, a.ActionType, a.TargetID, a.Revealed, a.UpdatedAt)
	return persistErr("upsert action", err)
}

func formatTarget(target *int64) string {
	if target == nil {
		return "abstain"
	}
	return fmt.Sprintf("player %d", *target)
}
