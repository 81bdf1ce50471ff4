package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
)

const maxRoomCodeAttempts = 5

// CreateRoom registers a room. An empty code gets a generated one.
func (e *Engine) CreateRoom(ctx context.Context, code, host string) (Room, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Room{}, invalid(ErrInvalidInput, "host name is required")
	}

	code = normalizeRoomCode(code)
	generated := code == ""

	for attempt := 0; ; attempt++ {
		if generated {
			var err error
			if code, err = generateRoomCode(); err != nil {
				return Room{}, fmt.Errorf("generate room code: %w", err)
			}
		}

		room := Room{Code: code, Host: host, CreatedAt: toMillis(e.now())}
		_, err := e.db.NamedExecContext(ctx, `
			INSERT INTO room (code, host, created_at) VALUES (:code, :host, :created_at)`, room)
		err = persistErr("create room", err)
		if err == nil {
			log.Printf("Room %s created by %s", room.Code, room.Host)
			return room, nil
		}
		if errors.Is(err, ErrConflict) && generated && attempt < maxRoomCodeAttempts {
			DebugLog("CreateRoom", "generated code %s already taken, retrying", code)
			continue
		}
		if errors.Is(err, ErrConflict) {
			return Room{}, invalid(ErrConflict, "room "+code+" already exists")
		}
		return Room{}, err
	}
}

// GetRoom looks up a room by code. It has no side effects.
func (e *Engine) GetRoom(ctx context.Context, code string) (Room, error) {
	return getRoom(ctx, e.db, normalizeRoomCode(code))
}

func getRoom(ctx context.Context, q queryer, code string) (Room, error) {
	var room Room
	err := q.GetContext(ctx, &room, `SELECT code, host, created_at FROM room WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, invalid(ErrNotFound, "room "+code)
	}
	if err != nil {
		return Room{}, persistErr("get room", err)
	}
	return room, nil
}

// DeleteRoom removes a room together with its players, game and game history.
func (e *Engine) DeleteRoom(ctx context.Context, code string) error {
	code = normalizeRoomCode(code)
	err := e.withTx(ctx, "delete room", func(tx *sqlx.Tx) error {
		if _, err := getRoom(ctx, tx, code); err != nil {
			return err
		}

		stmts := []string{
			`DELETE FROM notification WHERE game_id IN (SELECT id FROM game WHERE room_code = ?)`,
			`DELETE FROM game_event WHERE game_id IN (SELECT id FROM game WHERE room_code = ?)`,
			`DELETE FROM action WHERE game_id IN (SELECT id FROM game WHERE room_code = ?)`,
			`DELETE FROM player_role WHERE game_id IN (SELECT id FROM game WHERE room_code = ?)`,
			`DELETE FROM game WHERE room_code = ?`,
			`DELETE FROM player WHERE room_code = ?`,
			`DELETE FROM room WHERE code = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, code); err != nil {
				return persistErr("delete room", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Room %s deleted", code)
	e.publish(code, ChangePlayers, ChangeGame)
	return nil
}

// AddPlayer joins a room. The first player in a room becomes its host.
// The returned player carries the client id used by Rejoin.
func (e *Engine) AddPlayer(ctx context.Context, roomCode, name string) (Player, error) {
	roomCode = normalizeRoomCode(roomCode)
	name = strings.TrimSpace(name)
	if name == "" {
		return Player{}, invalid(ErrInvalidInput, "player name is required")
	}

	player := Player{
		RoomCode: roomCode,
		Name:     name,
		ClientID: newClientID(),
		IsAlive:  true,
		JoinedAt: toMillis(e.now()),
	}

	err := e.withTx(ctx, "add player", func(tx *sqlx.Tx) error {
		if _, err := getRoom(ctx, tx, roomCode); err != nil {
			return err
		}

		game, err := getGameByRoom(ctx, tx, roomCode)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case game.Phase != PhaseWaiting:
			return invalid(ErrConflict, "game already started in room "+roomCode)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO player (room_code, name, client_id, is_host, is_ready, is_alive, joined_at)
			VALUES (?, ?, ?, NOT EXISTS (SELECT 1 FROM player WHERE room_code = ?), 0, 1, ?)`,
			roomCode, name, player.ClientID, roomCode, player.JoinedAt)
		if err != nil {
			return persistErr("insert player", err)
		}
		if player.ID, err = res.LastInsertId(); err != nil {
			return persistErr("insert player id", err)
		}
		err = tx.GetContext(ctx, &player.IsHost, `SELECT is_host FROM player WHERE id = ?`, player.ID)
		return persistErr("read host flag", err)
	})
	if err != nil {
		return Player{}, err
	}

	log.Printf("Player %d (%s) joined room %s (host: %v)", player.ID, player.Name, roomCode, player.IsHost)
	e.publish(roomCode, ChangePlayers)
	return player, nil
}

// ListPlayers returns the room's players in join order.
func (e *Engine) ListPlayers(ctx context.Context, roomCode string) ([]Player, error) {
	roomCode = normalizeRoomCode(roomCode)
	if _, err := getRoom(ctx, e.db, roomCode); err != nil {
		return nil, err
	}
	return getPlayersByRoom(ctx, e.db, roomCode)
}

func (e *Engine) GetPlayer(ctx context.Context, playerID int64) (Player, error) {
	return getPlayer(ctx, e.db, playerID)
}

// Rejoin re-associates a client with the player it created earlier.
func (e *Engine) Rejoin(ctx context.Context, roomCode, clientID string) (Player, error) {
	roomCode = normalizeRoomCode(roomCode)
	var player Player
	err := e.db.GetContext(ctx, &player, `
		SELECT id, room_code, name, client_id, is_host, is_ready, is_alive, joined_at
		FROM player WHERE room_code = ? AND client_id = ?`, roomCode, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return Player{}, invalid(ErrNotFound, "no player for this client in room "+roomCode)
	}
	if err != nil {
		return Player{}, persistErr("rejoin", err)
	}
	return player, nil
}

// SetReady flips the player's ready flag.
func (e *Engine) SetReady(ctx context.Context, playerID int64, ready bool) (Player, error) {
	res, err := e.db.ExecContext(ctx, `UPDATE player SET is_ready = ? WHERE id = ?`, ready, playerID)
	if err != nil {
		return Player{}, persistErr("set ready", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Player{}, persistErr("set ready", err)
	} else if n == 0 {
		return Player{}, invalid(ErrNotFound, fmt.Sprintf("player %d", playerID))
	}

	player, err := getPlayer(ctx, e.db, playerID)
	if err != nil {
		return Player{}, err
	}
	DebugLog("SetReady", "Player '%s' (ID: %d) ready=%v", player.Name, player.ID, ready)
	e.publish(player.RoomCode, ChangePlayers)
	return player, nil
}

// RemovePlayer deletes a player from a room that is not mid-game. When the
// host leaves, the next-earliest joiner becomes host.
func (e *Engine) RemovePlayer(ctx context.Context, playerID int64) error {
	var player Player
	var promoted sql.NullInt64
	err := e.withTx(ctx, "remove player", func(tx *sqlx.Tx) error {
		var err error
		if player, err = getPlayer(ctx, tx, playerID); err != nil {
			return err
		}

		game, err := getGameByRoom(ctx, tx, player.RoomCode)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case game.Phase == PhaseNight || game.Phase == PhaseDay:
			return invalid(ErrConflict, "cannot leave a game in progress")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM player WHERE id = ?`, playerID); err != nil {
			return persistErr("delete player", err)
		}
		if !player.IsHost {
			return nil
		}

		err = tx.GetContext(ctx, &promoted, `
			SELECT id FROM player WHERE room_code = ? ORDER BY joined_at ASC, id ASC LIMIT 1`, player.RoomCode)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return persistErr("find next host", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE player SET is_host = 1 WHERE id = ?`, promoted.Int64)
		return persistErr("promote host", err)
	})
	if err != nil {
		return err
	}

	log.Printf("Player %d (%s) left room %s", player.ID, player.Name, player.RoomCode)
	if promoted.Valid {
		log.Printf("Player %d is now host of room %s", promoted.Int64, player.RoomCode)
	}
	e.publish(player.RoomCode, ChangePlayers)
	return nil
}
