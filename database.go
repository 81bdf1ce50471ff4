package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Phase is the game phase stored in game.phase.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseNight   Phase = "night"
	PhaseDay     Phase = "day"
	PhaseEnded   Phase = "ended"
)

type Room struct {
	Code      string `db:"code" json:"code"`
	Host      string `db:"host" json:"host"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

type Player struct {
	ID       int64  `db:"id" json:"id"`
	RoomCode string `db:"room_code" json:"room_code"`
	Name     string `db:"name" json:"name"`
	ClientID string `db:"client_id" json:"client_id,omitempty"` // only returned to the joining client
	IsHost   bool   `db:"is_host" json:"is_host"`
	IsReady  bool   `db:"is_ready" json:"is_ready"`
	IsAlive  bool   `db:"is_alive" json:"is_alive"`
	JoinedAt int64  `db:"joined_at" json:"joined_at"`
}

type Game struct {
	ID          int64    `db:"id" json:"id"`
	RoomCode    string   `db:"room_code" json:"room_code"`
	Phase       Phase    `db:"phase" json:"phase"`
	Day         int      `db:"day" json:"day"`
	PhaseEndsAt *int64   `db:"phase_ends_at" json:"phase_ends_at"` // unix millis
	Winner      *Faction `db:"winner" json:"winner"`
	CreatedAt   int64    `db:"created_at" json:"created_at"`
	UpdatedAt   int64    `db:"updated_at" json:"updated_at"`
}

// PhaseKey scopes actions to one phase occurrence, e.g. "night-0" or "day-1".
func (g Game) PhaseKey() string {
	return phaseKey(g.Phase, g.Day)
}

func phaseKey(phase Phase, day int) string {
	return fmt.Sprintf("%s-%d", phase, day)
}

// deadlinePassed reports whether the phase has a deadline at or before now.
func (g Game) deadlinePassed(now time.Time) bool {
	return g.PhaseEndsAt != nil && *g.PhaseEndsAt <= toMillis(now)
}

type PlayerRole struct {
	GameID             int64 `db:"game_id" json:"game_id"`
	PlayerID           int64 `db:"player_id" json:"player_id"`
	Role               Role  `db:"role" json:"role"`
	IsAlive            bool  `db:"is_alive" json:"is_alive"`
	DoctorSelfHealUsed bool  `db:"doctor_self_heal_used" json:"doctor_self_heal_used"`
}

// Action is the ledger row for one player in one phase occurrence.
type Action struct {
	GameID     int64      `db:"game_id" json:"game_id"`
	PlayerID   int64      `db:"player_id" json:"player_id"`
	Phase      string     `db:"phase" json:"phase"` // phase key
	ActionType ActionType `db:"action_type" json:"action_type"`
	TargetID   *int64     `db:"target_id" json:"target_id"`
	Revealed   bool       `db:"revealed" json:"-"`
	UpdatedAt  int64      `db:"updated_at" json:"updated_at"`
}

type Notification struct {
	ID        int64  `db:"id" json:"id"`
	PlayerID  int64  `db:"player_id" json:"player_id"`
	GameID    int64  `db:"game_id" json:"game_id"`
	Type      string `db:"type" json:"type"`
	Message   string `db:"message" json:"message"`
	DedupeKey string `db:"dedupe_key" json:"-"`
	IsRead    bool   `db:"is_read" json:"is_read"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// GameEvent is one entry of the public game log. Night victims are never named here.
type GameEvent struct {
	ID        int64  `db:"id" json:"id"`
	GameID    int64  `db:"game_id" json:"game_id"`
	Type      string `db:"type" json:"type"`
	Message   string `db:"message" json:"message"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Event types
const (
	EventGameStarted   = "game_started"
	EventNightStarted  = "night_started"
	EventDayStarted    = "day_started"
	EventElimination   = "elimination"
	EventNoElimination = "no_elimination"
	EventGameEnded     = "game_ended"
	EventStory         = "story"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS room (
	code TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS player (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_code TEXT NOT NULL,
	name TEXT NOT NULL,
	client_id TEXT NOT NULL UNIQUE,
	is_host INTEGER NOT NULL DEFAULT 0,
	is_ready INTEGER NOT NULL DEFAULT 0,
	is_alive INTEGER NOT NULL DEFAULT 1,
	joined_at INTEGER NOT NULL,
	FOREIGN KEY (room_code) REFERENCES room(code)
);
CREATE INDEX IF NOT EXISTS idx_player_room ON player(room_code, joined_at, id);
CREATE TABLE IF NOT EXISTS game (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_code TEXT NOT NULL UNIQUE,
	phase TEXT NOT NULL DEFAULT 'waiting',
	day INTEGER NOT NULL DEFAULT 0,
	phase_ends_at INTEGER,
	winner TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (room_code) REFERENCES room(code)
);
CREATE TABLE IF NOT EXISTS player_role (
	game_id INTEGER NOT NULL,
	player_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	is_alive INTEGER NOT NULL DEFAULT 1,
	doctor_self_heal_used INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (game_id) REFERENCES game(id),
	FOREIGN KEY (player_id) REFERENCES player(id),
	UNIQUE(game_id, player_id)
);
CREATE TABLE IF NOT EXISTS action (
	game_id INTEGER NOT NULL,
	player_id INTEGER NOT NULL,
	phase TEXT NOT NULL,
	action_type TEXT NOT NULL,
	target_id INTEGER,
	revealed INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (game_id) REFERENCES game(id),
	FOREIGN KEY (player_id) REFERENCES player(id),
	UNIQUE(game_id, player_id, phase)
);
CREATE TABLE IF NOT EXISTS notification (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	player_id INTEGER NOT NULL,
	game_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	is_read INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (game_id) REFERENCES game(id),
	UNIQUE(player_id, game_id, dedupe_key)
);
CREATE INDEX IF NOT EXISTS idx_notification_unread ON notification(player_id, game_id, is_read);
CREATE TABLE IF NOT EXISTS game_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (game_id) REFERENCES game(id)
);
`

// openDB connects to SQLite and creates the schema.
func openDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// SQLite has a single writer; one connection serializes every transaction.
	db.SetMaxOpenConns(1)

	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initDB(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const gameColumns = `id, room_code, phase, day, phase_ends_at, winner, created_at, updated_at`

func getGameByRoom(ctx context.Context, q queryer, roomCode string) (Game, error) {
	var game Game
	err := q.GetContext(ctx, &game, `SELECT `+gameColumns+` FROM game WHERE room_code = ?`, roomCode)
	if errors.Is(err, sql.ErrNoRows) {
		return Game{}, invalid(ErrNotFound, "no game in room "+roomCode)
	}
	if err != nil {
		return Game{}, persistErr("get game by room", err)
	}
	return game, nil
}

func getGameByID(ctx context.Context, q queryer, gameID int64) (Game, error) {
	var game Game
	err := q.GetContext(ctx, &game, `SELECT `+gameColumns+` FROM game WHERE id = ?`, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return Game{}, invalid(ErrNotFound, fmt.Sprintf("game %d", gameID))
	}
	if err != nil {
		return Game{}, persistErr("get game", err)
	}
	return game, nil
}

func getPlayer(ctx context.Context, q queryer, playerID int64) (Player, error) {
	var player Player
	err := q.GetContext(ctx, &player, `
		SELECT id, room_code, name, is_host, is_ready, is_alive, joined_at
		FROM player WHERE id = ?`, playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Player{}, invalid(ErrNotFound, fmt.Sprintf("player %d", playerID))
	}
	if err != nil {
		return Player{}, persistErr("get player", err)
	}
	return player, nil
}

func getPlayersByRoom(ctx context.Context, q queryer, roomCode string) ([]Player, error) {
	var players []Player
	err := q.SelectContext(ctx, &players, `
		SELECT id, room_code, name, is_host, is_ready, is_alive, joined_at
		FROM player
		WHERE room_code = ?
		ORDER BY joined_at ASC, id ASC`, roomCode)
	if err != nil {
		return nil, persistErr("list players", err)
	}
	return players, nil
}

func getPlayerRole(ctx context.Context, q queryer, gameID, playerID int64) (PlayerRole, error) {
	var pr PlayerRole
	err := q.GetContext(ctx, &pr, `
		SELECT game_id, player_id, role, is_alive, doctor_self_heal_used
		FROM player_role WHERE game_id = ? AND player_id = ?`, gameID, playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerRole{}, invalid(ErrNotFound, fmt.Sprintf("player %d has no role in game %d", playerID, gameID))
	}
	if err != nil {
		return PlayerRole{}, persistErr("get player role", err)
	}
	return pr, nil
}

func getPlayerRoles(ctx context.Context, q queryer, gameID int64) ([]PlayerRole, error) {
	var roles []PlayerRole
	err := q.SelectContext(ctx, &roles, `
		SELECT game_id, player_id, role, is_alive, doctor_self_heal_used
		FROM player_role WHERE game_id = ?
		ORDER BY player_id ASC`, gameID)
	if err != nil {
		return nil, persistErr("list player roles", err)
	}
	return roles, nil
}

func getActionsByPhase(ctx context.Context, q queryer, gameID int64, key string) ([]Action, error) {
	var actions []Action
	err := q.SelectContext(ctx, &actions, `
		SELECT game_id, player_id, phase, action_type, target_id, revealed, updated_at
		FROM action
		WHERE game_id = ? AND phase = ?
		ORDER BY player_id ASC`, gameID, key)
	if err != nil {
		return nil, persistErr("list actions", err)
	}
	return actions, nil
}

func insertEvent(ctx context.Context, q queryer, gameID int64, eventType, message string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO game_event (game_id, type, message, created_at) VALUES (?, ?, ?, ?)`,
		gameID, eventType, message, toMillis(now))
	return persistErr("insert game event", err)
}
