package main

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// ChangeKind tells observers which rows of a room changed.
type ChangeKind string

const (
	ChangePlayers ChangeKind = "players"
	ChangeGame    ChangeKind = "game"
)

// Observer receives a notice after a room's rows change. Delivery is a hint;
// receivers re-read state rather than trusting the notice.
type Observer interface {
	Publish(roomCode string, kind ChangeKind)
}

type nopObserver struct{}

func (nopObserver) Publish(string, ChangeKind) {}

// GameConfig holds the engine's game rules.
type GameConfig struct {
	NightDuration time.Duration
	DayDuration   time.Duration
	MinPlayers    int
}

// minPlayers is the smallest table that does not start at mafia parity.
const minPlayers = 3

func defaultGameConfig() GameConfig {
	return GameConfig{
		NightDuration: 60 * time.Second,
		DayDuration:   120 * time.Second,
		MinPlayers:    minPlayers,
	}
}

// Engine is the single write path for rooms, players and games.
type Engine struct {
	db          *sqlx.DB
	cfg         GameConfig
	observer    Observer
	clock       func() time.Time
	shuffle     func([]Role)
	storyteller Storyteller
	background  sync.WaitGroup
}

type EngineOption func(*Engine)

func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func WithShuffle(shuffle func([]Role)) EngineOption {
	return func(e *Engine) { e.shuffle = shuffle }
}

func WithStoryteller(s Storyteller) EngineOption {
	return func(e *Engine) { e.storyteller = s }
}

func NewEngine(db *sqlx.DB, cfg GameConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		db:       db,
		cfg:      cfg,
		observer: nopObserver{},
		clock:    time.Now,
		shuffle:  shuffleRoles,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MinPlayers < minPlayers {
		e.cfg.MinPlayers = minPlayers
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// withTx runs fn in a transaction. Inside fn, only tx may touch the database.
func (e *Engine) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistErr(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logError(op+": rollback", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op+": commit", err)
	}
	return nil
}

func (e *Engine) publish(roomCode string, kinds ...ChangeKind) {
	for _, kind := range kinds {
		e.observer.Publish(roomCode, kind)
	}
}

// Wait blocks until background work such as narration has finished.
func (e *Engine) Wait() {
	e.background.Wait()
}
