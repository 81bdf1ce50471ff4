package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// TestLogger routes debug lines through testing.T
type TestLogger struct {
	t     *testing.T
	debug bool
}

func NewTestLogger(t *testing.T) *TestLogger {
	return &TestLogger{t: t, debug: os.Getenv("TEST_DEBUG") == "1"}
}

func (tl *TestLogger) Debug(format string, args ...any) {
	if !tl.debug {
		return
	}
	tl.t.Logf("[DEBUG] "+format, args...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver keeps every published change
type recordingObserver struct {
	mu      sync.Mutex
	changes []ChangeEvent
}

func (o *recordingObserver) Publish(roomCode string, kind ChangeKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, ChangeEvent{Kind: kind, RoomCode: roomCode})
}

func (o *recordingObserver) count(roomCode string, kind ChangeKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.changes {
		if c.RoomCode == roomCode && c.Kind == kind {
			n++
		}
	}
	return n
}

// keepOrder leaves the role pool in its fixed order, so the n-th joiner gets the n-th role
func keepOrder([]Role) {}

// TestEngine wraps an engine backed by its own SQLite file
type TestEngine struct {
	*Engine
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	observer *recordingObserver
	logger   *TestLogger
}

func newTestEngine(t *testing.T, opts ...EngineOption) *TestEngine {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "mafia_test.db")
	db, err := openDB(fmt.Sprintf("file:%s?_busy_timeout=5000", dbPath))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	clock := &testClock{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)}
	observer := &recordingObserver{}
	base := []EngineOption{WithClock(clock.Now), WithObserver(observer), WithShuffle(keepOrder)}
	engine := NewEngine(db, defaultGameConfig(), append(base, opts...)...)

	t.Cleanup(func() {
		engine.Wait()
		db.Close()
	})

	return &TestEngine{
		Engine:   engine,
		t:        t,
		ctx:      context.Background(),
		clock:    clock,
		observer: observer,
		logger:   NewTestLogger(t),
	}
}

// seedRoom creates room code with n players named P1..Pn joining one second apart
func (te *TestEngine) seedRoom(code string, n int) []Player {
	te.t.Helper()
	if _, err := te.CreateRoom(te.ctx, code, "P1"); err != nil {
		te.t.Fatalf("CreateRoom(%s): %v", code, err)
	}
	players := make([]Player, 0, n)
	for i := 1; i <= n; i++ {
		te.clock.Advance(time.Second)
		p, err := te.AddPlayer(te.ctx, code, fmt.Sprintf("P%d", i))
		if err != nil {
			te.t.Fatalf("AddPlayer(P%d): %v", i, err)
		}
		players = append(players, p)
	}
	te.logger.Debug("seeded room %s with %d players", code, n)
	return players
}

// startGame seeds a room and starts its game
func (te *TestEngine) startGame(code string, n int) (Game, []Player) {
	te.t.Helper()
	players := te.seedRoom(code, n)
	game, err := te.StartGame(te.ctx, code)
	if err != nil {
		te.t.Fatalf("StartGame(%s): %v", code, err)
	}
	return game, players
}

func (te *TestEngine) act(game Game, actor Player, actionType ActionType, target *Player) {
	te.t.Helper()
	req := ActionRequest{GameID: game.ID, PlayerID: actor.ID, ActionType: actionType}
	if target != nil {
		req.TargetID = &target.ID
	}
	if _, err := te.SubmitAction(te.ctx, req); err != nil {
		te.t.Fatalf("SubmitAction(%s %s -> %v): %v", actor.Name, actionType, req.TargetID, err)
	}
}

func (te *TestEngine) resolveNight(code string) Game {
	te.t.Helper()
	game, err := te.ResolveNight(te.ctx, code)
	if err != nil {
		te.t.Fatalf("ResolveNight(%s): %v", code, err)
	}
	return game
}

func (te *TestEngine) resolveDay(code string) Game {
	te.t.Helper()
	game, err := te.ResolveDay(te.ctx, code)
	if err != nil {
		te.t.Fatalf("ResolveDay(%s): %v", code, err)
	}
	return game
}

// aliveSet returns both alive flags per player and fails if they disagree
func (te *TestEngine) aliveSet(game Game) map[int64]bool {
	te.t.Helper()
	roles, err := getPlayerRoles(te.ctx, te.db, game.ID)
	if err != nil {
		te.t.Fatalf("getPlayerRoles: %v", err)
	}
	players, err := te.ListPlayers(te.ctx, game.RoomCode)
	if err != nil {
		te.t.Fatalf("ListPlayers: %v", err)
	}
	playerAlive := make(map[int64]bool, len(players))
	for _, p := range players {
		playerAlive[p.ID] = p.IsAlive
	}

	alive := make(map[int64]bool, len(roles))
	for _, r := range roles {
		alive[r.PlayerID] = r.IsAlive
		if playerAlive[r.PlayerID] != r.IsAlive {
			te.t.Errorf("player %d: role alive=%v but player alive=%v", r.PlayerID, r.IsAlive, playerAlive[r.PlayerID])
		}
	}
	return alive
}

func ptr[T any](v T) *T {
	return &v
}

// mockStoryteller returns a fixed story
type mockStoryteller struct {
	story   string
	mu      sync.Mutex
	history []string
}

func (m *mockStoryteller) Tell(_ context.Context, history []string, onChunk func(string)) (string, error) {
	m.mu.Lock()
	m.history = history
	m.mu.Unlock()
	if onChunk != nil {
		onChunk(m.story)
	}
	return m.story, nil
}
