package main

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Game start
// ============================================================================

func TestStartGameTwiceConflicts(t *testing.T) {
	te := newTestEngine(t)
	te.startGame("ROOM1", 4)

	_, err := te.StartGame(te.ctx, "ROOM1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second StartGame: got %v, want ErrConflict", err)
	}
}

func TestStartGameNeedsMinimumPlayers(t *testing.T) {
	te := newTestEngine(t)
	te.seedRoom("ROOM1", 2)

	_, err := te.StartGame(te.ctx, "ROOM1")
	if !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("StartGame with 2 players: got %v, want ErrInvalidAction", err)
	}
	if _, err := te.GetGame(te.ctx, "ROOM1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("a rejected start must not leave a game behind, got %v", err)
	}
}

func TestStartGameNeverAllowsParityAtDeal(t *testing.T) {
	te := newTestEngine(t)
	te.seedRoom("ROOM1", 2)

	loose := NewEngine(te.db, GameConfig{NightDuration: time.Minute, DayDuration: time.Minute, MinPlayers: 2}, WithClock(te.clock.Now))
	if _, err := loose.StartGame(te.ctx, "ROOM1"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("two-player start with min_players=2: got %v, want ErrInvalidAction", err)
	}

	te.clock.Advance(time.Second)
	if _, err := te.AddPlayer(te.ctx, "ROOM1", "P3"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	game, err := loose.StartGame(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("three-player start: %v", err)
	}
	if game.Phase != PhaseNight || game.Winner != nil {
		t.Errorf("got %s winner %v, want a running night", game.Phase, game.Winner)
	}
}

func TestStartGameUnknownRoom(t *testing.T) {
	te := newTestEngine(t)
	if _, err := te.StartGame(te.ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestConcurrentStartGameAssignsOnce(t *testing.T) {
	te := newTestEngine(t)
	te.seedRoom("ROOM1", 6)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.StartGame(te.ctx, "ROOM1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("StartGame: %v", err)
			}
		}()
	}
	wg.Wait()

	if started != 1 || conflicts != 7 {
		t.Errorf("started=%d conflicts=%d, want 1 and 7", started, conflicts)
	}
}

// ============================================================================
// Night
// ============================================================================

func TestNightKillFlipsBothAliveFlags(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)

	te.act(game, p[0], ActionKill, &p[3])
	game = te.resolveNight("ROOM1")

	if game.Phase != PhaseDay || game.Day != 1 {
		t.Fatalf("got %s %d, want day 1", game.Phase, game.Day)
	}
	alive := te.aliveSet(game)
	if alive[p[3].ID] {
		t.Errorf("P4 should be dead")
	}
	for _, other := range []Player{p[0], p[1], p[2], p[4], p[5]} {
		if !alive[other.ID] {
			t.Errorf("%s should be alive", other.Name)
		}
	}
}

func TestSaveNegatesKill(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)

	te.act(game, p[0], ActionKill, &p[3])
	te.act(game, p[2], ActionSave, &p[3])
	game = te.resolveNight("ROOM1")

	for id, isAlive := range te.aliveSet(game) {
		if !isAlive {
			t.Errorf("player %d died despite the save", id)
		}
	}
	if game.Winner != nil {
		t.Errorf("no winner expected, got %s", *game.Winner)
	}
}

func TestResolveNightIsIdempotent(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)

	te.act(game, p[0], ActionKill, &p[4])
	first := te.resolveNight("ROOM1")
	aliveAfterFirst := te.aliveSet(first)

	second := te.resolveNight("ROOM1")
	if second.Phase != first.Phase || second.Day != first.Day {
		t.Errorf("second resolve moved the game: %s %d -> %s %d", first.Phase, first.Day, second.Phase, second.Day)
	}
	aliveAfterSecond := te.aliveSet(second)
	for id, a := range aliveAfterFirst {
		if aliveAfterSecond[id] != a {
			t.Errorf("player %d alive flag changed on the repeated resolve", id)
		}
	}
}

func TestConcurrentResolveNightResolvesOnce(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)
	te.act(game, p[0], ActionKill, &p[4])

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := te.ResolveNight(te.ctx, "ROOM1"); err != nil {
				t.Errorf("ResolveNight: %v", err)
			}
		}()
	}
	wg.Wait()

	game, err := te.GetGame(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if game.Phase != PhaseDay || game.Day != 1 {
		t.Errorf("got %s %d, want day 1", game.Phase, game.Day)
	}

	events, err := te.ListEvents(te.ctx, game.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	days := 0
	for _, ev := range events {
		if ev.Type == EventDayStarted {
			days++
		}
	}
	if days != 1 {
		t.Errorf("got %d day_started events, want 1", days)
	}
}

func TestResolveDayDuringNightIsNoop(t *testing.T) {
	te := newTestEngine(t)
	game, _ := te.startGame("ROOM1", 6)

	after := te.resolveDay("ROOM1")
	if after.Phase != PhaseNight || after.Day != game.Day {
		t.Errorf("resolve day during night moved the game to %s %d", after.Phase, after.Day)
	}
}

func TestDoctorSelfHealIsConsumed(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)
	doctor := p[2]

	te.act(game, p[0], ActionKill, &doctor)
	te.act(game, doctor, ActionSave, &doctor)
	game = te.resolveNight("ROOM1")

	if !te.aliveSet(game)[doctor.ID] {
		t.Fatalf("the doctor should survive with a self-heal")
	}
	view, err := te.GetMyRole(te.ctx, doctor.ID, game.ID)
	if err != nil {
		t.Fatalf("GetMyRole: %v", err)
	}
	if !view.DoctorSelfHealUsed {
		t.Errorf("self-heal should be marked used")
	}

	te.resolveDay("ROOM1")
	game, _ = te.GetGame(te.ctx, "ROOM1")
	_, err = te.SubmitAction(te.ctx, ActionRequest{GameID: game.ID, PlayerID: doctor.ID, ActionType: ActionSave, TargetID: &doctor.ID})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("second self-heal: got %v, want ErrInvalidTarget", err)
	}
}

// ============================================================================
// Day
// ============================================================================

func TestVoteTieEliminatesNobody(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)
	game = te.resolveNight("ROOM1")

	te.act(game, p[1], ActionVote, &p[3])
	te.act(game, p[2], ActionVote, &p[3])
	te.act(game, p[3], ActionVote, &p[4])
	te.act(game, p[4], ActionVote, &p[3])
	te.act(game, p[5], ActionVote, &p[4])
	te.act(game, p[0], ActionVote, &p[4])
	game = te.resolveDay("ROOM1")

	if game.Phase != PhaseNight || game.Day != 1 {
		t.Errorf("got %s %d, want night 1", game.Phase, game.Day)
	}
	if game.Winner != nil {
		t.Errorf("tie must not produce a winner")
	}
	for id, isAlive := range te.aliveSet(game) {
		if !isAlive {
			t.Errorf("player %d died on a tied vote", id)
		}
	}
}

func TestDeadPlayerCannotAct(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)
	te.act(game, p[0], ActionKill, &p[3])
	game = te.resolveNight("ROOM1")

	_, err := te.SubmitAction(te.ctx, ActionRequest{GameID: game.ID, PlayerID: p[3].ID, ActionType: ActionVote, TargetID: &p[0].ID})
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("dead voter: got %v, want ErrInvalidAction", err)
	}

	_, err = te.SubmitAction(te.ctx, ActionRequest{GameID: game.ID, PlayerID: p[1].ID, ActionType: ActionVote, TargetID: &p[3].ID})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("vote for dead player: got %v, want ErrInvalidTarget", err)
	}
}

// ============================================================================
// Win conditions
// ============================================================================

func TestTownWinsWhenLastMafiaIsVotedOut(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 7) // P1, P2 mafia

	// Night 0: nobody dies.
	game = te.resolveNight("ROOM1")

	// Day 1: P1 is voted out, 1 mafia vs 5 town.
	for _, voter := range p[1:] {
		te.act(game, voter, ActionVote, &p[0])
	}
	game = te.resolveDay("ROOM1")
	if game.Winner != nil || game.Phase != PhaseNight {
		t.Fatalf("after first mafia out: winner %v phase %s, want no winner and night", game.Winner, game.Phase)
	}

	// Night 1: P2 kills P5, 1 mafia vs 4 town.
	te.act(game, p[1], ActionKill, &p[4])
	game = te.resolveNight("ROOM1")
	if game.Winner != nil {
		t.Fatalf("unexpected winner %s", *game.Winner)
	}

	// Day 2: P2 is voted out.
	for _, voter := range []Player{p[2], p[3], p[5], p[6]} {
		te.act(game, voter, ActionVote, &p[1])
	}
	game = te.resolveDay("ROOM1")
	if game.Winner == nil || *game.Winner != FactionTown || game.Phase != PhaseEnded {
		t.Fatalf("want town win and ended, got winner %v phase %s", game.Winner, game.Phase)
	}
	if game.PhaseEndsAt != nil {
		t.Errorf("ended game should have no deadline")
	}

	// Ended is terminal.
	for _, g := range []Game{te.resolveNight("ROOM1"), te.resolveDay("ROOM1")} {
		if g.Phase != PhaseEnded || g.Winner == nil || *g.Winner != FactionTown {
			t.Errorf("ended game changed to %s winner %v", g.Phase, g.Winner)
		}
	}
	_, err := te.SubmitAction(te.ctx, ActionRequest{GameID: game.ID, PlayerID: p[2].ID, ActionType: ActionVote, TargetID: &p[3].ID})
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("action after the end: got %v, want ErrInvalidAction", err)
	}
}

func TestMafiaWinsAtParity(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 4) // P1 mafia vs 3 town

	te.act(game, p[0], ActionKill, &p[3])
	game = te.resolveNight("ROOM1") // 1 vs 2
	if game.Winner != nil {
		t.Fatalf("unexpected winner %s", *game.Winner)
	}

	te.act(game, p[0], ActionVote, &p[1])
	te.act(game, p[2], ActionVote, &p[1])
	game = te.resolveDay("ROOM1") // 1 vs 1
	if game.Winner == nil || *game.Winner != FactionMafia || game.Phase != PhaseEnded {
		t.Fatalf("want mafia win, got winner %v phase %s", game.Winner, game.Phase)
	}
}

// ============================================================================
// End-to-end
// ============================================================================

func TestSixPlayerGameEndToEnd(t *testing.T) {
	te := newTestEngine(t, WithShuffle(shuffleRoles))
	players := te.seedRoom("ROOM1", 6)
	game, err := te.StartGame(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	byRole := make(map[Role][]Player)
	dealt := make(map[int64]Role)
	for _, p := range players {
		view, err := te.GetMyRole(te.ctx, p.ID, game.ID)
		if err != nil {
			t.Fatalf("GetMyRole(%s): %v", p.Name, err)
		}
		byRole[view.Key] = append(byRole[view.Key], p)
		dealt[p.ID] = view.Key
	}
	counts := roleCounts(dealt)
	if counts[RoleMafia] != 1 || counts[RoleSheriff] != 1 || counts[RoleDoctor] != 1 || counts[RoleVillager] != 3 {
		t.Fatalf("dealt %v, want 1 mafia, 1 sheriff, 1 doctor, 3 villagers", counts)
	}
	mafia, sheriff := byRole[RoleMafia][0], byRole[RoleSheriff][0]

	// Night: the mafia kills the sheriff, the doctor protects someone else.
	te.act(game, mafia, ActionKill, &sheriff)
	te.act(game, byRole[RoleDoctor][0], ActionSave, &byRole[RoleVillager][0])
	game = te.resolveNight("ROOM1")

	if game.Phase != PhaseDay || game.Day != 1 {
		t.Fatalf("got %s %d, want day 1", game.Phase, game.Day)
	}
	if te.aliveSet(game)[sheriff.ID] {
		t.Fatalf("the sheriff should be dead")
	}

	// Day: everyone alive votes the mafia out.
	for _, p := range players {
		if p.ID == sheriff.ID || p.ID == mafia.ID {
			continue
		}
		te.act(game, p, ActionVote, &mafia)
	}
	game = te.resolveDay("ROOM1")

	if game.Phase != PhaseEnded || game.Winner == nil || *game.Winner != FactionTown {
		t.Fatalf("want town win, got %s winner %v", game.Phase, game.Winner)
	}
	if te.observer.count("ROOM1", ChangeGame) < 3 {
		t.Errorf("expected game changes for start and both resolutions")
	}
}

// ============================================================================
// Deadlines
// ============================================================================

func TestStartNightPhaseRearmsDeadline(t *testing.T) {
	te := newTestEngine(t)
	te.startGame("ROOM1", 4)

	te.clock.Advance(10 * time.Second)
	game, err := te.StartNightPhase(te.ctx, "ROOM1", 30)
	if err != nil {
		t.Fatalf("StartNightPhase: %v", err)
	}
	want := toMillis(te.clock.Now().Add(30 * time.Second))
	if game.PhaseEndsAt == nil || *game.PhaseEndsAt != want {
		t.Errorf("phase_ends_at = %v, want %d", game.PhaseEndsAt, want)
	}

	day := te.resolveNight("ROOM1")
	after, err := te.StartNightPhase(te.ctx, "ROOM1", 30)
	if err != nil {
		t.Fatalf("StartNightPhase during day: %v", err)
	}
	if after.Phase != PhaseDay || *after.PhaseEndsAt != *day.PhaseEndsAt {
		t.Errorf("StartNightPhase during day should be a no-op")
	}
}

func TestTickWaitsForDeadline(t *testing.T) {
	te := newTestEngine(t)
	te.startGame("ROOM1", 4)

	te.clock.Advance(59 * time.Second)
	game, err := te.Tick(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if game.Phase != PhaseNight {
		t.Fatalf("tick before the deadline advanced to %s", game.Phase)
	}

	te.clock.Advance(time.Second)
	game, err = te.Tick(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if game.Phase != PhaseDay || game.Day != 1 {
		t.Fatalf("tick after the deadline: got %s %d, want day 1", game.Phase, game.Day)
	}

	te.clock.Advance(120 * time.Second)
	game, err = te.Tick(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if game.Phase != PhaseNight || game.Day != 1 {
		t.Errorf("day tick: got %s %d, want night 1", game.Phase, game.Day)
	}
}

func TestTickLosingRaceToHostLeavesNextDayAlone(t *testing.T) {
	var te *TestEngine
	hostMoves := false
	clock := func() time.Time {
		if hostMoves {
			// The host resolves day 1 and night 1 right after the tick read the game.
			hostMoves = false
			te.resolveDay("ROOM1")
			te.resolveNight("ROOM1")
		}
		return te.clock.Now()
	}
	te = newTestEngine(t, WithClock(clock))

	game, p := te.startGame("ROOM1", 6)
	game = te.resolveNight("ROOM1")
	te.act(game, p[1], ActionVote, &p[3])
	te.clock.Advance(121 * time.Second)

	hostMoves = true
	game, err := te.Tick(te.ctx, "ROOM1")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if game.Phase != PhaseDay || game.Day != 2 {
		t.Fatalf("got %s %d, want day 2 untouched", game.Phase, game.Day)
	}
	if game.deadlinePassed(te.clock.Now()) {
		t.Errorf("day 2 deadline should still be ahead")
	}
	events, err := te.ListEvents(te.ctx, game.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if last := events[len(events)-1]; last.Type != EventDayStarted || last.Message != "Day 2 begins." {
		t.Errorf("last event = %+v, want day 2 start", last)
	}
}

func TestTickExpiredAdvancesOnlyExpiredRooms(t *testing.T) {
	te := newTestEngine(t)
	te.startGame("EARLY", 4)
	te.clock.Advance(30 * time.Second)
	te.startGame("LATE", 4)

	te.clock.Advance(31 * time.Second) // EARLY expired, LATE has 29s left
	if n := te.tickExpired(te.ctx); n != 1 {
		t.Fatalf("advanced %d games, want 1", n)
	}

	early, _ := te.GetGame(te.ctx, "EARLY")
	late, _ := te.GetGame(te.ctx, "LATE")
	if early.Phase != PhaseDay || late.Phase != PhaseNight {
		t.Errorf("EARLY=%s LATE=%s, want day and night", early.Phase, late.Phase)
	}
}

// ============================================================================
// Events
// ============================================================================

func TestEventsNeverNameNightVictims(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)
	te.act(game, p[0], ActionKill, &p[4])
	te.resolveNight("ROOM1")

	events, err := te.ListEvents(te.ctx, game.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	wantTypes := []string{EventGameStarted, EventNightStarted, EventDayStarted}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d: %s, want %s", i, ev.Type, wantTypes[i])
		}
		if containsWord(ev.Message, p[4].Name) {
			t.Errorf("event %q names the night victim", ev.Message)
		}
	}
}

func TestDayEliminationIsAnnounced(t *testing.T) {
	te := newTestEngine(t)
	game, p := te.startGame("ROOM1", 6)
	game = te.resolveNight("ROOM1")
	te.act(game, p[1], ActionVote, &p[5])
	te.resolveDay("ROOM1")

	events, err := te.ListEvents(te.ctx, game.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == EventElimination && containsWord(ev.Message, p[5].Name) {
			found = true
		}
	}
	if !found {
		t.Errorf("no elimination event for %s in %+v", p[5].Name, events)
	}
}

func containsWord(message, word string) bool {
	for i := 0; i+len(word) <= len(message); i++ {
		if message[i:i+len(word)] != word {
			continue
		}
		end := i + len(word)
		if end == len(message) || message[end] < '0' || message[end] > '9' {
			return true
		}
	}
	return false
}
