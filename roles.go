package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

// Role is a registered role key.
type Role string

const (
	RoleMafia    Role = "mafia"
	RoleSheriff  Role = "sheriff"
	RoleDoctor   Role = "doctor"
	RoleVillager Role = "villager"
)

// Faction groups roles for win evaluation.
type Faction string

const (
	FactionMafia Faction = "mafia"
	FactionTown  Faction = "town"
)

// ActionType is the kind of action recorded in the ledger.
type ActionType string

const (
	ActionKill  ActionType = "kill"
	ActionSave  ActionType = "save"
	ActionCheck ActionType = "check"
	ActionVote  ActionType = "vote"
)

func (a ActionType) valid() bool {
	switch a {
	case ActionKill, ActionSave, ActionCheck, ActionVote:
		return true
	}
	return false
}

// phase returns the phase in which the action type is accepted.
func (a ActionType) phase() Phase {
	if a == ActionVote {
		return PhaseDay
	}
	return PhaseNight
}

// RoleInfo describes one role in the registry.
type RoleInfo struct {
	Key         Role       `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Faction     Faction    `json:"faction"`
	NightAction ActionType `json:"night_action,omitempty"`
}

var roleRegistry = []RoleInfo{
	{Key: RoleMafia, Name: "Mafia", Description: "Each night, agree with the other mafia on someone to eliminate.", Faction: FactionMafia, NightAction: ActionKill},
	{Key: RoleDoctor, Name: "Doctor", Description: "Each night, protect one player from the mafia. You may protect yourself once.", Faction: FactionTown, NightAction: ActionSave},
	{Key: RoleSheriff, Name: "Sheriff", Description: "Each night, investigate one player to learn their role.", Faction: FactionTown, NightAction: ActionCheck},
	{Key: RoleVillager, Name: "Villager", Description: "Find the mafia and vote them out during the day.", Faction: FactionTown},
}

func lookupRole(role Role) (RoleInfo, bool) {
	for _, info := range roleRegistry {
		if info.Key == role {
			return info, true
		}
	}
	return RoleInfo{}, false
}

// Faction returns the faction the role plays for. Every non-mafia role is town.
func (r Role) Faction() Faction {
	if r == RoleMafia {
		return FactionMafia
	}
	return FactionTown
}

// allows reports whether the role may perform the action type.
func (r Role) allows(action ActionType) bool {
	if action == ActionVote {
		return true
	}
	info, ok := lookupRole(r)
	return ok && info.NightAction == action
}

// rolePool builds the role multiset for n players in a fixed order.
func rolePool(n int) []Role {
	if n <= 0 {
		return nil
	}
	if n < 4 {
		small := []Role{RoleMafia, RoleSheriff, RoleVillager, RoleVillager}
		return append([]Role(nil), small[:n]...)
	}

	mafia := 1
	switch {
	case n >= 10:
		mafia = 3
	case n >= 7:
		mafia = 2
	}

	pool := make([]Role, 0, n)
	for i := 0; i < mafia; i++ {
		pool = append(pool, RoleMafia)
	}
	pool = append(pool, RoleSheriff, RoleDoctor)
	for len(pool) < n {
		pool = append(pool, RoleVillager)
	}
	return pool
}

// shuffleEntropy feeds shuffleRoles
var shuffleEntropy io.Reader = rand.Reader

// shuffleRoles performs a Fisher-Yates shuffle using crypto/rand. If the
// entropy source fails it reshuffles the whole pool with math/rand instead.
func shuffleRoles(roles []Role) {
	for i := len(roles) - 1; i > 0; i-- {
		jBig, err := rand.Int(shuffleEntropy, big.NewInt(int64(i+1)))
		if err != nil {
			log.Printf("Role shuffle: crypto/rand failed (%v), falling back to math/rand", err)
			mrand.Shuffle(len(roles), func(a, b int) { roles[a], roles[b] = roles[b], roles[a] })
			return
		}
		j := int(jBig.Int64())
		roles[i], roles[j] = roles[j], roles[i]
	}
}

// assignRoles zips a shuffled pool against players in join order.
func assignRoles(players []Player, shuffle func([]Role)) map[int64]Role {
	pool := rolePool(len(players))
	shuffle(pool)

	assigned := make(map[int64]Role, len(players))
	for i, p := range players {
		assigned[p.ID] = pool[i]
	}
	return assigned
}

// storeRoles replaces any prior assignment for the game, inserts the new one
// and marks every player of the room alive.
func storeRoles(ctx context.Context, q queryer, game Game, players []Player, assigned map[int64]Role) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM player_role WHERE game_id = ?`, game.ID); err != nil {
		return persistErr("clear player roles", err)
	}
	for _, p := range players {
		_, err := q.ExecContext(ctx, `
			INSERT INTO player_role (game_id, player_id, role, is_alive, doctor_self_heal_used)
			VALUES (?, ?, ?, 1, 0)`, game.ID, p.ID, assigned[p.ID])
		if err != nil {
			return persistErr("insert player role", err)
		}
		DebugLog("storeRoles", "Game %d: player '%s' (ID: %d) is %s", game.ID, p.Name, p.ID, assigned[p.ID])
	}
	if _, err := q.ExecContext(ctx, `UPDATE player SET is_alive = 1 WHERE room_code = ?`, game.RoomCode); err != nil {
		return persistErr("revive players", err)
	}
	return nil
}

// RoleView is what a player learns about their own role.
type RoleView struct {
	RoleInfo
	IsAlive            bool     `json:"is_alive"`
	DoctorSelfHealUsed bool     `json:"doctor_self_heal_used,omitempty"`
	Teammates          []Player `json:"teammates,omitempty"` // fellow mafia
}

// GetMyRole returns the caller's role for the game. Mafia also learn who the other mafia are.
func (e *Engine) GetMyRole(ctx context.Context, playerID, gameID int64) (RoleView, error) {
	pr, err := getPlayerRole(ctx, e.db, gameID, playerID)
	if err != nil {
		return RoleView{}, err
	}
	info, ok := lookupRole(pr.Role)
	if !ok {
		return RoleView{}, fmt.Errorf("%w: unknown role %q", ErrPersistence, pr.Role)
	}

	view := RoleView{RoleInfo: info, IsAlive: pr.IsAlive, DoctorSelfHealUsed: pr.DoctorSelfHealUsed}
	if pr.Role == RoleMafia {
		err := e.db.SelectContext(ctx, &view.Teammates, `
			SELECT p.id, p.room_code, p.name, p.is_host, p.is_ready, p.is_alive, p.joined_at
			FROM player_role r
			JOIN player p ON p.id = r.player_id
			WHERE r.game_id = ? AND r.role = ? AND r.player_id != ?
			ORDER BY p.joined_at, p.id`, gameID, RoleMafia, playerID)
		if err != nil {
			return RoleView{}, persistErr("list mafia teammates", err)
		}
	}
	return view, nil
}

// ListRoles returns the role registry.
func ListRoles() []RoleInfo {
	return append([]RoleInfo(nil), roleRegistry...)
}

// roleCounts is used for log lines.
func roleCounts(assigned map[int64]Role) map[Role]int {
	counts := make(map[Role]int)
	for _, r := range assigned {
		counts[r]++
	}
	return counts
}

func logAssignment(game Game, assigned map[int64]Role, now time.Time) {
	log.Printf("Game %d started in room %s at %s with roles %v", game.ID, game.RoomCode, now.Format(time.RFC3339), roleCounts(assigned))
}
