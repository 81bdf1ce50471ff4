package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// Server exposes the engine over HTTP and the hub over WebSocket
type Server struct {
	engine *Engine
	hub    *Hub
}

func newServer(engine *Engine, hub *Hub) *Server {
	return &Server{engine: engine, hub: hub}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/roles", s.handleListRoles).Methods(http.MethodGet)

	r.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}", s.handleGetRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{code}", s.handleDeleteRoom).Methods(http.MethodDelete)
	r.HandleFunc("/rooms/{code}/players", s.handleAddPlayer).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/players", s.handleListPlayers).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{code}/rejoin", s.handleRejoin).Methods(http.MethodPost)
	r.HandleFunc("/players/{id}/ready", s.handleSetReady).Methods(http.MethodPut)
	r.HandleFunc("/players/{id}", s.handleGetPlayer).Methods(http.MethodGet)
	r.HandleFunc("/players/{id}", s.handleRemovePlayer).Methods(http.MethodDelete)

	r.HandleFunc("/rooms/{code}/game", s.handleStartGame).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/game", s.handleGetGame).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{code}/game/night", s.handleStartNight).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/game/resolve-night", s.handleResolveNight).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/game/resolve-day", s.handleResolveDay).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/game/tick", s.handleTick).Methods(http.MethodPost)

	r.HandleFunc("/games/{id}/players/{pid}/role", s.handleGetMyRole).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/actions", s.handleSubmitAction).Methods(http.MethodPost)
	r.HandleFunc("/games/{id}/sheriff-check", s.handleSheriffCheck).Methods(http.MethodPost)
	r.HandleFunc("/games/{id}/votes", s.handleListVotes).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/players/{pid}/notifications", s.handleListUnread).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/players/{pid}/notifications/consume", s.handleConsume).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)

	r.HandleFunc("/ws/{code}", s.hub.handleWebSocket)

	// Wrapped outside the router so preflight requests reach it.
	return corsMiddleware(disableCaching(r))
}

// corsMiddleware lets browser clients on other origins call the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")

		if strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// State is polled, so responses must never be cached
func disableCaching(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return invalid(ErrInvalidInput, "malformed request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid(ErrInvalidInput, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListRoles())
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
		Host string `json:"host"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendErrorToast(w, "handleCreateRoom", err)
		return
	}
	room, err := s.engine.CreateRoom(r.Context(), body.Code, body.Host)
	if err != nil {
		sendErrorToast(w, "handleCreateRoom", err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.engine.GetRoom(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleGetRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRoom(r.Context(), mux.Vars(r)["code"]); err != nil {
		sendErrorToast(w, "handleDeleteRoom", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddPlayer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendErrorToast(w, "handleAddPlayer", err)
		return
	}
	player, err := s.engine.AddPlayer(r.Context(), mux.Vars(r)["code"], body.Name)
	if err != nil {
		sendErrorToast(w, "handleAddPlayer", err)
		return
	}
	writeJSON(w, http.StatusCreated, player)
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.engine.ListPlayers(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleListPlayers", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(players))
}

func (s *Server) handleRejoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendErrorToast(w, "handleRejoin", err)
		return
	}
	player, err := s.engine.Rejoin(r.Context(), mux.Vars(r)["code"], body.ClientID)
	if err != nil {
		sendErrorToast(w, "handleRejoin", err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (s *Server) handleSetReady(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleSetReady", err)
		return
	}
	var body struct {
		Ready bool `json:"ready"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendErrorToast(w, "handleSetReady", err)
		return
	}
	player, err := s.engine.SetReady(r.Context(), id, body.Ready)
	if err != nil {
		sendErrorToast(w, "handleSetReady", err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleGetPlayer", err)
		return
	}
	player, err := s.engine.GetPlayer(r.Context(), id)
	if err != nil {
		sendErrorToast(w, "handleGetPlayer", err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (s *Server) handleRemovePlayer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleRemovePlayer", err)
		return
	}
	if err := s.engine.RemovePlayer(r.Context(), id); err != nil {
		sendErrorToast(w, "handleRemovePlayer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.engine.StartGame(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleStartGame", err)
		return
	}
	writeJSON(w, http.StatusCreated, game)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.engine.GetGame(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleGetGame", err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleStartNight(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DurationSec int `json:"duration_sec"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendErrorToast(w, "handleStartNight", err)
		return
	}
	game, err := s.engine.StartNightPhase(r.Context(), mux.Vars(r)["code"], body.DurationSec)
	if err != nil {
		sendErrorToast(w, "handleStartNight", err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleResolveNight(w http.ResponseWriter, r *http.Request) {
	game, err := s.engine.ResolveNight(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleResolveNight", err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleResolveDay(w http.ResponseWriter, r *http.Request) {
	game, err := s.engine.ResolveDay(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleResolveDay", err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	game, err := s.engine.Tick(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		sendErrorToast(w, "handleTick", err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleGetMyRole(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleGetMyRole", err)
		return
	}
	playerID, err := pathID(r, "pid")
	if err != nil {
		sendErrorToast(w, "handleGetMyRole", err)
		return
	}
	role, err := s.engine.GetMyRole(r.Context(), playerID, gameID)
	if err != nil {
		sendErrorToast(w, "handleGetMyRole", err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleSubmitAction", err)
		return
	}
	var req ActionRequest
	if err := decodeBody(r, &req); err != nil {
		sendErrorToast(w, "handleSubmitAction", err)
		return
	}
	req.GameID = gameID
	action, err := s.engine.SubmitAction(r.Context(), req)
	if err != nil {
		sendErrorToast(w, "handleSubmitAction", err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleSheriffCheck(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleSheriffCheck", err)
		return
	}
	var body struct {
		SheriffID int64 `json:"sheriff_id"`
		TargetID  int64 `json:"target_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendErrorToast(w, "handleSheriffCheck", err)
		return
	}
	role, err := s.engine.SheriffCheck(r.Context(), gameID, body.SheriffID, body.TargetID)
	if err != nil {
		sendErrorToast(w, "handleSheriffCheck", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target_id": body.TargetID, "role": role})
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleListVotes", err)
		return
	}
	votes, err := s.engine.ListVotes(r.Context(), gameID)
	if err != nil {
		sendErrorToast(w, "handleListVotes", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(votes))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleListEvents", err)
		return
	}
	events, err := s.engine.ListEvents(r.Context(), gameID)
	if err != nil {
		sendErrorToast(w, "handleListEvents", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (s *Server) handleListUnread(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleListUnread", err)
		return
	}
	playerID, err := pathID(r, "pid")
	if err != nil {
		sendErrorToast(w, "handleListUnread", err)
		return
	}
	notifications, err := s.engine.ListUnread(r.Context(), playerID, gameID)
	if err != nil {
		sendErrorToast(w, "handleListUnread", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(notifications))
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleConsume", err)
		return
	}
	playerID, err := pathID(r, "pid")
	if err != nil {
		sendErrorToast(w, "handleConsume", err)
		return
	}
	n, err := s.engine.Consume(r.Context(), playerID, gameID)
	if err != nil {
		sendErrorToast(w, "handleConsume", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		sendErrorToast(w, "handleMarkRead", err)
		return
	}
	if err := s.engine.MarkRead(r.Context(), id); err != nil {
		sendErrorToast(w, "handleMarkRead", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil keeps empty lists encoded as [] rather than null
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
