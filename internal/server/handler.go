// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nishisan-dev/tw-gate/internal/batch"
	"github.com/nishisan-dev/tw-gate/internal/config"
	"github.com/nishisan-dev/tw-gate/internal/games"
	"github.com/nishisan-dev/tw-gate/internal/server/observability"
	"github.com/nishisan-dev/tw-gate/internal/session"
)

// json é o codec dos corpos de request e response da API.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Corpos de request.
type createSessionRequest struct {
	GameFile string `json:"game_file"`
	TaskType int    `json:"task_type"`
}

type stepRequest struct {
	Action string `json:"action"`
}

// Corpos de response.
type sessionResponse struct {
	SessionID          string   `json:"session_id"`
	GameFile           string   `json:"game_file"`
	Observation        string   `json:"observation"`
	AdmissibleCommands []string `json:"admissible_commands"`
	Status             string   `json:"status"`
	CreatedAt          string   `json:"created_at"`
	LastActiveAt       string   `json:"last_active_at"`
}

type stepResponse struct {
	SessionID          string   `json:"session_id"`
	Observation        string   `json:"observation"`
	Score              float64  `json:"score"`
	Done               bool     `json:"done"`
	Won                bool     `json:"won"`
	AdmissibleCommands []string `json:"admissible_commands"`
}

type deleteSessionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type deleteAllResponse struct {
	Status  string   `json:"status"`
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
}

type gamesResponse struct {
	Games []string `json:"games"`
	Total int      `json:"total"`
}

type taskTypesResponse struct {
	TaskTypes map[int]string `json:"task_types"`
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	AvailableGames int    `json:"available_games"`
}

// Observability agrupa os componentes opcionais montados sob /api/v1 e
// /metrics quando observability.enabled está ligado.
type Observability struct {
	Monitor *observability.SystemMonitor
	Events  *observability.EventStore
	History *observability.SessionHistoryStore
	Metrics *observability.Metrics
	ACL     *observability.ACL
}

// Handler é o facade HTTP do gateway: traduz a API REST para operações do
// registry e do batch coordinator. A lógica de sessão mora toda lá; aqui é
// só decodificação, tradução de erros e DTOs.
type Handler struct {
	cfg      *config.ServerConfig
	registry *session.Registry
	batcher  *batch.Coordinator
	selector *games.Selector
	obs      Observability
	logger   *slog.Logger
}

// NewHandler cria o facade sobre um registry e um coordinator já construídos.
func NewHandler(cfg *config.ServerConfig, registry *session.Registry, batcher *batch.Coordinator, selector *games.Selector, obs Observability, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		batcher:  batcher,
		selector: selector,
		obs:      obs,
		logger:   logger.With("component", "http"),
	}
}

// Router monta o mux da API, incluindo a superfície de observabilidade
// quando habilitada.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("DELETE /sessions", h.handleDeleteAllSessions)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/step", h.handleStep)
	mux.HandleFunc("GET /games", h.handleListGames)
	mux.HandleFunc("GET /task-types", h.handleTaskTypes)
	mux.HandleFunc("GET /health", h.handleHealth)

	if h.cfg.Observability.Enabled {
		obsRouter := observability.NewRouter(h, h.obs.Monitor, h.obs.Events, h.obs.History, h.obs.Metrics, h.obs.ACL)
		mux.Handle("/api/v1/", obsRouter)
		mux.Handle("/metrics", obsRouter)
	}

	return mux
}

// handleCreateSession admite uma sessão nova. O corpo é opcional: sem
// game_file o selector sorteia do pool, com filtro opcional de task_type.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	sess, err := h.registry.Create(r.Context(), req.GameFile, req.TaskType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionDTO(sess.Snapshot()))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDTO(sess.Snapshot()))
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.Delete(r.Context(), id, session.ReasonClientDelete); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteSessionResponse{Status: "ok", SessionID: id})
}

func (h *Handler) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	deleted := h.registry.DeleteAll(r.Context(), session.ReasonDeleteAll)
	writeJSON(w, http.StatusOK, deleteAllResponse{Status: "ok", Deleted: deleted, Count: len(deleted)})
}

// handleStep submete uma ação pelo batch coordinator e espera o resultado.
func (h *Handler) handleStep(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	resp, err := h.batcher.Submit(r.Context(), sess, req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cmds := resp.AdmissibleCommands
	if cmds == nil {
		cmds = []string{}
	}
	writeJSON(w, http.StatusOK, stepResponse{
		SessionID:          sess.ID,
		Observation:        resp.Observation,
		Score:              resp.Score,
		Done:               resp.Done,
		Won:                resp.Won,
		AdmissibleCommands: cmds,
	})
}

// handleListGames lista o pool descoberto, já traduzido para os paths
// visíveis de dentro do container — os mesmos valores aceitos de volta em
// create_session.game_file.
func (h *Handler) handleListGames(w http.ResponseWriter, r *http.Request) {
	pool := h.selector.Pool()
	list := make([]string, len(pool))
	for i, g := range pool {
		list[i] = h.cfg.Runtime.ParsedData.ContainerPath(g)
	}
	writeJSON(w, http.StatusOK, gamesResponse{Games: list, Total: len(list)})
}

func (h *Handler) handleTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, taskTypesResponse{TaskTypes: games.TaskTypes})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveSessions: h.registry.Len(),
		MaxSessions:    h.cfg.Sessions.MaxSessions,
		AvailableGames: h.selector.Size(),
	})
}

// GatewayStats implementa observability.StatsSource: o snapshot agregado
// consumido por GET /api/v1/status e pelo stats reporter.
func (h *Handler) GatewayStats() observability.GatewayStats {
	rs := h.registry.Stats()
	bs := h.batcher.Stats()

	now := time.Now()
	snaps := h.registry.Snapshots()
	active := make([]observability.ActiveSession, 0, len(snaps))
	for _, s := range snaps {
		active = append(active, observability.ActiveSession{
			SessionID:    s.ID,
			GameFile:     s.GameFile,
			Status:       s.Status,
			Steps:        s.Steps,
			Score:        s.Score,
			CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
			LastActivity: s.LastActiveAt.UTC().Format(time.RFC3339),
			IdleSecs:     int64(now.Sub(s.LastActiveAt).Seconds()),
		})
	}

	return observability.GatewayStats{
		ActiveSessions: rs.Active,
		MaxSessions:    rs.Max,
		Created:        rs.Created,
		Deleted:        rs.Deleted,
		Rejected:       rs.Rejected,
		Failed:         rs.Failed,
		Steps:          bs.Steps,
		StepErrors:     bs.StepErrors,
		Batches:        bs.Batches,
		Games:          h.selector.Size(),
		Active:         active,
	}
}

// sessionDTO converte o snapshot interno para o objeto de sessão da API.
func sessionDTO(snap session.Snapshot) sessionResponse {
	return sessionResponse{
		SessionID:          snap.ID,
		GameFile:           snap.GameFile,
		Observation:        snap.Observation,
		AdmissibleCommands: snap.AdmissibleCommands,
		Status:             snap.Status,
		CreatedAt:          snap.CreatedAt.UTC().Format(time.RFC3339),
		LastActiveAt:       snap.LastActiveAt.UTC().Format(time.RFC3339),
	}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
