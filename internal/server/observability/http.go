// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// defaultListLimit limita events/history quando o cliente não pede um limite.
const defaultListLimit = 100

// NewRouter cria o http.Handler da superfície de observabilidade, toda atrás
// da ACL. O server monta este router sob /api/v1/ e /metrics no mux principal.
func NewRouter(source StatsSource, monitor *SystemMonitor, events *EventStore, history *SessionHistoryStore, metrics *Metrics, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", makeStatusHandler(source, monitor))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))
	mux.HandleFunc("GET /api/v1/history", makeHistoryHandler(history))
	mux.Handle("GET /metrics", metrics.Handler())

	return acl.Middleware(mux)
}

// makeStatusHandler monta o snapshot completo do gateway.
func makeStatusHandler(source StatsSource, monitor *SystemMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := source.GatewayStats()
		resp := StatusResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: Version,
			Go:      runtime.Version(),
			Sessions: SessionsStatus{
				Active:     stats.ActiveSessions,
				Max:        stats.MaxSessions,
				Created:    stats.Created,
				Deleted:    stats.Deleted,
				Rejected:   stats.Rejected,
				Failed:     stats.Failed,
				Steps:      stats.Steps,
				StepErrors: stats.StepErrors,
				Batches:    stats.Batches,
			},
			Games:  stats.Games,
			Host:   monitor.Stats(),
			Active: stats.Active,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func makeEventsHandler(events *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseLimit(r, defaultListLimit)
		list := events.Recent(limit)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": list,
			"count":  len(list),
		})
	}
}

func makeHistoryHandler(history *SessionHistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseLimit(r, defaultListLimit)
		list := history.Recent(limit)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"history": list,
			"count":   len(list),
		})
	}
}

// parseLimit lê ?limit= com fallback; valores não numéricos ou <= 0 usam o default.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
