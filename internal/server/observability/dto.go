// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	jsoniter "github.com/json-iterator/go"
)

// json é o codec das respostas e da persistência JSONL deste pacote.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusResponse é retornado por GET /api/v1/status.
type StatusResponse struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Version  string          `json:"version"`
	Go       string          `json:"go"`
	Sessions SessionsStatus  `json:"sessions"`
	Games    int             `json:"games"`
	Host     HostStatus      `json:"host"`
	Active   []ActiveSession `json:"active_sessions"`
}

// SessionsStatus resume a ocupação e os totais acumulados do registry.
type SessionsStatus struct {
	Active     int   `json:"active"`
	Max        int   `json:"max"`
	Created    int64 `json:"created_total"`
	Deleted    int64 `json:"deleted_total"`
	Rejected   int64 `json:"rejected_total"`
	Failed     int64 `json:"failed_total"`
	Steps      int64 `json:"steps_total"`
	StepErrors int64 `json:"step_errors_total"`
	Batches    int64 `json:"batches_total"`
}

// ActiveSession é uma sessão viva na lista de GET /api/v1/status.
type ActiveSession struct {
	SessionID    string  `json:"session_id"`
	GameFile     string  `json:"game_file"`
	Status       string  `json:"status"` // active | done
	Steps        int     `json:"steps"`
	Score        float64 `json:"score"`
	CreatedAt    string  `json:"created_at"`
	LastActivity string  `json:"last_activity"`
	IdleSecs     int64   `json:"idle_secs"`
}

// HostStatus é o snapshot de recursos do host coletado pelo SystemMonitor.
type HostStatus struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // session_created | session_deleted | session_reaped | init_failed | orphan_removed
	Session   string `json:"session,omitempty"`
	Game      string `json:"game,omitempty"`
	Message   string `json:"message"`
}

// SessionHistoryEntry é o resumo de uma sessão finalizada.
type SessionHistoryEntry struct {
	SessionID    string  `json:"session_id"`
	GameFile     string  `json:"game_file"`
	Reason       string  `json:"reason"` // client_delete | idle_timeout | shutdown | delete_all
	Steps        int     `json:"steps"`
	Score        float64 `json:"score"`
	Won          bool    `json:"won"`
	CreatedAt    string  `json:"created_at"`
	EndedAt      string  `json:"ended_at"`
	DurationSecs float64 `json:"duration_secs"`
}

// GatewayStats são os totais do gateway consumidos pelo status e pelo stats
// reporter. Produzidos pelo Handler do server, que enxerga registry, batcher
// e pool de jogos.
type GatewayStats struct {
	ActiveSessions int
	MaxSessions    int
	Created        int64
	Deleted        int64
	Rejected       int64
	Failed         int64
	Steps          int64
	StepErrors     int64
	Batches        int64
	Games          int
	Active         []ActiveSession
}

// StatsSource desacopla este pacote do Handler concreto do server.
type StatsSource interface {
	GatewayStats() GatewayStats
}
