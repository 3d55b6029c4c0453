// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSource devolve um snapshot fixo do gateway.
type mockSource struct {
	stats GatewayStats
}

func (m *mockSource) GatewayStats() GatewayStats { return m.stats }

func localhostACL(t *testing.T) *ACL {
	t.Helper()
	return NewACL(parseCIDRs(t, "127.0.0.1/32"))
}

func testRouter(t *testing.T, source StatsSource, events *EventStore, history *SessionHistoryStore, metrics *Metrics) http.Handler {
	t.Helper()
	if source == nil {
		source = &mockSource{}
	}
	return NewRouter(source, nil, events, history, metrics, localhostACL(t))
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatus_ReturnsGatewaySnapshot(t *testing.T) {
	source := &mockSource{stats: GatewayStats{
		ActiveSessions: 2,
		MaxSessions:    64,
		Created:        10,
		Deleted:        8,
		Rejected:       1,
		Failed:         1,
		Steps:          250,
		StepErrors:     3,
		Batches:        40,
		Games:          134,
		Active: []ActiveSession{
			{SessionID: "s1", GameFile: "/data/games/g1.z8", Status: "active", Steps: 5, Score: 0.5},
			{SessionID: "s2", GameFile: "/data/games/g2.z8", Status: "done", Steps: 30, Score: 1.0},
		},
	}}
	router := testRouter(t, source, nil, nil, nil)

	rec := get(router, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("expected uptime field")
	}
	if resp.Version == "" {
		t.Error("expected version field")
	}
	if resp.Go == "" {
		t.Error("expected go version field")
	}
	if resp.Sessions.Active != 2 || resp.Sessions.Max != 64 {
		t.Errorf("unexpected occupancy: %+v", resp.Sessions)
	}
	if resp.Sessions.Steps != 250 || resp.Sessions.Batches != 40 {
		t.Errorf("unexpected totals: %+v", resp.Sessions)
	}
	if resp.Games != 134 {
		t.Errorf("expected 134 games, got %d", resp.Games)
	}
	if len(resp.Active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(resp.Active))
	}
	if resp.Active[1].Status != "done" {
		t.Errorf("expected second session done, got %q", resp.Active[1].Status)
	}
	// Sem monitor o host reporta zeros.
	if resp.Host.CPUPercent != 0 || resp.Host.MemoryPercent != 0 {
		t.Errorf("expected zeroed host stats without monitor, got %+v", resp.Host)
	}
}

func TestEvents_ReturnsRecent(t *testing.T) {
	store, err := NewEventStore(filepath.Join(t.TempDir(), "events.jsonl"), 100, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.PushEvent("info", "session_created", "s1", "g1.z8", "session created")
	store.PushEvent("warn", "orphan_removed", "", "", "orphan container removed")

	router := testRouter(t, nil, store, nil, nil)
	rec := get(router, "/api/v1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Events []EventEntry `json:"events"`
		Count  int          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Count != 2 || len(resp.Events) != 2 {
		t.Fatalf("expected 2 events, got count=%d len=%d", resp.Count, len(resp.Events))
	}
	if resp.Events[0].Type != "session_created" {
		t.Errorf("expected session_created first, got %q", resp.Events[0].Type)
	}
}

func TestEvents_LimitParam(t *testing.T) {
	store, err := NewEventStore(filepath.Join(t.TempDir(), "events.jsonl"), 100, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	for i := 0; i < 5; i++ {
		store.PushEvent("info", "test", "", "", "msg")
	}

	router := testRouter(t, nil, store, nil, nil)
	rec := get(router, "/api/v1/events?limit=2")

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected count 2 with limit, got %d", resp.Count)
	}
}

func TestEvents_NilStoreServesEmptyList(t *testing.T) {
	router := testRouter(t, nil, nil, nil, nil)
	rec := get(router, "/api/v1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Events []EventEntry `json:"events"`
		Count  int          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Count != 0 || len(resp.Events) != 0 {
		t.Errorf("expected empty events, got %+v", resp)
	}
}

func TestHistory_ReturnsFinishedSessions(t *testing.T) {
	store, err := NewSessionHistoryStore(filepath.Join(t.TempDir(), "history.jsonl"), 100, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.Push(SessionHistoryEntry{SessionID: "s1", GameFile: "/data/games/g1.z8", Reason: "client_delete", Steps: 7, Score: 1.0, Won: true})

	router := testRouter(t, nil, nil, store, nil)
	rec := get(router, "/api/v1/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		History []SessionHistoryEntry `json:"history"`
		Count   int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("expected 1 entry, got %d", resp.Count)
	}
	if !resp.History[0].Won || resp.History[0].Reason != "client_delete" {
		t.Errorf("unexpected entry: %+v", resp.History[0])
	}
}

func TestPrometheusMetrics_Exposition(t *testing.T) {
	metrics := NewMetrics()
	metrics.SetActiveSessions(3)
	metrics.SessionCreated()
	metrics.SessionRejected()
	metrics.SessionDeleted("client_delete")
	metrics.SessionFailed("init")
	metrics.ObserveStep(120*time.Millisecond, true)
	metrics.ObserveBatchSize(4)
	metrics.SetGamesDiscovered(134)

	router := testRouter(t, nil, nil, nil, metrics)
	rec := get(router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"twgate_sessions_active 3",
		"twgate_sessions_created_total 1",
		"twgate_sessions_rejected_total 1",
		"twgate_sessions_deleted_total{reason=\"client_delete\"} 1",
		"twgate_sessions_failed_total{stage=\"init\"} 1",
		"twgate_steps_total 1",
		"twgate_batch_size_count 1",
		"twgate_games_discovered 134",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics body to contain %q\nbody:\n%s", want, body)
		}
	}
}

func TestACL_BlocksStatusEndpoint(t *testing.T) {
	// ACL só permite 10.0.0.0/8
	acl := NewACL(parseCIDRs(t, "10.0.0.0/8"))
	router := NewRouter(&mockSource{}, nil, nil, nil, nil, acl)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.RemoteAddr = "192.168.1.1:12345" // não permitido
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestNotFound_Returns404(t *testing.T) {
	router := testRouter(t, nil, nil, nil, nil)
	rec := get(router, "/api/v1/nonexistent")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 100},
		{"limit=5", 5},
		{"limit=abc", 100},
		{"limit=-1", 100},
		{"limit=0", 100},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/api/v1/events?"+tc.query, nil)
		if got := parseLimit(req, 100); got != tc.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}
