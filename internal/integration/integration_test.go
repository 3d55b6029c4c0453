// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Testes de ponta a ponta: o gateway HTTP completo sobre um listener real,
// com o daemon de containers substituído por um runtime fake que devolve
// workers roteirizados.
package integration

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/batch"
	"github.com/nishisan-dev/tw-gate/internal/config"
	"github.com/nishisan-dev/tw-gate/internal/container"
	"github.com/nishisan-dev/tw-gate/internal/games"
	"github.com/nishisan-dev/tw-gate/internal/protocol"
	"github.com/nishisan-dev/tw-gate/internal/server"
	"github.com/nishisan-dev/tw-gate/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedStream emula o attach de um worker containerizado.
type scriptedStream struct {
	mu       sync.Mutex
	queue    bytes.Buffer
	deadline time.Time
	closed   bool
	respond  func(cmd protocol.Command) string
}

func stdoutFrame(payload string) []byte {
	b := make([]byte, protocol.FrameHeaderSize+len(payload))
	b[0] = protocol.StreamStdout
	binary.BigEndian.PutUint32(b[protocol.FrameSizeIndex:protocol.FrameHeaderSize], uint32(len(payload)))
	copy(b[protocol.FrameHeaderSize:], payload)
	return b
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	var cmd protocol.Command
	if err := json.Unmarshal(bytes.TrimSpace(p), &cmd); err == nil {
		s.queue.Write(stdoutFrame(s.respond(cmd) + "\n"))
	}
	return len(p), nil
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.EOF
	}
	if s.queue.Len() > 0 {
		n, _ := s.queue.Read(p)
		s.mu.Unlock()
		return n, nil
	}
	deadline := s.deadline
	s.mu.Unlock()

	if wait := time.Until(deadline); wait > 0 {
		time.Sleep(wait)
	}
	return 0, os.ErrDeadlineExceeded
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

func echoWorker(cmd protocol.Command) string {
	switch cmd.Cmd {
	case protocol.CmdInit:
		return `{"status":"ok","observation":"welcome","admissible_commands":["look","go north"]}`
	case protocol.CmdStep:
		return fmt.Sprintf(`{"status":"ok","observation":"you %s","score":0.5,"done":false,"admissible_commands":["look"]}`, cmd.Action)
	default:
		return `{"status":"error","message":"unknown cmd"}`
	}
}

func winningWorker(cmd protocol.Command) string {
	if cmd.Cmd == protocol.CmdStep {
		return `{"status":"ok","observation":"you win","score":1.0,"done":true,"won":true,"admissible_commands":[]}`
	}
	return echoWorker(cmd)
}

type fakeRuntime struct {
	mu      sync.Mutex
	seq     int
	respond func(cmd protocol.Command) string
	removed []string
}

func (f *fakeRuntime) Start(ctx context.Context, spec container.StartSpec) (container.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return container.Handle{ID: fmt.Sprintf("container-%d", f.seq)}, nil
}

func (f *fakeRuntime) Attach(ctx context.Context, h container.Handle) (container.Stream, error) {
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		respond = echoWorker
	}
	return &scriptedStream{respond: respond}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, h container.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, h.ID)
	return nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]container.Managed, error) {
	return nil, nil
}

func (f *fakeRuntime) Close() error { return nil }

// gatewayEnv é um gateway completo servindo HTTP num listener efêmero.
type gatewayEnv struct {
	baseURL  string
	registry *session.Registry
	batcher  *batch.Coordinator
}

func startGateway(t *testing.T, maxSessions int, batchWindow time.Duration, rt *fakeRuntime) *gatewayEnv {
	t.Helper()

	cfg := &config.ServerConfig{}
	cfg.Runtime.DataVolume = "/srv/twgate/data:/data:ro"
	cfg.Runtime.WorkerVolume = "/srv/twgate/worker:/worker:ro"
	cfg.Runtime.StartRate = 1000
	cfg.Runtime.StartBurst = 1000
	cfg.Sessions.MaxSessions = maxSessions
	cfg.Sessions.BatchWindow = batchWindow
	cfg.Sessions.ExchangeTimeout = 2 * time.Second
	cfg.Games.Config = "configs/games.yaml"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	logger := testLogger()
	selector := games.NewSelector([]string{"/srv/twgate/data/games/g1.z8"})
	registry := session.NewRegistry(cfg, rt, selector, session.Sinks{}, logger)
	batcher := batch.NewCoordinator(cfg.Sessions.BatchWindow, nil, logger)
	handler := server.NewHandler(cfg, registry, batcher, selector, server.Observability{}, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.RunWithListener(ctx, ln, cfg, handler, logger)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		registry.DeleteAll(context.Background(), session.ReasonShutdown)
		batcher.Stop()
	})

	return &gatewayEnv{
		baseURL:  "http://" + ln.Addr().String(),
		registry: registry,
		batcher:  batcher,
	}
}

func (env *gatewayEnv) request(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.baseURL+path, rd)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("invalid JSON: %v\nbody: %s", err, data)
	}
}

type sessionBody struct {
	SessionID          string   `json:"session_id"`
	GameFile           string   `json:"game_file"`
	Observation        string   `json:"observation"`
	AdmissibleCommands []string `json:"admissible_commands"`
	Status             string   `json:"status"`
}

type stepBody struct {
	SessionID   string  `json:"session_id"`
	Observation string  `json:"observation"`
	Score       float64 `json:"score"`
	Done        bool    `json:"done"`
	Won         bool    `json:"won"`
}

type errBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

func TestEndToEnd_SessionLifecycle(t *testing.T) {
	env := startGateway(t, 4, 10*time.Millisecond, &fakeRuntime{})

	// Health antes de qualquer sessão.
	code, data := env.request(t, "GET", "/health", "")
	if code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", code)
	}
	var health struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
		MaxSessions    int    `json:"max_sessions"`
		AvailableGames int    `json:"available_games"`
	}
	decode(t, data, &health)
	if health.Status != "ok" || health.ActiveSessions != 0 || health.MaxSessions != 4 || health.AvailableGames != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}

	// Create
	code, data = env.request(t, "POST", "/sessions", "{}")
	if code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d (%s)", code, data)
	}
	var created sessionBody
	decode(t, data, &created)
	if created.SessionID == "" || created.Observation != "welcome" || created.Status != "active" {
		t.Fatalf("unexpected session: %+v", created)
	}
	if created.GameFile != "/data/games/g1.z8" {
		t.Errorf("expected container-side path, got %q", created.GameFile)
	}

	// Get
	code, data = env.request(t, "GET", "/sessions/"+created.SessionID, "")
	if code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", code)
	}
	var fetched sessionBody
	decode(t, data, &fetched)
	if fetched.SessionID != created.SessionID {
		t.Fatalf("get returned wrong session: %+v", fetched)
	}

	// Step
	code, data = env.request(t, "POST", "/sessions/"+created.SessionID+"/step", `{"action":"go north"}`)
	if code != http.StatusOK {
		t.Fatalf("step: expected 200, got %d (%s)", code, data)
	}
	var step stepBody
	decode(t, data, &step)
	if step.Observation != "you go north" || step.Score != 0.5 || step.Done {
		t.Fatalf("unexpected step: %+v", step)
	}

	// Delete
	code, data = env.request(t, "DELETE", "/sessions/"+created.SessionID, "")
	if code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", code)
	}
	var deleted struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
	}
	decode(t, data, &deleted)
	if deleted.Status != "ok" || deleted.SessionID != created.SessionID {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}

	// Get após delete devolve o contrato de erro.
	code, data = env.request(t, "GET", "/sessions/"+created.SessionID, "")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", code)
	}
	var e errBody
	decode(t, data, &e)
	if e.ErrorCode != "session-not-found" || e.Detail == "" {
		t.Fatalf("unexpected error body: %+v", e)
	}
}

func TestEndToEnd_CapacityAndRelease(t *testing.T) {
	env := startGateway(t, 2, 10*time.Millisecond, &fakeRuntime{})

	ids := make([]string, 2)
	for i := range ids {
		code, data := env.request(t, "POST", "/sessions", "{}")
		if code != http.StatusOK {
			t.Fatalf("create %d: expected 200, got %d", i, code)
		}
		var s sessionBody
		decode(t, data, &s)
		ids[i] = s.SessionID
	}

	// Terceira criação esbarra no limite.
	code, data := env.request(t, "POST", "/sessions", "{}")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at capacity, got %d (%s)", code, data)
	}
	var e errBody
	decode(t, data, &e)
	if e.ErrorCode != "no-slots" {
		t.Fatalf("expected no-slots, got %+v", e)
	}

	// Deletar libera o slot imediatamente.
	if code, _ := env.request(t, "DELETE", "/sessions/"+ids[0], ""); code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", code)
	}
	if code, _ := env.request(t, "POST", "/sessions", "{}"); code != http.StatusOK {
		t.Fatalf("create after release: expected 200, got %d", code)
	}
}

func TestEndToEnd_FinishedGame(t *testing.T) {
	env := startGateway(t, 4, 10*time.Millisecond, &fakeRuntime{respond: winningWorker})

	code, data := env.request(t, "POST", "/sessions", "{}")
	if code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", code)
	}
	var created sessionBody
	decode(t, data, &created)

	code, data = env.request(t, "POST", "/sessions/"+created.SessionID+"/step", `{"action":"win"}`)
	if code != http.StatusOK {
		t.Fatalf("winning step: expected 200, got %d", code)
	}
	var step stepBody
	decode(t, data, &step)
	if !step.Done || !step.Won || step.Score != 1.0 {
		t.Fatalf("expected winning step, got %+v", step)
	}

	// Sessão terminada recusa steps até ser deletada.
	code, data = env.request(t, "POST", "/sessions/"+created.SessionID+"/step", `{"action":"look"}`)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 on finished game, got %d", code)
	}
	var e errBody
	decode(t, data, &e)
	if e.ErrorCode != "session-already-done" {
		t.Fatalf("expected session-already-done, got %+v", e)
	}

	if code, _ := env.request(t, "DELETE", "/sessions/"+created.SessionID, ""); code != http.StatusOK {
		t.Fatalf("delete finished: expected 200, got %d", code)
	}
}

func TestEndToEnd_ConcurrentStepsShareBatchWindow(t *testing.T) {
	env := startGateway(t, 4, 150*time.Millisecond, &fakeRuntime{})

	const n = 3
	ids := make([]string, n)
	for i := range ids {
		code, data := env.request(t, "POST", "/sessions", "{}")
		if code != http.StatusOK {
			t.Fatalf("create %d: expected 200, got %d", i, code)
		}
		var s sessionBody
		decode(t, data, &s)
		ids[i] = s.SessionID
	}

	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], _ = env.request(t, "POST", "/sessions/"+ids[i]+"/step", `{"action":"look"}`)
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("step %d: expected 200, got %d", i, code)
		}
	}

	stats := env.batcher.Stats()
	if stats.Steps != n {
		t.Errorf("expected %d steps, got %d", n, stats.Steps)
	}
	if stats.Batches == 0 {
		t.Error("expected at least one batch dispatched")
	}
}

func TestEndToEnd_IdleSessionsReaped(t *testing.T) {
	env := startGateway(t, 4, 10*time.Millisecond, &fakeRuntime{})

	code, data := env.request(t, "POST", "/sessions", "{}")
	if code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", code)
	}
	var created sessionBody
	decode(t, data, &created)

	reaper := session.NewReaper(env.registry, 20*time.Millisecond, 50*time.Millisecond, testLogger())
	reaper.Start()
	defer reaper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		code, _ = env.request(t, "GET", "/sessions/"+created.SessionID, "")
		if code == http.StatusNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not reaped within deadline, last code %d", code)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
