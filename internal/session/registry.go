// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/tw-gate/internal/archive"
	"github.com/nishisan-dev/tw-gate/internal/config"
	"github.com/nishisan-dev/tw-gate/internal/container"
	"github.com/nishisan-dev/tw-gate/internal/games"
	"github.com/nishisan-dev/tw-gate/internal/logging"
	"github.com/nishisan-dev/tw-gate/internal/server/observability"
)

// Motivos de remoção, usados em logs, eventos e no histórico de sessões.
const (
	ReasonClientDelete = "client_delete"
	ReasonDeleteAll    = "delete_all"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonShutdown     = "shutdown"
)

// containerTeardownTimeout limita o remove forçado de um container num
// caminho de limpeza; teardown nunca herda o contexto do request.
const containerTeardownTimeout = 30 * time.Second

// Sinks agrupa os destinos opcionais de telemetria do registry.
// Campos nil são aceitos e ignorados.
type Sinks struct {
	Metrics  *observability.Metrics
	Events   *observability.EventStore
	History  *observability.SessionHistoryStore
	Recorder *archive.Recorder
}

// Registry é o dono exclusivo do mapa de sessões: cria (admissão via
// semáforo + boot de container + init do worker), busca e remove. Todas as
// remoções — cliente, reaper, shutdown — passam por Delete, que é quem
// devolve a permit e derruba o container.
type Registry struct {
	cfg      *config.ServerConfig
	runtime  container.Runtime
	selector *games.Selector
	logger   *slog.Logger
	sinks    Sinks

	// permits implementa o teto de admissão: uma permit por sessão
	// inserida, adquirida com try-acquire para que lotação vire erro
	// imediato, nunca espera.
	permits *semaphore.Weighted

	// starts limita a taxa de boot de containers, protegendo o daemon
	// de rajadas de create.
	starts *rate.Limiter

	mu       sync.RWMutex
	sessions map[string]*Session

	createdTotal  atomic.Int64
	deletedTotal  atomic.Int64
	rejectedTotal atomic.Int64
	failedTotal   atomic.Int64
}

// RegistryStats são os contadores acumulados do registry.
type RegistryStats struct {
	Active   int
	Max      int
	Created  int64
	Deleted  int64
	Rejected int64
	Failed   int64
}

// NewRegistry cria o registry sobre um runtime de containers e um pool de
// jogos já descoberto.
func NewRegistry(cfg *config.ServerConfig, rt container.Runtime, selector *games.Selector, sinks Sinks, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		runtime:  rt,
		selector: selector,
		logger:   logger.With("component", "registry"),
		sinks:    sinks,
		permits:  semaphore.NewWeighted(int64(cfg.Sessions.MaxSessions)),
		starts:   rate.NewLimiter(rate.Limit(cfg.Runtime.StartRate), cfg.Runtime.StartBurst),
		sessions: make(map[string]*Session),
	}
}

// Create admite e inicializa uma sessão nova.
//
// gameFile, quando não vazio, é usado verbatim (já no path visível do
// container); vazio, o selector sorteia do pool com filtro por taskType e o
// path do host é traduzido pelo bind de dados. A sessão entra no mapa
// imediatamente antes do init e é removida (rollback) se o init falhar, então
// um create que retornou erro nunca deixa sessão visível.
func (r *Registry) Create(ctx context.Context, gameFile string, taskType int) (*Session, error) {
	if !r.permits.TryAcquire(1) {
		r.rejectedTotal.Add(1)
		r.sinks.Metrics.SessionRejected()
		return nil, ErrNoSlots
	}
	created := false
	defer func() {
		if !created {
			r.permits.Release(1)
		}
	}()

	if gameFile == "" {
		picked, err := r.selector.Pick(taskType)
		if err != nil {
			return nil, err
		}
		gameFile = r.cfg.Runtime.ParsedData.ContainerPath(picked)
	}

	id := uuid.NewString()

	sessLogger, logCloser, _, err := logging.NewSessionLogger(r.logger, r.cfg.Logging.SessionDir, id)
	if err != nil {
		// Sessão funciona sem o arquivo dedicado; segue só com o log global.
		r.logger.Warn("session log file unavailable", "session", id, "error", err)
		sessLogger, logCloser = r.logger, nil
	}
	sessLogger = sessLogger.With("session", id)

	// Pacing de boots: espera (não rejeita) uma vaga do rate limiter.
	if err := r.starts.Wait(ctx); err != nil {
		closeIfSet(logCloser)
		return nil, err
	}

	handle, err := r.runtime.Start(ctx, container.StartSpec{
		SessionID: id,
		Image:     r.cfg.Runtime.Image,
		Command:   r.cfg.Runtime.WorkerCommand,
		Binds: []string{
			r.cfg.Runtime.ParsedData.Bind(),
			r.cfg.Runtime.ParsedWorker.Bind(),
		},
	})
	if err != nil {
		r.createFailed(id, gameFile, "start", err, logCloser)
		return nil, &ContainerError{Stage: "start", Err: err}
	}

	stream, err := r.runtime.Attach(ctx, handle)
	if err != nil {
		r.teardownContainer(handle)
		r.createFailed(id, gameFile, "attach", err, logCloser)
		return nil, &ContainerError{Stage: "attach", Err: err}
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		GameFile:  gameFile,
		CreatedAt: now,
		handle:    handle,
		channel:   NewChannel(stream, r.cfg.Sessions.ExchangeTimeout, sessLogger),
		logger:    sessLogger,
		logCloser: logCloser,
		status:    StatusActive,
		recorder:  r.sinks.Recorder,
	}
	sess.lastActive.Store(now.UnixNano())

	// Visível (e contando contra o teto) antes do init; rollback desfaz.
	r.mu.Lock()
	r.sessions[id] = sess
	active := len(r.sessions)
	r.mu.Unlock()
	r.sinks.Metrics.SetActiveSessions(active)

	if err := sess.initialize(ctx); err != nil {
		r.rollbackCreate(sess, err)
		return nil, err
	}

	created = true
	r.createdTotal.Add(1)
	r.sinks.Metrics.SessionCreated()
	r.sinks.Events.PushEvent("info", "session_created", id, gameFile, "session created")
	sessLogger.Info("session created", "game", gameFile, "container", handle.ID)
	return sess, nil
}

// Get retorna a sessão ou ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete remove a sessão do mapa, espera qualquer exchange em andamento,
// derruba o container e devolve a permit. Retorna o snapshot final.
//
// Falhas de teardown do container são logadas e engolidas: para o caller a
// remoção aconteceu, e o sweep de órfãos recolhe o que o daemon não limpou.
func (r *Registry) Delete(ctx context.Context, id, reason string) (Snapshot, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	r.sinks.Metrics.SetActiveSessions(active)

	// Não preempta um exchange em voo: espera o lock da sessão.
	sess.execMu.Lock()
	_ = sess.channel.Close()
	sess.execMu.Unlock()

	r.teardownContainer(sess.handle)
	r.permits.Release(1)
	r.deletedTotal.Add(1)

	snap := sess.Snapshot()
	endedAt := time.Now()

	eventType := "session_deleted"
	if reason == ReasonIdleTimeout {
		eventType = "session_reaped"
	}
	r.sinks.Metrics.SessionDeleted(reason)
	r.sinks.Events.PushEvent("info", eventType, id, snap.GameFile, reason)
	r.sinks.History.Push(observability.SessionHistoryEntry{
		SessionID:    id,
		GameFile:     snap.GameFile,
		Reason:       reason,
		Steps:        snap.Steps,
		Score:        snap.Score,
		Won:          snap.Won,
		CreatedAt:    snap.CreatedAt.Format(time.RFC3339),
		EndedAt:      endedAt.Format(time.RFC3339),
		DurationSecs: endedAt.Sub(snap.CreatedAt).Seconds(),
	})
	r.sinks.Recorder.Finish(id, reason, snap.Steps, snap.Score, snap.Won)

	sess.logger.Info("session deleted", "reason", reason, "steps", snap.Steps, "score", snap.Score, "won", snap.Won)
	sess.closeLog()
	logging.RemoveSessionLog(r.cfg.Logging.SessionDir, id)

	return snap, nil
}

// DeleteAll remove todas as sessões correntes, sequencialmente, ignorando
// falhas individuais. Retorna os ids efetivamente removidos.
func (r *Registry) DeleteAll(ctx context.Context, reason string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := r.Delete(ctx, id, reason); err != nil {
			r.logger.Warn("session delete failed", "session", id, "error", err)
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted
}

// Len retorna o número de sessões no mapa.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots retorna a visão de todas as sessões, ordenada por criação.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Has informa se o id está registrado. Usado pelo sweep de órfãos.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Stats retorna os contadores acumulados.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Active:   r.Len(),
		Max:      r.cfg.Sessions.MaxSessions,
		Created:  r.createdTotal.Load(),
		Deleted:  r.deletedTotal.Load(),
		Rejected: r.rejectedTotal.Load(),
		Failed:   r.failedTotal.Load(),
	}
}

// rollbackCreate desfaz um create cujo init falhou: tira do mapa, fecha o
// stream e derruba o container. A permit é devolvida pelo defer do Create.
// O arquivo de log da sessão é mantido para inspeção da falha.
func (r *Registry) rollbackCreate(sess *Session, cause error) {
	r.mu.Lock()
	delete(r.sessions, sess.ID)
	active := len(r.sessions)
	r.mu.Unlock()
	r.sinks.Metrics.SetActiveSessions(active)

	_ = sess.channel.Close()
	r.teardownContainer(sess.handle)

	r.failedTotal.Add(1)
	r.sinks.Metrics.SessionFailed("init")
	r.sinks.Events.PushEvent("error", "init_failed", sess.ID, sess.GameFile, cause.Error())
	sess.logger.Error("session init failed", "game", sess.GameFile, "error", cause)
	sess.closeLog()
}

// createFailed registra uma falha de start/attach, antes de existir sessão.
func (r *Registry) createFailed(id, gameFile, stage string, cause error, logCloser io.Closer) {
	r.failedTotal.Add(1)
	r.sinks.Metrics.SessionFailed(stage)
	r.sinks.Events.PushEvent("error", "init_failed", id, gameFile, stage+": "+cause.Error())
	r.logger.Error("session create failed", "session", id, "stage", stage, "game", gameFile, "error", cause)
	closeIfSet(logCloser)
}

// teardownContainer força a remoção do container, melhor esforço.
func (r *Registry) teardownContainer(h container.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), containerTeardownTimeout)
	defer cancel()
	if err := r.runtime.Remove(ctx, h); err != nil {
		r.logger.Warn("container teardown failed", "container", h.ID, "error", err)
	}
}

func closeIfSet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
