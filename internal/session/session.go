// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session implementa o núcleo do gateway: o registry de sessões com
// semáforo de admissão, o canal de worker por sessão, o reaper de sessões
// ociosas e o sweep de containers órfãos.
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/archive"
	"github.com/nishisan-dev/tw-gate/internal/container"
	"github.com/nishisan-dev/tw-gate/internal/protocol"
)

// Estados de uma sessão. done é absorvente: aceita leituras de metadados e
// delete, rejeita novos steps.
const (
	StatusActive = "active"
	StatusDone   = "done"
)

// Session liga um id visível ao cliente a um container de worker.
//
// O registry é o dono exclusivo do record; handlers recebem o ponteiro para
// operar (Step, Snapshot) mas criação e remoção passam sempre pelo registry.
type Session struct {
	ID        string
	GameFile  string // path do jogo como visível de dentro do container
	CreatedAt time.Time

	handle  container.Handle
	channel *Channel

	// logger e logCloser pertencem ao arquivo de log dedicado da sessão
	// (quando logging.session_dir está configurado).
	logger    *slog.Logger
	logCloser io.Closer

	// execMu é o lock da sessão: segurado durante todo o write→read de um
	// exchange. O protocolo do worker não tem id de correlação, então nunca
	// pode haver mais de um request em voo por container. Delete também o
	// adquire, para não preemptar um exchange em andamento.
	execMu sync.Mutex

	// lastActive é atualizado a cada step bem-sucedido (UnixNano).
	lastActive atomic.Int64

	// mu protege a visão mutável abaixo; seções críticas curtas, nunca
	// atravessando I/O.
	mu          sync.RWMutex
	status      string
	observation string
	admissible  []string
	steps       int
	score       float64
	won         bool

	recorder *archive.Recorder
}

// Snapshot é a visão imutável de uma sessão, usada pelo facade HTTP e pela
// observabilidade.
type Snapshot struct {
	ID                 string
	GameFile           string
	Observation        string
	AdmissibleCommands []string
	Status             string
	CreatedAt          time.Time
	LastActiveAt       time.Time
	Steps              int
	Score              float64
	Won                bool
}

// Snapshot retorna a visão atual da sessão.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	admissible := make([]string, len(s.admissible))
	copy(admissible, s.admissible)

	return Snapshot{
		ID:                 s.ID,
		GameFile:           s.GameFile,
		Observation:        s.observation,
		AdmissibleCommands: admissible,
		Status:             s.status,
		CreatedAt:          s.CreatedAt,
		LastActiveAt:       s.LastActiveAt(),
		Steps:              s.steps,
		Score:              s.score,
		Won:                s.won,
	}
}

// Status retorna o estado atual (active ou done).
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastActiveAt retorna o instante do último step bem-sucedido (ou da
// criação, antes do primeiro step).
func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Step envia uma ação ao worker e aplica a resposta na sessão.
//
// O lock da sessão é segurado do início do write ao fim do read; submissions
// concorrentes contra a mesma sessão serializam aqui, em ordem de chegada.
// Sessões terminais rejeitam o step com ErrSessionDone antes de tocar o
// stream. Qualquer falha de I/O ou resposta não-ok vira ContainerError; a
// sessão fica então por conta do caller (tipicamente um delete).
func (s *Session) Step(ctx context.Context, action string) (*protocol.Response, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	// Re-checado sob o lock: um step anterior na fila pode ter terminado o jogo.
	if s.Status() == StatusDone {
		return nil, ErrSessionDone
	}

	resp, err := s.channel.Exchange(ctx, protocol.NewStepCommand(action))
	if err != nil {
		return nil, &ContainerError{Stage: "exchange", Err: err}
	}
	if !resp.OK() {
		return nil, containerErrorf("exchange", "worker error: %s", resp.Message)
	}

	s.applyStep(action, resp)
	return resp, nil
}

// initialize roda o round-trip de init do worker e armazena a observação
// inicial. Chamado pelo registry; GameFile já está traduzido para o lado
// container nesse ponto.
func (s *Session) initialize(ctx context.Context) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	resp, err := s.channel.Exchange(ctx, protocol.NewInitCommand(s.GameFile))
	if err != nil {
		return &ContainerError{Stage: "init", Err: err}
	}
	if !resp.OK() {
		return containerErrorf("init", "worker error: %s", resp.Message)
	}

	s.mu.Lock()
	s.observation = resp.Observation
	s.admissible = resp.AdmissibleCommands
	s.mu.Unlock()
	s.lastActive.Store(time.Now().UnixNano())

	s.recorder.RecordInit(s.ID, s.GameFile, resp.Observation, len(resp.AdmissibleCommands))
	return nil
}

// applyStep atualiza a sessão com uma resposta ok de step.
func (s *Session) applyStep(action string, resp *protocol.Response) {
	s.mu.Lock()
	s.observation = resp.Observation
	s.admissible = resp.AdmissibleCommands
	s.steps++
	s.score = resp.Score
	s.won = resp.Won
	if resp.Done {
		s.status = StatusDone
	}
	s.mu.Unlock()
	s.lastActive.Store(time.Now().UnixNano())

	s.recorder.RecordStep(s.ID, action, resp.Observation, resp.Score, resp.Done, resp.Won)
}

// idleFor retorna há quanto tempo a sessão está sem atividade.
func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt())
}

// closeLog fecha o arquivo de log dedicado da sessão, se houver.
func (s *Session) closeLog() {
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}
