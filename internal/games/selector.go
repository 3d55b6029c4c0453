// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package games

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Selector escolhe um jogo uniformemente ao acaso do pool descoberto,
// com filtro opcional por tipo de tarefa. A fonte de aleatoriedade é
// injetável para seleção determinística em testes.
type Selector struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	pool []string
}

// NewSelector cria um Selector sobre o pool com semente derivada do relógio.
func NewSelector(pool []string) *Selector {
	return NewSeededSelector(pool, time.Now().UnixNano())
}

// NewSeededSelector cria um Selector com semente fixa.
func NewSeededSelector(pool []string, seed int64) *Selector {
	return &Selector{
		rnd:  rand.New(rand.NewSource(seed)),
		pool: pool,
	}
}

// Size retorna o tamanho do pool.
func (s *Selector) Size() int {
	return len(s.pool)
}

// Pool retorna o pool completo, na ordem descoberta.
func (s *Selector) Pool() []string {
	return s.pool
}

// Pick escolhe um jogo. Com taskType válido (1-6), restringe aos paths que
// contêm o rótulo do tipo; se o filtro esvaziar o pool, volta ao pool
// completo. taskType 0 (ou desconhecido) não filtra.
func (s *Selector) Pick(taskType int) (string, error) {
	if len(s.pool) == 0 {
		return "", ErrNoGames
	}

	candidates := s.pool
	if name, ok := TaskTypes[taskType]; ok {
		var filtered []string
		for _, g := range s.pool {
			if strings.Contains(g, name) {
				filtered = append(filtered, g)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	s.mu.Lock()
	idx := s.rnd.Intn(len(candidates))
	s.mu.Unlock()

	return candidates[idx], nil
}
