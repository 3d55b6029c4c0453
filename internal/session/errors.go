// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
)

// Erros sentinela do ciclo de vida de sessões. O facade HTTP os traduz para
// os códigos estáveis da API (no-slots, session-not-found, session-already-done).
var (
	// ErrNoSlots é retornado quando o semáforo de admissão está esgotado.
	// Distinto de ContainerError: o cliente pode tentar de novo mais tarde.
	ErrNoSlots = errors.New("session: no free session slots")

	// ErrNotFound é retornado para ids desconhecidos em get/step/delete.
	ErrNotFound = errors.New("session: not found")

	// ErrSessionDone é retornado para steps contra uma sessão terminal.
	ErrSessionDone = errors.New("session: game already finished")
)

// ContainerError cobre qualquer falha no caminho container: start, attach,
// init, exchange (timeout, EOF, resposta não-ok ou imparseável). O estágio e
// o diagnóstico viram o campo detail da resposta HTTP; o código é estável.
type ContainerError struct {
	Stage string // start | attach | init | exchange
	Err   error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container %s failed: %v", e.Stage, e.Err)
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}

// containerErrorf constrói um ContainerError com diagnóstico formatado.
func containerErrorf(stage, format string, args ...any) *ContainerError {
	return &ContainerError{Stage: stage, Err: fmt.Errorf(format, args...)}
}
