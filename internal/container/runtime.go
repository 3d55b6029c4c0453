// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package container abstrai o daemon de containers por trás de uma interface
// estreita: start, attach, remove e listagem dos containers gerenciados.
// A implementação concreta fala com o Docker; o resto do gateway depende só
// da interface, o que mantém registry e batcher testáveis sem daemon.
package container

import (
	"context"
	"io"
	"time"
)

// Labels aplicadas a todo container de worker iniciado pelo gateway.
const (
	// LabelSession carrega o id da sessão dona do container.
	LabelSession = "twgate.session"

	// LabelManaged marca containers criados por este gateway, para que o
	// sweep de órfãos nunca toque em containers de terceiros.
	LabelManaged = "twgate.managed"
)

// StartSpec descreve o container de worker de uma sessão.
type StartSpec struct {
	SessionID string
	Image     string
	Command   []string
	Binds     []string // specs "host:container:mode" já validadas pela config
}

// Handle identifica um container iniciado. Opaco para o resto do gateway;
// suficiente para kill/remove e para o detach do stream.
type Handle struct {
	ID string
}

// Stream é o attach bidirecional com o worker. Writes vão crus para o stdin
// do container; reads retornam os frames multiplexados do daemon, que o
// pacote protocol decodifica. SetReadDeadline habilita os sub-polls de 1s
// do canal de worker.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Managed é um container do gateway visto pelo daemon, usado na
// reconciliação de órfãos.
type Managed struct {
	ID        string
	SessionID string
	State     string
	CreatedAt time.Time
}

// Runtime são as operações que o gateway invoca no daemon de containers.
type Runtime interface {
	// Start cria e inicia o container do worker: detached, stdin aberto,
	// auto-remove na saída, binds read-only e labels de sessão.
	Start(ctx context.Context, spec StartSpec) (Handle, error)

	// Attach abre o stream bidirecional (stdin+stdout) com o container.
	Attach(ctx context.Context, h Handle) (Stream, error)

	// Remove força a remoção do container (SIGKILL + remove). Matar um
	// container que já saiu retorna erro do daemon, que os callers logam
	// e engolem.
	Remove(ctx context.Context, h Handle) error

	// ListManaged lista os containers com a label de gerenciamento do
	// gateway, em qualquer estado.
	ListManaged(ctx context.Context) ([]Managed, error)

	// Close libera a conexão com o daemon.
	Close() error
}
