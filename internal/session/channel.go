// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/container"
	"github.com/nishisan-dev/tw-gate/internal/protocol"
)

const (
	// readPollInterval é o sub-deadline de cada Read; mantém o loop
	// responsivo a cancelamento sem queimar CPU.
	readPollInterval = 1 * time.Second

	// readBufferSize é o tamanho da janela de leitura do attach stream.
	readBufferSize = 32 * 1024

	// maxLoggedLine limita linhas do worker citadas em logs e mensagens.
	maxLoggedLine = 160
)

// Channel fala o protocolo de linha JSON com um worker pelo attach stream.
//
// O canal não é seguro para uso concorrente: o lock da sessão serializa os
// exchanges, segurado pelo caller do write ao read. Os carries (frame parcial
// e texto sem newline) sobrevivem entre exchanges — um payload cortado pela
// janela de leitura de um step continua no início do próximo.
type Channel struct {
	stream  container.Stream
	timeout time.Duration
	logger  *slog.Logger

	frameCarry []byte // sufixo que ainda não forma um frame completo
	textCarry  string // texto decodificado ainda sem '\n' final
}

// NewChannel cria o canal sobre um attach stream já estabelecido.
func NewChannel(stream container.Stream, timeout time.Duration, logger *slog.Logger) *Channel {
	return &Channel{
		stream:  stream,
		timeout: timeout,
		logger:  logger,
	}
}

// Exchange escreve um comando no stdin do worker e lê respostas até achar a
// primeira linha lógica completa, dentro do deadline do canal.
//
// Linhas que não parseiam como JSON viram uma resposta sintética de erro —
// parse de lixo nunca propaga como erro de I/O. Timeout retorna
// protocol.ErrExchangeTimeout; stream fechado, protocol.ErrStreamClosed.
func (c *Channel) Exchange(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	if err := protocol.WriteCommand(c.stream, cmd); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, protocol.ErrStreamClosed
		}
		return nil, fmt.Errorf("write %s command: %w", cmd.Cmd, err)
	}

	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, readBufferSize)

	for {
		// Linhas completas podem ter sobrado de uma leitura anterior.
		if resp := c.nextResponse(); resp != nil {
			return resp, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, protocol.ErrExchangeTimeout
		}

		poll := time.Until(deadline)
		if poll > readPollInterval {
			poll = readPollInterval
		}
		if err := c.stream.SetReadDeadline(time.Now().Add(poll)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}

		n, err := c.stream.Read(buf)
		if n > 0 {
			c.ingest(buf[:n])
			if resp := c.nextResponse(); resp != nil {
				return resp, nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, protocol.ErrStreamClosed
			}
			return nil, fmt.Errorf("read worker stream: %w", err)
		}
	}
}

// Close fecha o attach stream subjacente.
func (c *Channel) Close() error {
	return c.stream.Close()
}

// ingest decodifica um chunk lido do stream e acumula o texto resultante.
func (c *Channel) ingest(chunk []byte) {
	text, carry := protocol.DecodeFrames(append(c.frameCarry, chunk...))
	c.frameCarry = carry
	c.textCarry += text
}

// nextResponse consome linhas completas do texto acumulado até produzir uma
// resposta. Linhas em branco são ignoradas; linhas que não parseiam viram a
// resposta sintética de erro.
func (c *Channel) nextResponse() *protocol.Response {
	for {
		line, rest, ok := protocol.CutLine(c.textCarry)
		if !ok {
			return nil
		}
		c.textCarry = rest

		if strings.TrimSpace(line) == "" {
			continue
		}

		resp, err := protocol.ParseResponse(line)
		if err != nil {
			c.logger.Warn("discarding unparseable worker line",
				"line", truncateLine(line),
				"error", err)
			return protocol.ErrorResponse(fmt.Sprintf("unparseable worker line: %s", truncateLine(line)))
		}
		return resp
	}
}

// isTimeout reconhece o estouro de um read deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncateLine(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= maxLoggedLine {
		return line
	}
	return line[:maxLoggedLine] + "..."
}
