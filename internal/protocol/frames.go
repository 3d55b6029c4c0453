// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de linha JSON falado com os workers
// e o demux dos frames multiplexados do attach stream do daemon de containers.
package protocol

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// json é o codec usado em todo o caminho quente do protocolo.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stream kinds do header de 8 bytes do attach stream.
// Formato: [Kind 1B] [0 0 0] [Length uint32 BE 4B] seguido de Length bytes.
const (
	StreamStdin  byte = 0x00
	StreamStdout byte = 0x01
	StreamStderr byte = 0x02
)

const (
	// FrameHeaderSize é o tamanho do header que precede cada payload.
	FrameHeaderSize = 8

	// FrameSizeIndex é o offset do campo de tamanho dentro do header.
	FrameSizeIndex = 4

	// MaxFramePayload limita o tamanho declarado aceito por frame. Um header
	// com tamanho acima disso é tratado como texto cru (daemon sem framing),
	// nunca acumulado no carry.
	MaxFramePayload = 1 << 20
)

// Comandos aceitos pelo worker.
const (
	CmdInit = "init"
	CmdStep = "step"
)

// Status reportados pelo worker em cada resposta.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Erros do protocolo.
var (
	ErrExchangeTimeout = errors.New("protocol: worker response deadline exceeded")
	ErrStreamClosed    = errors.New("protocol: worker stream closed")
)

// Command é uma linha JSON enviada ao stdin do worker.
type Command struct {
	Cmd      string `json:"cmd"`
	GameFile string `json:"game_file,omitempty"`
	Action   string `json:"action,omitempty"`
}

// NewInitCommand monta o comando de inicialização com o path do jogo
// visível de dentro do container.
func NewInitCommand(gameFile string) Command {
	return Command{Cmd: CmdInit, GameFile: gameFile}
}

// NewStepCommand monta o comando de um passo do jogo.
func NewStepCommand(action string) Command {
	return Command{Cmd: CmdStep, Action: action}
}

// Response é uma linha JSON emitida pelo worker no stdout.
// Em init apenas Observation e AdmissibleCommands são preenchidos;
// em step o worker reporta também Score, Done e Won.
type Response struct {
	Status             string   `json:"status"`
	Message            string   `json:"message,omitempty"`
	Observation        string   `json:"observation,omitempty"`
	Score              float64  `json:"score,omitempty"`
	Done               bool     `json:"done,omitempty"`
	Won                bool     `json:"won,omitempty"`
	AdmissibleCommands []string `json:"admissible_commands,omitempty"`
}

// OK indica se o worker reportou sucesso.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// ErrorResponse constrói a resposta sintética usada quando a linha do worker
// não pôde ser interpretada. Nunca propagamos erro de parse para o caller.
func ErrorResponse(message string) *Response {
	return &Response{Status: StatusError, Message: message}
}

// ParseResponse interpreta uma linha lógica do worker. A linha passa antes
// por ExtractJSONLine, que tolera prints de debug antes do objeto JSON.
func ParseResponse(line string) (*Response, error) {
	var resp Response
	if err := json.UnmarshalFromString(ExtractJSONLine(line), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
