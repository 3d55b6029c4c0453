// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive grava o transcript de cada sessão em JSONL num spool local,
// compacta o arquivo quando a sessão termina (zstd por default, gzip por
// config) e opcionalmente envia o resultado para um bucket S3.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json é o codec das linhas de transcript.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tipos de registro de um transcript.
const (
	recordInit   = "init"
	recordStep   = "step"
	recordFinish = "finish"
)

// TranscriptRecord é uma linha do transcript JSONL de uma sessão.
// Observações entram como hash + tamanho: o transcript documenta o jogo sem
// duplicar o texto completo que já passou pelo cliente.
type TranscriptRecord struct {
	Timestamp      string  `json:"timestamp"`
	Kind           string  `json:"kind"` // init | step | finish
	SessionID      string  `json:"session_id"`
	GameFile       string  `json:"game_file,omitempty"`
	Action         string  `json:"action,omitempty"`
	ObservationSHA string  `json:"observation_sha,omitempty"`
	ObservationLen int     `json:"observation_len,omitempty"`
	Admissible     int     `json:"admissible,omitempty"`
	Score          float64 `json:"score,omitempty"`
	Done           bool    `json:"done,omitempty"`
	Won            bool    `json:"won,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Steps          int     `json:"steps,omitempty"`
}

// newRecord preenche os campos comuns de uma linha.
func newRecord(kind, sessionID string) TranscriptRecord {
	return TranscriptRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		SessionID: sessionID,
	}
}

// observationDigest resume uma observação em hash curto + comprimento.
func observationDigest(observation string) (string, int) {
	sum := sha256.Sum256([]byte(observation))
	return hex.EncodeToString(sum[:])[:12], len(observation)
}
