// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxSpoolNameLength é o comprimento máximo aceito para um id de sessão
// usado como componente de path.
const maxSpoolNameLength = 255

// Spool mantém um arquivo JSONL aberto por sessão viva, em {dir}/spool/.
// Cada Append grava a linha imediatamente; um crash no meio de uma sessão
// deixa um transcript parcial válido, recolhido depois por FlushStale.
type Spool struct {
	dir string

	mu   sync.Mutex
	open map[string]*os.File
}

// NewSpool cria (se preciso) o diretório de spool.
func NewSpool(baseDir string) (*Spool, error) {
	dir := filepath.Join(baseDir, "spool")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Spool{
		dir:  dir,
		open: make(map[string]*os.File),
	}, nil
}

// Append grava uma linha no transcript da sessão, abrindo o arquivo na
// primeira escrita.
func (s *Spool) Append(sessionID string, line []byte) error {
	if err := validateSpoolName(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.open[sessionID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening spool file: %w", err)
		}
		s.open[sessionID] = f
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to spool file: %w", err)
	}
	return nil
}

// Seal fecha o arquivo da sessão e retorna o path do JSONL completo,
// pronto para compactação. Retorna "" se a sessão nunca gravou nada.
func (s *Spool) Seal(sessionID string) (string, error) {
	if err := validateSpoolName(sessionID); err != nil {
		return "", err
	}

	s.mu.Lock()
	f, ok := s.open[sessionID]
	if ok {
		delete(s.open, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return "", nil
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing spool file: %w", err)
	}
	return s.path(sessionID), nil
}

// Stale lista arquivos de spool sem handle aberto e sem modificação há mais
// de maxAge. São transcripts de sessões que morreram com o processo.
func (s *Spool) Stale(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		if _, isOpen := s.open[id]; isOpen {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stale = append(stale, filepath.Join(s.dir, e.Name()))
	}
	return stale, nil
}

// Close fecha todos os arquivos abertos. Os JSONLs ficam no spool e serão
// recolhidos como stale num boot futuro.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, f := range s.open {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.open, id)
	}
	return firstErr
}

func (s *Spool) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// validateSpoolName garante que o id é seguro como componente de path.
// Previne path traversal caso um id chegue de fora do gerador de UUIDs.
func validateSpoolName(name string) error {
	if name == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(name) > maxSpoolNameLength {
		return fmt.Errorf("session id exceeds max length %d", maxSpoolNameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("session id contains path separator")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("session id contains null byte")
	}
	if name == "." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("session id contains path traversal")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("session id starts with dot")
	}
	return nil
}
