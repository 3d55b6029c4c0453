// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/config"
)

// uploadTimeout limita o upload de um transcript para o bucket.
const uploadTimeout = 2 * time.Minute

// Recorder grava o transcript das sessões e arquiva o resultado quando elas
// terminam. Um *Recorder nil (arquivamento desabilitado) aceita todas as
// chamadas como no-op, então sessão e registry gravam incondicionalmente.
//
// O caminho de escrita é síncrono e linha a linha; compactação e upload
// rodam numa goroutine por sessão finalizada.
type Recorder struct {
	cfg      config.ArchiveConfig
	spool    *Spool
	uploader *Uploader
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewRecorder prepara o diretório de archive, o spool e o uploader opcional.
// Só é chamado quando archive.enabled é true.
func NewRecorder(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	spool, err := NewSpool(cfg.Dir)
	if err != nil {
		return nil, err
	}

	var uploader *Uploader
	if cfg.S3.Bucket != "" {
		uploader, err = NewUploader(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
	}

	return &Recorder{
		cfg:      cfg,
		spool:    spool,
		uploader: uploader,
		logger:   logger.With("component", "archive"),
	}, nil
}

// RecordInit registra o round-trip de init no transcript da sessão.
func (r *Recorder) RecordInit(sessionID, gameFile, observation string, admissible int) {
	if r == nil {
		return
	}
	rec := newRecord(recordInit, sessionID)
	rec.GameFile = gameFile
	rec.ObservationSHA, rec.ObservationLen = observationDigest(observation)
	rec.Admissible = admissible
	r.append(sessionID, rec)
}

// RecordStep registra um step bem-sucedido.
func (r *Recorder) RecordStep(sessionID, action, observation string, score float64, done, won bool) {
	if r == nil {
		return
	}
	rec := newRecord(recordStep, sessionID)
	rec.Action = action
	rec.ObservationSHA, rec.ObservationLen = observationDigest(observation)
	rec.Score = score
	rec.Done = done
	rec.Won = won
	r.append(sessionID, rec)
}

// Finish fecha o transcript com o resumo final e dispara compactação e
// upload em background.
func (r *Recorder) Finish(sessionID, reason string, steps int, score float64, won bool) {
	if r == nil {
		return
	}
	rec := newRecord(recordFinish, sessionID)
	rec.Reason = reason
	rec.Steps = steps
	rec.Score = score
	rec.Won = won
	r.append(sessionID, rec)

	raw, err := r.spool.Seal(sessionID)
	if err != nil {
		r.logger.Warn("sealing transcript failed", "session", sessionID, "error", err)
		return
	}
	if raw == "" {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.archive(raw)
	}()
}

// FlushStale recolhe spools de sessões que morreram com um processo anterior
// e os arquiva. Retorna quantos foram processados.
func (r *Recorder) FlushStale(maxAge time.Duration) int {
	if r == nil {
		return 0
	}
	stale, err := r.spool.Stale(maxAge)
	if err != nil {
		r.logger.Warn("stale spool scan failed", "error", err)
		return 0
	}
	for _, p := range stale {
		r.archive(p)
	}
	return len(stale)
}

// Close espera os arquivamentos em voo e fecha o spool.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.wg.Wait()
	return r.spool.Close()
}

// append serializa e grava uma linha; falhas de transcript nunca afetam a
// sessão, só geram warning.
func (r *Recorder) append(sessionID string, rec TranscriptRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.spool.Append(sessionID, line); err != nil {
		r.logger.Warn("transcript append failed", "session", sessionID, "error", err)
	}
}

// archive compacta o JSONL para o diretório final, remove o raw e faz o
// upload opcional. Falha de compactação preserva o raw para o FlushStale.
func (r *Recorder) archive(rawPath string) {
	base := strings.TrimSuffix(filepath.Base(rawPath), ".jsonl")
	dst := filepath.Join(r.cfg.Dir, base+r.cfg.FileExtension())

	if err := compressFile(rawPath, dst, r.cfg.Codec); err != nil {
		r.logger.Warn("transcript compression failed", "path", rawPath, "error", err)
		return
	}
	if err := os.Remove(rawPath); err != nil {
		r.logger.Warn("removing raw transcript failed", "path", rawPath, "error", err)
	}

	if r.uploader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		key, err := r.uploader.Upload(ctx, dst)
		if err != nil {
			r.logger.Warn("transcript upload failed", "path", dst, "error", err)
			return
		}
		r.logger.Debug("transcript uploaded", "key", key)
	}

	r.logger.Debug("transcript archived", "path", dst)
}
