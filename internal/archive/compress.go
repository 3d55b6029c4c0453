// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// newCompressor cria um io.WriteCloser para o codec configurado.
func newCompressor(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case "gzip":
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	default: // zst
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
}

// compressFile compacta srcPath em dstPath atomicamente: grava num .tmp no
// mesmo diretório e renomeia no final, então dstPath nunca existe pela metade.
func compressFile(srcPath, dstPath, codec string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), "transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	abort := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	compressor, err := newCompressor(tmp, codec)
	if err != nil {
		abort()
		return err
	}

	if _, err := io.Copy(compressor, src); err != nil {
		compressor.Close()
		abort()
		return fmt.Errorf("compressing transcript: %w", err)
	}
	if err := compressor.Close(); err != nil {
		abort()
		return fmt.Errorf("closing compressor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	return nil
}
