// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

func writeTranscript(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	content := []byte(`{"kind":"init","session_id":"s1"}` + "\n" + `{"kind":"finish","session_id":"s1"}` + "\n")
	src := filepath.Join(dir, "s1.jsonl")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}
	return src, content
}

func TestCompressFile_Zstd(t *testing.T) {
	dir := t.TempDir()
	src, content := writeTranscript(t, dir)
	dst := filepath.Join(dir, "s1.jsonl.zst")

	if err := compressFile(src, dst, "zst"); err != nil {
		t.Fatalf("compressFile: %v", err)
	}

	f, err := os.Open(dst)
	if err != nil {
		t.Fatalf("opening compressed file: %v", err)
	}
	defer f.Close()

	r, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("decompressed content differs from original")
	}
}

func TestCompressFile_Gzip(t *testing.T) {
	dir := t.TempDir()
	src, content := writeTranscript(t, dir)
	dst := filepath.Join(dir, "s1.jsonl.gz")

	if err := compressFile(src, dst, "gzip"); err != nil {
		t.Fatalf("compressFile: %v", err)
	}

	f, err := os.Open(dst)
	if err != nil {
		t.Fatalf("opening compressed file: %v", err)
	}
	defer f.Close()

	r, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("decompressed content differs from original")
	}
}

func TestCompressFile_NoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeTranscript(t, dir)

	if err := compressFile(src, filepath.Join(dir, "out.jsonl.zst"), "zst"); err != nil {
		t.Fatalf("compressFile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("unexpected temp leftover: %s", e.Name())
		}
	}
}

func TestCompressFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := compressFile(filepath.Join(dir, "absent.jsonl"), filepath.Join(dir, "out.zst"), "zst")
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}
