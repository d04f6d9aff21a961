package objstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestSpoolSmallStaysInMemory(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("small evidence payload")

	s, err := NewSpool(bytes.NewReader(payload), dir)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	defer s.Close()

	if s.file != nil {
		t.Error("small payload should not spill to disk")
	}
	if s.Size() != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", s.Size(), len(payload))
	}

	sum := sha256.Sum256(payload)
	if s.SHA256() != hex.EncodeToString(sum[:]) {
		t.Errorf("hash mismatch: %s", s.SHA256())
	}

	got, err := io.ReadAll(s.Reader())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("read-back payload differs")
	}
}

func TestSpoolLargeSpillsToDisk(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xAB}, memThreshold+4096)

	s, err := NewSpool(bytes.NewReader(payload), dir)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}

	if s.file == nil {
		t.Fatal("payload over threshold should spill to disk")
	}
	if s.Size() != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", s.Size(), len(payload))
	}

	sum := sha256.Sum256(payload)
	if s.SHA256() != hex.EncodeToString(sum[:]) {
		t.Errorf("hash mismatch: %s", s.SHA256())
	}

	got, err := io.ReadAll(s.Reader())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("read-back payload differs")
	}

	name := s.file.Name()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Error("temp file should be removed on close")
	}
}

func TestSpoolCleansUpTempDir(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0x01}, memThreshold*2)

	s, err := NewSpool(bytes.NewReader(payload), dir)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	s.Close()

	entries, err := filepath.Glob(filepath.Join(dir, "upload-spool-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
