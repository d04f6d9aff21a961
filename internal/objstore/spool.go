package objstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// memThreshold is how much of an upload is held in memory before
	// spilling to a temp file.
	memThreshold = 1 << 20 // 1 MiB
	// chunkSize is the read granularity for hashing.
	chunkSize = 8 << 20 // 8 MiB
)

// Spool buffers an incoming upload while computing its SHA-256, so the hash
// can be checked against the signed envelope before the object is stored.
// Small payloads stay in memory; larger ones spill to a temp file.
type Spool struct {
	mem  *bytes.Buffer
	file *os.File
	size int64
	hash string
}

// NewSpool drains r, hashing as it reads. tempDir is used only when the
// payload exceeds the in-memory threshold.
func NewSpool(r io.Reader, tempDir string) (*Spool, error) {
	s := &Spool{mem: &bytes.Buffer{}}
	h := sha256.New()
	buf := make([]byte, chunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			h.Write(chunk)
			if werr := s.write(chunk, tempDir); werr != nil {
				s.Close()
				return nil, werr
			}
			s.size += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("spool: read: %w", err)
		}
	}

	s.hash = hex.EncodeToString(h.Sum(nil))
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			s.Close()
			return nil, fmt.Errorf("spool: rewind: %w", err)
		}
	}
	return s, nil
}

func (s *Spool) write(chunk []byte, tempDir string) error {
	if s.file != nil {
		_, err := s.file.Write(chunk)
		return err
	}
	if s.mem.Len()+len(chunk) <= memThreshold {
		_, err := s.mem.Write(chunk)
		return err
	}
	// Spill: move what's buffered plus this chunk to disk.
	f, err := os.CreateTemp(tempDir, "upload-spool-*")
	if err != nil {
		return fmt.Errorf("spool: temp file: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if _, err := f.Write(chunk); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	s.file = f
	s.mem = nil
	return nil
}

// Size is the total payload length in bytes.
func (s *Spool) Size() int64 { return s.size }

// SHA256 is the lowercase hex digest of the payload.
func (s *Spool) SHA256() string { return s.hash }

// Reader returns a reader positioned at the start of the payload. Each call
// rewinds, so the payload can be probed (EXIF) and then streamed out.
func (s *Spool) Reader() io.Reader {
	if s.file != nil {
		s.file.Seek(0, io.SeekStart)
		return s.file
	}
	return bytes.NewReader(s.mem.Bytes())
}

// Close releases the temp file, if one was created.
func (s *Spool) Close() error {
	if s.file != nil {
		name := s.file.Name()
		s.file.Close()
		return os.Remove(name)
	}
	return nil
}
