package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCentisecondMS(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{0, 0},
		{1.5, 1500},
		{2.347, 2350},
		{2.344, 2340},
		{0.004, 0},
		{0.005, 10},
	}
	for _, c := range cases {
		if got := CentisecondMS(c.in); got != c.want {
			t.Errorf("CentisecondMS(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestTranscribeDropsEmptySegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			t.Errorf("path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"segments": []map[string]any{
				{"start": 0.0, "end": 2.5, "text": " first words"},
				{"start": 2.5, "end": 3.0, "text": ""},
				{"start": 3.0, "end": 3.5, "text": "   "},
				{"start": 3.5, "end": 4.123, "text": "more words"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, WhisperModel: "base"})
	segments, err := c.Transcribe(context.Background(), "/tmp/clip.mp4")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].Text != "first words" {
		t.Errorf("padding not trimmed: %q", segments[0].Text)
	}
	if segments[0].EndMS != 2500 {
		t.Errorf("segment end: %d", segments[0].EndMS)
	}
	if segments[1].EndMS != 4120 {
		t.Errorf("centisecond rounding: %d, want 4120", segments[1].EndMS)
	}
}

func TestEncodeBatchSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2}}})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.EncodeImageFiles(context.Background(), []string{"a.jpg", "b.jpg"})
	if err == nil {
		t.Error("expected error on embedding count mismatch")
	}
}

func TestVisionCallsAreSerialised(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			old := maxInFlight.Load()
			if n <= old || maxInFlight.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.5}}})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			c.EncodeImageFiles(context.Background(), []string{"x.jpg"})
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	if maxInFlight.Load() != 1 {
		t.Errorf("vision requests overlapped: max in flight %d", maxInFlight.Load())
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.EncodeTexts(context.Background(), []string{"query"})
	if err == nil {
		t.Fatal("expected error")
	}
}
