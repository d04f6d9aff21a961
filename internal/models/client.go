package models

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client talks to the model-inference sidecar over HTTP. The sidecar runs
// the vision encoder, the text encoder, whisper, the captioner and the face
// detector on one GPU, so calls are serialised here: visionMu covers every
// image-consuming model, textMu the text encoder. Holding the lock across
// the HTTP round trip is what keeps the GPU single-tenant.
type Client struct {
	BaseURL string

	VisionModel  string
	TextModel    string
	WhisperModel string
	CaptionModel string
	Device       string

	http *http.Client

	visionMu sync.Mutex
	textMu   sync.Mutex
}

type Config struct {
	BaseURL      string
	VisionModel  string
	TextModel    string
	WhisperModel string
	CaptionModel string
	Device       string // cpu, cuda or mps; the sidecar places models accordingly
	Timeout      time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute // transcription of long clips is slow
	}
	return &Client{
		BaseURL:      cfg.BaseURL,
		VisionModel:  cfg.VisionModel,
		TextModel:    cfg.TextModel,
		WhisperModel: cfg.WhisperModel,
		CaptionModel: cfg.CaptionModel,
		Device:       cfg.Device,
		http:         &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Device != "" {
		httpReq.Header.Set("X-Model-Device", c.Device)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("models: %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("models: %s returned %d: %s", path, httpResp.StatusCode, msg)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// EncodeImageFiles embeds a batch of image files the sidecar can read from
// the shared volume.
func (c *Client) EncodeImageFiles(ctx context.Context, paths []string) ([][]float32, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.post(ctx, "/encode/image", map[string]any{
		"model": c.VisionModel,
		"paths": paths,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(paths) {
		return nil, fmt.Errorf("models: got %d embeddings for %d images", len(resp.Embeddings), len(paths))
	}
	return resp.Embeddings, nil
}

// EncodeImageBytes embeds one in-memory image, for query-by-image search.
func (c *Client) EncodeImageBytes(ctx context.Context, image []byte) ([]float32, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.post(ctx, "/encode/image", map[string]any{
		"model":  c.VisionModel,
		"images": []string{base64.StdEncoding.EncodeToString(image)},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("models: expected one embedding, got %d", len(resp.Embeddings))
	}
	return resp.Embeddings[0], nil
}

// EncodeTexts embeds a batch of strings with the text model.
func (c *Client) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	c.textMu.Lock()
	defer c.textMu.Unlock()

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.post(ctx, "/encode/text", map[string]any{
		"model": c.TextModel,
		"texts": texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("models: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// EncodeTextVisual embeds a query string with the vision model's text
// tower, making it comparable against frame and clip embeddings.
func (c *Client) EncodeTextVisual(ctx context.Context, text string) ([]float32, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.post(ctx, "/encode/text", map[string]any{
		"model": c.VisionModel,
		"texts": []string{text},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("models: expected one embedding, got %d", len(resp.Embeddings))
	}
	return resp.Embeddings[0], nil
}

// Segment is one transcribed span. Timestamps are in milliseconds.
type Segment struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Transcribe runs whisper on a media file. The sidecar reports seconds with
// centisecond precision; they are converted here so stored timestamps are
// always whole multiples of 10ms.
func (c *Client) Transcribe(ctx context.Context, mediaPath string) ([]Segment, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	err := c.post(ctx, "/transcribe", map[string]any{
		"model": c.WhisperModel,
		"path":  mediaPath,
	}, &resp)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		// Whisper pads segment text with leading spaces and emits
		// whitespace-only segments on silence.
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			StartMS: CentisecondMS(s.Start),
			EndMS:   CentisecondMS(s.End),
			Text:    text,
		})
	}
	return segments, nil
}

// CentisecondMS converts seconds to milliseconds rounded to centisecond
// precision.
func CentisecondMS(seconds float64) int64 {
	return int64(math.Round(seconds*100)) * 10
}

// CaptionImages produces one caption per image file.
func (c *Client) CaptionImages(ctx context.Context, paths []string) ([]string, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Captions []string `json:"captions"`
	}
	err := c.post(ctx, "/caption", map[string]any{
		"model": c.CaptionModel,
		"paths": paths,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Captions) != len(paths) {
		return nil, fmt.Errorf("models: got %d captions for %d images", len(resp.Captions), len(paths))
	}
	return resp.Captions, nil
}

// CaptionImage captions a single frame. The external API provider is
// network-bound rather than accelerator-bound, so no model lock is held;
// callers bound their own concurrency.
func (c *Client) CaptionImage(ctx context.Context, path string) (string, error) {
	var resp struct {
		Captions []string `json:"captions"`
	}
	err := c.post(ctx, "/caption", map[string]any{
		"model": c.CaptionModel,
		"paths": []string{path},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Captions) != 1 {
		return "", fmt.Errorf("models: got %d captions for one image", len(resp.Captions))
	}
	return resp.Captions[0], nil
}

// CaptionAction describes the motion across a window of frames.
func (c *Client) CaptionAction(ctx context.Context, framePaths []string) (string, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Caption string `json:"caption"`
	}
	err := c.post(ctx, "/caption/action", map[string]any{
		"model": c.CaptionModel,
		"paths": framePaths,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Caption, nil
}

// FaceBox is one detected face with its embedding.
type FaceBox struct {
	X1        int       `json:"x1"`
	Y1        int       `json:"y1"`
	X2        int       `json:"x2"`
	Y2        int       `json:"y2"`
	Score     float64   `json:"score"`
	Embedding []float32 `json:"embedding"`
}

// DetectFaces runs face detection + embedding on one image file.
func (c *Client) DetectFaces(ctx context.Context, path string, minScore float64) ([]FaceBox, error) {
	c.visionMu.Lock()
	defer c.visionMu.Unlock()

	var resp struct {
		Faces []FaceBox `json:"faces"`
	}
	err := c.post(ctx, "/faces/detect", map[string]any{
		"path":      path,
		"min_score": minScore,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// Health pings the sidecar.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models: health returned %d", resp.StatusCode)
	}
	return nil
}
