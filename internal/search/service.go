package search

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/models"
)

const (
	ModeVisual          = "visual"
	ModeTranscript      = "transcript"
	ModeTranscriptExact = "transcript-exact"
	ModeCaptions        = "captions"
	ModeCaptionsExact   = "captions-exact"
	ModeClips           = "clips"
	ModeActions         = "actions"
	ModeActionsExact    = "actions-exact"
	ModeCombined        = "combined"

	DefaultLimit = 40
	MaxLimit     = 200
)

// Recorder receives per-search timings.
type Recorder interface {
	RecordSearch(mode string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordSearch(string, time.Duration) {}

// Result is one search hit. Score is cosine similarity for embedding
// modes; exact matches report 1. Combined results carry both component
// scores alongside the primary.
type Result struct {
	VideoID      uuid.UUID `json:"video_id"`
	Score        float64   `json:"score"`
	TimestampMS  int64     `json:"timestamp_ms"`
	FrameNum     int       `json:"frame_num,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
	Source       string    `json:"source"`
	VisualScore  float64   `json:"visual_score,omitempty"`
	CaptionScore float64   `json:"caption_score,omitempty"`
}

// Timing breaks a query down into model time and database time.
type Timing struct {
	EncodeMS int64 `json:"encode_ms"`
	SearchMS int64 `json:"search_ms"`
	TotalMS  int64 `json:"total_ms"`
}

type Response struct {
	Results []Result `json:"results"`
	Count   int      `json:"count"`
	Timing  Timing   `json:"timing"`
}

// Service answers queries against the embedding tables.
type Service struct {
	DB      *sql.DB
	Models  *models.Client
	Logs    data.SearchLogModel
	LogOff  bool
	Metrics Recorder
}

func (s *Service) recorder() Recorder {
	if s.Metrics == nil {
		return nopRecorder{}
	}
	return s.Metrics
}

// Search runs a text query in the given mode.
func (s *Service) Search(ctx context.Context, mode, query string, limit int) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	limit = clampLimit(limit)

	start := time.Now()
	var results []Result
	var encode time.Duration
	var err error
	switch mode {
	case ModeVisual:
		results, encode, err = s.visual(ctx, query, limit)
	case ModeTranscript:
		results, encode, err = s.transcript(ctx, query, limit)
	case ModeTranscriptExact:
		results, err = s.textMatches(ctx, ModeTranscriptExact, query, limit)
	case ModeCaptions:
		results, encode, err = s.captions(ctx, query, limit)
	case ModeCaptionsExact:
		results, err = s.textMatches(ctx, ModeCaptionsExact, query, limit)
	case ModeClips:
		results, encode, err = s.clips(ctx, query, limit)
	case ModeActions:
		results, encode, err = s.actions(ctx, query, limit)
	case ModeActionsExact:
		results, err = s.textMatches(ctx, ModeActionsExact, query, limit)
	case ModeCombined:
		results, encode, err = s.combined(ctx, query, limit)
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	s.recorder().RecordSearch(mode, elapsed)
	s.logQuery(ctx, query, mode, len(results), elapsed)
	return s.respond(results, encode, elapsed), nil
}

// SearchByImage embeds an uploaded image and looks for visually similar
// frames. Logged with a placeholder since the query has no text.
func (s *Service) SearchByImage(ctx context.Context, image []byte, limit int) (*Response, error) {
	limit = clampLimit(limit)

	start := time.Now()
	vec, err := s.Models.EncodeImageBytes(ctx, image)
	if err != nil {
		return nil, err
	}
	encode := time.Since(start)
	results, err := s.frameNeighbors(ctx, vec, limit)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	s.recorder().RecordSearch("visual-image", elapsed)
	s.logQuery(ctx, "[image]", "visual-image", len(results), elapsed)
	return s.respond(results, encode, elapsed), nil
}

func (s *Service) respond(results []Result, encode, total time.Duration) *Response {
	return &Response{
		Results: results,
		Count:   len(results),
		Timing: Timing{
			EncodeMS: encode.Milliseconds(),
			SearchMS: (total - encode).Milliseconds(),
			TotalMS:  total.Milliseconds(),
		},
	}
}

func clampLimit(limit int) int {
	if limit < 1 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func (s *Service) logQuery(ctx context.Context, query, mode string, count int, d time.Duration) {
	if s.LogOff {
		return
	}
	err := s.Logs.Insert(ctx, &data.SearchQuery{
		QueryText:   query,
		Mode:        mode,
		ResultCount: count,
		DurationMS:  d.Milliseconds(),
	})
	if err != nil {
		log.Printf("[Search] query log: %v", err)
	}
}

// visual encodes the query through the vision model's text branch so it
// lands in the same space as the frame embeddings.
func (s *Service) visual(ctx context.Context, query string, limit int) ([]Result, time.Duration, error) {
	encStart := time.Now()
	vec, err := s.Models.EncodeTextVisual(ctx, query)
	encode := time.Since(encStart)
	if err != nil {
		return nil, encode, err
	}
	results, err := s.frameNeighbors(ctx, vec, limit)
	return results, encode, err
}

func (s *Service) frameNeighbors(ctx context.Context, vec []float32, limit int) ([]Result, error) {
	return s.neighbors(ctx, ModeVisual, `
		SELECT video_id, frame_num, timestamp_ms, '',
		       1 - (embedding <=> $1) AS score
		FROM frame_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`, vec, limit)
}

func (s *Service) transcript(ctx context.Context, query string, limit int) ([]Result, time.Duration, error) {
	encStart := time.Now()
	vec, err := s.Models.EncodeTexts(ctx, []string{query})
	encode := time.Since(encStart)
	if err != nil {
		return nil, encode, err
	}
	results, err := s.neighbors(ctx, ModeTranscript, `
		SELECT video_id, 0, start_ms, segment_text,
		       1 - (embedding <=> $1) AS score
		FROM transcript_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`, vec[0], limit)
	return results, encode, err
}

func (s *Service) captions(ctx context.Context, query string, limit int) ([]Result, time.Duration, error) {
	encStart := time.Now()
	vec, err := s.Models.EncodeTexts(ctx, []string{query})
	encode := time.Since(encStart)
	if err != nil {
		return nil, encode, err
	}
	results, err := s.captionNeighbors(ctx, vec[0], limit)
	return results, encode, err
}

func (s *Service) captionNeighbors(ctx context.Context, vec []float32, limit int) ([]Result, error) {
	return s.neighbors(ctx, ModeCaptions, `
		SELECT video_id, frame_num, timestamp_ms, caption,
		       1 - (embedding <=> $1) AS score
		FROM caption_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`, vec, limit)
}

// clips searches the mean-pooled window embeddings with the same
// vision-space query as visual mode.
func (s *Service) clips(ctx context.Context, query string, limit int) ([]Result, time.Duration, error) {
	encStart := time.Now()
	vec, err := s.Models.EncodeTextVisual(ctx, query)
	encode := time.Since(encStart)
	if err != nil {
		return nil, encode, err
	}
	results, err := s.neighbors(ctx, ModeClips, `
		SELECT video_id, start_frame, start_ms, '',
		       1 - (embedding <=> $1) AS score
		FROM clip_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`, vec, limit)
	return results, encode, err
}

func (s *Service) actions(ctx context.Context, query string, limit int) ([]Result, time.Duration, error) {
	encStart := time.Now()
	vec, err := s.Models.EncodeTexts(ctx, []string{query})
	encode := time.Since(encStart)
	if err != nil {
		return nil, encode, err
	}
	results, err := s.neighbors(ctx, ModeActions, `
		SELECT video_id, 0, start_ms, description,
		       1 - (embedding <=> $1) AS score
		FROM action_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`, vec[0], limit)
	return results, encode, err
}

// textMatches serves the exact modes: literal ILIKE over the stored text,
// for names and case numbers that an embedding model would blur. Served by
// the trigram indexes.
func (s *Service) textMatches(ctx context.Context, mode, query string, limit int) ([]Result, error) {
	var sqlText string
	switch mode {
	case ModeTranscriptExact:
		sqlText = `
			SELECT video_id, 0, start_ms, segment_text
			FROM transcript_embeddings
			WHERE segment_text ILIKE '%' || $1 || '%'
			ORDER BY start_ms
			LIMIT $2`
	case ModeCaptionsExact:
		sqlText = `
			SELECT video_id, frame_num, timestamp_ms, caption
			FROM caption_embeddings
			WHERE caption ILIKE '%' || $1 || '%'
			ORDER BY timestamp_ms
			LIMIT $2`
	case ModeActionsExact:
		sqlText = `
			SELECT video_id, 0, start_ms, description
			FROM action_embeddings
			WHERE description ILIKE '%' || $1 || '%'
			ORDER BY start_ms
			LIMIT $2`
	default:
		return nil, fmt.Errorf("not an exact mode: %q", mode)
	}

	rows, err := s.DB.QueryContext(ctx, sqlText, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Score: 1, Source: mode}
		if err := rows.Scan(&r.VideoID, &r.FrameNum, &r.TimestampMS, &r.Snippet); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Service) neighbors(ctx context.Context, source, query string, vec []float32, limit int) ([]Result, error) {
	rows, err := s.DB.QueryContext(ctx, query, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Source: source}
		if err := rows.Scan(&r.VideoID, &r.FrameNum, &r.TimestampMS, &r.Snippet, &r.Score); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// combined runs visual text and caption semantic in parallel and merges
// hits that land on the same frame of the same video. The two model locks
// are distinct, so the forward passes genuinely overlap.
func (s *Service) combined(ctx context.Context, query string, limit int) ([]Result, time.Duration, error) {
	var (
		wg             sync.WaitGroup
		visRes, capRes []Result
		visEnc, capEnc time.Duration
		visErr, capErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		visRes, visEnc, visErr = s.visual(ctx, query, limit)
	}()
	go func() {
		defer wg.Done()
		capRes, capEnc, capErr = s.captions(ctx, query, limit)
	}()
	wg.Wait()

	// One empty or broken modality should not sink the whole query, but
	// two should.
	if visErr != nil && capErr != nil {
		return nil, 0, visErr
	}
	if visErr != nil {
		log.Printf("[Search] combined: visual: %v", visErr)
	}
	if capErr != nil {
		log.Printf("[Search] combined: captions: %v", capErr)
	}

	encode := visEnc
	if capEnc > encode {
		encode = capEnc
	}
	return FuseVisualCaption(visRes, capRes, limit), encode, nil
}

// FuseVisualCaption merges the two combined-mode hit lists by
// (video, frame). The higher component score becomes the primary; both
// components are kept on the fused result, and the caption text survives
// as the snippet.
func FuseVisualCaption(visual, caption []Result, limit int) []Result {
	type key struct {
		video uuid.UUID
		frame int
	}

	merged := make(map[key]*Result)
	for _, r := range visual {
		k := key{r.VideoID, r.FrameNum}
		f := r
		f.Source = ModeCombined
		f.VisualScore = r.Score
		merged[k] = &f
	}
	for _, r := range caption {
		k := key{r.VideoID, r.FrameNum}
		f, ok := merged[k]
		if !ok {
			c := r
			c.Source = ModeCombined
			c.CaptionScore = r.Score
			merged[k] = &c
			continue
		}
		f.CaptionScore = r.Score
		if r.Score > f.Score {
			f.Score = r.Score
			f.TimestampMS = r.TimestampMS
		}
		if f.Snippet == "" {
			f.Snippet = r.Snippet
		}
	}

	out := make([]Result, 0, len(merged))
	for _, f := range merged {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
