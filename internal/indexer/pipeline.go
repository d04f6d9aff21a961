package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opentestimony/ot-backend/internal/config"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/faces"
	"github.com/opentestimony/ot-backend/internal/models"
	"github.com/opentestimony/ot-backend/internal/objstore"
)

// StageRecorder receives per-stage wall times.
type StageRecorder interface {
	RecordStage(stage string, d time.Duration)
}

type nopStages struct{}

func (nopStages) RecordStage(string, time.Duration) {}

// Pipeline turns one media object into embeddings across five modalities
// plus face detections. Batches commit independently so a crash mid-video
// loses at most one batch, and the pending_fix path can top up whatever is
// missing.
type Pipeline struct {
	Cfg     *config.Config
	DB      *sql.DB
	Models  *models.Client
	Store   *objstore.Store
	Faces   *faces.Service
	Metrics StageRecorder
}

func (p *Pipeline) stages() StageRecorder {
	if p.Metrics == nil {
		return nopStages{}
	}
	return p.Metrics
}

func (p *Pipeline) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.stages().RecordStage(stage, time.Since(start))
	return err
}

// RunStats is what a pipeline run produced, used to fill the job row.
type RunStats struct {
	Frames      int
	Segments    int
	Captions    int
	Clips       int
	Actions     int
	Faces       int
	DidVisual   bool
	DidText     bool
	DidCaptions bool
	DidClips    bool
}

// Run executes the stages the job's status calls for. pending runs
// everything; pending_visual re-runs the visual family; pending_fix fills
// only the modalities whose tables are empty, under an advisory lock so
// concurrent fix requests for the same video serialise.
func (p *Pipeline) Run(ctx context.Context, job *data.IndexJob) (*RunStats, error) {
	workDir := filepath.Join(p.Cfg.TempDir, "index-"+job.VideoID.String())
	defer os.RemoveAll(workDir)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	videoPath := filepath.Join(workDir, "source"+filepath.Ext(job.ObjectName))
	if err := p.timed("download", func() error {
		return p.Store.FetchToFile(ctx, job.ObjectName, videoPath)
	}); err != nil {
		return nil, err
	}

	var frames []Frame
	if err := p.timed("extract_frames", func() error {
		var err error
		frames, err = ExtractFrames(ctx, videoPath, filepath.Join(workDir, "frames"), p.Cfg.FrameIntervalSec)
		return err
	}); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no usable frames in %s", job.ObjectName)
	}
	p.writeThumbnails(job, frames)

	want := plan{visual: true, transcript: true, captions: true, clips: true, actions: true, faces: true}
	embedModel := data.EmbeddingModel{DB: p.DB}

	var lockTx *sql.Tx
	switch job.Status {
	case data.JobPendingVisual:
		want = plan{visual: true, clips: true, actions: true}
		if err := embedModel.DeleteVisual(ctx, job.VideoID); err != nil {
			return nil, err
		}
	case data.JobPendingFix:
		// Hold the advisory lock for the whole fix so two admins fixing
		// the same video cannot double-fill a modality.
		var err error
		lockTx, err = p.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer lockTx.Rollback()
		if err := (data.EmbeddingModel{DB: lockTx}).AdvisoryLock(ctx, job.VideoID); err != nil {
			return nil, err
		}

		counts, err := embedModel.Counts(ctx, job.VideoID)
		if err != nil {
			return nil, err
		}
		want = fixPlan(counts)
	default: // full index
		if err := embedModel.DeleteAll(ctx, job.VideoID); err != nil {
			return nil, err
		}
	}

	stats := &RunStats{}

	// Visual frame embeddings also feed the clip windows, so they are
	// computed whenever either stage runs.
	doActions := want.actions && p.Cfg.CaptionProvider != "off"
	var frameEmbeds [][]float32
	if want.visual || want.clips {
		if err := p.timed("encode_frames", func() error {
			var err error
			frameEmbeds, err = p.encodeFrames(ctx, job, frames, want.visual, stats)
			return err
		}); err != nil {
			return nil, err
		}
	}
	if want.clips || doActions {
		if err := p.timed("clip_windows", func() error {
			return p.clipWindows(ctx, job, videoPath, workDir, frames, frameEmbeds, want.clips, doActions, stats)
		}); err != nil {
			return nil, err
		}
	}
	if want.transcript {
		if err := p.timed("transcribe", func() error {
			return p.transcribe(ctx, job, videoPath, stats)
		}); err != nil {
			return nil, err
		}
	}
	if want.captions && p.Cfg.CaptionProvider != "off" {
		if err := p.timed("captions", func() error {
			return p.captionFrames(ctx, job, frames, stats)
		}); err != nil {
			return nil, err
		}
	}
	if want.faces {
		if err := p.timed("faces", func() error {
			return p.detectFaces(ctx, job, frames, stats)
		}); err != nil {
			return nil, err
		}
	}

	if lockTx != nil {
		if err := lockTx.Commit(); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

type plan struct {
	visual     bool
	transcript bool
	captions   bool
	clips      bool
	actions    bool
	faces      bool
}

// fixPlan enables only the stages whose tables are still empty. Clips and
// actions are tracked separately: a crash between the two inserts must not
// let a fix run re-insert clip rows that already committed.
func fixPlan(c data.ModalityCounts) plan {
	return plan{
		visual:     c.Frames == 0,
		transcript: c.Transcripts == 0,
		captions:   c.Captions == 0,
		clips:      c.Clips == 0,
		actions:    c.Actions == 0,
		faces:      c.Faces == 0,
	}
}

func (p *Pipeline) writeThumbnails(job *data.IndexJob, frames []Frame) {
	for _, f := range frames {
		dest := filepath.Join(p.Cfg.ThumbnailDir, job.VideoID.String(),
			fmt.Sprintf("%d.jpg", f.TimestampMS))
		if err := CopyFile(f.Path, dest); err != nil {
			log.Printf("[Indexer] thumbnail %s: %v", dest, err)
		}
	}
}

// encodeFrames embeds frames in batches, committing each batch in its own
// transaction. The returned embeddings are kept for clip pooling.
func (p *Pipeline) encodeFrames(ctx context.Context, job *data.IndexJob, frames []Frame, persist bool, stats *RunStats) ([][]float32, error) {
	batchSize := p.Cfg.FrameBatchSize
	if batchSize < 1 {
		batchSize = 16
	}

	all := make([][]float32, 0, len(frames))
	for start := 0; start < len(frames); start += batchSize {
		end := min(start+batchSize, len(frames))
		batch := frames[start:end]

		paths := make([]string, len(batch))
		for i, f := range batch {
			paths[i] = f.Path
		}
		embeds, err := p.Models.EncodeImageFiles(ctx, paths)
		if err != nil {
			return nil, err
		}
		all = append(all, embeds...)

		if !persist {
			continue
		}
		rows := make([]data.FrameEmbedding, len(batch))
		for i, f := range batch {
			rows[i] = data.FrameEmbedding{
				VideoID:     job.VideoID,
				FrameNum:    f.Index,
				TimestampMS: f.TimestampMS,
				Embedding:   embeds[i],
			}
		}
		if err := p.inTx(ctx, func(m data.EmbeddingModel) error {
			return m.InsertFrames(ctx, rows)
		}); err != nil {
			return nil, err
		}
		stats.Frames += len(rows)
	}
	if persist {
		stats.DidVisual = true
	}
	return all, nil
}

// clipWindows mean-pools frame embeddings over sliding windows and, when a
// captioner is configured, describes the motion in each window. The window
// track reuses the frame embeddings when the clip rate matches the frame
// rate; otherwise the video is resampled at ClipFPS. doClips and doActions
// select which of the two modalities this run inserts.
func (p *Pipeline) clipWindows(ctx context.Context, job *data.IndexJob, videoPath, workDir string, frames []Frame, frameEmbeds [][]float32, doClips, doActions bool, stats *RunStats) error {
	if p.Cfg.ClipFPS > 0 {
		clipInterval := 1 / p.Cfg.ClipFPS
		if math.Abs(clipInterval-p.Cfg.FrameIntervalSec) > 1e-9 {
			clipFrames, err := ExtractFrames(ctx, videoPath, filepath.Join(workDir, "clip_frames"), clipInterval)
			if err != nil {
				return err
			}
			var clipEmbeds [][]float32
			if doClips {
				clipEmbeds, err = p.encodeFrames(ctx, job, clipFrames, false, stats)
				if err != nil {
					return err
				}
			}
			frames, frameEmbeds = clipFrames, clipEmbeds
		}
	}

	window := p.Cfg.ClipWindowFrames
	stride := p.Cfg.ClipWindowStride
	if window < 1 {
		window = 16
	}
	if stride < 1 {
		stride = window / 2
	}
	if len(frames) < window {
		window = len(frames)
	}

	var clips []data.ClipEmbedding
	var actions []data.ActionEmbedding
	var actionTexts []string

	for start := 0; start+window <= len(frames); start += stride {
		end := start + window

		if doClips {
			pooled := faces.Centroid(frameEmbeds[start:end])
			clips = append(clips, data.ClipEmbedding{
				VideoID:    job.VideoID,
				StartMS:    frames[start].TimestampMS,
				EndMS:      frames[end-1].TimestampMS,
				StartFrame: frames[start].Index,
				EndFrame:   frames[end-1].Index,
				NumFrames:  window,
				Embedding:  pooled,
			})
		}

		if doActions {
			desc, err := p.Models.CaptionAction(ctx, sampleFramePaths(frames[start:end], 8))
			if err != nil {
				return err
			}
			if keepAction(desc) {
				actions = append(actions, data.ActionEmbedding{
					VideoID:     job.VideoID,
					StartMS:     frames[start].TimestampMS,
					EndMS:       frames[end-1].TimestampMS,
					Description: desc,
				})
				actionTexts = append(actionTexts, desc)
			}
		}
		if start+stride > len(frames)-window && start+window < len(frames) {
			// Tail shorter than a stride: the final full window above
			// already covers it.
			break
		}
	}

	if len(actionTexts) > 0 {
		embeds, err := p.Models.EncodeTexts(ctx, actionTexts)
		if err != nil {
			return err
		}
		for i := range actions {
			actions[i].Embedding = embeds[i]
		}
	}

	return p.inTx(ctx, func(m data.EmbeddingModel) error {
		if doClips {
			if err := m.InsertClips(ctx, clips); err != nil {
				return err
			}
			stats.Clips = len(clips)
			stats.DidClips = true
		}
		if doActions {
			if err := m.InsertActions(ctx, actions); err != nil {
				return err
			}
			stats.Actions = len(actions)
		}
		return nil
	})
}

// sampleFramePaths picks up to n evenly spaced frames from a window, so the
// action captioner sees the whole motion without the full frame cost.
func sampleFramePaths(window []Frame, n int) []string {
	if len(window) <= n {
		paths := make([]string, len(window))
		for i, f := range window {
			paths[i] = f.Path
		}
		return paths
	}
	step := float64(len(window)-1) / float64(n-1)
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		paths = append(paths, window[int(math.Round(float64(i)*step))].Path)
	}
	return paths
}

// keepAction filters out the captioner's "nothing happened" responses.
func keepAction(desc string) bool {
	if desc == "" {
		return false
	}
	return !strings.Contains(strings.ToLower(desc), "no significant action")
}

func (p *Pipeline) transcribe(ctx context.Context, job *data.IndexJob, videoPath string, stats *RunStats) error {
	segments, err := p.Models.Transcribe(ctx, videoPath)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		stats.DidText = true
		return nil
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}
	embeds, err := p.Models.EncodeTexts(ctx, texts)
	if err != nil {
		return err
	}

	rows := make([]data.TranscriptSegment, len(segments))
	for i, s := range segments {
		rows[i] = data.TranscriptSegment{
			VideoID:   job.VideoID,
			Text:      s.Text,
			StartMS:   s.StartMS,
			EndMS:     s.EndMS,
			Embedding: embeds[i],
		}
	}
	return p.inTx(ctx, func(m data.EmbeddingModel) error {
		if err := m.InsertTranscripts(ctx, rows); err != nil {
			return err
		}
		stats.Segments = len(rows)
		stats.DidText = true
		return nil
	})
}

func (p *Pipeline) captionFrames(ctx context.Context, job *data.IndexJob, frames []Frame, stats *RunStats) error {
	batchSize := p.Cfg.FrameBatchSize
	if batchSize < 1 {
		batchSize = 16
	}

	for start := 0; start < len(frames); start += batchSize {
		end := min(start+batchSize, len(frames))
		batch := frames[start:end]

		paths := make([]string, len(batch))
		for i, f := range batch {
			paths[i] = f.Path
		}
		captions, err := p.captionBatch(ctx, paths)
		if err != nil {
			return err
		}
		embeds, err := p.Models.EncodeTexts(ctx, captions)
		if err != nil {
			return err
		}

		rows := make([]data.CaptionEmbedding, 0, len(batch))
		for i, f := range batch {
			if captions[i] == "" {
				continue
			}
			rows = append(rows, data.CaptionEmbedding{
				VideoID:     job.VideoID,
				FrameNum:    f.Index,
				TimestampMS: f.TimestampMS,
				Caption:     captions[i],
				Embedding:   embeds[i],
			})
		}
		if err := p.inTx(ctx, func(m data.EmbeddingModel) error {
			return m.InsertCaptions(ctx, rows)
		}); err != nil {
			return err
		}
		stats.Captions += len(rows)
	}
	stats.DidCaptions = true
	return nil
}

// captionBatch captions one chunk of frames according to the configured
// provider. The API provider fans out bounded concurrent calls; the local
// provider runs one batched forward pass, retrying frame by frame when the
// batch fails so a single bad frame does not cost the whole chunk.
func (p *Pipeline) captionBatch(ctx context.Context, paths []string) ([]string, error) {
	if p.Cfg.CaptionProvider == "api" {
		return p.captionFanOut(ctx, paths)
	}

	captions, err := p.Models.CaptionImages(ctx, paths)
	if err == nil {
		return captions, nil
	}
	log.Printf("[Indexer] caption batch failed, retrying singly: %v", err)

	captions = make([]string, len(paths))
	for i, path := range paths {
		one, err := p.Models.CaptionImages(ctx, []string{path})
		if err != nil {
			log.Printf("[Indexer] caption %s: %v", path, err)
			continue
		}
		captions[i] = one[0]
	}
	return captions, nil
}

func (p *Pipeline) captionFanOut(ctx context.Context, paths []string) ([]string, error) {
	workers := p.Cfg.CaptionConcurrent
	if workers < 1 {
		workers = 4
	}

	captions := make([]string, len(paths))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i, path := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			caption, err := p.Models.CaptionImage(ctx, path)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			captions[i] = caption
		}(i, path)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return captions, nil
}

func (p *Pipeline) detectFaces(ctx context.Context, job *data.IndexJob, frames []Frame, stats *RunStats) error {
	faceModel := data.FaceModel{DB: p.DB}

	for _, frame := range frames {
		boxes, err := p.Models.DetectFaces(ctx, frame.Path, p.Cfg.FaceMinScore)
		if err != nil {
			return err
		}
		for i, box := range boxes {
			w, h := box.X2-box.X1, box.Y2-box.Y1
			if w < p.Cfg.FaceMinSize || h < p.Cfg.FaceMinSize {
				continue
			}

			thumb := filepath.Join(p.Cfg.FaceThumbnailDir, job.VideoID.String(),
				fmt.Sprintf("%d_%d.jpg", frame.TimestampMS, i))
			if err := CropFace(frame.Path, thumb, box.X1, box.Y1, w, h); err != nil {
				log.Printf("[Indexer] face thumbnail: %v", err)
				thumb = ""
			}

			err := faceModel.Insert(ctx, &data.FaceDetection{
				VideoID:       job.VideoID,
				FrameNum:      frame.Index,
				TimestampMS:   frame.TimestampMS,
				BBoxX:         box.X1,
				BBoxY:         box.Y1,
				BBoxW:         w,
				BBoxH:         h,
				Score:         box.Score,
				Embedding:     faces.Normalize(box.Embedding),
				ThumbnailPath: thumb,
			})
			if err != nil {
				return err
			}
			stats.Faces++
		}
	}

	if p.Faces != nil && stats.Faces > 0 {
		assigned, skipped, err := p.Faces.AssignNewFaces(ctx, job.VideoID)
		if err != nil {
			return err
		}
		log.Printf("[Indexer] %s: %d faces assigned, %d await recluster",
			job.VideoID, assigned, skipped)
	}
	return nil
}

func (p *Pipeline) inTx(ctx context.Context, fn func(data.EmbeddingModel) error) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(data.EmbeddingModel{DB: tx}); err != nil {
		return err
	}
	return tx.Commit()
}
