package data

import (
	"context"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// One row types per modality. All are keyed by media id; frame ordinals are
// not dense (dark frames are skipped at extraction).

type FrameEmbedding struct {
	VideoID     uuid.UUID
	FrameNum    int
	TimestampMS int64
	Embedding   []float32
}

type TranscriptSegment struct {
	VideoID   uuid.UUID
	Text      string
	StartMS   int64
	EndMS     int64
	Embedding []float32
}

type CaptionEmbedding struct {
	VideoID     uuid.UUID
	FrameNum    int
	TimestampMS int64
	Caption     string
	Embedding   []float32
}

type ClipEmbedding struct {
	VideoID    uuid.UUID
	StartMS    int64
	EndMS      int64
	StartFrame int
	EndFrame   int
	NumFrames  int
	Embedding  []float32 // mean-pooled over the window
}

type ActionEmbedding struct {
	VideoID     uuid.UUID
	StartMS     int64
	EndMS       int64
	Description string
	Embedding   []float32
}

type EmbeddingModel struct {
	DB DBTX
}

func (m EmbeddingModel) InsertFrames(ctx context.Context, batch []FrameEmbedding) error {
	for _, f := range batch {
		_, err := m.DB.ExecContext(ctx, `
			INSERT INTO frame_embeddings (video_id, frame_num, timestamp_ms, embedding)
			VALUES ($1, $2, $3, $4)`,
			f.VideoID, f.FrameNum, f.TimestampMS, pgvector.NewVector(f.Embedding))
		if err != nil {
			return err
		}
	}
	return nil
}

func (m EmbeddingModel) InsertTranscripts(ctx context.Context, batch []TranscriptSegment) error {
	for _, s := range batch {
		_, err := m.DB.ExecContext(ctx, `
			INSERT INTO transcript_embeddings (video_id, segment_text, start_ms, end_ms, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			s.VideoID, s.Text, s.StartMS, s.EndMS, pgvector.NewVector(s.Embedding))
		if err != nil {
			return err
		}
	}
	return nil
}

func (m EmbeddingModel) InsertCaptions(ctx context.Context, batch []CaptionEmbedding) error {
	for _, c := range batch {
		_, err := m.DB.ExecContext(ctx, `
			INSERT INTO caption_embeddings (video_id, frame_num, timestamp_ms, caption, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			c.VideoID, c.FrameNum, c.TimestampMS, c.Caption, pgvector.NewVector(c.Embedding))
		if err != nil {
			return err
		}
	}
	return nil
}

func (m EmbeddingModel) InsertClips(ctx context.Context, batch []ClipEmbedding) error {
	for _, c := range batch {
		_, err := m.DB.ExecContext(ctx, `
			INSERT INTO clip_embeddings (video_id, start_ms, end_ms, start_frame, end_frame, num_frames, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.VideoID, c.StartMS, c.EndMS, c.StartFrame, c.EndFrame, c.NumFrames, pgvector.NewVector(c.Embedding))
		if err != nil {
			return err
		}
	}
	return nil
}

func (m EmbeddingModel) InsertActions(ctx context.Context, batch []ActionEmbedding) error {
	for _, a := range batch {
		_, err := m.DB.ExecContext(ctx, `
			INSERT INTO action_embeddings (video_id, start_ms, end_ms, description, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			a.VideoID, a.StartMS, a.EndMS, a.Description, pgvector.NewVector(a.Embedding))
		if err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the per-modality row counts for one video. The fix path
// uses this to decide which pipeline steps to re-run.
type ModalityCounts struct {
	Frames      int
	Transcripts int
	Captions    int
	Clips       int
	Actions     int
	Faces       int
}

func (m EmbeddingModel) Counts(ctx context.Context, videoID uuid.UUID) (ModalityCounts, error) {
	var c ModalityCounts
	err := m.DB.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM frame_embeddings WHERE video_id = $1),
			(SELECT COUNT(*) FROM transcript_embeddings WHERE video_id = $1),
			(SELECT COUNT(*) FROM caption_embeddings WHERE video_id = $1),
			(SELECT COUNT(*) FROM clip_embeddings WHERE video_id = $1),
			(SELECT COUNT(*) FROM action_embeddings WHERE video_id = $1),
			(SELECT COUNT(*) FROM face_detections WHERE video_id = $1)`,
		videoID).Scan(&c.Frames, &c.Transcripts, &c.Captions, &c.Clips, &c.Actions, &c.Faces)
	return c, err
}

// DeleteVisual removes frame, clip and action rows (the pending_visual
// reindex path); captions and transcripts survive.
func (m EmbeddingModel) DeleteVisual(ctx context.Context, videoID uuid.UUID) error {
	for _, table := range []string{"frame_embeddings", "clip_embeddings", "action_embeddings"} {
		if _, err := m.DB.ExecContext(ctx, `DELETE FROM `+table+` WHERE video_id = $1`, videoID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes every embedding row for the video (full reindex).
func (m EmbeddingModel) DeleteAll(ctx context.Context, videoID uuid.UUID) error {
	tables := []string{
		"frame_embeddings", "transcript_embeddings", "caption_embeddings",
		"clip_embeddings", "action_embeddings", "face_detections",
	}
	for _, table := range tables {
		if _, err := m.DB.ExecContext(ctx, `DELETE FROM `+table+` WHERE video_id = $1`, videoID); err != nil {
			return err
		}
	}
	return nil
}

// AdvisoryLock takes a transaction-scoped advisory lock derived from the
// video id, serialising the fix path against concurrent admin resets.
func (m EmbeddingModel) AdvisoryLock(ctx context.Context, videoID uuid.UUID) error {
	// Fold the UUID down to a bigint key; collisions only over-serialise.
	key := int64(videoID.ID())
	_, err := m.DB.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}
