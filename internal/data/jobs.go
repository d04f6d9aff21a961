package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrJobNotFound = errors.New("indexing job not found")
	ErrJobBusy     = errors.New("job is pending or processing")
)

// Queue states. pending is a full index, pending_visual re-embeds only the
// visual modalities, pending_fix fills whatever is missing.
const (
	JobPending       = "pending"
	JobPendingVisual = "pending_visual"
	JobPendingFix    = "pending_fix"
	JobProcessing    = "processing"
	JobCompleted     = "completed"
	JobFailed        = "failed"
)

type IndexJob struct {
	ID                uuid.UUID  `json:"id"`
	VideoID           uuid.UUID  `json:"video_id"`
	ObjectName        string     `json:"object_name"`
	Status            string     `json:"status"`
	VisualIndexed     bool       `json:"visual_indexed"`
	TranscriptIndexed bool       `json:"transcript_indexed"`
	CaptionIndexed    bool       `json:"caption_indexed"`
	ClipIndexed       bool       `json:"clip_indexed"`
	FrameCount        int        `json:"frame_count"`
	SegmentCount      int        `json:"segment_count"`
	CaptionCount      int        `json:"caption_count"`
	ClipCount         int        `json:"clip_count"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type JobModel struct {
	DB DBTX
}

const jobColumns = `
	id, video_id, object_name, status,
	visual_indexed, transcript_indexed, caption_indexed, clip_indexed,
	frame_count, segment_count, caption_count, clip_count,
	COALESCE(error_message, ''), created_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*IndexJob, error) {
	j := &IndexJob{}
	err := row.Scan(
		&j.ID, &j.VideoID, &j.ObjectName, &j.Status,
		&j.VisualIndexed, &j.TranscriptIndexed, &j.CaptionIndexed, &j.ClipIndexed,
		&j.FrameCount, &j.SegmentCount, &j.CaptionCount, &j.ClipCount,
		&j.ErrorMessage, &j.CreatedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Enqueue inserts a pending job unless one already exists for the video.
// Returns (job, true) when a new row was created.
func (m JobModel) Enqueue(ctx context.Context, videoID uuid.UUID, objectName string) (*IndexJob, bool, error) {
	res, err := m.DB.ExecContext(ctx, `
		INSERT INTO indexing_jobs (id, video_id, object_name, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (video_id) DO NOTHING`,
		uuid.New(), videoID, objectName, JobPending)
	if err != nil {
		return nil, false, err
	}
	rows, _ := res.RowsAffected()
	j, err := m.GetByVideo(ctx, videoID)
	if err != nil {
		return nil, false, err
	}
	return j, rows > 0, nil
}

func (m JobModel) GetByVideo(ctx context.Context, videoID uuid.UUID) (*IndexJob, error) {
	j, err := scanJob(m.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM indexing_jobs WHERE video_id = $1`, videoID))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return j, err
}

// NextRunnable picks the oldest job in any runnable state. Exactly one
// worker polls, so no SKIP LOCKED dance is needed.
func (m JobModel) NextRunnable(ctx context.Context) (*IndexJob, error) {
	j, err := scanJob(m.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM indexing_jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT 1`,
		pq.Array([]string{JobPending, JobPendingVisual, JobPendingFix})))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (m JobModel) SetStatus(ctx context.Context, videoID uuid.UUID, status string) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE indexing_jobs SET status = $1 WHERE video_id = $2`, status, videoID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkCompleted records the per-modality booleans and row counts.
func (m JobModel) MarkCompleted(ctx context.Context, j *IndexJob) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE indexing_jobs SET
			status = $1, completed_at = NOW(), error_message = NULL,
			visual_indexed = $2, transcript_indexed = $3, caption_indexed = $4, clip_indexed = $5,
			frame_count = $6, segment_count = $7, caption_count = $8, clip_count = $9
		WHERE video_id = $10`,
		JobCompleted,
		j.VisualIndexed, j.TranscriptIndexed, j.CaptionIndexed, j.ClipIndexed,
		j.FrameCount, j.SegmentCount, j.CaptionCount, j.ClipCount,
		j.VideoID)
	return err
}

const maxErrorLen = 2000

func (m JobModel) MarkFailed(ctx context.Context, videoID uuid.UUID, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	_, err := m.DB.ExecContext(ctx, `
		UPDATE indexing_jobs SET status = $1, error_message = $2 WHERE video_id = $3`,
		JobFailed, errMsg, videoID)
	return err
}

// Reset moves a job back to a runnable state for reindexing. pending_visual
// and pending_fix refuse when the job is currently pending or processing to
// avoid racing the worker.
func (m JobModel) Reset(ctx context.Context, videoID uuid.UUID, target string) error {
	j, err := m.GetByVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if target != JobPending && (j.Status == JobPending || j.Status == JobProcessing) {
		return ErrJobBusy
	}
	_, err = m.DB.ExecContext(ctx, `
		UPDATE indexing_jobs SET status = $1, error_message = NULL, completed_at = NULL
		WHERE video_id = $2`, target, videoID)
	return err
}

// ResetAll performs a bulk reset of every completed or failed job.
func (m JobModel) ResetAll(ctx context.Context, target string) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE indexing_jobs SET status = $1, error_message = NULL, completed_at = NULL
		WHERE status IN ($2, $3)`, target, JobCompleted, JobFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m JobModel) List(ctx context.Context, limit int) ([]*IndexJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM indexing_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*IndexJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (m JobModel) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM indexing_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}
