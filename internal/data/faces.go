package data

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

type FaceDetection struct {
	ID            int64     `json:"id"`
	VideoID       uuid.UUID `json:"video_id"`
	FrameNum      int       `json:"frame_num"`
	TimestampMS   int64     `json:"timestamp_ms"`
	BBoxX         int       `json:"bbox_x"`
	BBoxY         int       `json:"bbox_y"`
	BBoxW         int       `json:"bbox_w"`
	BBoxH         int       `json:"bbox_h"`
	Score         float64   `json:"score"`
	Embedding     []float32 `json:"-"`
	ClusterID     *int      `json:"cluster_id"`
	ThumbnailPath string    `json:"thumbnail_path"`
}

type FaceCluster struct {
	ID           int       `json:"id"`
	FaceCount    int       `json:"face_count"`
	VideoCount   int       `json:"video_count"`
	Centroid     []float32 `json:"-"`
	RepFaceID    int64     `json:"representative_face_id"`
	RepThumbnail string    `json:"representative_thumbnail,omitempty"`
}

type FaceModel struct {
	DB DBTX
}

func (m FaceModel) Insert(ctx context.Context, f *FaceDetection) error {
	return m.DB.QueryRowContext(ctx, `
		INSERT INTO face_detections
			(video_id, frame_num, timestamp_ms, bbox_x, bbox_y, bbox_w, bbox_h, score, embedding, cluster_id, thumbnail_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		f.VideoID, f.FrameNum, f.TimestampMS, f.BBoxX, f.BBoxY, f.BBoxW, f.BBoxH,
		f.Score, pgvector.NewVector(f.Embedding), f.ClusterID, f.ThumbnailPath,
	).Scan(&f.ID)
}

// ListUnassigned returns this video's faces that have no cluster yet.
func (m FaceModel) ListUnassigned(ctx context.Context, videoID uuid.UUID) ([]*FaceDetection, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, video_id, frame_num, timestamp_ms, embedding
		FROM face_detections
		WHERE video_id = $1 AND cluster_id IS NULL`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFaces(rows)
}

// ListAll pages through every detection for the full re-cluster.
func (m FaceModel) ListAll(ctx context.Context, limit, offset int) ([]*FaceDetection, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, video_id, frame_num, timestamp_ms, embedding
		FROM face_detections
		ORDER BY id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFaces(rows)
}

func scanFaces(rows *sql.Rows) ([]*FaceDetection, error) {
	var faces []*FaceDetection
	for rows.Next() {
		f := &FaceDetection{}
		var emb pgvector.Vector
		if err := rows.Scan(&f.ID, &f.VideoID, &f.FrameNum, &f.TimestampMS, &emb); err != nil {
			return nil, err
		}
		f.Embedding = emb.Slice()
		faces = append(faces, f)
	}
	return faces, rows.Err()
}

func (m FaceModel) AssignCluster(ctx context.Context, faceID int64, clusterID int) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE face_detections SET cluster_id = $1 WHERE id = $2`, clusterID, faceID)
	return err
}

func (m FaceModel) ClearAssignments(ctx context.Context) error {
	if _, err := m.DB.ExecContext(ctx, `UPDATE face_detections SET cluster_id = NULL`); err != nil {
		return err
	}
	_, err := m.DB.ExecContext(ctx, `DELETE FROM face_clusters`)
	return err
}

func (m FaceModel) InsertCluster(ctx context.Context, c *FaceCluster) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO face_clusters (id, face_count, video_count, centroid, representative_face_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		c.ID, c.FaceCount, c.VideoCount, pgvector.NewVector(c.Centroid), c.RepFaceID)
	return err
}

func (m FaceModel) ListClusters(ctx context.Context) ([]*FaceCluster, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT fc.id, fc.face_count, fc.video_count, fc.centroid, fc.representative_face_id,
		       COALESCE(fd.thumbnail_path, '')
		FROM face_clusters fc
		LEFT JOIN face_detections fd ON fd.id = fc.representative_face_id
		ORDER BY fc.face_count DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clusters []*FaceCluster
	for rows.Next() {
		c := &FaceCluster{}
		var centroid pgvector.Vector
		if err := rows.Scan(&c.ID, &c.FaceCount, &c.VideoCount, &centroid, &c.RepFaceID, &c.RepThumbnail); err != nil {
			return nil, err
		}
		c.Centroid = centroid.Slice()
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (m FaceModel) CountAll(ctx context.Context) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM face_detections`).Scan(&n)
	return n, err
}
