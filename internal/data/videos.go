package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var ErrVideoNotFound = errors.New("video not found")

// Verification statuses, roughly strongest to weakest provenance.
const (
	StatusVerified     = "verified"
	StatusVerifiedMVP  = "verified-mvp"
	StatusSignedUpload = "signed-upload"
	StatusUnverified   = "unverified"
	StatusFailed       = "failed"
	StatusErrorMVP     = "error-mvp"
)

const (
	ReviewPending  = "pending"
	ReviewReviewed = "reviewed"
	ReviewFlagged  = "flagged"
)

// Annotation categories accepted from both the device and the web paths.
// Empty clears the field.
const (
	CategoryInterview     = "interview"
	CategoryIncident      = "incident"
	CategoryDocumentation = "documentation"
	CategoryOther         = "other"
)

func ValidCategory(c string) bool {
	switch c {
	case "", CategoryInterview, CategoryIncident, CategoryDocumentation, CategoryOther:
		return true
	}
	return false
}

// Video is one uploaded media record (video or photo).
type Video struct {
	ID                 uuid.UUID       `json:"id"`
	DeviceID           string          `json:"device_id"`
	ObjectName         string          `json:"object_name"`
	FileHash           string          `json:"file_hash"`
	CapturedAt         time.Time       `json:"captured_at"`
	Latitude           *float64        `json:"latitude"`
	Longitude          *float64        `json:"longitude"`
	IncidentTags       []string        `json:"incident_tags"`
	Source             string          `json:"source"`     // live, upload, bulk-upload
	MediaType          string          `json:"media_type"` // video, photo
	EXIFMetadata       json.RawMessage `json:"exif_metadata,omitempty"`
	VerificationStatus string          `json:"verification_status"`
	Category           string          `json:"category"`
	LocationDesc       string          `json:"location_description"`
	Notes              string          `json:"notes"`
	AnnotatedAt        *time.Time      `json:"annotations_updated_at,omitempty"`
	AnnotatedBy        string          `json:"annotations_updated_by,omitempty"`
	ReviewStatus       string          `json:"review_status"`
	ReviewedBy         string          `json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time      `json:"reviewed_at,omitempty"`
	Envelope           json.RawMessage `json:"envelope,omitempty"` // full signed envelope, kept for forensic replay
	UploadedAt         time.Time       `json:"uploaded_at"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy          string          `json:"deleted_by,omitempty"`
}

// VideoFilter narrows List/Queue results. Zero values mean "no filter".
type VideoFilter struct {
	DeviceID     string
	VerifiedOnly bool
	Tags         []string // videos must contain all
	Category     string
	MediaType    string
	Source       string
	Search       string // ILIKE over notes, location description, device id
	ReviewStatus string
	Sort         string // newest (default) or oldest
	Limit        int
	Offset       int
}

type VideoModel struct {
	DB DBTX
}

const videoColumns = `
	id, device_id, object_name, file_hash, captured_at, latitude, longitude,
	incident_tags, source, media_type, exif_metadata, verification_status,
	COALESCE(category, ''), COALESCE(location_description, ''), COALESCE(notes, ''),
	annotations_updated_at, COALESCE(annotations_updated_by, ''),
	review_status, COALESCE(reviewed_by, ''), reviewed_at,
	envelope, uploaded_at, deleted_at, COALESCE(deleted_by, '')`

func scanVideo(row interface{ Scan(...any) error }) (*Video, error) {
	v := &Video{}
	var tags pq.StringArray
	var exif, envelope []byte
	err := row.Scan(
		&v.ID, &v.DeviceID, &v.ObjectName, &v.FileHash, &v.CapturedAt, &v.Latitude, &v.Longitude,
		&tags, &v.Source, &v.MediaType, &exif, &v.VerificationStatus,
		&v.Category, &v.LocationDesc, &v.Notes,
		&v.AnnotatedAt, &v.AnnotatedBy,
		&v.ReviewStatus, &v.ReviewedBy, &v.ReviewedAt,
		&envelope, &v.UploadedAt, &v.DeletedAt, &v.DeletedBy,
	)
	if err != nil {
		return nil, err
	}
	v.IncidentTags = []string(tags)
	if v.IncidentTags == nil {
		v.IncidentTags = []string{}
	}
	v.EXIFMetadata = exif
	v.Envelope = envelope
	return v, nil
}

func (m VideoModel) Create(ctx context.Context, v *Video) error {
	query := `
		INSERT INTO videos (
			id, device_id, object_name, file_hash, captured_at, latitude, longitude,
			incident_tags, source, media_type, exif_metadata, verification_status,
			review_status, envelope
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING uploaded_at`
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.ReviewStatus == "" {
		v.ReviewStatus = ReviewPending
	}
	var exif any
	if len(v.EXIFMetadata) > 0 {
		exif = []byte(v.EXIFMetadata)
	}
	var envelope any
	if len(v.Envelope) > 0 {
		envelope = []byte(v.Envelope)
	}
	return m.DB.QueryRowContext(ctx, query,
		v.ID, v.DeviceID, v.ObjectName, v.FileHash, v.CapturedAt, v.Latitude, v.Longitude,
		pq.Array(v.IncidentTags), v.Source, v.MediaType, exif, v.VerificationStatus,
		v.ReviewStatus, envelope,
	).Scan(&v.UploadedAt)
}

// GetByID returns a single record. Soft-deleted rows are not returned.
func (m VideoModel) GetByID(ctx context.Context, id uuid.UUID) (*Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 AND deleted_at IS NULL`
	v, err := scanVideo(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrVideoNotFound
	}
	return v, err
}

// List applies the filter set. Soft-deleted rows are always excluded.
func (m VideoModel) List(ctx context.Context, f VideoFilter) ([]*Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE deleted_at IS NULL`
	var args []any
	idx := 1

	add := func(clause string, val any) {
		query += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, val)
		idx++
	}

	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.VerifiedOnly {
		query += fmt.Sprintf(" AND verification_status IN ($%d, $%d)", idx, idx+1)
		args = append(args, StatusVerified, StatusVerifiedMVP)
		idx += 2
	}
	if len(f.Tags) > 0 {
		add("incident_tags @> $%d", pq.Array(f.Tags))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.MediaType != "" {
		add("media_type = $%d", f.MediaType)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.ReviewStatus != "" {
		add("review_status = $%d", f.ReviewStatus)
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		query += fmt.Sprintf(" AND (notes ILIKE $%d OR location_description ILIKE $%d OR device_id ILIKE $%d)", idx, idx, idx)
		args = append(args, pattern)
		idx++
	}

	if f.Sort == "oldest" {
		query += " ORDER BY captured_at ASC"
	} else {
		query += " ORDER BY captured_at DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

// UpdateAnnotations writes the free-form fields and stamps the updater.
func (m VideoModel) UpdateAnnotations(ctx context.Context, id uuid.UUID, category, locationDesc, notes string, tags []string, updatedBy string) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE videos
		SET category = $1, location_description = $2, notes = $3, incident_tags = $4,
		    annotations_updated_at = NOW(), annotations_updated_by = $5
		WHERE id = $6 AND deleted_at IS NULL`,
		category, locationDesc, notes, pq.Array(tags), updatedBy, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// SetReviewStatus transitions the review state. Reset to pending clears the
// reviewer stamp.
func (m VideoModel) SetReviewStatus(ctx context.Context, id uuid.UUID, status, reviewer string) error {
	var res sql.Result
	var err error
	if status == ReviewPending {
		res, err = m.DB.ExecContext(ctx, `
			UPDATE videos SET review_status = $1, reviewed_by = NULL, reviewed_at = NULL
			WHERE id = $2 AND deleted_at IS NULL`, status, id)
	} else {
		res, err = m.DB.ExecContext(ctx, `
			UPDATE videos SET review_status = $1, reviewed_by = $2, reviewed_at = NOW()
			WHERE id = $3 AND deleted_at IS NULL`, status, reviewer, id)
	}
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func (m VideoModel) SoftDelete(ctx context.Context, id uuid.UUID, deletedBy string) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE videos SET deleted_at = NOW(), deleted_by = $1
		WHERE id = $2 AND deleted_at IS NULL`, deletedBy, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// RemoveTagEverywhere strips a tag from every video's array and reports how
// many rows were touched.
func (m VideoModel) RemoveTagEverywhere(ctx context.Context, tag string) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE videos SET incident_tags = array_remove(incident_tags, $1)
		WHERE $1 = ANY(incident_tags)`, tag)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TagsInUse returns the distinct tags appearing on any non-deleted video.
func (m VideoModel) TagsInUse(ctx context.Context) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT DISTINCT unnest(incident_tags) FROM videos WHERE deleted_at IS NULL ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// IntegrityRow is one line of the admin integrity export.
type IntegrityRow struct {
	ID                 uuid.UUID `json:"id"`
	FileHash           string    `json:"file_hash"`
	DeviceID           string    `json:"device_id"`
	ObjectName         string    `json:"object_name"`
	VerificationStatus string    `json:"verification_status"`
	UploadedAt         time.Time `json:"uploaded_at"`
}

// ListForIntegrity includes soft-deleted rows: the report covers everything
// the system has ever accepted.
func (m VideoModel) ListForIntegrity(ctx context.Context) ([]*IntegrityRow, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, file_hash, device_id, object_name, verification_status, uploaded_at
		FROM videos ORDER BY uploaded_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*IntegrityRow
	for rows.Next() {
		r := &IntegrityRow{}
		if err := rows.Scan(&r.ID, &r.FileHash, &r.DeviceID, &r.ObjectName, &r.VerificationStatus, &r.UploadedAt); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// CountBy returns a grouped count over one enum column, used by the stats
// endpoint. The column name is restricted to a fixed whitelist.
func (m VideoModel) CountBy(ctx context.Context, column string) (map[string]int, error) {
	switch column {
	case "verification_status", "source", "media_type", "review_status":
	default:
		return nil, fmt.Errorf("countby: unsupported column %q", column)
	}
	rows, err := m.DB.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM videos WHERE deleted_at IS NULL GROUP BY `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}
