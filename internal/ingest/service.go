package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/devices"
	"github.com/opentestimony/ot-backend/internal/objstore"
)

var (
	ErrDeviceNotRegistered = errors.New("device not registered")
	ErrHashMismatch        = errors.New("hash mismatch")
)

// ObjectStore is the slice of the object store the ingest path uses.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Notifier delivers the video-uploaded hook to the indexing bridge.
type Notifier interface {
	VideoUploaded(videoID uuid.UUID, objectName string)
}

// MetricsRecorder is the slice of the collector the ingest path touches.
type MetricsRecorder interface {
	RecordUpload(status string, bytes int64)
	RecordAuditEntry(eventType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordUpload(string, int64) {}
func (nopMetrics) RecordAuditEntry(string)    {}

// Service implements the signed upload path: verify provenance, stream to
// object storage, persist the media row and append the audit entry in one
// transaction.
type Service struct {
	DB       *sql.DB
	Videos   data.VideoModel
	Registry *devices.Registry
	Audit    *audit.Service
	Store    ObjectStore
	Metrics  MetricsRecorder
	Hook     Notifier
	TempDir  string
}

func (s *Service) metrics() MetricsRecorder {
	if s.Metrics == nil {
		return nopMetrics{}
	}
	return s.Metrics
}

type UploadResult struct {
	VideoID            uuid.UUID `json:"video_id"`
	VerificationStatus string    `json:"verification_status"`
	FileHash           string    `json:"file_hash"`
	ObjectName         string    `json:"object_name"`
}

// Upload runs the full signed ingest flow. Bad signatures do not reject the
// upload: the row is stored with a truthful verification status so curators
// can still examine the material.
func (s *Service) Upload(ctx context.Context, env *Envelope, body io.Reader, filename string) (*UploadResult, error) {
	// 1. Device must be registered.
	device, err := s.Registry.Lookup(ctx, env.Auth.DeviceID)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, env.Auth.DeviceID)
		}
		return nil, err
	}

	// 2. Envelope key must match the registered key byte-for-byte.
	if err := s.Registry.CheckEnvelopeKey(device, env.Auth.PublicKeyPEM); err != nil {
		return nil, err
	}

	// 3. Spool the body, hashing as it streams. Memory stays bounded to
	// one chunk regardless of file size.
	spool, err := objstore.NewSpool(body, s.TempDir)
	if err != nil {
		return nil, err
	}
	defer spool.Close()

	// 4. The computed hash must equal the signed one.
	if !strings.EqualFold(spool.SHA256(), env.Payload.VideoHash) {
		return nil, fmt.Errorf("%w: body %s, envelope %s", ErrHashMismatch, spool.SHA256(), env.Payload.VideoHash)
	}

	// 5. Signature verification decides the status; it never rejects.
	status := s.verificationStatus(device, env)

	captureTime, err := env.CaptureTime()
	if err != nil {
		log.Printf("[Ingest] %s: %v, using upload time", device.DeviceID, err)
		captureTime = time.Now().UTC()
	}
	if captureTime.IsZero() {
		captureTime = time.Now().UTC()
	}

	// 6. Stream into the object store.
	objectName := ObjectKey(env.Payload.MediaType, device.DeviceID, captureTime, filename)
	contentType := contentTypeFor(env.Payload.MediaType, filename)
	if err := s.Store.Put(ctx, objectName, spool.Reader(), spool.Size(), contentType); err != nil {
		return nil, err
	}

	// 7+8. Media row and audit entry commit together.
	video := &data.Video{
		DeviceID:           device.DeviceID,
		ObjectName:         objectName,
		FileHash:           spool.SHA256(),
		CapturedAt:         captureTime,
		IncidentTags:       env.Payload.IncidentTags,
		Source:             env.Payload.Source,
		MediaType:          env.Payload.MediaType,
		VerificationStatus: status,
		Envelope:           env.Raw,
	}
	if env.Payload.Location != nil {
		lat, lon := env.Payload.Location.Latitude, env.Payload.Location.Longitude
		video.Latitude = &lat
		video.Longitude = &lon
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := (data.VideoModel{DB: tx}).Create(ctx, video); err != nil {
		return nil, err
	}
	_, err = s.Audit.Append(ctx, tx, audit.EventUpload, map[string]any{
		"file_hash":           video.FileHash,
		"source":              video.Source,
		"media_type":          video.MediaType,
		"verification_status": status,
	}, audit.Ref{VideoID: &video.ID, DeviceID: device.DeviceID})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.metrics().RecordUpload(status, spool.Size())
	s.metrics().RecordAuditEntry(audit.EventUpload)

	// 9. Best-effort bridge notification; photos are not indexed.
	if s.Hook != nil && video.MediaType == "video" {
		s.Hook.VideoUploaded(video.ID, objectName)
	}

	return &UploadResult{
		VideoID:            video.ID,
		VerificationStatus: status,
		FileHash:           video.FileHash,
		ObjectName:         objectName,
	}, nil
}

func (s *Service) verificationStatus(device *data.Device, env *Envelope) string {
	if devices.IsMVPKey(device.PublicKeyPEM) {
		return data.StatusVerifiedMVP
	}

	input, err := env.SigningInput()
	if err != nil {
		log.Printf("[Ingest] %s: signing input: %v", device.DeviceID, err)
		return data.StatusErrorMVP
	}
	if err := devices.VerifyECDSA(device.PublicKeyPEM, input, env.Signature); err != nil {
		if errors.Is(err, devices.ErrInvalidSignature) {
			log.Printf("[Ingest] %s: signature invalid", device.DeviceID)
			return data.StatusFailed
		}
		log.Printf("[Ingest] %s: verification error: %v", device.DeviceID, err)
		return data.StatusErrorMVP
	}

	if env.Payload.Source == "live" {
		return data.StatusVerified
	}
	return data.StatusSignedUpload
}

// ObjectKey builds the bucket path: videos/<device>/<yyyymmdd_HHMMSS>_<name>
// or photos/... for still images.
func ObjectKey(mediaType, deviceID string, captureTime time.Time, filename string) string {
	prefix := "videos"
	if mediaType == "photo" {
		prefix = "photos"
	}
	return fmt.Sprintf("%s/%s/%s_%s", prefix, deviceID,
		captureTime.UTC().Format("20060102_150405"), SanitizeFilename(filename))
}

// SanitizeFilename keeps only the base name and replaces path-hostile runes.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.bin"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func contentTypeFor(mediaType, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	}
	if mediaType == "photo" {
		return "image/jpeg"
	}
	return "video/mp4"
}
