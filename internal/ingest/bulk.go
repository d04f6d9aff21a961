package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/objstore"
)

// BulkDeviceID tags rows ingested through the admin bulk path, which has no
// signing device.
const BulkDeviceID = "bulk-upload"

type BulkFile struct {
	Name   string
	Reader io.Reader
}

type BulkFileResult struct {
	Filename string     `json:"filename"`
	Status   string     `json:"status"` // success or error
	VideoID  *string    `json:"video_id,omitempty"`
	Error    string     `json:"error,omitempty"`
	Captured *time.Time `json:"captured_at,omitempty"`
}

type BulkResult struct {
	Status string           `json:"status"` // success, partial, error
	Files  []BulkFileResult `json:"files"`
}

// BulkUpload ingests operator-provided files without signatures. EXIF GPS
// and DateTime, when present, override the form-supplied location and the
// upload time.
func (s *Service) BulkUpload(ctx context.Context, files []BulkFile, defaultLoc *Location, actorID string) *BulkResult {
	result := &BulkResult{Files: make([]BulkFileResult, 0, len(files))}

	ok, failed := 0, 0
	for _, f := range files {
		fr := s.bulkOne(ctx, f, defaultLoc, actorID)
		result.Files = append(result.Files, fr)
		if fr.Status == "success" {
			ok++
		} else {
			failed++
		}
	}

	switch {
	case failed == 0:
		result.Status = "success"
	case ok == 0:
		result.Status = "error"
	default:
		result.Status = "partial"
	}
	return result
}

func (s *Service) bulkOne(ctx context.Context, f BulkFile, defaultLoc *Location, actorID string) BulkFileResult {
	fail := func(err error) BulkFileResult {
		return BulkFileResult{Filename: f.Name, Status: "error", Error: err.Error()}
	}

	spool, err := objstore.NewSpool(f.Reader, s.TempDir)
	if err != nil {
		return fail(err)
	}
	defer spool.Close()

	mediaType := MediaTypeForFilename(f.Name)
	captureTime := time.Now().UTC()
	var lat, lon *float64
	if defaultLoc != nil {
		la, lo := defaultLoc.Latitude, defaultLoc.Longitude
		lat, lon = &la, &lo
	}

	var exifJSON json.RawMessage
	if info := probeEXIF(spool.Reader()); info != nil {
		if info.HasGPS {
			la, lo := info.Latitude, info.Longitude
			lat, lon = &la, &lo
		}
		if !info.DateTime.IsZero() {
			captureTime = info.DateTime.UTC()
		}
		exifJSON = info.RawJSON
	}

	objectName := ObjectKey(mediaType, "bulk", captureTime, f.Name)
	if err := s.Store.Put(ctx, objectName, spool.Reader(), spool.Size(), contentTypeFor(mediaType, f.Name)); err != nil {
		return fail(err)
	}

	video := &data.Video{
		DeviceID:           BulkDeviceID,
		ObjectName:         objectName,
		FileHash:           spool.SHA256(),
		CapturedAt:         captureTime,
		Latitude:           lat,
		Longitude:          lon,
		Source:             "bulk-upload",
		MediaType:          mediaType,
		EXIFMetadata:       exifJSON,
		VerificationStatus: data.StatusUnverified,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()

	if err := (data.VideoModel{DB: tx}).Create(ctx, video); err != nil {
		return fail(err)
	}
	_, err = s.Audit.Append(ctx, tx, audit.EventBulkUpload, map[string]any{
		"file_hash":  video.FileHash,
		"filename":   SanitizeFilename(f.Name),
		"media_type": mediaType,
	}, audit.Ref{VideoID: &video.ID, DeviceID: BulkDeviceID, UserID: actorID})
	if err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}

	s.metrics().RecordUpload(data.StatusUnverified, spool.Size())
	s.metrics().RecordAuditEntry(audit.EventBulkUpload)

	if s.Hook != nil && mediaType == "video" {
		s.Hook.VideoUploaded(video.ID, objectName)
	}

	id := video.ID.String()
	return BulkFileResult{
		Filename: f.Name,
		Status:   "success",
		VideoID:  &id,
		Captured: &captureTime,
	}
}

// MediaTypeForFilename classifies by extension; unknown extensions are
// treated as video, matching the mobile clients' default.
func MediaTypeForFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".heic", ".gif", ".webp":
		return "photo"
	}
	return "video"
}

type exifInfo struct {
	HasGPS    bool
	Latitude  float64
	Longitude float64
	DateTime  time.Time
	RawJSON   json.RawMessage
}

// probeEXIF extracts GPS and DateTime from an image payload. Videos and
// EXIF-free images return nil.
func probeEXIF(r io.Reader) *exifInfo {
	x, err := exif.Decode(r)
	if err != nil {
		return nil
	}

	info := &exifInfo{}
	if lat, lon, err := x.LatLong(); err == nil {
		info.HasGPS = true
		info.Latitude = lat
		info.Longitude = lon
	}
	if dt, err := x.DateTime(); err == nil {
		info.DateTime = dt
	}
	if raw, err := x.MarshalJSON(); err == nil {
		info.RawJSON = raw
	} else {
		log.Printf("[Ingest] exif marshal: %v", err)
	}
	return info
}
