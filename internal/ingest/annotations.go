package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
)

var (
	ErrNotOwningDevice = errors.New("device does not own this video")
	ErrInvalidCategory = errors.New("invalid category")
)

// Annotations is the free-form metadata block a capture device may attach
// to its own uploads after the fact.
type Annotations struct {
	Category     string   `json:"category"`
	LocationDesc string   `json:"location_description"`
	Notes        string   `json:"notes"`
	IncidentTags []string `json:"incident_tags"`
}

// UpdateAnnotations is the device-authenticated annotation path: the caller
// proves possession of the registered key, may only touch its own videos,
// and the change lands with its audit entry in one transaction. The entry
// records the values before and after the change.
func (s *Service) UpdateAnnotations(ctx context.Context, deviceID, publicKeyPEM string, videoID uuid.UUID, ann Annotations) (*data.Video, error) {
	device, err := s.Registry.Lookup(ctx, deviceID)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
		}
		return nil, err
	}
	if err := s.Registry.CheckEnvelopeKey(device, publicKeyPEM); err != nil {
		return nil, err
	}
	if !data.ValidCategory(ann.Category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, ann.Category)
	}
	if ann.IncidentTags == nil {
		ann.IncidentTags = []string{}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	videos := data.VideoModel{DB: tx}
	old, err := videos.GetByID(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if old.DeviceID != device.DeviceID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwningDevice, device.DeviceID)
	}

	if err := videos.UpdateAnnotations(ctx, videoID, ann.Category, ann.LocationDesc, ann.Notes, ann.IncidentTags, device.DeviceID); err != nil {
		return nil, err
	}
	_, err = s.Audit.Append(ctx, tx, audit.EventAnnotationUpdate, map[string]any{
		"old": annotationValues(old.Category, old.LocationDesc, old.Notes, old.IncidentTags),
		"new": annotationValues(ann.Category, ann.LocationDesc, ann.Notes, ann.IncidentTags),
	}, audit.Ref{VideoID: &videoID, DeviceID: device.DeviceID})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.metrics().RecordAuditEntry(audit.EventAnnotationUpdate)

	return s.Videos.GetByID(ctx, videoID)
}

func annotationValues(category, locationDesc, notes string, tags []string) map[string]any {
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"category":             category,
		"location_description": locationDesc,
		"notes":                notes,
		"incident_tags":        tags,
	}
}
