package audit

import (
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the predecessor of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event type catalogue.
const (
	EventDeviceRegister      = "device_register"
	EventUpload              = "upload"
	EventBulkUpload          = "bulk_upload"
	EventAnnotationUpdate    = "annotation_update"
	EventWebAnnotationUpdate = "web_annotation_update"
	EventQueueReview         = "queue_review"
	EventTagDeleted          = "tag_deleted"
	EventUserCreated         = "user_created"
	EventUserUpdated         = "user_updated"
	EventPasswordReset       = "password_reset"
	EventVideoDeleted        = "video_deleted"
)

// Entry is one immutable audit event. entry_hash covers {sequence_number,
// event_type, event_data (without user_id), previous_hash, created_at};
// user_id is spliced into the stored event_data after hashing so operator
// identity can be attached without invalidating older entries.
type Entry struct {
	ID             uuid.UUID      `json:"id"`
	SequenceNumber int64          `json:"sequence_number"`
	EventType      string         `json:"event_type"`
	VideoID        *uuid.UUID     `json:"video_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	EventData      map[string]any `json:"event_data"`
	EntryHash      string         `json:"entry_hash"`
	PreviousHash   string         `json:"previous_hash"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Ref carries the optional foreign keys and actor for an append.
type Ref struct {
	VideoID  *uuid.UUID
	DeviceID string
	UserID   string
}

// VerifyError describes one broken entry found during chain verification.
type VerifyError struct {
	SequenceNumber int64  `json:"sequence_number"`
	Error          string `json:"error"`
	Expected       string `json:"expected,omitempty"`
	Actual         string `json:"actual,omitempty"`
}

type VerifyResult struct {
	Valid          bool          `json:"valid"`
	EntriesChecked int64         `json:"entries_checked"`
	Errors         []VerifyError `json:"errors"`
}
