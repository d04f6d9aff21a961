package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opentestimony/ot-backend/internal/audit"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the JSON document wrapping a signed upload: metadata,
// authentication, payload and signature. The raw bytes are retained for
// forensic replay.
type Envelope struct {
	Version       string          `json:"version"`
	Auth          EnvelopeAuth    `json:"auth"`
	Payload       Payload         `json:"payload"`
	SignedPayload string          `json:"signed_payload,omitempty"`
	Signature     string          `json:"signature"`
	Raw           json.RawMessage `json:"-"`

	rawPayload json.RawMessage
}

type EnvelopeAuth struct {
	DeviceID     string `json:"device_id"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// Location is the envelope's GPS pair. Devices send short keys on the
// wire; the API's outbound records use latitude/longitude.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

type Payload struct {
	VideoHash    string         `json:"video_hash"`
	Timestamp    string         `json:"timestamp"`
	Location     *Location      `json:"location,omitempty"`
	IncidentTags []string       `json:"incident_tags,omitempty"`
	Source       string         `json:"source"`
	MediaType    string         `json:"media_type,omitempty"`
	EXIFMetadata map[string]any `json:"exif_metadata,omitempty"`
}

// ParseEnvelope decodes and validates an envelope document.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env.Raw = json.RawMessage(raw)

	// Keep the payload's raw form for canonical signing input.
	var outer struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &outer); err == nil {
		env.rawPayload = outer.Payload
	}

	switch {
	case env.Auth.DeviceID == "":
		return nil, fmt.Errorf("%w: missing auth.device_id", ErrMalformedEnvelope)
	case env.Auth.PublicKeyPEM == "":
		return nil, fmt.Errorf("%w: missing auth.public_key_pem", ErrMalformedEnvelope)
	case env.Payload.VideoHash == "":
		return nil, fmt.Errorf("%w: missing payload.video_hash", ErrMalformedEnvelope)
	case env.Signature == "":
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedEnvelope)
	}

	if env.Payload.Source == "" {
		env.Payload.Source = "upload"
	}
	if env.Payload.MediaType == "" {
		env.Payload.MediaType = "video"
	}
	return &env, nil
}

// SigningInput is the byte string the device signed: the exact
// signed_payload when present, otherwise the canonical JSON of payload.
func (e *Envelope) SigningInput() ([]byte, error) {
	if e.SignedPayload != "" {
		return []byte(e.SignedPayload), nil
	}
	var generic map[string]any
	if err := json.Unmarshal(e.rawPayload, &generic); err != nil {
		return nil, fmt.Errorf("payload for signing: %w", err)
	}
	return audit.CanonicalJSON(generic)
}

// CaptureTime parses payload.timestamp, tolerating a trailing Z on an
// otherwise offset-free stamp. A zero time with nil error means the stamp
// was absent.
func (e *Envelope) CaptureTime() (time.Time, error) {
	return ParseCaptureTime(e.Payload.Timestamp)
}

func ParseCaptureTime(stamp string) (time.Time, error) {
	if stamp == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		return t, nil
	}
	// Mobile clients emit "2026-03-01T12:00:00.123456Z" as well as
	// second-precision stamps without an offset.
	trimmed := strings.TrimSuffix(stamp, "Z")
	for _, layout := range []string{"2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", stamp)
}
