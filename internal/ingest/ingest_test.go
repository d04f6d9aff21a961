package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/devices"
)

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{
		"version": "1.0",
		"auth": {"device_id": "dev-A", "public_key_pem": "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----"},
		"payload": {"video_hash": "abc", "timestamp": "2026-03-01T12:00:00Z", "source": "live",
			"location": {"lat": 51.5, "lon": -0.12}, "incident_tags": ["protest"]},
		"signature": "c2ln"
	}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Auth.DeviceID != "dev-A" {
		t.Errorf("device id: %s", env.Auth.DeviceID)
	}
	if env.Payload.MediaType != "video" {
		t.Errorf("media type default: %s", env.Payload.MediaType)
	}
	if env.Payload.Location == nil || env.Payload.Location.Latitude != 51.5 {
		t.Error("location not parsed")
	}

	ts, err := env.CaptureTime()
	if err != nil {
		t.Fatalf("CaptureTime: %v", err)
	}
	if !ts.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp: %v", ts)
	}
}

// Devices send the short lat/lon keys; losing them would silently strip
// GPS provenance from every upload.
func TestParseEnvelopeLocationKeys(t *testing.T) {
	raw := []byte(`{
		"version": "1.0",
		"auth": {"device_id": "dev-B", "public_key_pem": "k"},
		"payload": {
			"video_hash": "abc",
			"timestamp": "2026-03-01T12:00:00Z",
			"location": {"lat": 48.8566, "lon": 2.3522},
			"incident_tags": ["protest"],
			"source": "live",
			"media_type": "video"
		},
		"signature": "c2ln"
	}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Payload.Location == nil {
		t.Fatal("location dropped")
	}
	if env.Payload.Location.Latitude != 48.8566 || env.Payload.Location.Longitude != 2.3522 {
		t.Errorf("lat/lon lost: got %v, %v",
			env.Payload.Location.Latitude, env.Payload.Location.Longitude)
	}
}

func TestParseEnvelopeMissingFields(t *testing.T) {
	cases := []string{
		`{"auth": {"public_key_pem": "k"}, "payload": {"video_hash": "h"}, "signature": "s"}`,
		`{"auth": {"device_id": "d"}, "payload": {"video_hash": "h"}, "signature": "s"}`,
		`{"auth": {"device_id": "d", "public_key_pem": "k"}, "payload": {}, "signature": "s"}`,
		`{"auth": {"device_id": "d", "public_key_pem": "k"}, "payload": {"video_hash": "h"}}`,
		`not json`,
	}
	for i, c := range cases {
		if _, err := ParseEnvelope([]byte(c)); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestSigningInputPrefersSignedPayload(t *testing.T) {
	raw := []byte(`{
		"auth": {"device_id": "d", "public_key_pem": "k"},
		"payload": {"video_hash": "h", "b": 1, "a": 2},
		"signed_payload": "exact-bytes-the-device-signed",
		"signature": "s"
	}`)
	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	input, err := env.SigningInput()
	if err != nil {
		t.Fatalf("SigningInput: %v", err)
	}
	if string(input) != "exact-bytes-the-device-signed" {
		t.Errorf("got %q", input)
	}
}

func TestSigningInputCanonicalFallback(t *testing.T) {
	raw := []byte(`{
		"auth": {"device_id": "d", "public_key_pem": "k"},
		"payload": {"video_hash": "h", "source": "live"},
		"signature": "s"
	}`)
	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	input, err := env.SigningInput()
	if err != nil {
		t.Fatalf("SigningInput: %v", err)
	}
	if string(input) != `{"source":"live","video_hash":"h"}` {
		t.Errorf("canonical payload: %s", input)
	}
}

func TestParseCaptureTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T12:00:00Z", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"2026-03-01T12:00:00+02:00", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2026-03-01T12:00:00.123456Z", time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)},
		{"2026-03-01T12:00:00", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := ParseCaptureTime(c.in)
		if err != nil {
			t.Errorf("%s: %v", c.in, err)
			continue
		}
		if !got.UTC().Equal(c.want) {
			t.Errorf("%s: got %v, want %v", c.in, got.UTC(), c.want)
		}
	}

	if _, err := ParseCaptureTime("yesterday at noon"); err == nil {
		t.Error("expected error for unparseable stamp")
	}
	zero, err := ParseCaptureTime("")
	if err != nil || !zero.IsZero() {
		t.Error("empty stamp should be zero time, nil error")
	}
}

func TestObjectKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	got := ObjectKey("video", "dev-A", ts, "clip one.mp4")
	want := "videos/dev-A/20260301_123045_clip_one.mp4"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	got = ObjectKey("photo", "bulk", ts, "../../etc/passwd")
	if got != "photos/bulk/20260301_123045_passwd" {
		t.Errorf("traversal not neutralised: %s", got)
	}
}

func TestMediaTypeForFilename(t *testing.T) {
	if MediaTypeForFilename("scene.JPG") != "photo" {
		t.Error("jpg should be photo")
	}
	if MediaTypeForFilename("clip.mp4") != "video" {
		t.Error("mp4 should be video")
	}
	if MediaTypeForFilename("mystery.bin") != "video" {
		t.Error("unknown should default to video")
	}
}

// --- full upload path ---

type fakeStore struct {
	putKey  string
	putSize int64
	putBody []byte
}

func (f *fakeStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	f.putKey = key
	f.putSize = size
	b, _ := io.ReadAll(r)
	f.putBody = b
	return nil
}

type fakeHook struct {
	videoID    *uuid.UUID
	objectName string
}

func (f *fakeHook) VideoUploaded(id uuid.UUID, objectName string) {
	f.videoID = &id
	f.objectName = objectName
}

func mvpPEM(deviceID string) string {
	marker := base64.StdEncoding.EncodeToString([]byte("DEVICE:" + deviceID))
	return "-----BEGIN PUBLIC KEY-----\n" + marker + "\n-----END PUBLIC KEY-----"
}

func TestUploadHappyPathMVP(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	pemText := mvpPEM("dev-A")
	body := bytes.Repeat([]byte{0x42}, 1024)
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-A").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "public_key_pem", "device_info", "crypto_scheme", "registered_at"}).
			AddRow("dev-A", pemText, "", "hmac", time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO videos").
		WillReturnRows(sqlmock.NewRows([]string{"uploaded_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT sequence_number, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "entry_hash"}).AddRow(7, audit.GenesisHash))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	registry, err := devices.NewRegistry(db, data.DeviceModel{DB: db}, audit.NewService(db))
	if err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{}
	hook := &fakeHook{}
	svc := &Service{
		DB:       db,
		Videos:   data.VideoModel{DB: db},
		Registry: registry,
		Audit:    audit.NewService(db),
		Store:    store,
		Hook:     hook,
		TempDir:  t.TempDir(),
	}

	envJSON, _ := json.Marshal(map[string]any{
		"version":   "1.0",
		"auth":      map[string]string{"device_id": "dev-A", "public_key_pem": pemText},
		"payload":   map[string]any{"video_hash": bodyHash, "timestamp": "2026-03-01T12:00:00Z", "source": "live"},
		"signature": "bXZw",
	})
	env, err := ParseEnvelope(envJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	res, err := svc.Upload(context.Background(), env, bytes.NewReader(body), "clip.mp4")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if res.VerificationStatus != data.StatusVerifiedMVP {
		t.Errorf("status: got %s, want %s", res.VerificationStatus, data.StatusVerifiedMVP)
	}
	if res.FileHash != bodyHash {
		t.Errorf("hash: %s", res.FileHash)
	}
	if store.putKey != "videos/dev-A/20260301_120000_clip.mp4" {
		t.Errorf("object key: %s", store.putKey)
	}
	if store.putSize != 1024 || !bytes.Equal(store.putBody, body) {
		t.Error("stored body differs from upload")
	}
	if hook.videoID == nil || *hook.videoID != res.VideoID {
		t.Error("bridge hook not fired with the new video id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUploadHashMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	pemText := mvpPEM("dev-A")
	mock.ExpectQuery("SELECT (.+) FROM devices").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "public_key_pem", "device_info", "crypto_scheme", "registered_at"}).
			AddRow("dev-A", pemText, "", "hmac", time.Now()))

	registry, err := devices.NewRegistry(db, data.DeviceModel{DB: db}, audit.NewService(db))
	if err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{}
	svc := &Service{
		DB:       db,
		Videos:   data.VideoModel{DB: db},
		Registry: registry,
		Audit:    audit.NewService(db),
		Store:    store,
		TempDir:  t.TempDir(),
	}

	zeros := fmt.Sprintf("%064d", 0)
	envJSON, _ := json.Marshal(map[string]any{
		"auth":      map[string]string{"device_id": "dev-A", "public_key_pem": pemText},
		"payload":   map[string]any{"video_hash": zeros, "source": "live"},
		"signature": "bXZw",
	})
	env, _ := ParseEnvelope(envJSON)

	_, err = svc.Upload(context.Background(), env, bytes.NewReader([]byte("payload")), "clip.mp4")
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if store.putKey != "" {
		t.Error("nothing should reach the object store on hash mismatch")
	}
	// No INSERTs were expected; a stray write would fail here.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUploadUnregisteredDevice(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM devices").WillReturnError(errNoDevice())

	registry, err := devices.NewRegistry(db, data.DeviceModel{DB: db}, audit.NewService(db))
	if err != nil {
		t.Fatal(err)
	}
	svc := &Service{DB: db, Registry: registry, TempDir: t.TempDir()}

	envJSON := []byte(`{"auth": {"device_id": "ghost", "public_key_pem": "k"},
		"payload": {"video_hash": "h"}, "signature": "s"}`)
	env, _ := ParseEnvelope(envJSON)

	_, err = svc.Upload(context.Background(), env, bytes.NewReader(nil), "x.mp4")
	if err == nil {
		t.Fatal("expected device-not-registered error")
	}
}

func errNoDevice() error {
	return data.ErrDeviceNotFound
}

// --- device-path annotations ---

// jsonContaining matches a JSON-encoded query argument that carries every
// listed fragment.
type jsonContaining []string

func (m jsonContaining) Match(v driver.Value) bool {
	var s string
	switch val := v.(type) {
	case []byte:
		s = string(val)
	case string:
		s = val
	default:
		return false
	}
	for _, frag := range m {
		if !strings.Contains(s, frag) {
			return false
		}
	}
	return true
}

func ownVideoRow(id uuid.UUID, deviceID, notes string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "device_id", "object_name", "file_hash", "captured_at", "latitude", "longitude",
		"incident_tags", "source", "media_type", "exif_metadata", "verification_status",
		"category", "location_description", "notes",
		"annotations_updated_at", "annotations_updated_by",
		"review_status", "reviewed_by", "reviewed_at",
		"envelope", "uploaded_at", "deleted_at", "deleted_by",
	}).AddRow(
		id, deviceID, "videos/"+deviceID+"/clip.mp4", "abc123", time.Now(), nil, nil,
		"{}", "live", "video", nil, data.StatusVerifiedMVP,
		"", "", notes,
		nil, "",
		data.ReviewPending, "", nil,
		nil, time.Now(), nil, "",
	)
}

func annotationService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	registry, err := devices.NewRegistry(db, data.DeviceModel{DB: db}, audit.NewService(db))
	if err != nil {
		t.Fatal(err)
	}
	return &Service{
		DB:       db,
		Videos:   data.VideoModel{DB: db},
		Registry: registry,
		Audit:    audit.NewService(db),
	}, mock
}

func deviceRow(deviceID, pemText string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"device_id", "public_key_pem", "device_info", "crypto_scheme", "registered_at"}).
		AddRow(deviceID, pemText, "", "hmac", time.Now())
}

func TestDeviceAnnotationUpdate(t *testing.T) {
	svc, mock := annotationService(t)
	pemText := mvpPEM("dev-A")
	videoID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-A").
		WillReturnRows(deviceRow("dev-A", pemText))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(ownVideoRow(videoID, "dev-A", ""))
	mock.ExpectExec("UPDATE videos").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT sequence_number, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "entry_hash"}).AddRow(9, audit.GenesisHash))
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), audit.EventAnnotationUpdate,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			jsonContaining{`"old":{`, `"new":{`, `"notes":"crowd moving east"`, `"category":"incident"`},
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(ownVideoRow(videoID, "dev-A", "crowd moving east"))

	video, err := svc.UpdateAnnotations(context.Background(), "dev-A", pemText, videoID, Annotations{
		Category: "incident",
		Notes:    "crowd moving east",
	})
	if err != nil {
		t.Fatalf("UpdateAnnotations: %v", err)
	}
	if video.Notes != "crowd moving east" {
		t.Errorf("notes: %q", video.Notes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeviceAnnotationOwnerOnly(t *testing.T) {
	svc, mock := annotationService(t)
	pemText := mvpPEM("dev-B")
	videoID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-B").
		WillReturnRows(deviceRow("dev-B", pemText))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(ownVideoRow(videoID, "dev-A", ""))
	mock.ExpectRollback()

	_, err := svc.UpdateAnnotations(context.Background(), "dev-B", pemText, videoID, Annotations{})
	if !errors.Is(err, ErrNotOwningDevice) {
		t.Fatalf("got %v, want ErrNotOwningDevice", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeviceAnnotationInvalidCategory(t *testing.T) {
	svc, mock := annotationService(t)
	pemText := mvpPEM("dev-A")

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WillReturnRows(deviceRow("dev-A", pemText))

	_, err := svc.UpdateAnnotations(context.Background(), "dev-A", pemText, uuid.New(), Annotations{
		Category: "surveillance",
	})
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("got %v, want ErrInvalidCategory", err)
	}
}
