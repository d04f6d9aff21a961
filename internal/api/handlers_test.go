package api

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/auth"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/ingest"
	"github.com/opentestimony/ot-backend/internal/ratelimit"
	"github.com/opentestimony/ot-backend/internal/tokens"
)

func newAuthHandler(t *testing.T) (*AuthHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return &AuthHandler{
		DB:         db,
		Users:      data.UserModel{DB: db},
		Tokens:     tokens.NewManager("test-secret", time.Hour),
		Blacklist:  auth.NoopBlacklist{},
		Limiter:    ratelimit.NewLimiter(client, "salt"),
		SessionTTL: time.Hour,
	}, mock
}

func postLogin(h *AuthHandler, username, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(loginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51000"
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	return rec
}

func userRow(username, hash string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "display_name", "password_hash", "role", "is_active", "created_at", "last_login_at",
	}).AddRow(uuid.New(), username, "Test User", hash, data.RoleStaff, active, time.Now(), nil)
}

func TestLoginSuccessSetsCookie(t *testing.T) {
	h, mock := newAuthHandler(t)
	hash, _ := auth.HashPassword("correct horse")

	mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
		WithArgs("ana").
		WillReturnRows(userRow("ana", hash, true))
	mock.ExpectExec("UPDATE users SET last_login_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postLogin(h, "ana", "correct horse")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == tokens.CookieName && c.Value != "" && c.HttpOnly {
			found = true
		}
	}
	if !found {
		t.Error("session cookie not set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	h, mock := newAuthHandler(t)
	hash, _ := auth.HashPassword("correct horse")

	mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
		WillReturnRows(userRow("ana", hash, true))

	rec := postLogin(h, "ana", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	h, mock := newAuthHandler(t)
	hash, _ := auth.HashPassword("correct horse")

	mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
		WillReturnRows(userRow("ana", hash, false))

	rec := postLogin(h, "ana", "correct horse")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	h, mock := newAuthHandler(t)
	hash, _ := auth.HashPassword("correct horse")

	// Five failures consume the window.
	for i := 0; i < ratelimit.DefaultLogin.Rate; i++ {
		mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
			WillReturnRows(userRow("ana", hash, true))
		if rec := postLogin(h, "ana", "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, rec.Code)
		}
	}

	// The sixth does not even reach the user lookup.
	rec := postLogin(h, "ana", "correct horse")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("locked out attempt: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoginFailsClosedWithoutRedis(t *testing.T) {
	h, _ := newAuthHandler(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h.Limiter = ratelimit.NewLimiter(client, "salt")
	mr.Close()

	rec := postLogin(h, "ana", "correct horse")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503 when limiter is unreachable", rec.Code)
	}
}

func TestReviewStatusValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	h := &VideoHandler{DB: db, Videos: data.VideoModel{DB: db}}

	id := uuid.New()
	body, _ := json.Marshal(reviewRequest{Status: "archived"})
	req := httptest.NewRequest(http.MethodPut, "/api/videos/"+id.String()+"/review", bytes.NewReader(body))
	req.SetPathValue("id", id.String())
	rec := httptest.NewRecorder()
	h.SetReviewStatus(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status %d, want 422", rec.Code)
	}
}

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

func pendingVideoRow(id uuid.UUID, deviceID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "device_id", "object_name", "file_hash", "captured_at", "latitude", "longitude",
		"incident_tags", "source", "media_type", "exif_metadata", "verification_status",
		"category", "location_description", "notes",
		"annotations_updated_at", "annotations_updated_by",
		"review_status", "reviewed_by", "reviewed_at",
		"envelope", "uploaded_at", "deleted_at", "deleted_by",
	}).AddRow(
		id, deviceID, "videos/"+deviceID+"/clip.mp4", "abc123", time.Now(), nil, nil,
		"{}", "live", "video", nil, data.StatusVerified,
		"", "", "",
		nil, "",
		data.ReviewPending, "", nil,
		nil, time.Now(), nil, "",
	)
}

// The review transition's chain entry must record the status before and
// after the change, not just the new one.
func TestSetReviewStatusAuditsOldAndNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	h := &VideoHandler{DB: db, Videos: data.VideoModel{DB: db}, Audit: audit.NewService(db)}

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(pendingVideoRow(id, "dev-A"))
	mock.ExpectExec("UPDATE videos SET review_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT sequence_number, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "entry_hash"}).AddRow(3, audit.GenesisHash))
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), audit.EventQueueReview,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			jsonContaining{`"old_status":"pending"`, `"new_status":"reviewed"`},
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body, _ := json.Marshal(reviewRequest{Status: data.ReviewReviewed})
	req := httptest.NewRequest(http.MethodPut, "/api/videos/"+id.String()+"/review", bytes.NewReader(body))
	req.SetPathValue("id", id.String())
	rec := httptest.NewRecorder()
	h.SetReviewStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWebAnnotationCategoryValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	h := &VideoHandler{DB: db, Videos: data.VideoModel{DB: db}}

	id := uuid.New()
	body, _ := json.Marshal(annotationRequest{Category: "surveillance"})
	req := httptest.NewRequest(http.MethodPut, "/api/videos/"+id.String()+"/annotations", bytes.NewReader(body))
	req.SetPathValue("id", id.String())
	rec := httptest.NewRecorder()
	h.UpdateAnnotations(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status %d, want 422", rec.Code)
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	h := &UploadHandler{Ingest: &ingest.Service{}}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestErrStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{data.ErrVideoNotFound, http.StatusNotFound},
		{data.ErrUsernameDuplicate, http.StatusConflict},
		{ingest.ErrDeviceNotRegistered, http.StatusForbidden},
		{ingest.ErrNotOwningDevice, http.StatusForbidden},
		{ingest.ErrHashMismatch, http.StatusBadRequest},
		{ingest.ErrMalformedEnvelope, http.StatusUnprocessableEntity},
		{ingest.ErrInvalidCategory, http.StatusUnprocessableEntity},
		{sql.ErrConnDone, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := errStatus(tc.err); got != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, got, tc.want)
		}
	}
}
