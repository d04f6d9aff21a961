package bridge

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/data"
)

func newMockServer(t *testing.T) (*Server, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &Server{
		DB:   db,
		Jobs: data.JobModel{DB: db},
		Hub:  NewHub(),
	}, mock, db
}

func jobRow(videoID uuid.UUID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "object_name", "status",
		"visual_indexed", "transcript_indexed", "caption_indexed", "clip_indexed",
		"frame_count", "segment_count", "caption_count", "clip_count",
		"error_message", "created_at", "completed_at",
	}).AddRow(
		uuid.New(), videoID, "videos/d/f.mp4", status,
		false, false, false, false,
		0, 0, 0, 0,
		"", time.Now(), nil,
	)
}

func TestUploadHookQueuesOnce(t *testing.T) {
	s, mock, _ := newMockServer(t)
	videoID := uuid.New()

	// First delivery inserts a row.
	mock.ExpectExec("INSERT INTO indexing_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM indexing_jobs WHERE video_id").
		WillReturnRows(jobRow(videoID, data.JobPending))

	body, _ := json.Marshal(uploadHookRequest{
		VideoID:    videoID.String(),
		ObjectName: "videos/d/f.mp4",
	})
	req := httptest.NewRequest(http.MethodPost, "/hooks/video-uploaded", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleUploadHook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Queued bool `json:"queued"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Queued {
		t.Error("first delivery should report queued")
	}

	// Replay hits the conflict clause and is acknowledged without a new
	// job.
	mock.ExpectExec("INSERT INTO indexing_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM indexing_jobs WHERE video_id").
		WillReturnRows(jobRow(videoID, data.JobPending))

	req = httptest.NewRequest(http.MethodPost, "/hooks/video-uploaded", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.handleUploadHook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("replay status %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Queued {
		t.Error("replay must not report queued")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUploadHookRejectsBadBody(t *testing.T) {
	s, _, _ := newMockServer(t)

	req := httptest.NewRequest(http.MethodPost, "/hooks/video-uploaded",
		bytes.NewReader([]byte(`{"video_id":"not-a-uuid","object_name":"x"}`)))
	rec := httptest.NewRecorder()
	s.handleUploadHook(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status %d, want 422", rec.Code)
	}
}

func TestReindexBusyConflicts(t *testing.T) {
	s, mock, _ := newMockServer(t)
	videoID := uuid.New()

	// Job is mid-run: a visual reindex must not race it.
	mock.ExpectQuery("SELECT (.+) FROM indexing_jobs WHERE video_id").
		WillReturnRows(jobRow(videoID, data.JobProcessing))

	req := httptest.NewRequest(http.MethodPost, "/indexing/reindex/"+videoID.String()+"?mode=visual", nil)
	req.SetPathValue("video_id", videoID.String())
	rec := httptest.NewRecorder()
	s.handleReindex(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestReindexUnknownMode(t *testing.T) {
	s, _, _ := newMockServer(t)
	videoID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/indexing/reindex/"+videoID.String()+"?mode=sideways", nil)
	req.SetPathValue("video_id", videoID.String())
	rec := httptest.NewRecorder()
	s.handleReindex(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status %d, want 422", rec.Code)
	}
}

func TestThumbnailNearestFallback(t *testing.T) {
	root := t.TempDir()
	videoID := uuid.New()
	dir := filepath.Join(root, videoID.String())
	os.MkdirAll(dir, 0o755)
	for _, ts := range []int64{0, 2000, 4000} {
		os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.jpg", ts)), []byte("jpeg"), 0o644)
	}

	srv := &ThumbnailServer{Root: root}

	serve := func(file string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/thumbnails/"+videoID.String()+"/"+file, nil)
		req.SetPathValue("video_id", videoID.String())
		req.SetPathValue("file", file)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	if rec := serve("2000.jpg"); rec.Code != http.StatusOK {
		t.Errorf("exact hit: status %d", rec.Code)
	}
	// 2900 is closest to 2000.
	if rec := serve("2900.jpg"); rec.Code != http.StatusOK {
		t.Errorf("fallback: status %d", rec.Code)
	}

	// Unknown video has nothing to fall back to.
	other := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/thumbnails/"+other.String()+"/0.jpg", nil)
	req.SetPathValue("video_id", other.String())
	req.SetPathValue("file", "0.jpg")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing video: status %d", rec.Code)
	}

	// Traversal shapes never reach the filesystem.
	req = httptest.NewRequest(http.MethodGet, "/thumbnails/x/x", nil)
	req.SetPathValue("video_id", "../../etc")
	req.SetPathValue("file", "passwd.jpg")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal: status %d, want 400", rec.Code)
	}
}

func TestParseFaceThumbName(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"4000_0.jpg", true},
		{"0_12.jpg", true},
		{"4000.jpg", false},
		{"a_b.jpg", false},
		{"4000_0.png", false},
		{"../4000_0.jpg", false},
	}
	for _, tc := range cases {
		if _, ok := parseFaceThumbName(tc.in); ok != tc.ok {
			t.Errorf("%q: ok=%v, want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	h := NewHub()
	if h.ClientCount() != 0 {
		t.Fatal("fresh hub should be empty")
	}
	// Broadcasting with no clients is a no-op.
	h.JobUpdate(uuid.New().String(), data.JobProcessing)
}
