package bridge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/faces"
	"github.com/opentestimony/ot-backend/internal/middleware"
	"github.com/opentestimony/ot-backend/internal/models"
	"github.com/opentestimony/ot-backend/internal/search"
)

// maxImageUpload bounds query-by-image bodies. 20 MiB covers any phone
// photo.
const maxImageUpload = 20 << 20

// Server is the indexing-side HTTP surface: the upload hook, queue
// status, search, thumbnails and the live status feed.
type Server struct {
	DB      *sql.DB
	Jobs    data.JobModel
	Faces   data.FaceModel
	FaceSvc *faces.Service
	Search  *search.Service
	Models  *models.Client
	Hub     *Hub

	ThumbnailDir     string
	FaceThumbnailDir string

	Auth           *middleware.SessionAuth
	Metrics        middleware.HTTPRecorder
	MetricsHandler http.Handler
}

// Router assembles the bridge mux. The upload hook stays open for the
// ingest service; everything else needs a session, with the admin block
// further gated by role.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	if s.Metrics != nil {
		r.Use(routeMetrics(s.Metrics))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/hooks/video-uploaded", s.handleUploadHook)
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Use(middleware.RequireStaff)

		r.Get("/indexing/status", s.handleQueueStatus)
		r.Get("/indexing/status/{video_id}", s.handleJobStatus)

		r.Get("/search/visual", s.searchMode(search.ModeVisual))
		r.Get("/search/transcript", s.searchMode(search.ModeTranscript))
		r.Get("/search/transcript/exact", s.searchMode(search.ModeTranscriptExact))
		r.Get("/search/captions", s.searchMode(search.ModeCaptions))
		r.Get("/search/captions/exact", s.searchMode(search.ModeCaptionsExact))
		r.Get("/search/clips", s.searchMode(search.ModeClips))
		r.Get("/search/actions", s.searchMode(search.ModeActions))
		r.Get("/search/actions/exact", s.searchMode(search.ModeActionsExact))
		r.Get("/search/combined", s.searchMode(search.ModeCombined))
		r.Post("/search/visual", s.handleImageSearch)

		r.Get("/faces/clusters", s.handleFaceClusters)
		r.Get("/thumbnails/{video_id}/{file}", (&ThumbnailServer{Root: s.ThumbnailDir}).ServeHTTP)
		r.Get("/face-thumbnails/{video_id}/{file}", s.handleFaceThumbnail)
		r.Get("/ws/indexing", s.Hub.ServeWS)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Use(middleware.RequireAdmin)

		r.Post("/indexing/reindex/{video_id}", s.handleReindex)
		r.Post("/indexing/reindex", s.handleReindexAll)
		r.Post("/faces/recluster", s.handleRecluster)
	})

	return r
}

// routeMetrics records request counts and latency under the chi route
// pattern, so /thumbnails/{video_id}/{file} is one series rather than one
// per video.
func routeMetrics(rec middleware.HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			rec.RecordHTTP(r.Method, route, ww.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type uploadHookRequest struct {
	VideoID    string `json:"video_id"`
	ObjectName string `json:"object_name"`
}

// handleUploadHook enqueues an indexing job for a freshly stored video.
// Replayed webhooks are acknowledged without creating a second job.
func (s *Server) handleUploadHook(w http.ResponseWriter, r *http.Request) {
	var req uploadHookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	videoID, err := uuid.Parse(req.VideoID)
	if err != nil || req.ObjectName == "" {
		writeErr(w, http.StatusUnprocessableEntity, "video_id and object_name are required")
		return
	}

	job, created, err := s.Jobs.Enqueue(r.Context(), videoID, req.ObjectName)
	if err != nil {
		log.Printf("[Bridge] enqueue %s: %v", videoID, err)
		writeErr(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if created {
		s.Hub.JobUpdate(videoID.String(), job.Status)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"queued": created,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Jobs.CountByStatus(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "queue status failed")
		return
	}
	jobs, err := s.Jobs.List(r.Context(), 100)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "queue status failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": counts,
		"jobs":   jobs,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	videoID, err := uuid.Parse(r.PathValue("video_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid video id")
		return
	}
	job, err := s.Jobs.GetByVideo(r.Context(), videoID)
	if errors.Is(err, data.ErrJobNotFound) {
		writeErr(w, http.StatusNotFound, "no indexing job for video")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// reindexTarget maps the request mode to a queue state.
func reindexTarget(mode string) (string, bool) {
	switch mode {
	case "", "full":
		return data.JobPending, true
	case "visual":
		return data.JobPendingVisual, true
	case "fix":
		return data.JobPendingFix, true
	}
	return "", false
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	videoID, err := uuid.Parse(r.PathValue("video_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid video id")
		return
	}
	target, ok := reindexTarget(r.URL.Query().Get("mode"))
	if !ok {
		writeErr(w, http.StatusUnprocessableEntity, "mode must be full, visual or fix")
		return
	}

	switch err := s.Jobs.Reset(r.Context(), videoID, target); {
	case errors.Is(err, data.ErrJobNotFound):
		writeErr(w, http.StatusNotFound, "no indexing job for video")
	case errors.Is(err, data.ErrJobBusy):
		writeErr(w, http.StatusConflict, "job is already queued or running")
	case err != nil:
		writeErr(w, http.StatusInternalServerError, "reindex failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": target})
	}
}

func (s *Server) handleReindexAll(w http.ResponseWriter, r *http.Request) {
	target, ok := reindexTarget(r.URL.Query().Get("mode"))
	if !ok {
		writeErr(w, http.StatusUnprocessableEntity, "mode must be full, visual or fix")
		return
	}
	n, err := s.Jobs.ResetAll(r.Context(), target)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "reindex failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": target, "jobs_reset": n})
}

func (s *Server) handleRecluster(w http.ResponseWriter, r *http.Request) {
	result, err := s.FaceSvc.ReclusterAll(r.Context())
	if err != nil {
		log.Printf("[Bridge] recluster: %v", err)
		writeErr(w, http.StatusInternalServerError, "recluster failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) searchMode(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))

		resp, err := s.Search.Search(r.Context(), mode, q.Get("q"), limit)
		if err != nil {
			writeErr(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleImageSearch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImageUpload); err != nil {
		writeErr(w, http.StatusBadRequest, "multipart form required")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, "image file is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxImageUpload))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "read failed")
		return
	}
	limit, _ := strconv.Atoi(r.FormValue("limit"))

	resp, err := s.Search.SearchByImage(r.Context(), image, limit)
	if err != nil {
		log.Printf("[Bridge] image search: %v", err)
		writeErr(w, http.StatusInternalServerError, "image search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFaceClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.Faces.ListClusters(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "cluster list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters, "count": len(clusters)})
}

// handleFaceThumbnail serves face crops, named <timestamp_ms>_<n>.jpg.
// Both components parse as integers, so the path cannot be steered.
func (s *Server) handleFaceThumbnail(w http.ResponseWriter, r *http.Request) {
	videoID, err := uuid.Parse(r.PathValue("video_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid video id")
		return
	}
	name, ok := parseFaceThumbName(r.PathValue("file"))
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid thumbnail name")
		return
	}
	serveJPEG(w, r, filepath.Join(s.FaceThumbnailDir, videoID.String(), name))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":     "ok",
		"ws_clients": s.Hub.ClientCount(),
	}
	if err := s.DB.PingContext(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if s.Models != nil {
		if err := s.Models.Health(r.Context()); err != nil {
			body["inference"] = err.Error()
		}
	}
	writeJSON(w, status, body)
}
