package api

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/middleware"
	"github.com/opentestimony/ot-backend/internal/objstore"
)

type VideoHandler struct {
	DB     *sql.DB
	Videos data.VideoModel
	Audit  *audit.Service
	Store  *objstore.Store
}

func filterFromQuery(r *http.Request) data.VideoFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	var tags []string
	if raw := q.Get("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	return data.VideoFilter{
		DeviceID:     q.Get("device_id"),
		VerifiedOnly: q.Get("verified_only") == "true",
		Tags:         tags,
		Category:     q.Get("category"),
		MediaType:    q.Get("media_type"),
		Source:       q.Get("source"),
		Search:       q.Get("search"),
		ReviewStatus: q.Get("review_status"),
		Sort:         q.Get("sort"),
		Limit:        limit,
		Offset:       offset,
	}
}

func (h *VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	videos, err := h.Videos.List(r.Context(), filterFromQuery(r))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos, "count": len(videos)})
}

// ReviewQueue is the curator worklist: unreviewed material, oldest first.
func (h *VideoHandler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	f.ReviewStatus = data.ReviewPending
	f.Sort = "oldest"
	videos, err := h.Videos.List(r.Context(), f)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos, "count": len(videos)})
}

func (h *VideoHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	video, err := h.Videos.GetByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

type annotationRequest struct {
	Category     string   `json:"category"`
	LocationDesc string   `json:"location_description"`
	Notes        string   `json:"notes"`
	IncidentTags []string `json:"incident_tags"`
}

// annotationFields shapes one side of the before/after pair an annotation
// audit entry carries.
func annotationFields(category, locationDesc, notes string, tags []string) map[string]any {
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

// UpdateAnnotations rewrites the curator fields and appends the change to
// the audit chain in the same transaction, so an annotation can never land
// without its chain entry. The entry records old and new values.
func (h *VideoHandler) UpdateAnnotations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req annotationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !data.ValidCategory(req.Category) {
		writeErr(w, http.StatusUnprocessableEntity, "category must be interview, incident, documentation, other or empty")
		return
	}
	if req.IncidentTags == nil {
		req.IncidentTags = []string{}
	}
	actor := actorID(r)

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer tx.Rollback()

	videos := data.VideoModel{DB: tx}
	old, err := videos.GetByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := videos.UpdateAnnotations(r.Context(), id, req.Category, req.LocationDesc, req.Notes, req.IncidentTags, actor); err != nil {
		writeDomainErr(w, err)
		return
	}
	_, err = h.Audit.Append(r.Context(), tx, audit.EventWebAnnotationUpdate, map[string]any{
		"old": annotationFields(old.Category, old.LocationDesc, old.Notes, old.IncidentTags),
		"new": annotationFields(req.Category, req.LocationDesc, req.Notes, req.IncidentTags),
	}, audit.Ref{VideoID: &id, UserID: actor})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeDomainErr(w, err)
		return
	}

	video, err := h.Videos.GetByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

type reviewRequest struct {
	Status string `json:"status"`
}

func (h *VideoHandler) SetReviewStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case data.ReviewPending, data.ReviewReviewed, data.ReviewFlagged:
	default:
		writeErr(w, http.StatusUnprocessableEntity, "status must be pending, reviewed or flagged")
		return
	}
	actor := actorID(r)

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer tx.Rollback()

	videos := data.VideoModel{DB: tx}
	old, err := videos.GetByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := videos.SetReviewStatus(r.Context(), id, req.Status, actor); err != nil {
		writeDomainErr(w, err)
		return
	}
	_, err = h.Audit.Append(r.Context(), tx, audit.EventQueueReview, map[string]any{
		"old_status": old.ReviewStatus,
		"new_status": req.Status,
	}, audit.Ref{VideoID: &id, UserID: actor})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// Presign hands out a time-limited download URL. The media itself never
// flows through this service.
func (h *VideoHandler) Presign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	video, err := h.Videos.GetByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	downloadName := video.DeviceID + "_" + video.FileHash[:12]
	url, err := h.Store.PresignGet(r.Context(), video.ObjectName, downloadName)
	if err != nil {
		log.Printf("[Videos] presign %s: %v", video.ObjectName, err)
		writeErr(w, http.StatusBadGateway, "presign failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Delete soft-deletes. The object and the audit history stay; only listings
// stop showing the row. Admin only.
func (h *VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor := actorID(r)

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer tx.Rollback()

	videos := data.VideoModel{DB: tx}
	if err := videos.SoftDelete(r.Context(), id, actor); err != nil {
		writeDomainErr(w, err)
		return
	}
	_, err = h.Audit.Append(r.Context(), tx, audit.EventVideoDeleted, map[string]any{
		"soft_delete": true,
	}, audit.Ref{VideoID: &id, UserID: actor})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AuditTrail returns the chain entries referencing one video.
func (h *VideoHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.Audit.ListForVideo(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func actorID(r *http.Request) string {
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		return ac.UserID
	}
	return ""
}
