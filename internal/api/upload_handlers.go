package api

import (
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/opentestimony/ot-backend/internal/ingest"
	"github.com/opentestimony/ot-backend/internal/middleware"
)

// maxUploadBody bounds a single multipart upload. 2 GiB covers long phone
// recordings.
const maxUploadBody = 2 << 30

type UploadHandler struct {
	Ingest *ingest.Service
}

// Upload accepts a multipart form carrying the signed envelope (field
// "envelope") and the media bytes (field "file"). The envelope decides the
// verification status; nothing is rejected for a bad signature, only
// tagged.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "multipart form required")
		return
	}

	envelopeJSON := r.FormValue("envelope")
	if envelopeJSON == "" {
		// Some capture clients ship the envelope as a file part.
		part, _, err := r.FormFile("envelope")
		if err != nil {
			writeErr(w, http.StatusUnprocessableEntity, "envelope field is required")
			return
		}
		raw, err := io.ReadAll(io.LimitReader(part, maxJSONBody))
		part.Close()
		if err != nil {
			writeErr(w, http.StatusBadRequest, "envelope read failed")
			return
		}
		envelopeJSON = string(raw)
	}

	env, err := ingest.ParseEnvelope([]byte(envelopeJSON))
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, "file field is required")
		return
	}
	defer file.Close()

	result, err := h.Ingest.Upload(r.Context(), env, file, header.Filename)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type deviceAnnotationRequest struct {
	DeviceID     string   `json:"device_id"`
	PublicKeyPEM string   `json:"public_key_pem"`
	Category     string   `json:"category"`
	LocationDesc string   `json:"location_description"`
	Notes        string   `json:"notes"`
	IncidentTags []string `json:"incident_tags"`
}

// Annotate lets a capture device update the annotations on its own video.
// Like Upload, the caller authenticates with its registered key rather than
// a session.
func (h *UploadHandler) Annotate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req deviceAnnotationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.PublicKeyPEM == "" {
		writeErr(w, http.StatusUnprocessableEntity, "device_id and public_key_pem are required")
		return
	}

	video, err := h.Ingest.UpdateAnnotations(r.Context(), req.DeviceID, req.PublicKeyPEM, id, ingest.Annotations{
		Category:     req.Category,
		LocationDesc: req.LocationDesc,
		Notes:        req.Notes,
		IncidentTags: req.IncidentTags,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

// BulkUpload ingests operator-provided files with no signatures. Requires
// an admin session; per-file failures do not abort the batch.
func (h *UploadHandler) BulkUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "multipart form required")
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		writeErr(w, http.StatusUnprocessableEntity, "at least one file is required")
		return
	}

	var defaultLoc *ingest.Location
	if latStr, lonStr := r.FormValue("latitude"), r.FormValue("longitude"); latStr != "" && lonStr != "" {
		lat, latErr := strconv.ParseFloat(latStr, 64)
		lon, lonErr := strconv.ParseFloat(lonStr, 64)
		if latErr != nil || lonErr != nil {
			writeErr(w, http.StatusUnprocessableEntity, "invalid latitude/longitude")
			return
		}
		defaultLoc = &ingest.Location{Latitude: lat, Longitude: lon}
	}

	actorID := ""
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		actorID = ac.UserID
	}

	var files []ingest.BulkFile
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			log.Printf("[Upload] bulk open %s: %v", header.Filename, err)
			continue
		}
		closers = append(closers, f)
		files = append(files, ingest.BulkFile{Name: header.Filename, Reader: f})
	}

	result := h.Ingest.BulkUpload(r.Context(), files, defaultLoc, actorID)

	status := http.StatusOK
	if result.Status == "error" {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}
