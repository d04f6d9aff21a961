package api

import (
	"net/http"
	"strings"

	"github.com/opentestimony/ot-backend/internal/tags"
)

type TagHandler struct {
	Catalogue *tags.Catalogue
}

// List returns the working vocabulary: the curated catalogue plus any tags
// already in use on videos.
func (h *TagHandler) List(w http.ResponseWriter, r *http.Request) {
	vocab, err := h.Catalogue.Vocabulary(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": vocab, "count": len(vocab)})
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (h *TagHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Tag = strings.TrimSpace(req.Tag)
	if req.Tag == "" {
		writeErr(w, http.StatusUnprocessableEntity, "tag is required")
		return
	}
	if err := h.Catalogue.Add(r.Context(), req.Tag); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"tag": req.Tag})
}

// Delete removes a tag from the catalogue AND from every video carrying
// it, with an audit entry recording the blast radius. Admin only.
func (h *TagHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.PathValue("tag"))
	if tag == "" {
		writeErr(w, http.StatusBadRequest, "tag is required")
		return
	}
	affected, err := h.Catalogue.Delete(r.Context(), tag, actorID(r))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tag":             tag,
		"videos_affected": affected,
	})
}
