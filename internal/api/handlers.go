package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/devices"
	"github.com/opentestimony/ot-backend/internal/ingest"
)

// maxJSONBody bounds plain JSON requests. Media goes through multipart
// paths with their own limits.
const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// errStatus maps domain errors onto HTTP statuses. Anything unmapped is a
// 500 and gets a generic detail so internals stay internal.
func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, data.ErrVideoNotFound),
		errors.Is(err, data.ErrDeviceNotFound),
		errors.Is(err, data.ErrUserNotFound),
		errors.Is(err, data.ErrJobNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, data.ErrUsernameDuplicate),
		errors.Is(err, data.ErrJobBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, devices.ErrKeyImmutable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ingest.ErrDeviceNotRegistered),
		errors.Is(err, ingest.ErrNotOwningDevice),
		errors.Is(err, devices.ErrKeyMismatch):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ingest.ErrHashMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ingest.ErrMalformedEnvelope),
		errors.Is(err, ingest.ErrInvalidCategory):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeDomainErr(w http.ResponseWriter, err error) {
	status, detail := errStatus(err)
	writeErr(w, status, detail)
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// pathUUID parses a {id}-style segment, writing the 400 itself on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
