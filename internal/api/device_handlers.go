package api

import (
	"net/http"

	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/devices"
)

type DeviceHandler struct {
	Registry *devices.Registry
	Devices  data.DeviceModel
}

type registerRequest struct {
	DeviceID     string `json:"device_id"`
	PublicKeyPEM string `json:"public_key"`
	DeviceInfo   string `json:"device_info,omitempty"`
	CryptoTag    string `json:"crypto_tag,omitempty"`
}

// Register is open to unauthenticated devices: the whole point is that a
// phone in the field can enroll its key before its first capture.
// Re-registration with the same key is idempotent; changing a key without
// a crypto upgrade tag conflicts.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.PublicKeyPEM == "" {
		writeErr(w, http.StatusUnprocessableEntity, "device_id and public_key are required")
		return
	}

	result, err := h.Registry.Register(r.Context(), req.DeviceID, req.PublicKeyPEM, req.DeviceInfo, req.CryptoTag)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"device_id": result.Device.DeviceID,
		"created":   result.Created,
		"upgraded":  result.Upgraded,
		"scheme":    result.Device.CryptoScheme,
	})
}

// List returns registered devices with upload counts.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Devices.ListWithCounts(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": stats, "count": len(stats)})
}
