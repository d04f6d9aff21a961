package api

import (
	"log"
	"net/http"

	"github.com/opentestimony/ot-backend/internal/data"
)

type StatsHandler struct {
	Videos  data.VideoModel
	Devices data.DeviceModel
	Users   data.UserModel
}

// Stats is the dashboard rollup: counts grouped by verification status,
// source, media type and review state, plus device and user totals.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	for _, column := range []string{"verification_status", "source", "media_type", "review_status"} {
		counts, err := h.Videos.CountBy(r.Context(), column)
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		body["by_"+column] = counts

		if column == "verification_status" {
			total := 0
			for _, n := range counts {
				total += n
			}
			body["total_videos"] = total
		}
	}

	devices, err := h.Devices.ListWithCounts(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	body["total_devices"] = len(devices)

	if n, err := h.Users.Count(r.Context()); err == nil {
		body["total_users"] = n
	} else {
		log.Printf("[Stats] user count: %v", err)
	}

	writeJSON(w, http.StatusOK, body)
}
