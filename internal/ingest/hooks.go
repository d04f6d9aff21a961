package ingest

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HookClient posts the video-uploaded hook to the bridge. Delivery is
// fire-and-forget: the upload is already durable, and the worker's queue
// can be backfilled by an admin reindex if a hook is lost.
type HookClient struct {
	URL    string
	client *http.Client
}

func NewHookClient(url string, timeout time.Duration) *HookClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HookClient{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HookClient) VideoUploaded(videoID uuid.UUID, objectName string) {
	if h.URL == "" {
		return
	}
	go func() {
		body, _ := json.Marshal(map[string]string{
			"video_id":    videoID.String(),
			"object_name": objectName,
		})
		resp, err := h.client.Post(h.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("[Ingest] hook delivery failed for %s: %v", videoID, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("[Ingest] hook for %s returned %d", videoID, resp.StatusCode)
		}
	}()
}
