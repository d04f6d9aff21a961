package bridge

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ThumbnailServer serves frame stills extracted during indexing. A request
// for a timestamp with no still (dropped dark frame, different interval)
// falls back to the nearest one for the same video.
type ThumbnailServer struct {
	Root string
}

func (s *ThumbnailServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Parsing both segments strictly makes traversal impossible: the path
	// is rebuilt from a UUID and an integer, never from request text.
	videoID, err := uuid.Parse(r.PathValue("video_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid video id")
		return
	}
	tsMS, err := strconv.ParseInt(strings.TrimSuffix(r.PathValue("file"), ".jpg"), 10, 64)
	if err != nil || tsMS < 0 {
		writeErr(w, http.StatusBadRequest, "invalid timestamp")
		return
	}

	dir := filepath.Join(s.Root, videoID.String())
	exact := filepath.Join(dir, fmt.Sprintf("%d.jpg", tsMS))
	if _, err := os.Stat(exact); err == nil {
		serveJPEG(w, r, exact)
		return
	}

	nearest, ok := nearestThumbnail(dir, tsMS)
	if !ok {
		writeErr(w, http.StatusNotFound, "no thumbnails for video")
		return
	}
	serveJPEG(w, r, nearest)
}

func nearestThumbnail(dir string, tsMS int64) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	best := ""
	var bestDiff int64 = -1
	for _, e := range entries {
		name := e.Name()
		ts, err := strconv.ParseInt(strings.TrimSuffix(name, ".jpg"), 10, 64)
		if err != nil || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		diff := ts - tsMS
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			best = filepath.Join(dir, name)
		}
	}
	return best, best != ""
}

// parseFaceThumbName validates a face crop filename of the form
// <timestamp_ms>_<n>.jpg and returns it rebuilt from the parsed parts.
func parseFaceThumbName(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".jpg")
	if !ok {
		return "", false
	}
	tsPart, idxPart, ok := strings.Cut(base, "_")
	if !ok {
		return "", false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts < 0 {
		return "", false
	}
	idx, err := strconv.Atoi(idxPart)
	if err != nil || idx < 0 {
		return "", false
	}
	return fmt.Sprintf("%d_%d.jpg", ts, idx), true
}

func serveJPEG(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}
