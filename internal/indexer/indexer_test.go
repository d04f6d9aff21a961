package indexer

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/opentestimony/ot-backend/internal/data"
)

func writeJPEG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
}

func TestMeanLuminance(t *testing.T) {
	dir := t.TempDir()

	dark := filepath.Join(dir, "dark.jpg")
	writeJPEG(t, dark, color.RGBA{5, 5, 5, 255})
	lum, err := meanLuminance(dark)
	if err != nil {
		t.Fatal(err)
	}
	if lum >= MinMeanLuminance {
		t.Errorf("near-black frame scored %.1f, want < %.1f", lum, MinMeanLuminance)
	}

	bright := filepath.Join(dir, "bright.jpg")
	writeJPEG(t, bright, color.RGBA{200, 200, 200, 255})
	lum, err = meanLuminance(bright)
	if err != nil {
		t.Fatal(err)
	}
	if lum < 150 {
		t.Errorf("bright frame scored %.1f, want >= 150", lum)
	}
}

func TestFrameOrdinal(t *testing.T) {
	n, err := frameOrdinal("/tmp/frames/frame_000042.jpg")
	if err != nil || n != 42 {
		t.Errorf("got %d, %v", n, err)
	}
	if _, err := frameOrdinal("/tmp/frames/cover.jpg"); err == nil {
		t.Error("non-frame filename should not parse")
	}
}

func TestCropFace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "frame.jpg")
	writeJPEG(t, src, color.RGBA{100, 120, 140, 255})

	dest := filepath.Join(dir, "faces", "0_0.jpg")
	if err := CropFace(src, dest, 30, 30, 40, 40); err != nil {
		t.Fatalf("crop: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	// 40px box with 20% padding on each side, fully inside the frame.
	if img.Bounds().Dx() != 56 || img.Bounds().Dy() != 56 {
		t.Errorf("crop is %dx%d, want 56x56", img.Bounds().Dx(), img.Bounds().Dy())
	}

	// Box entirely off the frame fails.
	if err := CropFace(src, dest, 500, 500, 40, 40); err == nil {
		t.Error("out-of-bounds box should fail")
	}
}

func TestSampleFramePaths(t *testing.T) {
	var window []Frame
	for i := 0; i < 16; i++ {
		window = append(window, Frame{Path: filepath.Join("/tmp", "frame", string(rune('a'+i)))})
	}

	paths := sampleFramePaths(window, 8)
	if len(paths) != 8 {
		t.Fatalf("got %d paths, want 8", len(paths))
	}
	if paths[0] != window[0].Path || paths[7] != window[15].Path {
		t.Error("sample should span the whole window")
	}

	// Short windows pass through untouched.
	paths = sampleFramePaths(window[:3], 8)
	if len(paths) != 3 {
		t.Errorf("got %d paths for a 3-frame window, want 3", len(paths))
	}
}

func TestKeepAction(t *testing.T) {
	if keepAction("") {
		t.Error("empty description kept")
	}
	if keepAction("No significant action in this clip.") {
		t.Error("null response kept")
	}
	if !keepAction("a man climbs over the fence") {
		t.Error("real description dropped")
	}
}

func TestFixPlanFillsOnlyMissingModalities(t *testing.T) {
	// Crash after the clip insert but before the action insert: the fix
	// run must caption actions without re-inserting the clip rows.
	p := fixPlan(data.ModalityCounts{
		Frames:      120,
		Transcripts: 14,
		Captions:    120,
		Clips:       30,
		Actions:     0,
		Faces:       6,
	})
	if p.clips {
		t.Error("clips already present; a fix run must not duplicate them")
	}
	if !p.actions {
		t.Error("actions missing; the fix run should fill them")
	}
	if p.visual || p.transcript || p.captions || p.faces {
		t.Errorf("filled modalities re-enabled: %+v", p)
	}

	p = fixPlan(data.ModalityCounts{})
	if !p.visual || !p.transcript || !p.captions || !p.clips || !p.actions || !p.faces {
		t.Errorf("empty tables should enable every stage: %+v", p)
	}
}

func TestApplyStatsPartialRun(t *testing.T) {
	w := &Worker{}
	job := &data.IndexJob{
		VisualIndexed: true,
		FrameCount:    99,
	}

	// A fix run that only produced a transcript must not disturb the
	// visual columns.
	w.applyStats(job, &RunStats{DidText: true, Segments: 12})

	if !job.VisualIndexed || job.FrameCount != 99 {
		t.Error("visual columns were overwritten by a text-only run")
	}
	if !job.TranscriptIndexed || job.SegmentCount != 12 {
		t.Errorf("transcript columns not applied: indexed=%v count=%d",
			job.TranscriptIndexed, job.SegmentCount)
	}
	if job.CaptionIndexed || job.ClipIndexed {
		t.Error("untouched modalities were marked indexed")
	}
}
