package search

import (
	"math"
	"testing"

	"github.com/google/uuid"
)

func within(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestFuseVisualCaptionMergesSameFrame(t *testing.T) {
	vid := uuid.New()
	other := uuid.New()

	visual := []Result{
		{VideoID: vid, FrameNum: 4, TimestampMS: 4_000, Score: 0.80, Source: ModeVisual},
		{VideoID: vid, FrameNum: 62, TimestampMS: 62_000, Score: 0.60, Source: ModeVisual},
	}
	caption := []Result{
		{VideoID: vid, FrameNum: 4, TimestampMS: 4_000, Score: 0.70, Snippet: "man waving a sign", Source: ModeCaptions},
		{VideoID: other, FrameNum: 4, TimestampMS: 4_000, Score: 0.75, Snippet: "crowd on a bridge", Source: ModeCaptions},
	}

	out := FuseVisualCaption(visual, caption, 10)
	if len(out) != 3 {
		t.Fatalf("got %d fused results, want 3", len(out))
	}

	// vid frame 4 appears in both lists: the visual score wins as primary,
	// both components are recorded, and the caption text is the snippet.
	top := out[0]
	if top.VideoID != vid || top.FrameNum != 4 {
		t.Fatalf("top result is %s frame %d", top.VideoID, top.FrameNum)
	}
	if !within(top.Score, 0.80, 1e-9) {
		t.Errorf("primary score %f, want 0.80", top.Score)
	}
	if !within(top.VisualScore, 0.80, 1e-9) || !within(top.CaptionScore, 0.70, 1e-9) {
		t.Errorf("component scores %f/%f, want 0.80/0.70", top.VisualScore, top.CaptionScore)
	}
	if top.Snippet != "man waving a sign" {
		t.Errorf("snippet %q not carried from caption hit", top.Snippet)
	}
	if top.Source != ModeCombined {
		t.Errorf("source %q", top.Source)
	}

	// The caption-only hit keeps its score and only its component.
	second := out[1]
	if second.VideoID != other {
		t.Fatalf("second result is %s", second.VideoID)
	}
	if !within(second.Score, 0.75, 1e-9) || second.VisualScore != 0 {
		t.Errorf("caption-only result got score %f, visual %f", second.Score, second.VisualScore)
	}
}

func TestFuseVisualCaptionHigherScorePrimary(t *testing.T) {
	vid := uuid.New()
	visual := []Result{
		{VideoID: vid, FrameNum: 1, TimestampMS: 1_000, Score: 0.55, Source: ModeVisual},
	}
	caption := []Result{
		{VideoID: vid, FrameNum: 1, TimestampMS: 1_000, Score: 0.90, Snippet: "dense smoke", Source: ModeCaptions},
	}
	out := FuseVisualCaption(visual, caption, 10)
	if len(out) != 1 {
		t.Fatalf("got %d results, want 1", len(out))
	}
	if !within(out[0].Score, 0.90, 1e-9) {
		t.Errorf("primary score %f, want caption's 0.90", out[0].Score)
	}
	if !within(out[0].VisualScore, 0.55, 1e-9) {
		t.Errorf("visual component %f lost", out[0].VisualScore)
	}
}

func TestFuseVisualCaptionLimit(t *testing.T) {
	var visual []Result
	for i := 0; i < 20; i++ {
		visual = append(visual, Result{VideoID: uuid.New(), Score: float64(i), Source: ModeVisual})
	}
	out := FuseVisualCaption(visual, nil, 5)
	if len(out) != 5 {
		t.Fatalf("got %d results, want 5", len(out))
	}
	if out[0].Score < out[4].Score {
		t.Error("results not sorted by score")
	}
}

func TestClampLimit(t *testing.T) {
	if clampLimit(0) != DefaultLimit {
		t.Error("zero should default")
	}
	if clampLimit(-3) != DefaultLimit {
		t.Error("negative should default")
	}
	if clampLimit(10_000) != MaxLimit {
		t.Error("oversized should clamp")
	}
	if clampLimit(25) != 25 {
		t.Error("in-range should pass through")
	}
}
