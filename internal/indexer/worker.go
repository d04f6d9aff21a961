package indexer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/opentestimony/ot-backend/internal/data"
)

// StatusNotifier receives job transitions, for live status feeds.
type StatusNotifier interface {
	JobUpdate(videoID, status string)
}

type nopNotifier struct{}

func (nopNotifier) JobUpdate(string, string) {}

// Worker drains the indexing queue one job at a time. Inference holds the
// GPU, so a single worker per host is the intended deployment; the queue
// claim in NextRunnable keeps multiple workers safe anyway.
type Worker struct {
	Pipeline *Pipeline
	Jobs     data.JobModel
	Events   *EventPublisher
	Notify   StatusNotifier
	PollSec  int
}

func (w *Worker) notifier() StatusNotifier {
	if w.Notify == nil {
		return nopNotifier{}
	}
	return w.Notify
}

// Run polls until ctx is cancelled. After finishing a job it immediately
// checks for another, so the poll interval only matters when idle.
func (w *Worker) Run(ctx context.Context) {
	poll := time.Duration(w.PollSec) * time.Second
	if poll <= 0 {
		poll = 10 * time.Second
	}
	log.Printf("[Indexer] worker started, polling every %s", poll)

	for {
		worked := w.runOne(ctx)
		if ctx.Err() != nil {
			log.Println("[Indexer] worker stopped")
			return
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			log.Println("[Indexer] worker stopped")
			return
		case <-time.After(poll):
		}
	}
}

func (w *Worker) runOne(ctx context.Context) bool {
	job, err := w.Jobs.NextRunnable(ctx)
	if errors.Is(err, data.ErrJobNotFound) {
		return false
	}
	if err != nil {
		log.Printf("[Indexer] queue poll: %v", err)
		return false
	}

	requested := job.Status
	if err := w.Jobs.SetStatus(ctx, job.VideoID, data.JobProcessing); err != nil {
		log.Printf("[Indexer] claim %s: %v", job.VideoID, err)
		return false
	}
	w.notifier().JobUpdate(job.VideoID.String(), data.JobProcessing)
	log.Printf("[Indexer] %s: starting %s run for %s", job.VideoID, requested, job.ObjectName)

	// Run retains the requested status to pick the stage plan.
	job.Status = requested
	start := time.Now()
	stats, err := w.Pipeline.Run(ctx, job)
	if err != nil {
		log.Printf("[Indexer] %s: failed after %s: %v", job.VideoID, time.Since(start).Round(time.Second), err)
		if markErr := w.Jobs.MarkFailed(ctx, job.VideoID, err.Error()); markErr != nil {
			log.Printf("[Indexer] %s: mark failed: %v", job.VideoID, markErr)
		}
		w.finish(job, data.JobFailed, stats, err)
		return true
	}

	w.applyStats(job, stats)
	if err := w.Jobs.MarkCompleted(ctx, job); err != nil {
		log.Printf("[Indexer] %s: mark completed: %v", job.VideoID, err)
	}
	log.Printf("[Indexer] %s: completed in %s (%d frames, %d segments, %d captions, %d clips, %d faces)",
		job.VideoID, time.Since(start).Round(time.Second),
		stats.Frames, stats.Segments, stats.Captions, stats.Clips, stats.Faces)
	w.finish(job, data.JobCompleted, stats, nil)
	return true
}

// applyStats folds a run's output into the job row. Fix runs only touch
// the modalities they filled, so existing counts survive.
func (w *Worker) applyStats(job *data.IndexJob, stats *RunStats) {
	if stats.DidVisual {
		job.VisualIndexed = true
		job.FrameCount = stats.Frames
	}
	if stats.DidText {
		job.TranscriptIndexed = true
		job.SegmentCount = stats.Segments
	}
	if stats.DidCaptions {
		job.CaptionIndexed = true
		job.CaptionCount = stats.Captions
	}
	if stats.DidClips {
		job.ClipIndexed = true
		job.ClipCount = stats.Clips
	}
}

func (w *Worker) finish(job *data.IndexJob, status string, stats *RunStats, runErr error) {
	w.notifier().JobUpdate(job.VideoID.String(), status)
	if w.Events == nil {
		return
	}

	event := &IndexEvent{
		VideoID:     job.VideoID.String(),
		Status:      status,
		CompletedAt: time.Now().UTC(),
	}
	if stats != nil {
		event.FrameCount = stats.Frames
		event.FaceCount = stats.Faces
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	if err := w.Events.Publish(event); err != nil {
		log.Printf("[Indexer] %s: event publish: %v", job.VideoID, err)
	}
}
