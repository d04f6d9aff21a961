package indexer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// IndexEvent is published on subject "indexing.completed.<video_id>" (or
// "indexing.failed.<video_id>") when a job finishes, so downstream consumers
// can react without polling the queue table.
type IndexEvent struct {
	VideoID     string    `json:"video_id"`
	Status      string    `json:"status"`
	FrameCount  int       `json:"frame_count"`
	FaceCount   int       `json:"face_count"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type EventPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewEventPublisher(conn *nats.Conn, subject string, maxRetries int) *EventPublisher {
	return &EventPublisher{conn: conn, subject: subject, maxRetries: maxRetries}
}

func (p *EventPublisher) Publish(event *IndexEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := p.subject + "." + event.Status + "." + event.VideoID
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
