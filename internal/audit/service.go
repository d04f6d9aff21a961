package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/data"
)

// Service owns the append-only hash chain. Appends run inside the caller's
// transaction so the row lock and the insert commit atomically with the
// state change they describe.
type Service struct {
	DB *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}

// Append writes the next chain entry. The SELECT ... FOR UPDATE on the
// last-sequence row serialises concurrent appenders: whoever holds the lock
// derives the next sequence number and hash; everyone else waits.
func (s *Service) Append(ctx context.Context, tx data.DBTX, eventType string, eventData map[string]any, ref Ref) (*Entry, error) {
	var prevSeq int64
	prevHash := GenesisHash

	err := tx.QueryRowContext(ctx, `
		SELECT sequence_number, entry_hash
		FROM audit_entries
		ORDER BY sequence_number DESC
		LIMIT 1
		FOR UPDATE`).Scan(&prevSeq, &prevHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("audit: lock tail: %w", err)
	}

	if eventData == nil {
		eventData = map[string]any{}
	}

	// created_at is captured at hashing time, truncated to what the
	// timestamptz column round-trips.
	created := time.Now().UTC().Truncate(time.Microsecond)
	createdISO := created.Format(time.RFC3339Nano)

	entry := &Entry{
		ID:             uuid.New(),
		SequenceNumber: prevSeq + 1,
		EventType:      eventType,
		VideoID:        ref.VideoID,
		DeviceID:       ref.DeviceID,
		UserID:         ref.UserID,
		PreviousHash:   prevHash,
		CreatedAt:      created,
	}

	canonical, err := CanonicalJSON(hashPayload(entry.SequenceNumber, eventType, eventData, prevHash, createdISO))
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalise: %w", err)
	}
	sum := sha256.Sum256(canonical)
	entry.EntryHash = hex.EncodeToString(sum[:])

	// Actor splice happens after hashing, on purpose: verification strips
	// user_id before recomputing.
	stored := make(map[string]any, len(eventData)+1)
	for k, v := range eventData {
		stored[k] = v
	}
	if ref.UserID != "" {
		stored["user_id"] = ref.UserID
	}
	entry.EventData = stored

	dataJSON, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	var videoID any
	if ref.VideoID != nil {
		videoID = *ref.VideoID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, sequence_number, event_type, video_id, device_id, user_id, event_data, entry_hash, previous_hash, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)`,
		entry.ID, entry.SequenceNumber, entry.EventType, videoID, entry.DeviceID, entry.UserID,
		dataJSON, entry.EntryHash, entry.PreviousHash, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	return entry, nil
}

const verifyBatchSize = 1000

// VerifyChain walks every entry in sequence order and checks both the link
// to the predecessor and the recomputed entry hash. Batches keep memory
// flat on long chains.
func (s *Service) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{Valid: true, Errors: []VerifyError{}}

	prevHash := GenesisHash
	var prevSeq int64
	var afterSeq int64

	for {
		batch, err := s.fetchBatch(ctx, afterSeq, verifyBatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			result.EntriesChecked++

			if e.SequenceNumber != prevSeq+1 {
				result.Errors = append(result.Errors, VerifyError{
					SequenceNumber: e.SequenceNumber,
					Error:          "sequence gap",
					Expected:       fmt.Sprintf("%d", prevSeq+1),
					Actual:         fmt.Sprintf("%d", e.SequenceNumber),
				})
			}
			if e.PreviousHash != prevHash {
				result.Errors = append(result.Errors, VerifyError{
					SequenceNumber: e.SequenceNumber,
					Error:          "previous_hash mismatch",
					Expected:       prevHash,
					Actual:         e.PreviousHash,
				})
			}

			createdISO := e.CreatedAt.UTC().Format(time.RFC3339Nano)
			canonical, err := CanonicalJSON(hashPayload(
				e.SequenceNumber, e.EventType, stripActor(e.EventData), e.PreviousHash, createdISO))
			if err != nil {
				return nil, err
			}
			sum := sha256.Sum256(canonical)
			recomputed := hex.EncodeToString(sum[:])
			if recomputed != e.EntryHash {
				result.Errors = append(result.Errors, VerifyError{
					SequenceNumber: e.SequenceNumber,
					Error:          "entry_hash mismatch",
					Expected:       recomputed,
					Actual:         e.EntryHash,
				})
			}

			prevHash = e.EntryHash
			prevSeq = e.SequenceNumber
		}
		afterSeq = batch[len(batch)-1].SequenceNumber
		// Drop the batch before fetching the next; nothing outside the
		// loop references it.
		batch = nil
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

func (s *Service) fetchBatch(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, sequence_number, event_type, video_id, COALESCE(device_id, ''), COALESCE(user_id, ''),
		       event_data, entry_hash, previous_hash, created_at
		FROM audit_entries
		WHERE sequence_number > $1
		ORDER BY sequence_number ASC
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []*Entry
	for rows.Next() {
		e := &Entry{}
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.SequenceNumber, &e.EventType, &e.VideoID, &e.DeviceID, &e.UserID,
			&dataJSON, &e.EntryHash, &e.PreviousHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.EventData); err != nil {
				return nil, err
			}
		}
		batch = append(batch, e)
	}
	return batch, rows.Err()
}

// ListForVideo returns the audit trail slice for one media record, oldest
// first.
func (s *Service) ListForVideo(ctx context.Context, videoID uuid.UUID) ([]*Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, sequence_number, event_type, video_id, COALESCE(device_id, ''), COALESCE(user_id, ''),
		       event_data, entry_hash, previous_hash, created_at
		FROM audit_entries
		WHERE video_id = $1
		ORDER BY sequence_number ASC`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.SequenceNumber, &e.EventType, &e.VideoID, &e.DeviceID, &e.UserID,
			&dataJSON, &e.EntryHash, &e.PreviousHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.EventData); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
