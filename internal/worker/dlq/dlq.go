// Package dlq implements C13: routing of entries that exhaust their
// retry budget to a separate dead-letter stream, plus the operator
// surface for inspecting and replaying it. Grounded on
// original_source/src/worker/dlq.py; field names follow spec.md's
// DLQEnvelope exactly rather than the Python original's
// (original_message_id/original_data/error_type), per spec.md's
// authority over the source it was distilled from.
package dlq

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/mail"
)

// Router appends failed entries to the dead-letter stream and supports
// inspecting/replaying it (spec.md §4.13).
type Router struct {
	store      *logstore.Client
	streamName string
	maxLength  int64
	log        *zap.Logger
}

func New(store *logstore.Client, streamName string, maxLength int64, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{store: store, streamName: streamName, maxLength: maxLength, log: log}
}

// Send appends originalEntryID/originalPayload to the DLQ, annotated
// with the failure that exhausted the retry budget.
func (r *Router) Send(ctx context.Context, originalEntryID string, originalPayload []byte, errKind string, errMsg string, retryCount int) (string, error) {
	envelope := mail.DLQEnvelope{
		OriginalEntryID: originalEntryID,
		OriginalPayload: originalPayload,
		ErrorKind:       errKind,
		ErrorMessage:    errMsg,
		RetryCount:      retryCount,
		FailedAt:        time.Now().UTC(),
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal dlq envelope: %w", err)
	}

	id, err := r.store.Append(ctx, r.streamName, map[string]interface{}{
		"envelope": string(payload),
	}, r.maxLength)
	if err != nil {
		return "", err
	}

	r.log.Error("entry routed to dead letter stream",
		zap.String("original_entry_id", originalEntryID),
		zap.String("error_kind", errKind),
		zap.Int("retry_count", retryCount),
		zap.String("dlq_entry_id", id),
	)
	return id, nil
}

// Depth reports the current dead-letter stream length (feeds C9's
// dlq_depth gauge).
func (r *Router) Depth(ctx context.Context) (int64, error) {
	return r.store.Len(ctx, r.streamName)
}

// Peek returns up to count of the oldest entries in the DLQ without
// removing them (spec.md §4.13 peek(count)).
func (r *Router) Peek(ctx context.Context, count int64) ([]DecodedEntry, error) {
	entries, err := r.store.Range(ctx, r.streamName, "-", "+", count)
	if err != nil {
		return nil, err
	}
	out := make([]DecodedEntry, 0, len(entries))
	for _, e := range entries {
		envelope, err := mail.UnmarshalDLQEnvelope([]byte(e.Fields["envelope"]))
		if err != nil {
			r.log.Warn("dlq entry failed to decode", zap.String("dlq_entry_id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, DecodedEntry{ID: e.ID, Envelope: envelope})
	}
	return out, nil
}

// DecodedEntry pairs a DLQ stream entry ID with its decoded envelope.
type DecodedEntry struct {
	ID       string
	Envelope mail.DLQEnvelope
}

// Reprocess re-appends dlqEntryID's original payload to targetStream and
// removes it from the DLQ once the re-append succeeds (spec.md §4.13
// reprocess(dlq_entry_id, target_stream)).
func (r *Router) Reprocess(ctx context.Context, dlqEntryID, targetStream string) (string, error) {
	entries, err := r.store.Range(ctx, r.streamName, dlqEntryID, dlqEntryID, 1)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("dlq entry not found: %s", dlqEntryID)
	}
	envelope, err := mail.UnmarshalDLQEnvelope([]byte(entries[0].Fields["envelope"]))
	if err != nil {
		return "", fmt.Errorf("decode dlq envelope: %w", err)
	}

	newID, err := r.store.Append(ctx, targetStream, map[string]interface{}{
		"payload":             string(envelope.OriginalPayload),
		"reprocessed_from_dlq": "true",
		"original_dlq_id":      dlqEntryID,
	}, 0)
	if err != nil {
		return "", err
	}

	if err := r.store.Delete(ctx, r.streamName, dlqEntryID); err != nil {
		r.log.Warn("reprocessed entry but failed to remove from dlq",
			zap.String("dlq_entry_id", dlqEntryID), zap.Error(err))
	}
	r.log.Info("reprocessed dlq entry", zap.String("dlq_entry_id", dlqEntryID), zap.String("new_entry_id", newID))
	return newID, nil
}

// Clear deletes every entry currently in the DLQ. Operator use only.
func (r *Router) Clear(ctx context.Context) (int, error) {
	entries, err := r.store.Range(ctx, r.streamName, "-", "+", 0)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if err := r.store.Delete(ctx, r.streamName, ids...); err != nil {
		return 0, err
	}
	r.log.Warn("cleared dead letter stream", zap.Int("entries_removed", len(ids)))
	return len(ids), nil
}

// HealthStats satisfies health.StatsProvider for the /status endpoint.
func (r *Router) HealthStats() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	depth, err := r.Depth(ctx)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return map[string]interface{}{"depth": depth, "stream": r.streamName}
}
