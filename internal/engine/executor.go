package engine

import (
	"context"
	"time"

	"driftsync/internal/domain"
	"driftsync/internal/events"
	"driftsync/internal/metrics"
	"driftsync/internal/models"
)

// syncOne performs a single upload attempt for one item and walks the record
// through pending → syncing → synced | error. The intermediate syncing state
// is persisted so a concurrent reader sees "in progress" rather than a stale
// "pending". Callers (the batch pass and the Save fast path) provide the
// serialization; there is no per-item lock.
func (e *Engine) syncOne(ctx context.Context, rec *models.SyncRecord, payload []byte) error {
	rec.Status = models.StatusSyncing
	if err := e.records.Put(ctx, rec); err != nil {
		return err
	}
	e.bus.Publish(events.Event{Type: events.EventSyncing, ItemID: rec.ItemID})

	meta := domain.UploadMeta{SavedAt: rec.LastLocalSave, Attempt: rec.RetryCount + 1}
	start := time.Now()
	remoteID, err := e.remote.Upload(ctx, rec.ItemID, meta, payload)
	metrics.ObserveUpload(time.Since(start))

	if err != nil {
		if !e.mon.Online() {
			// Connectivity vanished under the attempt. That is an environment
			// condition, not an item failure: no retry penalty.
			rec.Status = models.StatusOffline
			rec.LastError = err.Error()
			if perr := e.records.Put(ctx, rec); perr != nil {
				e.logger.Error().Err(perr).Str("item", rec.ItemID).Msg("persist offline record")
			}
			e.bus.Publish(events.Event{Type: events.EventOffline, ItemID: rec.ItemID})
			metrics.IncAttempt("offline")
			return err
		}

		rec.Status = models.StatusError
		rec.RetryCount++
		rec.LastError = err.Error()
		if perr := e.records.Put(ctx, rec); perr != nil {
			e.logger.Error().Err(perr).Str("item", rec.ItemID).Msg("persist error record")
		}
		e.logger.Warn().Err(err).Str("item", rec.ItemID).Int("retry_count", rec.RetryCount).Msg("upload failed")
		e.bus.Publish(events.Event{
			Type:    events.EventError,
			ItemID:  rec.ItemID,
			Payload: map[string]any{"error": err.Error(), "retry_count": rec.RetryCount},
		})
		metrics.IncAttempt("error")
		return err
	}

	now := e.clock.Now()
	rec.Status = models.StatusSynced
	rec.RemoteID = remoteID
	rec.LastSynced = &now
	rec.RetryCount = 0
	rec.LastError = ""
	if err := e.records.Put(ctx, rec); err != nil {
		// The upload landed but the record did not. Leave the item queued;
		// re-uploading is idempotent.
		e.logger.Error().Err(err).Str("item", rec.ItemID).Msg("persist synced record")
		return err
	}
	if err := e.queue.Dequeue(ctx, rec.ItemID); err != nil {
		e.logger.Error().Err(err).Str("item", rec.ItemID).Msg("dequeue after sync")
	}

	e.bus.Publish(events.Event{
		Type:    events.EventSynced,
		ItemID:  rec.ItemID,
		Payload: map[string]any{"remote_id": remoteID},
	})
	metrics.IncAttempt("synced")
	metrics.SetQueueDepth(e.queue.Len())
	return nil
}
