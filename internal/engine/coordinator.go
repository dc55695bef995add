package engine

import (
	"context"

	"driftsync/internal/events"
	"driftsync/internal/metrics"
	"driftsync/internal/models"

	"golang.org/x/time/rate"
)

// SyncPending runs one batch pass over the pending queue. It is a no-op with
// a reason when a pass is already running, the host is offline, or the remote
// store is unauthenticated. Per-item failures never abort the pass; losing
// the foreground (checked between items) does.
func (e *Engine) SyncPending(ctx context.Context) models.BatchResult {
	if !e.syncing.CompareAndSwap(false, true) {
		return models.BatchResult{Skipped: true, Reason: models.SkipAlreadyRunning}
	}
	defer e.syncing.Store(false)

	if !e.mon.Online() {
		metrics.IncBatch(models.SkipOffline)
		return models.BatchResult{Skipped: true, Reason: models.SkipOffline}
	}
	if !e.remote.Authenticated() {
		metrics.IncBatch(models.SkipUnauthenticated)
		return models.BatchResult{Skipped: true, Reason: models.SkipUnauthenticated}
	}

	ids := e.queue.Snapshot()
	var res models.BatchResult
	if len(ids) == 0 {
		return res
	}

	e.logger.Info().Int("queued", len(ids)).Msg("batch pass started")
	e.bus.Publish(events.Event{Type: events.EventSyncStarted, Payload: map[string]any{"queued": len(ids)}})

	// Politeness toward the remote API: pace consecutive items. The limiter
	// starts with a full bucket so the first item is immediate.
	limiter := rate.NewLimiter(rate.Every(e.cfg.ItemDelay), 1)

	for _, id := range ids {
		if !e.mon.Foreground() {
			e.logger.Info().Msg("backgrounded mid-pass, aborting remaining items")
			res.Aborted = true
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			res.Aborted = true
			break
		}

		rec, found, err := e.records.Get(ctx, id)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, models.ItemError{ItemID: id, Message: err.Error()})
			continue
		}
		if !found {
			// Queue entry without a record: the record store is authoritative.
			e.dropFromQueue(ctx, id, "record missing")
			continue
		}
		if rec.UpToDate() {
			// Diverged structures (record already synced, ID still queued):
			// the record wins, drop the stale membership.
			e.dropFromQueue(ctx, id, "already synced")
			continue
		}

		payload, found, err := e.records.Payload(ctx, id)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, models.ItemError{ItemID: id, Message: err.Error()})
			continue
		}
		if !found {
			// The underlying item no longer exists locally.
			e.dropFromQueue(ctx, id, "payload missing")
			continue
		}

		if rec.Exhausted(e.cfg.MaxRetries) {
			res.Failed++
			res.Errors = append(res.Errors, models.ItemError{ItemID: id, Message: "retry budget exhausted"})
			continue
		}

		if err := e.syncOne(ctx, rec, payload); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, models.ItemError{ItemID: id, Message: err.Error()})
			if !e.mon.Online() {
				// Went offline under the attempt; the rest would fail the
				// same way. Stop and wait for the reconnect kick.
				res.Aborted = true
				break
			}
			continue
		}
		res.Synced++
	}

	e.bus.Publish(events.Event{
		Type:    events.EventSyncComplete,
		Payload: map[string]any{"synced": res.Synced, "failed": res.Failed, "aborted": res.Aborted},
	})
	e.logger.Info().Int("synced", res.Synced).Int("failed", res.Failed).Bool("aborted", res.Aborted).Msg("batch pass finished")

	if res.Failed > 0 {
		e.mu.Lock()
		e.failStreak++
		streak := e.failStreak
		e.mu.Unlock()
		e.scheduleRetry(e.cfg.Backoff.Delay(streak))
	} else {
		e.mu.Lock()
		e.failStreak = 0
		e.mu.Unlock()
	}

	if res.Aborted {
		metrics.IncBatch("aborted")
	} else {
		metrics.IncBatch("complete")
	}
	metrics.SetQueueDepth(e.queue.Len())

	if e.queue.IsEmpty() {
		e.stopScheduler()
	}
	return res
}

func (e *Engine) dropFromQueue(ctx context.Context, itemID, reason string) {
	e.logger.Debug().Str("item", itemID).Str("reason", reason).Msg("dropping queue entry")
	if err := e.queue.Dequeue(ctx, itemID); err != nil {
		e.logger.Error().Err(err).Str("item", itemID).Msg("drop queue entry")
	}
}
