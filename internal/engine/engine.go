// Package engine implements the offline-first synchronization engine: it keeps
// locally saved work items consistent with a remote store under intermittent
// connectivity, doing background work only while there is work to do and the
// host is foregrounded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"driftsync/internal/backoff"
	"driftsync/internal/domain"
	"driftsync/internal/events"
	"driftsync/internal/metrics"
	"driftsync/internal/models"
	"driftsync/internal/monitor"
	"driftsync/internal/store"

	"github.com/rs/zerolog"
)

// ErrUnknownItem is returned by RetrySingle for an item without a record.
var ErrUnknownItem = errors.New("unknown item")

// Config tunes scheduling and retry behavior. Zero fields get defaults.
type Config struct {
	// PollInterval is the recurring safety-net timer between batch passes.
	PollInterval time.Duration
	// ItemDelay paces consecutive uploads within one batch pass.
	ItemDelay time.Duration
	// MaxRetries is the automatic retry budget per item; a record at the
	// budget is skipped by batch passes until RetrySingle resets it.
	MaxRetries int
	// Backoff schedules the follow-up pass after a failing batch.
	Backoff backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.ItemDelay <= 0 {
		c.ItemDelay = 250 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Deps are the engine's injected collaborators. KV and Remote are required;
// the rest default to reasonable in-process implementations.
type Deps struct {
	KV      domain.KVStore
	Remote  domain.RemoteStore
	Monitor *monitor.Monitor
	Bus     *events.Bus
	Clock   domain.Clock
	Logger  *zerolog.Logger
}

// Engine is one explicit instance of the sync engine. All mutable state lives
// on the struct; construct one per local store and pass it by reference.
type Engine struct {
	cfg     Config
	records *store.RecordStore
	queue   *store.PendingQueue
	remote  domain.RemoteStore
	mon     *monitor.Monitor
	bus     *events.Bus
	clock   domain.Clock
	logger  zerolog.Logger

	// syncing is the single "batch in progress" flag serializing passes.
	syncing atomic.Bool

	mu         sync.Mutex
	pollStop   chan struct{}
	retryTimer *time.Timer
	failStreak int
}

// New loads persisted state from deps.KV and wires the monitor callbacks.
// If the queue resumes non-empty the scheduler starts immediately.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if deps.KV == nil {
		return nil, errors.New("engine: KV store is required")
	}
	if deps.Remote == nil {
		return nil, errors.New("engine: remote store is required")
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = deps.Logger.With().Str("component", "engine").Logger()
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(logger, 2*time.Second)
	}

	queue, err := store.NewPendingQueue(ctx, deps.KV)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:     cfg.withDefaults(),
		records: store.NewRecordStore(deps.KV),
		queue:   queue,
		remote:  deps.Remote,
		mon:     deps.Monitor,
		bus:     deps.Bus,
		clock:   deps.Clock,
		logger:  logger,
	}

	metrics.Register()
	metrics.SetQueueDepth(e.queue.Len())

	e.mon.OnOnline(func() {
		e.bus.Publish(events.Event{Type: events.EventOnline})
		if !e.queue.IsEmpty() && e.mon.Foreground() {
			e.startScheduler()
			e.kick()
		}
	})
	e.mon.OnOffline(func() {
		e.bus.Publish(events.Event{Type: events.EventOffline})
	})
	e.mon.OnBackground(func() {
		// Battery conservation: no new passes while backgrounded. A pass
		// already running notices at its next loop boundary.
		e.stopScheduler()
	})
	e.mon.OnForeground(func() {
		if !e.queue.IsEmpty() {
			e.startScheduler()
			go e.kick()
		}
	})

	if !e.queue.IsEmpty() {
		e.startScheduler()
	}

	return e, nil
}

// Save runs the save pipeline: record as pending, payload to the local store,
// then either the immediate fast path or the queue. The returned result
// reports local persistence and the remote status as of returning; a non-nil
// error means the local write itself failed.
func (e *Engine) Save(ctx context.Context, itemID string, payload []byte, opts models.SaveOptions) (models.SaveResult, error) {
	res := models.SaveResult{ItemID: itemID}
	if itemID == "" {
		return res, errors.New("item id is required")
	}

	rec, found, err := e.records.Get(ctx, itemID)
	if err != nil {
		return res, err
	}
	if !found {
		rec = &models.SyncRecord{ItemID: itemID}
	}
	rec.Status = models.StatusPending
	rec.LastLocalSave = e.clock.Now()
	if err := e.records.Put(ctx, rec); err != nil {
		return res, err
	}

	persisted := false
	if opts.PersistLocalCopy {
		if err := e.records.PutPayload(ctx, itemID, payload); err != nil {
			return res, err
		}
		persisted = true
	}
	res.LocalSaved = true

	if opts.SyncToRemote && e.mon.Online() && e.remote.Authenticated() {
		if err := e.syncOne(ctx, rec, payload); err == nil {
			res.Remote = models.StatusSynced
			res.RemoteID = rec.RemoteID
			return res, nil
		}
		// Fast path failed; the item falls back to the queue below.
	}

	// A queued attempt needs the payload in the local store regardless of the
	// caller's copy preference.
	if !persisted {
		if err := e.records.PutPayload(ctx, itemID, payload); err != nil {
			return res, err
		}
	}

	if err := e.queue.Enqueue(ctx, itemID); err != nil {
		return res, err
	}
	metrics.SetQueueDepth(e.queue.Len())
	e.startScheduler()

	if rec.Status == models.StatusError {
		res.Remote = models.StatusError
	} else {
		res.Remote = models.StatusPending
	}
	return res, nil
}

// RetrySingle resets the item's retry budget and attempts one upload outside
// the batch discipline. On failure the item re-enters the automatic rotation.
func (e *Engine) RetrySingle(ctx context.Context, itemID string) error {
	rec, found, err := e.records.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownItem
	}

	payload, found, err := e.records.Payload(ctx, itemID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no local payload for item %s", itemID)
	}

	rec.RetryCount = 0
	rec.LastError = ""
	if err := e.records.Put(ctx, rec); err != nil {
		return err
	}

	if err := e.syncOne(ctx, rec, payload); err != nil {
		if qerr := e.queue.Enqueue(ctx, itemID); qerr != nil {
			e.logger.Error().Err(qerr).Str("item", itemID).Msg("re-enqueue after manual retry")
		}
		e.startScheduler()
		return err
	}
	return nil
}

// Status returns the item's sync record, a pure read.
func (e *Engine) Status(ctx context.Context, itemID string) (*models.SyncRecord, bool, error) {
	return e.records.Get(ctx, itemID)
}

// Summary aggregates record counts plus the live connectivity flags.
func (e *Engine) Summary(ctx context.Context) (models.Summary, error) {
	all, err := e.records.All(ctx)
	if err != nil {
		return models.Summary{}, err
	}

	s := models.Summary{
		Total:      len(all),
		QueueDepth: e.queue.Len(),
		Online:     e.mon.Online(),
		Foreground: e.mon.Foreground(),
	}
	for _, rec := range all {
		switch rec.Status {
		case models.StatusSynced:
			s.Synced++
		case models.StatusSyncing:
			s.Syncing++
		case models.StatusError:
			s.Errors++
		default:
			// pending and offline both await an upload
			s.Pending++
		}
	}
	return s, nil
}

// Subscribe registers a listener for all engine events.
func (e *Engine) Subscribe(h events.Handler) *events.Subscription {
	return e.bus.Subscribe(h)
}

// ClearItem removes the record, payload, and queue membership for an item the
// caller has deleted locally. Records are never cleared automatically.
func (e *Engine) ClearItem(ctx context.Context, itemID string) error {
	if err := e.queue.Dequeue(ctx, itemID); err != nil {
		return err
	}
	if err := e.records.DeletePayload(ctx, itemID); err != nil {
		return err
	}
	if err := e.records.Delete(ctx, itemID); err != nil {
		return err
	}
	metrics.SetQueueDepth(e.queue.Len())
	if e.queue.IsEmpty() {
		e.stopScheduler()
	}
	return nil
}

// Monitor exposes the connectivity/visibility monitor for host wiring.
func (e *Engine) Monitor() *monitor.Monitor { return e.mon }

// Close stops the scheduler and any outstanding retry timer. It does not
// interrupt a running batch pass.
func (e *Engine) Close() {
	e.stopScheduler()
	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()
}

// kick runs one batch pass if conditions allow; used by the monitor
// callbacks and the backoff retry timer.
func (e *Engine) kick() {
	if !e.mon.Online() || !e.mon.Foreground() || e.queue.IsEmpty() {
		return
	}
	e.SyncPending(context.Background())
}
