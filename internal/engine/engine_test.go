package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"driftsync/internal/backoff"
	"driftsync/internal/domain"
	"driftsync/internal/events"
	"driftsync/internal/models"
	"driftsync/internal/monitor"
	"driftsync/internal/store"

	"github.com/rs/zerolog"
)

type fakeRemote struct {
	mu       sync.Mutex
	calls    int
	err      error
	noAuth   bool
	block    chan struct{} // uploads wait here when non-nil
	entered  chan struct{} // closed once the first upload is in flight
	onUpload func(call int, itemID string)
}

func (f *fakeRemote) Upload(_ context.Context, itemID string, _ domain.UploadMeta, _ []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	err := f.err
	block := f.block
	entered := f.entered
	hook := f.onUpload
	f.entered = nil
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	if hook != nil {
		hook(call, itemID)
	}
	if err != nil {
		return "", err
	}
	return "remote-" + itemID, nil
}

func (f *fakeRemote) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noAuth
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testConfig() Config {
	return Config{
		PollInterval: time.Hour, // ticks out of the way unless a test wants them
		ItemDelay:    time.Millisecond,
		MaxRetries:   3,
		Backoff:      backoff.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 2},
	}
}

func newTestEngine(t *testing.T, cfg Config, remote *fakeRemote) (*Engine, *monitor.Monitor) {
	t.Helper()
	mon := monitor.New(zerolog.Nop(), 5*time.Millisecond)
	e, err := New(context.Background(), cfg, Deps{
		KV:      store.NewMemoryKV(),
		Remote:  remote,
		Monitor: mon,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, mon
}

func queueOnly() models.SaveOptions {
	return models.SaveOptions{PersistLocalCopy: true}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncPendingEmptyQueue(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), &fakeRemote{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := e.SyncPending(ctx)
		if res.Skipped || res.Synced != 0 || res.Failed != 0 {
			t.Fatalf("expected empty result, got %+v", res)
		}
	}
	if e.SchedulerRunning() {
		t.Fatalf("empty pass must not start the scheduler")
	}
}

func TestSyncPendingSkippedOfflineAndUnauthenticated(t *testing.T) {
	remote := &fakeRemote{}
	e, mon := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	if _, err := e.Save(ctx, "a", []byte("x"), queueOnly()); err != nil {
		t.Fatalf("save: %v", err)
	}

	mon.SetOnline(false)
	res := e.SyncPending(ctx)
	if !res.Skipped || res.Reason != models.SkipOffline {
		t.Fatalf("expected offline skip, got %+v", res)
	}
	mon.SetOnline(true)

	remote.noAuth = true
	res = e.SyncPending(ctx)
	if !res.Skipped || res.Reason != models.SkipUnauthenticated {
		t.Fatalf("expected unauthenticated skip, got %+v", res)
	}
	if remote.callCount() != 0 {
		t.Fatalf("no upload may happen on a skipped pass")
	}
}

func TestSyncPendingMutualExclusion(t *testing.T) {
	remote := &fakeRemote{block: make(chan struct{}), entered: make(chan struct{})}
	e, _ := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	if _, err := e.Save(ctx, "a", []byte("x"), queueOnly()); err != nil {
		t.Fatalf("save: %v", err)
	}

	done := make(chan models.BatchResult, 1)
	entered := remote.entered
	go func() { done <- e.SyncPending(ctx) }()
	<-entered

	second := e.SyncPending(ctx)
	if !second.Skipped || second.Reason != models.SkipAlreadyRunning {
		t.Fatalf("expected already_running skip, got %+v", second)
	}

	close(remote.block)
	first := <-done
	if first.Synced != 1 || first.Failed != 0 {
		t.Fatalf("expected first pass to sync 1, got %+v", first)
	}
}

func TestRetryExhaustionAndManualRetry(t *testing.T) {
	remote := &fakeRemote{err: errors.New("boom")}
	cfg := testConfig()
	cfg.MaxRetries = 2
	e, _ := newTestEngine(t, cfg, remote)
	ctx := context.Background()

	if _, err := e.Save(ctx, "a", []byte("x"), queueOnly()); err != nil {
		t.Fatalf("save: %v", err)
	}

	for pass := 1; pass <= 2; pass++ {
		res := e.SyncPending(ctx)
		if res.Failed != 1 {
			t.Fatalf("pass %d: expected 1 failure, got %+v", pass, res)
		}
	}
	if remote.callCount() != 2 {
		t.Fatalf("expected 2 upload attempts, got %d", remote.callCount())
	}

	// Budget exhausted: the third pass records the failure without attempting.
	res := e.SyncPending(ctx)
	if res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("expected exhausted item counted as failed, got %+v", res)
	}
	if remote.callCount() != 2 {
		t.Fatalf("exhausted item must not be attempted, got %d calls", remote.callCount())
	}
	if !e.queue.Contains("a") {
		t.Fatalf("exhausted item stays in the queue")
	}

	rec, _, err := e.Status(ctx, "a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != models.StatusError || rec.RetryCount != 2 {
		t.Fatalf("expected error record with retry_count=2, got %+v", rec)
	}

	// Manual retry resets the budget and succeeds once the remote recovers.
	remote.setErr(nil)
	if err := e.RetrySingle(ctx, "a"); err != nil {
		t.Fatalf("retry single: %v", err)
	}
	rec, _, _ = e.Status(ctx, "a")
	if rec.Status != models.StatusSynced || rec.RetryCount != 0 {
		t.Fatalf("expected synced record after manual retry, got %+v", rec)
	}
	if e.queue.Contains("a") {
		t.Fatalf("synced item must leave the queue")
	}
}

func TestSchedulerStopsWhenQueueDrains(t *testing.T) {
	remote := &fakeRemote{}
	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond
	e, _ := newTestEngine(t, cfg, remote)
	ctx := context.Background()

	if _, err := e.Save(ctx, "a", []byte("x"), queueOnly()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !e.SchedulerRunning() {
		t.Fatalf("save must start the scheduler")
	}

	waitFor(t, "item synced by the poller", func() bool {
		rec, ok, _ := e.Status(ctx, "a")
		return ok && rec.Status == models.StatusSynced
	})
	waitFor(t, "scheduler stopped", func() bool { return !e.SchedulerRunning() })

	// No further passes happen without another save.
	calls := remote.callCount()
	time.Sleep(100 * time.Millisecond)
	if remote.callCount() != calls {
		t.Fatalf("scheduler kept syncing after the queue drained")
	}
}

func TestBackgroundingAbortsPass(t *testing.T) {
	var mon *monitor.Monitor
	remote := &fakeRemote{}
	remote.onUpload = func(call int, _ string) {
		if call == 2 {
			mon.SetForeground(false)
		}
	}
	e, m := newTestEngine(t, testConfig(), remote)
	mon = m
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := e.Save(ctx, id, []byte(id), queueOnly()); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	res := e.SyncPending(ctx)
	if !res.Aborted {
		t.Fatalf("expected aborted pass, got %+v", res)
	}
	if res.Synced != 2 {
		t.Fatalf("expected exactly 2 items processed, got %+v", res)
	}
	if got := e.queue.Len(); got != 3 {
		t.Fatalf("expected 3 items still queued, got %d", got)
	}
	for _, id := range []string{"c", "d", "e"} {
		rec, _, _ := e.Status(ctx, id)
		if rec.Status != models.StatusPending {
			t.Fatalf("item %s: expected pending, got %s", id, rec.Status)
		}
	}
	if e.SchedulerRunning() {
		t.Fatalf("backgrounding must stop the scheduler")
	}
}

func TestEventOrderForOneRoundTrip(t *testing.T) {
	remote := &fakeRemote{}
	e, _ := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	sub := e.Subscribe(func(evt events.Event) {
		if evt.ItemID != "a" {
			return
		}
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	if _, err := e.Save(ctx, "a", []byte("x"), models.DefaultSaveOptions()); err != nil {
		t.Fatalf("save: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != events.EventSyncing || seen[1] != events.EventSynced {
		t.Fatalf("expected [syncing synced], got %v", seen)
	}
}

func TestSaveFastPathEndToEnd(t *testing.T) {
	remote := &fakeRemote{}
	e, _ := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	res, err := e.Save(ctx, "A", []byte("payload"), models.DefaultSaveOptions())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !res.LocalSaved || res.Remote != models.StatusSynced || res.RemoteID != "remote-A" {
		t.Fatalf("unexpected save result: %+v", res)
	}
	if remote.callCount() != 1 {
		t.Fatalf("expected exactly one upload, got %d", remote.callCount())
	}

	rec, ok, err := e.Status(ctx, "A")
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if rec.Status != models.StatusSynced || rec.RemoteID != "remote-A" || rec.LastSynced == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if e.queue.Contains("A") {
		t.Fatalf("fast-path item must not be queued")
	}
	if e.SchedulerRunning() {
		t.Fatalf("nothing pending, scheduler must stay off")
	}
}

func TestSaveOfflineThenReconnectSyncsAutomatically(t *testing.T) {
	remote := &fakeRemote{}
	e, mon := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	mon.SetOnline(false)
	res, err := e.Save(ctx, "B", []byte("payload"), models.DefaultSaveOptions())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Remote != models.StatusPending {
		t.Fatalf("expected pending while offline, got %+v", res)
	}
	if !e.queue.Contains("B") {
		t.Fatalf("offline save must queue the item")
	}
	if remote.callCount() != 0 {
		t.Fatalf("no upload may happen while offline")
	}

	mon.SetOnline(true)
	waitFor(t, "automatic sync after reconnect", func() bool {
		rec, ok, _ := e.Status(ctx, "B")
		return ok && rec.Status == models.StatusSynced
	})
	if e.queue.Contains("B") {
		t.Fatalf("synced item must leave the queue")
	}
}

func TestFastPathFailureFallsBackToQueue(t *testing.T) {
	remote := &fakeRemote{err: errors.New("server on fire")}
	e, _ := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	res, err := e.Save(ctx, "a", []byte("x"), models.DefaultSaveOptions())
	if err != nil {
		t.Fatalf("save must not fail locally: %v", err)
	}
	if !res.LocalSaved || res.Remote != models.StatusError {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !e.queue.Contains("a") {
		t.Fatalf("failed fast path must enqueue the item")
	}
	if !e.SchedulerRunning() {
		t.Fatalf("queued item must arm the scheduler")
	}

	rec, _, _ := e.Status(ctx, "a")
	if rec.Status != models.StatusError || rec.RetryCount != 1 || rec.LastError == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRecordWinsOverStaleQueueEntry(t *testing.T) {
	remote := &fakeRemote{}
	e, _ := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	now := time.Now()
	synced := now.Add(time.Second)
	rec := &models.SyncRecord{
		ItemID:        "a",
		Status:        models.StatusSynced,
		LastLocalSave: now,
		LastSynced:    &synced,
		RemoteID:      "r-1",
	}
	if err := e.records.Put(ctx, rec); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := e.records.PutPayload(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("put payload: %v", err)
	}
	if err := e.queue.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := e.SyncPending(ctx)
	if res.Synced != 0 || res.Failed != 0 {
		t.Fatalf("stale entry must not be re-uploaded, got %+v", res)
	}
	if remote.callCount() != 0 {
		t.Fatalf("no upload expected for an up-to-date record")
	}
	if e.queue.Contains("a") {
		t.Fatalf("stale queue entry must be dropped")
	}
}

func TestMissingPayloadDroppedSilently(t *testing.T) {
	remote := &fakeRemote{}
	e, _ := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	rec := &models.SyncRecord{ItemID: "gone", Status: models.StatusPending, LastLocalSave: time.Now()}
	if err := e.records.Put(ctx, rec); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := e.queue.Enqueue(ctx, "gone"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := e.SyncPending(ctx)
	if res.Synced != 0 || res.Failed != 0 {
		t.Fatalf("missing payload is not a failure, got %+v", res)
	}
	if e.queue.Contains("gone") {
		t.Fatalf("entry without payload must be dropped")
	}
}

func TestResumeFromPersistedState(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()

	// A previous process saved an item and crashed before syncing it.
	records := store.NewRecordStore(kv)
	if err := records.Put(ctx, &models.SyncRecord{ItemID: "a", Status: models.StatusPending, LastLocalSave: time.Now()}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := records.PutPayload(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("seed payload: %v", err)
	}
	queue, err := store.NewPendingQueue(ctx, kv)
	if err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	if err := queue.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	remote := &fakeRemote{}
	e, err := New(ctx, testConfig(), Deps{
		KV:      kv,
		Remote:  remote,
		Monitor: monitor.New(zerolog.Nop(), 0),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if !e.SchedulerRunning() {
		t.Fatalf("engine must resume the scheduler for a non-empty queue")
	}

	res := e.SyncPending(ctx)
	if res.Synced != 1 {
		t.Fatalf("expected resumed item to sync, got %+v", res)
	}
}

func TestBackoffRetryPassFiresOnce(t *testing.T) {
	remote := &fakeRemote{err: errors.New("flaky")}
	cfg := testConfig()
	cfg.Backoff = backoff.Policy{BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Factor: 2}
	e, _ := newTestEngine(t, cfg, remote)
	ctx := context.Background()

	if _, err := e.Save(ctx, "a", []byte("x"), queueOnly()); err != nil {
		t.Fatalf("save: %v", err)
	}
	res := e.SyncPending(ctx)
	if res.Failed != 1 {
		t.Fatalf("expected failing pass, got %+v", res)
	}

	// The remote recovers; the backoff timer alone must finish the job.
	remote.setErr(nil)
	waitFor(t, "backoff retry pass", func() bool {
		rec, ok, _ := e.Status(ctx, "a")
		return ok && rec.Status == models.StatusSynced
	})
}

func TestRetrySingleUnknownItem(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), &fakeRemote{})
	if err := e.RetrySingle(context.Background(), "nope"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestClearItem(t *testing.T) {
	remote := &fakeRemote{}
	e, mon := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	mon.SetOnline(false)
	if _, err := e.Save(ctx, "a", []byte("x"), queueOnly()); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := e.ClearItem(ctx, "a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := e.Status(ctx, "a"); ok {
		t.Fatalf("record must be gone after clear")
	}
	if e.queue.Contains("a") {
		t.Fatalf("queue entry must be gone after clear")
	}
	if e.SchedulerRunning() {
		t.Fatalf("scheduler must stop once the queue is cleared")
	}
}

func TestSummary(t *testing.T) {
	remote := &fakeRemote{}
	e, mon := newTestEngine(t, testConfig(), remote)
	ctx := context.Background()

	if _, err := e.Save(ctx, "ok", []byte("x"), models.DefaultSaveOptions()); err != nil {
		t.Fatalf("save ok: %v", err)
	}

	mon.SetOnline(false)
	if _, err := e.Save(ctx, "waiting", []byte("x"), models.DefaultSaveOptions()); err != nil {
		t.Fatalf("save waiting: %v", err)
	}
	mon.SetForeground(false)

	remote.setErr(errors.New("boom"))
	if err := e.records.Put(ctx, &models.SyncRecord{ItemID: "broken", Status: models.StatusError, RetryCount: 3}); err != nil {
		t.Fatalf("seed broken: %v", err)
	}

	s, err := e.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := models.Summary{Total: 3, Synced: 1, Pending: 1, Errors: 1, QueueDepth: 1, Online: false, Foreground: false}
	if s != want {
		t.Fatalf("summary mismatch:\n got %+v\nwant %+v", s, want)
	}
}
