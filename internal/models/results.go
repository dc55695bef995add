package models

// SaveOptions controls the remote half of a Save call.
type SaveOptions struct {
	// PersistLocalCopy writes the payload blob to the local store. Callers that
	// keep their own durable copy may disable it; the engine still persists the
	// payload whenever the item has to wait in the queue, since a later batch
	// pass needs something to upload.
	PersistLocalCopy bool
	// SyncToRemote requests an immediate upload attempt when online and
	// authenticated, bypassing the queue.
	SyncToRemote bool
}

// DefaultSaveOptions returns the options most callers want: keep a local copy,
// try the remote right away.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{PersistLocalCopy: true, SyncToRemote: true}
}

// SaveResult reports the outcome of Save. LocalSaved is true whenever the
// record (and payload, if requested) reached the local store; Remote is the
// item's sync status as of the call returning.
type SaveResult struct {
	ItemID     string `json:"item_id"`
	LocalSaved bool   `json:"local_saved"`
	Remote     Status `json:"remote"`
	RemoteID   string `json:"remote_id,omitempty"`
}

// Batch skip reasons.
const (
	SkipAlreadyRunning  = "already_running"
	SkipOffline         = "offline"
	SkipUnauthenticated = "unauthenticated"
)

// ItemError pairs an item with the message of its failed attempt.
type ItemError struct {
	ItemID  string `json:"item_id"`
	Message string `json:"message"`
}

// BatchResult summarizes one batch pass. A skipped pass carries a reason and
// zero counts; per-item failures never abort the pass, so Synced and Failed
// can both be non-zero.
type BatchResult struct {
	Skipped bool        `json:"skipped"`
	Reason  string      `json:"reason,omitempty"`
	Aborted bool        `json:"aborted,omitempty"`
	Synced  int         `json:"synced"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// Summary aggregates record counts for status badges, alongside the live
// connectivity flags.
type Summary struct {
	Total      int  `json:"total"`
	Synced     int  `json:"synced"`
	Pending    int  `json:"pending"`
	Syncing    int  `json:"syncing"`
	Errors     int  `json:"errors"`
	QueueDepth int  `json:"queue_depth"`
	Online     bool `json:"online"`
	Foreground bool `json:"foreground"`
}
