package models

import "time"

// Status is the sync lifecycle state of a single work item.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// SyncRecord tracks the remote-sync state of one work item. The payload itself
// is opaque to the engine and stored separately.
type SyncRecord struct {
	ItemID        string     `json:"item_id"`
	Status        Status     `json:"status"`
	LastLocalSave time.Time  `json:"last_local_save"`
	LastSynced    *time.Time `json:"last_synced,omitempty"`
	RemoteID      string     `json:"remote_id,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
}

// Exhausted reports whether the record has used up its automatic retry budget.
func (r *SyncRecord) Exhausted(maxRetries int) bool {
	return maxRetries > 0 && r.RetryCount >= maxRetries
}

// UpToDate reports whether the last successful upload covers the most recent
// local save. Used to drop stale queue entries without re-uploading.
func (r *SyncRecord) UpToDate() bool {
	return r.Status == StatusSynced && r.LastSynced != nil && !r.LastSynced.Before(r.LastLocalSave)
}
