package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"driftsync/internal/domain"
	"driftsync/internal/models"
)

// Well-known keys in the local store. Records and payloads are keyed
// per item; the pending queue lives under a single fixed key.
const (
	recordKeyPrefix  = "record:"
	payloadKeyPrefix = "payload:"
	queueKey         = "queue"
)

func recordKey(itemID string) string  { return recordKeyPrefix + itemID }
func payloadKey(itemID string) string { return payloadKeyPrefix + itemID }

// RecordStore persists SyncRecords and payload blobs in a KVStore.
type RecordStore struct {
	kv domain.KVStore
}

func NewRecordStore(kv domain.KVStore) *RecordStore {
	return &RecordStore{kv: kv}
}

func (s *RecordStore) Get(ctx context.Context, itemID string) (*models.SyncRecord, bool, error) {
	raw, ok, err := s.kv.Get(ctx, recordKey(itemID))
	if err != nil || !ok {
		return nil, false, err
	}

	var rec models.SyncRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode record %s: %w", itemID, err)
	}
	return &rec, true, nil
}

func (s *RecordStore) Put(ctx context.Context, rec *models.SyncRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ItemID, err)
	}
	if err := s.kv.Set(ctx, recordKey(rec.ItemID), raw); err != nil {
		return fmt.Errorf("persist record %s: %w", rec.ItemID, err)
	}
	return nil
}

func (s *RecordStore) Delete(ctx context.Context, itemID string) error {
	return s.kv.Delete(ctx, recordKey(itemID))
}

// All returns every known record, in key order.
func (s *RecordStore) All(ctx context.Context) ([]models.SyncRecord, error) {
	keys, err := s.kv.Keys(ctx, recordKeyPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]models.SyncRecord, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec models.SyncRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", strings.TrimPrefix(key, recordKeyPrefix), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RecordStore) PutPayload(ctx context.Context, itemID string, payload []byte) error {
	if err := s.kv.Set(ctx, payloadKey(itemID), payload); err != nil {
		return fmt.Errorf("persist payload %s: %w", itemID, err)
	}
	return nil
}

func (s *RecordStore) Payload(ctx context.Context, itemID string) ([]byte, bool, error) {
	return s.kv.Get(ctx, payloadKey(itemID))
}

func (s *RecordStore) DeletePayload(ctx context.Context, itemID string) error {
	return s.kv.Delete(ctx, payloadKey(itemID))
}
