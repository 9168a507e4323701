package api

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jmcleod/hubgate/storage"
)

const (
	auditBucket     = "audit"
	auditRecordType = "event"

	defaultAuditMaxAge     = 30 * 24 * time.Hour
	defaultAuditMaxRecords = 10000
	// auditPruneEvery is how many appended records trigger a retention pass.
	auditPruneEvery = 256
)

// auditRecord is one persisted audit event. It is also the webhook payload.
type auditRecord struct {
	ID         string            `json:"id"`
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

func appendAuditRecord(ctx context.Context, repo storage.Repository, rec auditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return repo.Put(ctx, auditBucket, auditRecordType, rec.ID, data)
}

// listAuditRecords returns persisted events newest first. When userID is
// non-empty only events attributed to that user are returned.
func listAuditRecords(ctx context.Context, repo storage.Repository, userID string) ([]auditRecord, error) {
	ids, err := repo.List(ctx, auditBucket, auditRecordType)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records := make([]auditRecord, 0, len(ids))
	for _, id := range ids {
		data, err := repo.Get(ctx, auditBucket, auditRecordType, id)
		if err != nil {
			continue
		}
		var rec auditRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if userID != "" && rec.Attrs["user_id"] != userID {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp > records[j].Timestamp
	})
	return records, nil
}

// pruneAuditRecords enforces retention: records older than maxAge before
// now go first, then the oldest beyond maxRecords. A zero limit is not
// enforced. It returns the number of records deleted.
func pruneAuditRecords(ctx context.Context, repo storage.Repository, now time.Time, maxAge time.Duration, maxRecords int) (int, error) {
	records, err := listAuditRecords(ctx, repo, "")
	if err != nil {
		return 0, err
	}
	cutoff := ""
	if maxAge > 0 {
		cutoff = now.Add(-maxAge).UTC().Format(auditTimeFormat)
	}
	var stale []string
	for i, rec := range records {
		if (maxRecords > 0 && i >= maxRecords) || rec.Timestamp < cutoff {
			stale = append(stale, rec.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = repo.Batch(ctx, auditBucket, func(tx storage.BatchTx) error {
		for _, id := range stale {
			if err := tx.Delete(auditRecordType, id); err != nil && !storage.IsNotFound(err) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
