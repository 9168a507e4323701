package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubgate/storage/memory"
)

func TestAuditTrailPersistsAndFilters(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository()
	a := newBareAPI(t, WithClock(clock.now))
	a.audit.repo = repo

	r := httptest.NewRequest(http.MethodPost, "/api/v1/login", nil)
	a.audit.logUser(AuditHandoffBegun, r, "1")
	clock.advance(time.Millisecond)
	a.audit.logUser(AuditAccessGranted, r, "1")
	clock.advance(time.Millisecond)
	a.audit.logUser(AuditHandoffBegun, r, "2")
	clock.advance(time.Millisecond)
	a.audit.logFailure(AuditInvalidSignature, r, "bad envelope")

	all, err := listAuditRecords(context.Background(), repo, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "invalid_signature", all[0].Event, "newest first")
	assert.Equal(t, "bad envelope", all[0].Attrs["reason"])

	mine, err := listAuditRecords(context.Background(), repo, "1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "access_granted", mine[0].Event)
	assert.Equal(t, "handoff_begun", mine[1].Event)
}

func TestListAuditRecordsEmpty(t *testing.T) {
	records, err := listAuditRecords(context.Background(), memory.NewRepository(), "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAuditWebhookDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received []auditRecord
		headers  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec auditRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err == nil {
			mu.Lock()
			received = append(received, rec)
			headers = append(headers, r.Header.Get("X-Audit-Key"))
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newBareAPI(t, WithAuditWebhook(srv.URL, "X-Audit-Key: s3cret"))
	r := httptest.NewRequest(http.MethodPost, "/api/v1/token", nil)
	a.audit.logUser(AuditTokenIssued, r, "7")
	// close drains the queue before returning.
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "token_issued", received[0].Event)
	assert.Equal(t, "7", received[0].Attrs["user_id"])
	assert.NotEmpty(t, received[0].ID)
	assert.Equal(t, "s3cret", headers[0])
}

func TestAuditWebhookRetriesServerError(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.retryDelay = 0
	wh.enqueue(auditRecord{ID: "1", Event: "logout"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestAuditTrailRetention(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository()
	a := newBareAPI(t, WithClock(clock.now), WithAuditRetention(time.Hour, 3))
	a.audit.repo = repo
	a.audit.pruneEvery = 1
	r := httptest.NewRequest(http.MethodPost, "/api/v1/ping", nil)

	for i := 0; i < 5; i++ {
		a.audit.logFailure(AuditInvalidSignature, r, "attempt "+string(rune('a'+i)))
		clock.advance(time.Millisecond)
	}
	records, err := listAuditRecords(context.Background(), repo, "")
	require.NoError(t, err)
	require.Len(t, records, 3, "capped at max records")
	assert.Equal(t, "attempt e", records[0].Attrs["reason"])
	assert.Equal(t, "attempt c", records[2].Attrs["reason"])

	clock.advance(2 * time.Hour)
	a.audit.logUser(AuditLogout, r, "1")
	records, err = listAuditRecords(context.Background(), repo, "")
	require.NoError(t, err)
	require.Len(t, records, 1, "records past the retention age are dropped")
	assert.Equal(t, "logout", records[0].Event)
}

func TestPruneAuditRecordsWithoutLimits(t *testing.T) {
	repo := memory.NewRepository()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b"} {
		require.NoError(t, appendAuditRecord(context.Background(), repo, auditRecord{
			ID:        id,
			Event:     "logout",
			Timestamp: now.Add(time.Duration(i) * time.Second).Format(auditTimeFormat),
		}))
	}
	n, err := pruneAuditRecords(context.Background(), repo, now.Add(365*24*time.Hour), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = pruneAuditRecords(context.Background(), repo, now, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	records, err := listAuditRecords(context.Background(), repo, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)
}
