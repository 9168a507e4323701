package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize   = 1024
	webhookMaxAttempts = 3
	webhookTimeout     = 10 * time.Second
)

// auditWebhook delivers audit records to an external collector from a single
// background goroutine. Records arriving while the queue is full are dropped.
type auditWebhook struct {
	url         string
	headerName  string
	headerValue string
	client      *http.Client
	logger      *slog.Logger
	retryDelay  time.Duration

	events    chan auditRecord
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newAuditWebhook starts a dispatcher posting to url. header is an optional
// "Name: value" pair; anything without a colon is ignored.
func newAuditWebhook(url, header string) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     slog.Default(),
		retryDelay: time.Second,
		events:     make(chan auditRecord, webhookQueueSize),
	}
	if name, value, ok := strings.Cut(header, ":"); ok {
		w.headerName = strings.TrimSpace(name)
		w.headerValue = strings.TrimSpace(value)
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *auditWebhook) enqueue(rec auditRecord) {
	select {
	case w.events <- rec:
	default:
		w.logger.Warn("audit webhook queue full, dropping record",
			"event", rec.Event, "event_id", rec.ID)
	}
}

// close delivers what is queued and stops the dispatcher. Later calls are
// no-ops.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) run() {
	defer w.wg.Done()
	for rec := range w.events {
		w.deliver(rec)
	}
}

// deliver posts one record. Transport errors and 5xx answers are retried
// with a doubling delay; any other non-2xx answer is final.
func (w *auditWebhook) deliver(rec auditRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("audit webhook: encoding record", "error", err)
		return
	}

	delay := w.retryDelay
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		retry, err := w.post(body)
		if err == nil {
			return
		}
		w.logger.Warn("audit webhook delivery failed",
			"event_id", rec.ID, "attempt", attempt, "error", err)
		if !retry {
			return
		}
		if attempt < webhookMaxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
}

func (w *auditWebhook) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hubgate-audit/1")
	if w.headerName != "" {
		req.Header.Set(w.headerName, w.headerValue)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("collector answered %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("collector rejected record with %d", resp.StatusCode)
	}
}
