package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jmcleod/hubgate/internal/uuid"
	"github.com/jmcleod/hubgate/storage"
)

// auditTimeFormat is fixed width so stored timestamps sort as strings.
const auditTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditInvalidSignature   AuditEvent = "invalid_signature"
	AuditMalformedEnvelope  AuditEvent = "malformed_envelope"
	AuditInvalidRequest     AuditEvent = "invalid_request"
	AuditInvalidUser        AuditEvent = "invalid_user"
	AuditInvalidAccessToken AuditEvent = "invalid_access_token"
	AuditInvalidAccess      AuditEvent = "invalid_access"
	AuditHandoffBegun       AuditEvent = "handoff_begun"
	AuditAccessGranted      AuditEvent = "access_granted"
	AuditAccessDenied       AuditEvent = "access_denied"
	AuditTokenIssued        AuditEvent = "token_issued"
	AuditTokenRefreshed     AuditEvent = "token_refreshed"
	AuditInvalidClient      AuditEvent = "invalid_client"
	AuditInvalidGrant       AuditEvent = "invalid_grant"
	AuditUpdatesListed      AuditEvent = "updates_listed"
	AuditUpdatesExecuted    AuditEvent = "updates_executed"
	AuditRateLimited        AuditEvent = "rate_limited"
	AuditLogout             AuditEvent = "logout"
	AuditClientConnected    AuditEvent = "client_connected"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Events are also persisted to the audit trail and forwarded to the
// webhook when those are configured.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
	repo    storage.Repository
	now     func() time.Time

	maxAge     time.Duration
	maxRecords int
	pruneEvery int64
	appended   atomic.Int64
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger:     logger.With("component", "audit"),
		now:        time.Now,
		maxAge:     defaultAuditMaxAge,
		maxRecords: defaultAuditMaxRecords,
		pruneEvery: auditPruneEvery,
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	id := uuid.New()
	ts := al.now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", id),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}

	if al.webhook == nil && al.repo == nil {
		return
	}
	rec := auditRecord{
		ID:         id,
		Event:      string(event),
		RemoteAddr: r.RemoteAddr,
		Timestamp:  ts.Format(auditTimeFormat),
		Attrs:      attrsToMap(attrs),
	}
	if al.webhook != nil {
		al.webhook.enqueue(rec)
	}
	if al.repo != nil {
		// The request context may already be cancelled once the response
		// is written; the trail write must still land.
		ctx := context.WithoutCancel(r.Context())
		if err := appendAuditRecord(ctx, al.repo, rec); err != nil {
			al.logger.Warn("audit trail write failed", "error", err)
			return
		}
		if al.appended.Add(1)%al.pruneEvery == 0 {
			al.prune(ctx)
		}
	}
}

// prune applies the retention limits to the stored trail.
func (al *auditLogger) prune(ctx context.Context) {
	n, err := pruneAuditRecords(ctx, al.repo, al.now(), al.maxAge, al.maxRecords)
	if err != nil {
		al.logger.Warn("audit trail pruning failed", "error", err)
		return
	}
	if n > 0 {
		al.logger.Debug("audit trail pruned", "deleted", n)
	}
}

// logUser is a convenience for events tied to a resolved user.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func attrsToMap(attrs []slog.Attr) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.String()
	}
	return m
}
