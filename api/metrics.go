package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertInvalidSignatureSpike AlertType = "invalid_signature_spike"
	AlertAccessDeniedSpike     AlertType = "access_denied_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for envelopes that failed authentication.
	signatureFailures  []time.Time
	signatureWindow    time.Duration
	signatureThreshold int

	// Sliding window for denied handoffs and token mismatches.
	denials         []time.Time
	denialWindow    time.Duration
	denialThreshold int

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultSignatureFailureWindow    = 1 * time.Minute
	defaultSignatureFailureThreshold = 20
	defaultDenialWindow              = 5 * time.Minute
	defaultDenialThreshold           = 30
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		signatureWindow:    defaultSignatureFailureWindow,
		signatureThreshold: defaultSignatureFailureThreshold,
		denialWindow:       defaultDenialWindow,
		denialThreshold:    defaultDenialThreshold,
		alertFn:            alertFn,
		now:                time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditInvalidSignature:
		m.record(&m.signatureFailures, m.signatureWindow, m.signatureThreshold,
			AlertInvalidSignatureSpike, "invalid signature rate exceeds threshold")
	case AuditAccessDenied, AuditInvalidAccessToken, AuditInvalidClient:
		m.record(&m.denials, m.denialWindow, m.denialThreshold,
			AlertAccessDeniedSpike, "access denial rate exceeds threshold")
	}
}

func (m *metricsCollector) record(times *[]time.Time, window time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	*times = append(*times, now)
	*times = trimWindow(*times, now, window)

	if len(*times) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*times),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*times = (*times)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
