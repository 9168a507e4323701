// Package api serves the hub-facing protocol endpoints and the browser
// session they hand off to.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/hubgate/directory"
	"github.com/jmcleod/hubgate/envelope"
	"github.com/jmcleod/hubgate/handoff"
	"github.com/jmcleod/hubgate/maintenance"
	"github.com/jmcleod/hubgate/storage"
	"github.com/jmcleod/hubgate/token"
)

const (
	defaultSessionTTL  = 12 * time.Hour
	defaultIdleTimeout = 30 * time.Minute
	maxBodyBytes       = 1 << 20
)

//go:embed openapi.yaml
var openapiSpec []byte

// Config carries the collaborators and site URLs the API is built from.
type Config struct {
	Codec   *envelope.Codec
	Tokens  *token.Manager
	Handoff *handoff.Broker
	Users   directory.Directory
	Updater maintenance.Updater
	// Repo backs the audit trail. Optional.
	Repo storage.Repository

	// SiteURL is the public site root, the fallback redirect target.
	SiteURL string
	// AdminURL is where a completed handoff lands. Defaults to SiteURL/admin/.
	AdminURL string
	// LoginURL is the interactive login page. Defaults to SiteURL/login.
	LoginURL string
	// AccessURL is the externally visible access endpoint. Defaults to
	// SiteURL/api/v1/access.
	AccessURL string
}

// API holds the dependencies needed by the protocol handlers.
type API struct {
	codec     *envelope.Codec
	tokens    *token.Manager
	handoff   *handoff.Broker
	users     directory.Directory
	updater   maintenance.Updater
	repo      storage.Repository
	siteURL   string
	adminURL  string
	loginURL  string
	accessURL string

	sessions       SessionStore
	sessionTTL     time.Duration
	idleTimeout    time.Duration
	limiter        *failureLimiter
	trustedProxies []netip.Prefix
	audit          *auditLogger
	alertFn        AlertFunc
	webhook        *auditWebhook
	retention      *auditRetention
	registry       *prometheus.Registry
	metrics        *promMetrics
	now            func() time.Time
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithSessionStore sets the browser session store. Defaults to an
// in-memory store.
func WithSessionStore(s SessionStore) Option {
	return func(a *API) {
		a.sessions = s
	}
}

// WithSessionTTL sets the absolute lifetime of a browser session.
func WithSessionTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.sessionTTL = d
		}
	}
}

// WithIdleTimeout sets the idle timeout used by the default session store.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		a.idleTimeout = d
	}
}

// WithAlertFunc sets the callback for anomaly alerts. Defaults to logging
// them at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to url. header, if set, is a
// "Name: value" pair added to every request.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, header)
		}
	}
}

type auditRetention struct {
	maxAge     time.Duration
	maxRecords int
}

// WithAuditRetention bounds the stored audit trail to records younger than
// maxAge and to the newest maxRecords. Zero disables a limit. Defaults to
// 30 days and 10000 records.
func WithAuditRetention(maxAge time.Duration, maxRecords int) Option {
	return func(a *API) {
		a.retention = &auditRetention{maxAge: maxAge, maxRecords: maxRecords}
	}
}

// WithRegistry sets the prometheus registry metrics are registered in.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// WithClock sets the time source for sessions and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// WithTrustedProxies configures which reverse proxies may set the client IP
// through forwarding headers. Entries are CIDRs or bare addresses.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(cfg Config, opts ...Option) *API {
	site := strings.TrimRight(cfg.SiteURL, "/")
	a := &API{
		codec:       cfg.Codec,
		tokens:      cfg.Tokens,
		handoff:     cfg.Handoff,
		users:       cfg.Users,
		updater:     cfg.Updater,
		repo:        cfg.Repo,
		siteURL:     site + "/",
		adminURL:    orDefault(cfg.AdminURL, site+"/admin/"),
		loginURL:    orDefault(cfg.LoginURL, site+"/login"),
		accessURL:   orDefault(cfg.AccessURL, site+"/api/v1/access"),
		sessionTTL:  defaultSessionTTL,
		idleTimeout: defaultIdleTimeout,
		limiter:     newFailureLimiter(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn == nil {
		logger := a.audit.logger
		a.alertFn = func(e AlertEvent) {
			logger.Warn("alert", "type", string(e.Type), "message", e.Message,
				"count", e.Count, "threshold", e.Threshold)
		}
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.metrics.now = a.now
	if a.webhook != nil {
		a.webhook.logger = a.audit.logger
	}
	a.audit.webhook = a.webhook
	a.audit.repo = a.repo
	if a.retention != nil {
		a.audit.maxAge = a.retention.maxAge
		a.audit.maxRecords = a.retention.maxRecords
	}
	a.audit.now = a.now
	if a.sessions == nil {
		ms := NewMemorySessionStore(a.idleTimeout)
		ms.now = a.now
		a.sessions = ms
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newPromMetrics(a.registry)
	a.limiter.now = a.now
	return a
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Close releases background resources.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all protocol routes mounted. It is
// meant to be mounted at /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.RateLimitMiddleware)
		r.Post("/ping", a.Ping)
		r.Post("/login", a.Login)
		r.Get("/access", a.Access)
		r.Post("/available-updates", a.AvailableUpdates)
		r.Post("/update-now", a.UpdateNow)
		r.Post("/token", a.Token)
	})

	return r
}

// AdminRouter returns the authenticated browser area. It is meant to be
// mounted at /admin.
func (a *API) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.AuthMiddleware)
	r.Use(a.CSRFMiddleware)
	r.Get("/", a.AdminHome)
	r.Get("/audit", a.ListAuditEvents)
	r.Post("/logout", a.Logout)
	r.Post("/connect", a.Connect)
	return r
}

// MetricsHandler exposes the API's prometheus registry.
func (a *API) MetricsHandler() http.Handler {
	return promhttpHandler(a.registry)
}
