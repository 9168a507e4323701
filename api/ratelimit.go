package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Failed token and handoff resolutions are counted per client IP. Once an
// IP reaches ipMaxFailures it is locked out with exponential backoff. A
// global sliding window catches failures spread over many addresses; it
// does not apply to addresses that authenticated within knownClientExpiry,
// so scattered failures cannot lock the hub itself out.
const (
	ipMaxFailures = 10
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute
	// attemptExpiry is how long after the last failure a record is forgotten.
	attemptExpiry = 1 * time.Hour

	globalWindow      = 1 * time.Minute
	globalMaxFailures = 200
	globalLockout     = 5 * time.Minute

	knownClientExpiry = 24 * time.Hour
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
	// reported is the lockedUntil value already handed out by firstReport.
	reported time.Time
}

type failureLimiter struct {
	mu             sync.Mutex
	attempts       map[string]*attemptRecord
	known          map[string]time.Time // ip -> last successful authentication
	globalFailures []time.Time
	globalLocked   time.Time
	globalReported time.Time
	lastSweep      time.Time
	now            func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		attempts: make(map[string]*attemptRecord),
		known:    make(map[string]time.Time),
		now:      time.Now,
	}
}

func (rl *failureLimiter) knownLocked(ip string, now time.Time) bool {
	at, ok := rl.known[ip]
	return ok && now.Sub(at) <= knownClientExpiry
}

// check reports whether ip is locked out and for how long.
func (rl *failureLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.globalLocked) && !rl.knownLocked(ip, now) {
		return true, rl.globalLocked.Sub(now)
	}
	rec, ok := rl.attempts[ip]
	if !ok {
		return false, 0
	}
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *failureLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, ok := rl.attempts[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[ip] = rec
	}
	rec.failures++
	rec.lastFailure = now
	if now.Sub(rl.lastSweep) > attemptExpiry {
		rl.sweepLocked(now)
	}

	if rec.failures >= ipMaxFailures {
		// baseLockout * 2^(failures - max), capped.
		lockout := ipBaseLockout
		for i := 0; i < rec.failures-ipMaxFailures; i++ {
			lockout *= 2
			if lockout > ipMaxLockout {
				lockout = ipMaxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}

	rl.globalFailures = append(rl.globalFailures, now)
	cutoff := now.Add(-globalWindow)
	start := 0
	for start < len(rl.globalFailures) && rl.globalFailures[start].Before(cutoff) {
		start++
	}
	rl.globalFailures = rl.globalFailures[start:]
	if len(rl.globalFailures) >= globalMaxFailures {
		rl.globalLocked = now.Add(globalLockout)
	}
}

// firstReport reports whether the lockout currently blocking ip has not
// been reported before. Each lockout is reported once.
func (rl *failureLimiter) firstReport(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.globalLocked) && !rl.knownLocked(ip, now) {
		if rl.globalReported.Equal(rl.globalLocked) {
			return false
		}
		rl.globalReported = rl.globalLocked
		return true
	}
	rec, ok := rl.attempts[ip]
	if !ok || !now.Before(rec.lockedUntil) || rec.reported.Equal(rec.lockedUntil) {
		return false
	}
	rec.reported = rec.lockedUntil
	return true
}

func (rl *failureLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
	rl.known[ip] = rl.now()
}

// sweep removes expired records. recordFailure also sweeps at most once
// per attemptExpiry.
func (rl *failureLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(rl.now())
}

func (rl *failureLimiter) sweepLocked(now time.Time) {
	rl.lastSweep = now
	for ip, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, ip)
		}
	}
	for ip, at := range rl.known {
		if now.Sub(at) > knownClientExpiry {
			delete(rl.known, ip)
		}
	}
}

// RateLimitMiddleware rejects requests from locked-out clients with 429.
func (a *API) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			// Only the first rejection of a lockout reaches the audit trail.
			if a.limiter.firstReport(ip) {
				a.audit.logFailure(AuditRateLimited, r, "too many failures",
					slog.String("client_ip", ip))
			} else {
				a.audit.logger.Debug("rate limited", "client_ip", ip)
			}
			a.metrics.request(endpointName(r), "rate_limited")
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) recordFailure(r *http.Request) {
	a.limiter.recordFailure(a.extractClientIP(r))
}

func (a *API) recordSuccess(r *http.Request) {
	a.limiter.recordSuccess(a.extractClientIP(r))
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Forwarding headers (X-Forwarded-For, Forwarded, X-Real-IP) are honored
// only when RemoteAddr falls inside one of trustedProxies. With no trusted
// proxies configured RemoteAddr is always used.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// [::1]:1234 and 1.2.3.4:80 forms.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone (fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
