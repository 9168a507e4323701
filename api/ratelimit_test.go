package api

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*failureLimiter, *testClock) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newFailureLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestFailureLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures-1; i++ {
		rl.recordFailure("192.0.2.1")
		blocked, _ := rl.check("192.0.2.1")
		assert.False(t, blocked, "should not block before reaching ipMaxFailures")
	}
}

func TestFailureLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}

	blocked, retryAfter := rl.check("192.0.2.1")
	require.True(t, blocked)
	assert.Equal(t, ipBaseLockout, retryAfter)

	clock.advance(ipBaseLockout + time.Second)
	blocked, _ = rl.check("192.0.2.1")
	assert.False(t, blocked, "lockout should lapse")
}

func TestFailureLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	_, first := rl.check("192.0.2.1")

	rl.recordFailure("192.0.2.1")
	_, second := rl.check("192.0.2.1")
	assert.Equal(t, 2*first, second)
}

func TestFailureLimiter_MaxLockoutCap(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures+20; i++ {
		rl.recordFailure("192.0.2.1")
	}
	_, retryAfter := rl.check("192.0.2.1")
	assert.Equal(t, ipMaxLockout, retryAfter)
}

func TestFailureLimiter_SuccessResetsCounter(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	rl.recordSuccess("192.0.2.1")
	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked)
}

func TestFailureLimiter_IsolatesIPs(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	blocked, _ := rl.check("192.0.2.2")
	assert.False(t, blocked, "rate limit for one IP should not affect another")
}

func TestFailureLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("192.0.2.1")
	clock.advance(attemptExpiry + time.Minute)
	rl.recordFailure("192.0.2.2")

	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "192.0.2.1")
	assert.Contains(t, rl.attempts, "192.0.2.2")
}

func TestFailureLimiter_GlobalWindow(t *testing.T) {
	rl, clock := newTestLimiter()
	// Spread failures over distinct addresses so no single IP trips.
	for i := 0; i < globalMaxFailures; i++ {
		rl.recordFailure(netip.AddrFrom4([4]byte{198, 51, byte(i / 256), byte(i % 256)}).String())
	}
	blocked, retryAfter := rl.check("203.0.113.1")
	require.True(t, blocked, "global lockout applies to every client")
	assert.Equal(t, globalLockout, retryAfter)

	clock.advance(globalLockout + time.Second)
	blocked, _ = rl.check("203.0.113.1")
	assert.False(t, blocked)
}

func TestFailureLimiter_GlobalWindowSlides(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < globalMaxFailures-1; i++ {
		rl.recordFailure(netip.AddrFrom4([4]byte{198, 51, byte(i / 256), byte(i % 256)}).String())
	}
	clock.advance(globalWindow + time.Second)
	rl.recordFailure("203.0.113.1")

	blocked, _ := rl.check("203.0.113.2")
	assert.False(t, blocked, "failures outside the window should not count")
}

func TestRateLimitMiddleware(t *testing.T) {
	a := newBareAPI(t)
	rl, _ := newTestLimiter()
	a.limiter = rl

	h := a.RateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.RemoteAddr = "192.0.2.9:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	for i := 0; i < ipMaxFailures; i++ {
		a.recordFailure(req)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{name: "empty when nothing parseable", remoteAddr: "not-a-hostport", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, nil))
		})
	}
}

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trustedCIDR := netip.MustParsePrefix("10.0.0.0/8")

	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustedProxies []netip.Prefix
		want           string
	}{
		{
			name:           "trusted proxy honors XFF",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.25",
		},
		{
			name:           "xff skips invalid entries",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "unknown, not-an-ip, 203.0.113.7"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.7",
		},
		{
			name:           "forwarded fallback",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"Forwarded": `for=198.51.100.1;proto=https;by=203.0.113.43`},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.1",
		},
		{
			name:           "x-real-ip fallback",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Real-IP": "203.0.113.11"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.11",
		},
		{
			name:           "untrusted peer ignores XFF",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:       "spoof attempt from outside",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.99",
		},
		{
			name:           "trusted proxy with no headers falls back to remote",
			remoteAddr:     "10.0.0.1:80",
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "10.0.0.1",
		},
		{
			name:           "trusted IPv6 proxy with Forwarded quoted IPv6",
			remoteAddr:     "[fd00::1]:80",
			headers:        map[string]string{"Forwarded": `for="[2001:db8::42]:1234"`},
			trustedProxies: []netip.Prefix{netip.MustParsePrefix("fd00::/8")},
			want:           "2001:db8::42",
		},
		{
			name:           "narrow CIDR excludes neighbour",
			remoteAddr:     "10.0.0.2:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")},
			want:           "10.0.0.2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.trustedProxies))
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	t.Run("CIDRs and bare addresses", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"10.0.0.0/8", " 10.1.2.3 ", "::1", ""})
		require.NoError(t, err)
		a := &API{}
		opt(a)
		require.Len(t, a.trustedProxies, 3)
		assert.Equal(t, netip.MustParsePrefix("10.1.2.3/32"), a.trustedProxies[1])
		assert.Equal(t, netip.MustParsePrefix("::1/128"), a.trustedProxies[2])
	})

	t.Run("invalid entry returns error", func(t *testing.T) {
		_, err := WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
		require.Error(t, err)
	})
}

func TestFailureLimiter_ReportsEachLockoutOnce(t *testing.T) {
	rl, clock := newTestLimiter()
	assert.False(t, rl.firstReport("192.0.2.1"), "nothing to report without a lockout")

	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	assert.True(t, rl.firstReport("192.0.2.1"))
	assert.False(t, rl.firstReport("192.0.2.1"))
	assert.False(t, rl.firstReport("192.0.2.2"))

	// A later, longer lockout is reported again.
	clock.advance(ipBaseLockout + time.Second)
	rl.recordFailure("192.0.2.1")
	assert.True(t, rl.firstReport("192.0.2.1"))
}

func TestFailureLimiter_KnownClientBypassesGlobalLockout(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordSuccess("203.0.113.10")

	for i := 0; i < globalMaxFailures; i++ {
		rl.recordFailure(netip.AddrFrom4([4]byte{198, 51, byte(i / 256), byte(i % 256)}).String())
	}
	blocked, _ := rl.check("203.0.113.1")
	require.True(t, blocked, "unknown clients are held by the global lockout")
	blocked, _ = rl.check("203.0.113.10")
	assert.False(t, blocked, "a client that authenticated recently is not")

	clock.advance(knownClientExpiry + time.Minute)
	rl.recordFailure("198.51.100.1")
	for i := 0; i < globalMaxFailures; i++ {
		rl.recordFailure(netip.AddrFrom4([4]byte{198, 52, byte(i / 256), byte(i % 256)}).String())
	}
	blocked, _ = rl.check("203.0.113.10")
	assert.True(t, blocked, "the exemption expires")
}
