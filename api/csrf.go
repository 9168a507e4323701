package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/hubgate/internal/util"
)

const (
	csrfCookieName = "hubgate_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfFormField  = "csrf_token"
	csrfTokenBytes = 32
)

// CSRFMiddleware guards state-changing admin requests with a double-submit
// token: the hubgate_csrf cookie must be echoed in the X-CSRF-Token header
// or the csrf_token form field.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		echoed := r.Header.Get(csrfHeaderName)
		if echoed == "" {
			echoed = r.PostFormValue(csrfFormField)
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(echoed)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie issues a fresh token living as long as the session it
// accompanies. Scripts must be able to read it, so it is not HttpOnly.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request, expiresAt time.Time) error {
	raw, err := util.RandomBytes(csrfTokenBytes)
	if err != nil {
		return err
	}
	c := csrfCookie(r, util.HexEncode(raw))
	c.Expires = expiresAt
	http.SetCookie(w, c)
	return nil
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	c := csrfCookie(r, "")
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

func csrfCookie(r *http.Request, value string) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}
