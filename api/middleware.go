package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/hubgate/directory"
	"github.com/jmcleod/hubgate/internal/util"
)

type contextKey int

const (
	userKey contextKey = iota
	sessionKey
)

const sessionCookieName = "hubgate_session"

// AuthMiddleware resolves the browser session cookie to a site user and
// stores it on the request context. Requests without a live session are
// sent to the login page.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			http.Redirect(w, r, a.loginURL, http.StatusFound)
			return
		}
		token := cookie.Value

		session, ok, err := a.sessions.Get(r.Context(), token)
		if err != nil {
			a.systemError(w, "loading session", err)
			return
		}
		if !ok {
			clearSessionCookie(w, r)
			http.Redirect(w, r, a.loginURL, http.StatusFound)
			return
		}
		user, err := a.users.Lookup(r.Context(), session.UserID)
		if err != nil {
			_ = a.sessions.Delete(r.Context(), token)
			clearSessionCookie(w, r)
			http.Redirect(w, r, a.loginURL, http.StatusFound)
			return
		}

		session.LastAccessedAt = a.now()
		if err := a.sessions.Put(r.Context(), token, session); err != nil {
			a.systemError(w, "touching session", err)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, sessionKey, sessionRef{token: token, session: session})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionRef struct {
	token   string
	session AuthSession
}

// startSession creates a browser session for userID and sets its cookie.
func (a *API) startSession(w http.ResponseWriter, r *http.Request, userID string) error {
	token, err := newSessionToken()
	if err != nil {
		return err
	}
	now := a.now()
	session := AuthSession{
		UserID:         userID,
		ExpiresAt:      now.Add(a.sessionTTL),
		LastAccessedAt: now,
	}
	if err := a.sessions.Put(r.Context(), token, session); err != nil {
		return err
	}
	writeSessionCookie(w, r, token, session.ExpiresAt)
	return writeCSRFCookie(w, r, session.ExpiresAt)
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func userFromContext(ctx context.Context) (directory.User, bool) {
	u, ok := ctx.Value(userKey).(directory.User)
	return u, ok
}

func sessionFromContext(ctx context.Context) (sessionRef, bool) {
	s, ok := ctx.Value(sessionKey).(sessionRef)
	return s, ok
}

func newSessionToken() (string, error) {
	b, err := util.RandomBytes(32)
	if err != nil {
		return "", err
	}
	return util.HexEncode(b), nil
}
