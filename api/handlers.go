package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/hubgate/directory"
	"github.com/jmcleod/hubgate/handoff"
)

var loginSchema = requestSchema{
	required: []string{"action", "site_id", "request_url", "access_token", "username"},
	actions:  []string{"login"},
}

// Ping echoes the site id and security argument back to the hub so it can
// check the key pair end to end.
func (a *API) Ping(w http.ResponseWriter, r *http.Request) {
	p, ok := a.openRequest(w, r)
	if !ok {
		return
	}
	a.metrics.request("ping", "ok")
	a.writeEnveloped(w, pingResponse{
		SiteID:      optional(p.OptionalString("site_id")),
		SecurityArg: optional(p.OptionalString("security_arg")),
	})
}

// Login begins a browser login handoff for the user the access token
// belongs to and returns the one-time access URL.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	p, ok := a.openRequest(w, r)
	if !ok {
		return
	}
	withRedirect := p.OptionalString("invalid_redirect") != ""

	// Without invalid_redirect failures still answer with a redirect
	// target so the hub can move the browser somewhere safe.
	failTo := func(class string, cause error, target string) {
		if withRedirect {
			a.fail(w, r, p, class, cause)
			return
		}
		a.noteFailure(r, class, cause)
		a.writeEnveloped(w, redirectResponse{Error: false, Redirect: target})
	}

	fields, class, err := loginSchema.validate(p)
	if err != nil {
		failTo(class, err, a.siteURL)
		return
	}

	user, err := a.users.LookupByLogin(r.Context(), fields["username"])
	if errors.Is(err, directory.ErrUserNotFound) {
		failTo(classInvalidUser, err, a.siteURL)
		return
	}
	if err != nil {
		a.systemError(w, "looking up user", err)
		return
	}

	owner, found, err := a.tokens.ResolveAccessToken(r.Context(), fields["access_token"])
	if err != nil {
		a.systemError(w, "resolving access token", err)
		return
	}
	if !found || owner != user.ID {
		failTo(classInvalidAccessToken, errors.New("access token does not belong to user"), a.loginURL)
		return
	}

	arg, err := a.handoff.BeginLogin(r.Context(), user.ID)
	if err != nil {
		a.systemError(w, "beginning login handoff", err)
		return
	}
	a.recordSuccess(r)
	a.audit.logUser(AuditHandoffBegun, r, user.ID, slog.String("site_id", fields["site_id"]))
	a.metrics.handoff("begun")
	a.metrics.request("login", "ok")
	a.writeEnveloped(w, redirectResponse{
		Error:    false,
		Redirect: appendQuery(a.accessURL, "sec_arg", arg),
	})
}

// Access completes a login handoff. A matching security argument starts a
// browser session and lands on the admin area; anything else lands on the
// site root without saying why.
func (a *API) Access(w http.ResponseWriter, r *http.Request) {
	arg := r.URL.Query().Get("sec_arg")

	userID, err := a.handoff.CompleteLogin(r.Context(), arg)
	if err != nil {
		if !errors.Is(err, handoff.ErrAccessDenied) {
			a.audit.logger.Error("completing login handoff", "error", err)
		}
		a.audit.logFailure(AuditAccessDenied, r, err.Error())
		a.metrics.handoff("denied")
		a.metrics.request("access", "denied")
		a.recordFailure(r)
		http.Redirect(w, r, a.siteURL, http.StatusFound)
		return
	}

	if _, err := a.users.Lookup(r.Context(), userID); err != nil {
		a.audit.logFailure(AuditAccessDenied, r, err.Error(), userAttr(userID))
		a.metrics.handoff("denied")
		a.metrics.request("access", "denied")
		http.Redirect(w, r, a.siteURL, http.StatusFound)
		return
	}

	if err := a.startSession(w, r, userID); err != nil {
		a.audit.logger.Error("starting session", "error", err, "user_id", userID)
		http.Redirect(w, r, a.siteURL, http.StatusFound)
		return
	}
	if err := a.users.RecordLogin(r.Context(), userID, a.now()); err != nil {
		a.audit.logger.Warn("recording last login", "error", err, "user_id", userID)
	}

	a.recordSuccess(r)
	a.audit.logUser(AuditAccessGranted, r, userID)
	a.metrics.handoff("granted")
	a.metrics.request("access", "ok")
	http.Redirect(w, r, a.adminURL, http.StatusFound)
}
