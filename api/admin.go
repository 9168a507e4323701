package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jmcleod/hubgate/directory"
)

// lastLoginReader is implemented by directories that expose the recorded
// last login time.
type lastLoginReader interface {
	LastLogin(ctx context.Context, id string) (time.Time, bool, error)
}

// AdminHome describes the signed-in user.
func (a *API) AdminHome(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	ref, _ := sessionFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, a.loginURL, http.StatusFound)
		return
	}

	resp := AdminHomeResponse{
		UserID:         user.ID,
		Login:          user.Login,
		DisplayName:    user.DisplayName,
		Capabilities:   user.Capabilities,
		SessionExpires: ref.session.ExpiresAt,
	}
	if resp.Capabilities == nil {
		resp.Capabilities = []string{}
	}
	if llr, ok := a.users.(lastLoginReader); ok {
		at, found, err := llr.LastLogin(r.Context(), user.ID)
		if err != nil {
			a.systemError(w, "reading last login", err)
			return
		}
		if found {
			resp.LastLogin = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAuditEvents returns the signed-in user's audit trail, newest first.
// Users holding manage_options see every event.
func (a *API) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, a.loginURL, http.StatusFound)
		return
	}
	if a.repo == nil {
		writeError(w, http.StatusNotFound, "audit trail not configured")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := user.ID
	if user.Can(directory.CapManageOptions) {
		filter = ""
	}
	records, err := listAuditRecords(r.Context(), a.repo, filter)
	if err != nil {
		a.systemError(w, "listing audit events", err)
		return
	}

	page, meta := paginate(records, limit, offset)
	events := make([]AuditEventSummary, 0, len(page))
	for _, rec := range page {
		events = append(events, AuditEventSummary(rec))
	}
	writeJSON(w, http.StatusOK, ListAuditEventsResponse{
		Events:         events,
		PaginationMeta: meta,
	})
}

// Logout ends the browser session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if ref, ok := sessionFromContext(r.Context()); ok {
		if err := a.sessions.Delete(r.Context(), ref.token); err != nil {
			a.systemError(w, "deleting session", err)
			return
		}
		a.audit.logUser(AuditLogout, r, ref.session.UserID)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	http.Redirect(w, r, a.siteURL, http.StatusSeeOther)
}
