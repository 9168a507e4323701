package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jmcleod/hubgate/directory"
)

// Connect issues a user's client credential and a fresh authorization code
// from the running server, so the hub can exchange the code at /token while
// it is still valid. Only users holding manage_options may call it.
//
// Form fields: login (required) and rotate, which replaces an existing
// client credential when true.
func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	admin, ok := userFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, a.loginURL, http.StatusFound)
		return
	}
	if !admin.Can(directory.CapManageOptions) {
		writeError(w, http.StatusForbidden, "manage_options capability required")
		return
	}

	login := r.PostFormValue("login")
	if login == "" {
		writeError(w, http.StatusBadRequest, "login is required")
		return
	}
	rotate := false
	if v := r.PostFormValue("rotate"); v != "" {
		var err error
		if rotate, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "rotate must be a boolean")
			return
		}
	}

	ctx := r.Context()
	target, err := a.users.LookupByLogin(ctx, login)
	if errors.Is(err, directory.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		a.systemError(w, "looking up user", err)
		return
	}

	client, found, err := a.tokens.Client(ctx, target.ID)
	if err != nil {
		a.systemError(w, "reading client credential", err)
		return
	}
	if !found || rotate {
		if client, err = a.tokens.CreateClient(ctx, target.ID); err != nil {
			a.systemError(w, "creating client credential", err)
			return
		}
	}
	code, err := a.tokens.CreateAuthorizationCode(ctx, target.ID)
	if err != nil {
		a.systemError(w, "creating authorization code", err)
		return
	}

	a.audit.logUser(AuditClientConnected, r, target.ID,
		slog.String("issued_by", admin.ID),
		slog.Bool("rotated", !found || rotate))
	writeJSON(w, http.StatusOK, ConnectResponse{
		UserID:       target.ID,
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		Code:         code.Code,
		CodeExpires:  code.ExpiresAt.UTC(),
	})
}
