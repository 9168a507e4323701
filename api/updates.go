package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/jmcleod/hubgate/directory"
	"github.com/jmcleod/hubgate/envelope"
)

var (
	availableUpdatesSchema = requestSchema{
		required: []string{"action", "type", "site_id", "request_url", "access_token", "username"},
		actions:  []string{"updates", "updates-2"},
	}
	updateNowSchema = requestSchema{
		required: []string{"action", "site_id", "access_token", "username", "request_url"},
		actions:  []string{"update_now"},
	}

	updateTypes = []string{"all", "core", "themes", "plugins"}

	errTokenMismatch = errors.New("access token does not belong to user")
)

// authorize resolves the named user and checks the access token belongs to
// them. It returns a failure class, or a system error.
func (a *API) authorize(r *http.Request, username, accessToken string) (directory.User, string, error) {
	user, err := a.users.LookupByLogin(r.Context(), username)
	if errors.Is(err, directory.ErrUserNotFound) {
		return directory.User{}, classInvalidUser, nil
	}
	if err != nil {
		return directory.User{}, "", err
	}
	owner, found, err := a.tokens.ResolveAccessToken(r.Context(), accessToken)
	if err != nil {
		return directory.User{}, "", err
	}
	if !found || owner != user.ID {
		return directory.User{}, classInvalidAccessToken, nil
	}
	a.recordSuccess(r)
	return user, "", nil
}

// AvailableUpdates reports pending core, theme and plugin updates together
// with the user's update capabilities.
func (a *API) AvailableUpdates(w http.ResponseWriter, r *http.Request) {
	p, ok := a.openRequest(w, r)
	if !ok {
		return
	}
	withRedirect := p.OptionalString("invalid_redirect") != ""

	failTo := func(class string, cause error, target string) {
		if withRedirect {
			a.fail(w, r, p, class, cause)
			return
		}
		a.noteFailure(r, class, cause)
		http.Redirect(w, r, target, http.StatusFound)
	}

	fields, class, err := availableUpdatesSchema.validate(p)
	var countOnly bool
	if err == nil {
		countOnly, err = p.Bool("count")
		class = classInvalidRequest
	}
	if err != nil {
		failTo(class, err, a.siteURL)
		return
	}

	if !slices.Contains(updateTypes, fields["type"]) {
		a.fail(w, r, p, classInvalidRequest, errors.New("unknown update type "+strconv.Quote(fields["type"])))
		return
	}

	user, class, err := a.authorize(r, fields["username"], fields["access_token"])
	if err != nil {
		a.systemError(w, "authorizing request", err)
		return
	}
	switch class {
	case classInvalidUser:
		failTo(class, directory.ErrUserNotFound, a.siteURL)
		return
	case classInvalidAccessToken:
		failTo(class, errTokenMismatch, a.loginURL)
		return
	}

	resp, err := a.collectUpdates(r, fields["type"], countOnly)
	if err != nil {
		a.systemError(w, "listing updates", err)
		return
	}
	resp["manage_options"] = flag(user.Can(directory.CapManageOptions))
	resp["can_update_plugins"] = flag(user.Can(directory.CapUpdatePlugins))
	resp["can_update_themes"] = flag(user.Can(directory.CapUpdateThemes))
	resp["can_update_core"] = flag(user.Can(directory.CapUpdateCore))

	a.audit.logUser(AuditUpdatesListed, r, user.ID, slog.String("type", fields["type"]))
	a.metrics.request("available-updates", "ok")
	a.writeEnveloped(w, resp)
}

func (a *API) collectUpdates(r *http.Request, kind string, countOnly bool) (map[string]any, error) {
	ctx := r.Context()
	resp := make(map[string]any)
	if kind == "all" || kind == "core" {
		core, err := a.updater.CoreUpdate(ctx)
		if err != nil {
			return nil, err
		}
		if countOnly {
			resp["core"] = flag(core != nil)
		} else {
			resp["core"] = core
		}
	}
	if kind == "all" || kind == "themes" {
		themes, err := a.updater.ThemeUpdates(ctx)
		if err != nil {
			return nil, err
		}
		if countOnly {
			resp["themes"] = len(themes)
		} else {
			resp["themes"] = themes
		}
	}
	if kind == "all" || kind == "plugins" {
		plugins, err := a.updater.PluginUpdates(ctx)
		if err != nil {
			return nil, err
		}
		if countOnly {
			resp["plugins"] = len(plugins)
		} else {
			resp["plugins"] = plugins
		}
	}
	return resp, nil
}

// updateRequest is the parsed "data" object of an update_now request.
type updateRequest struct {
	plugins []string
	themes  []string
	core    bool
}

func parseUpdateRequest(p envelope.Payload) (updateRequest, error) {
	data, err := p.Object("data")
	if err != nil {
		return updateRequest{}, err
	}
	if len(data) == 0 {
		return updateRequest{}, &envelope.FieldError{Field: "data", Err: envelope.ErrFieldEmpty}
	}
	var req updateRequest
	if data.Has("plugins") {
		if req.plugins, err = data.StringList("plugins"); err != nil {
			return updateRequest{}, err
		}
	}
	if data.Has("themes") {
		if req.themes, err = data.StringList("themes"); err != nil {
			return updateRequest{}, err
		}
	}
	req.core = data.Has("core")
	return req, nil
}

// UpdateNow runs the requested plugin, theme and core updates. Failures are
// always answered with the enveloped error object.
func (a *API) UpdateNow(w http.ResponseWriter, r *http.Request) {
	p, ok := a.openRequest(w, r)
	if !ok {
		return
	}

	fields, class, err := updateNowSchema.validate(p)
	if err != nil {
		a.fail(w, r, p, class, err)
		return
	}
	req, err := parseUpdateRequest(p)
	if err != nil {
		a.fail(w, r, p, classInvalidRequest, err)
		return
	}

	user, class, err := a.authorize(r, fields["username"], fields["access_token"])
	if err != nil {
		a.systemError(w, "authorizing request", err)
		return
	}
	switch class {
	case classInvalidUser:
		a.fail(w, r, p, class, directory.ErrUserNotFound)
		return
	case classInvalidAccessToken:
		a.fail(w, r, p, class, errTokenMismatch)
		return
	}

	if missing := missingCapability(user, req); missing != "" {
		a.fail(w, r, p, classInvalidAccess, errors.New("user lacks "+missing))
		return
	}

	ctx := r.Context()
	resp := make(map[string]any)
	if req.plugins != nil {
		results, err := a.updater.UpdatePlugins(ctx, req.plugins)
		if err != nil {
			a.systemError(w, "updating plugins", err)
			return
		}
		resp["plugins"] = results
	}
	if req.themes != nil {
		results, err := a.updater.UpdateThemes(ctx, req.themes)
		if err != nil {
			a.systemError(w, "updating themes", err)
			return
		}
		resp["themes"] = results
	}
	if req.core {
		result, err := a.updater.UpdateCore(ctx)
		if err != nil {
			a.systemError(w, "updating core", err)
			return
		}
		resp["core"] = result
	}

	a.audit.logUser(AuditUpdatesExecuted, r, user.ID,
		slog.Int("plugins", len(req.plugins)),
		slog.Int("themes", len(req.themes)),
		slog.Bool("core", req.core))
	a.metrics.request("update-now", "ok")
	a.writeEnveloped(w, resp)
}

// missingCapability returns the first capability the request needs that
// user lacks, or "".
func missingCapability(user directory.User, req updateRequest) string {
	switch {
	case req.plugins != nil && !user.Can(directory.CapUpdatePlugins):
		return directory.CapUpdatePlugins
	case req.themes != nil && !user.Can(directory.CapUpdateThemes):
		return directory.CapUpdateThemes
	case req.core && !user.Can(directory.CapUpdateCore):
		return directory.CapUpdateCore
	}
	return ""
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
