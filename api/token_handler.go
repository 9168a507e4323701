package api

import (
	"errors"
	"net/http"

	"github.com/jmcleod/hubgate/token"
)

var tokenSchema = requestSchema{
	required: []string{"grant_type", "client_id", "client_secret", "site_id"},
}

var errGrantMismatch = errors.New("grant belongs to another client")

// Token exchanges an authorization code for a new token set, or a refresh
// token for a new refresh token. The access token survives a refresh.
func (a *API) Token(w http.ResponseWriter, r *http.Request) {
	p, ok := a.openRequest(w, r)
	if !ok {
		return
	}

	fields, class, err := tokenSchema.validate(p)
	if err != nil {
		a.fail(w, r, p, class, err)
		return
	}

	var grantField string
	switch fields["grant_type"] {
	case "authorization_code":
		grantField = "code"
	case "refresh_token":
		grantField = "refresh_token"
	default:
		a.fail(w, r, p, classInvalidRequest, errors.New("unsupported grant_type"))
		return
	}
	grant, err := p.String(grantField)
	if err != nil {
		a.fail(w, r, p, classInvalidRequest, err)
		return
	}

	userID, err := a.tokens.ResolveClient(r.Context(), fields["client_id"], fields["client_secret"])
	if errors.Is(err, token.ErrInvalidClient) {
		a.fail(w, r, p, classInvalidClient, err)
		return
	}
	if err != nil {
		a.systemError(w, "resolving client", err)
		return
	}

	var (
		set   token.Set
		event AuditEvent
	)
	if grantField == "code" {
		set, err = a.exchangeCode(r, userID, grant)
		event = AuditTokenIssued
	} else {
		set, err = a.refresh(r, userID, grant)
		event = AuditTokenRefreshed
	}
	if grantFailure(err) {
		a.fail(w, r, p, classInvalidGrant, err)
		return
	}
	if err != nil {
		a.systemError(w, "issuing tokens", err)
		return
	}

	a.recordSuccess(r)
	a.audit.logUser(event, r, userID)
	a.metrics.request("token", "ok")
	a.writeEnveloped(w, tokenResponse{
		AccessToken:    set.Access,
		RefreshToken:   set.Refresh,
		RefreshExpires: set.RefreshExpiresAt.Unix(),
	})
}

func (a *API) exchangeCode(r *http.Request, clientUser, code string) (token.Set, error) {
	owner, err := a.tokens.ExchangeAuthorizationCode(r.Context(), code)
	if err != nil {
		return token.Set{}, err
	}
	if owner != clientUser {
		return token.Set{}, errGrantMismatch
	}
	set, err := a.tokens.CreateTokens(r.Context(), clientUser)
	if err == nil {
		a.metrics.tokenIssued("access")
		a.metrics.tokenIssued("refresh")
	}
	return set, err
}

func (a *API) refresh(r *http.Request, clientUser, refreshToken string) (token.Set, error) {
	owner, err := a.tokens.ValidateRefreshToken(r.Context(), refreshToken)
	if err != nil {
		return token.Set{}, err
	}
	if owner != clientUser {
		return token.Set{}, errGrantMismatch
	}
	set, err := a.tokens.RefreshTokens(r.Context(), clientUser)
	if err == nil {
		a.metrics.tokenIssued("refresh")
	}
	return set, err
}

func grantFailure(err error) bool {
	return errors.Is(err, token.ErrInvalidCode) ||
		errors.Is(err, token.ErrCodeExpired) ||
		errors.Is(err, token.ErrInvalidRefreshToken) ||
		errors.Is(err, token.ErrRefreshExpired) ||
		errors.Is(err, token.ErrNoAccessToken) ||
		errors.Is(err, errGrantMismatch)
}

