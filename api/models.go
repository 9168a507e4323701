package api

import "time"

// ErrorResponse is the plain JSON body for non-enveloped failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

// errorObject is the enveloped failure returned to the hub. Fields the
// request did not carry are null.
type errorObject struct {
	Error         string  `json:"error"`
	SiteID        *string `json:"site_id"`
	RequestURL    *string `json:"request_url"`
	RequestAction *string `json:"request_action"`
}

// redirectResponse tells the hub where to send the browser.
type redirectResponse struct {
	Error    bool   `json:"error"`
	Redirect string `json:"redirect"`
}

type pingResponse struct {
	SiteID      *string `json:"site_id"`
	SecurityArg *string `json:"security_arg"`
}

type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	RefreshExpires int64  `json:"refresh_expires"`
}

// AdminHomeResponse is returned from GET /admin/.
type AdminHomeResponse struct {
	UserID         string     `json:"user_id"`
	Login          string     `json:"login"`
	DisplayName    string     `json:"display_name,omitempty"`
	Capabilities   []string   `json:"capabilities"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
	SessionExpires time.Time  `json:"session_expires"`
}

// AuditEventSummary is one entry in the audit listing.
type AuditEventSummary struct {
	ID         string            `json:"id"`
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// ListAuditEventsResponse is returned from GET /admin/audit.
type ListAuditEventsResponse struct {
	Events []AuditEventSummary `json:"events"`
	PaginationMeta
}

// ConnectResponse is returned from POST /admin/connect. It carries what the
// hub operator needs to link the site.
type ConnectResponse struct {
	UserID       string    `json:"user_id"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Code         string    `json:"code"`
	CodeExpires  time.Time `json:"code_expires"`
}

// optional returns nil for an empty string so it serializes as null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
