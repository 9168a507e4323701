package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/hubgate/envelope"
)

// Failure classes reported to the hub in the error object.
const (
	classInvalidRequest     = "invalid-request"
	classInvalidAccess      = "invalid-access"
	classInvalidUser        = "invalid-user"
	classInvalidAccessToken = "invalid-access-token"
	classInvalidClient      = "invalid-client"
	classInvalidGrant       = "invalid-grant"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeEnveloped packs v for the hub and writes it with status 200.
func (a *API) writeEnveloped(w http.ResponseWriter, v any) {
	env, err := a.codec.Pack(v)
	if err != nil {
		a.systemError(w, "packing response", err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// writeUnpackError answers a request whose envelope could not be opened.
// Nothing about the payload is echoed back.
func (a *API) writeUnpackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, envelope.ErrInvalidSignature):
		writeError(w, http.StatusForbidden, "Invalid request")
	case errors.Is(err, envelope.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "Malformed request")
	default:
		a.systemError(w, "unpacking request", err)
	}
}

// systemError reports a backend failure. These are never protocol failures.
func (a *API) systemError(w http.ResponseWriter, op string, err error) {
	a.audit.logger.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// fieldClass maps a payload validation error to its failure class. A
// missing or empty access token is an access failure, everything else is
// a malformed request.
func fieldClass(err error) string {
	var fe *envelope.FieldError
	if errors.As(err, &fe) && fe.Field == "access_token" &&
		(errors.Is(err, envelope.ErrFieldMissing) || errors.Is(err, envelope.ErrFieldEmpty)) {
		return classInvalidAccess
	}
	return classInvalidRequest
}

// auditEventFor returns the audit event that records a failure class.
func auditEventFor(class string) AuditEvent {
	switch class {
	case classInvalidAccess:
		return AuditInvalidAccess
	case classInvalidUser:
		return AuditInvalidUser
	case classInvalidAccessToken:
		return AuditInvalidAccessToken
	case classInvalidClient:
		return AuditInvalidClient
	case classInvalidGrant:
		return AuditInvalidGrant
	default:
		return AuditInvalidRequest
	}
}
