package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/jmcleod/hubgate/envelope"
)

// readEnvelope reads {signature, package} from a JSON body or from form
// values.
func readEnvelope(w http.ResponseWriter, r *http.Request) (envelope.Envelope, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var env envelope.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			return envelope.Envelope{}, fmt.Errorf("%w: decoding body: %v", envelope.ErrMalformedPayload, err)
		}
		return env, nil
	}
	if err := r.ParseForm(); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: parsing form: %v", envelope.ErrMalformedPayload, err)
	}
	return envelope.Envelope{
		Signature: r.Form.Get("signature"),
		Package:   r.Form.Get("package"),
	}, nil
}

// openRequest reads and unpacks the request envelope. On failure the
// response has been written and nothing else may run.
func (a *API) openRequest(w http.ResponseWriter, r *http.Request) (envelope.Payload, bool) {
	env, err := readEnvelope(w, r)
	var p envelope.Payload
	if err == nil {
		p, err = a.codec.Unpack(env)
	}
	if err == nil {
		return p, true
	}

	switch {
	case errors.Is(err, envelope.ErrInvalidSignature):
		a.metrics.envelopeFailure("invalid_signature")
		a.metrics.request(endpointName(r), "invalid_signature")
		a.audit.logFailure(AuditInvalidSignature, r, err.Error())
		a.recordFailure(r)
	case errors.Is(err, envelope.ErrMalformedPayload):
		a.metrics.envelopeFailure("malformed")
		a.metrics.request(endpointName(r), "malformed")
		a.audit.logFailure(AuditMalformedEnvelope, r, err.Error())
		a.recordFailure(r)
	}
	a.writeUnpackError(w, err)
	return nil, false
}

// requestSchema lists what an endpoint requires of its payload.
type requestSchema struct {
	// required are string fields that must be present and non-empty.
	required []string
	// actions, if set, are the accepted values of the "action" field.
	actions []string
}

// validate checks p against the schema and returns the required fields. A
// rejected access token is reported ahead of any other field.
func (s requestSchema) validate(p envelope.Payload) (map[string]string, string, error) {
	fields := make(map[string]string, len(s.required))
	var firstErr error
	for _, key := range s.required {
		v, err := p.String(key)
		if err != nil {
			if key == "access_token" {
				return nil, fieldClass(err), err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fields[key] = v
	}
	if firstErr != nil {
		return nil, classInvalidRequest, firstErr
	}
	if len(s.actions) > 0 && !slices.Contains(s.actions, fields["action"]) {
		return nil, classInvalidRequest, fmt.Errorf("action %q not accepted", fields["action"])
	}
	return fields, "", nil
}

// newErrorObject builds the enveloped failure for class, echoing whatever
// identifying fields the request carried.
func newErrorObject(class string, p envelope.Payload) errorObject {
	return errorObject{
		Error:         class,
		SiteID:        optional(p.OptionalString("site_id")),
		RequestURL:    optional(p.OptionalString("request_url")),
		RequestAction: optional(p.OptionalString("action")),
	}
}

// fail records a protocol failure and writes the enveloped error object.
func (a *API) fail(w http.ResponseWriter, r *http.Request, p envelope.Payload, class string, cause error) {
	a.noteFailure(r, class, cause)
	a.writeEnveloped(w, newErrorObject(class, p))
}

// noteFailure audits and counts a protocol failure without writing a
// response.
func (a *API) noteFailure(r *http.Request, class string, cause error) {
	reason := class
	if cause != nil {
		reason = cause.Error()
	}
	a.audit.logFailure(auditEventFor(class), r, reason)
	a.metrics.request(endpointName(r), class)
	switch class {
	case classInvalidAccessToken, classInvalidClient, classInvalidGrant:
		a.recordFailure(r)
	}
}

// appendQuery adds k=v pairs to target, starting with '?' or '&' depending
// on whether target already carries a query string.
func appendQuery(target string, kv ...string) string {
	if len(kv) == 0 {
		return target
	}
	var b strings.Builder
	b.WriteString(target)
	if strings.Contains(target, "?") {
		if !strings.HasSuffix(target, "?") && !strings.HasSuffix(target, "&") {
			b.WriteByte('&')
		}
	} else {
		b.WriteByte('?')
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[i]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[i+1]))
	}
	return b.String()
}

// endpointName is the metrics label for r.
func endpointName(r *http.Request) string {
	return path.Base(r.URL.Path)
}

func userAttr(id string) slog.Attr {
	return slog.String("user_id", id)
}
