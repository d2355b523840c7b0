package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/auth"
	"github.com/CanyonCasa/homebrew/storage"
)

type contextKey int

const (
	principalKey contextKey = iota
	requestKey
)

// Header, body and query field names carrying credentials.
const (
	fieldSession = "hsid"
	fieldAuth    = "auth"
	fieldAPI     = "api"
)

// maxBodyBytes bounds request bodies read by Middleware.
const maxBodyBytes = 1 << 20

// parsedRequest is what Middleware recovered from the request.
type parsedRequest struct {
	body    requestBody
	bodyErr error
	creds   Credentials
}

// Middleware recovers credentials, validates any presented session or API
// signature and puts the resulting Principal on the request context. A bad
// or expired session id ends the request with 401 and an empty hsid.
func (a *API) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr := &parsedRequest{}
		pr.body, pr.bodyErr = readBody(r)
		pr.creds = decodeCredentials(firstNonEmpty(
			rawHeader(r, fieldAuth), pr.body.Auth, rawQuery(r, fieldAuth)))

		p := &auth.Principal{}
		if hsid := firstString(r.Header.Get(fieldSession), pr.body.HSID, r.URL.Query().Get(fieldSession)); hsid != "" {
			if !a.resolveSession(w, r, hsid, p) {
				return
			}
		}
		if raw := firstNonEmpty(rawHeader(r, fieldAPI), pr.body.API, rawQuery(r, fieldAPI)); len(raw) > 0 {
			if !a.resolveAPI(w, r, raw, p) {
				return
			}
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		ctx = context.WithValue(ctx, requestKey, pr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) resolveSession(w http.ResponseWriter, r *http.Request, hsid string, p *auth.Principal) bool {
	e, ok := a.sessions.Lookup(hsid)
	// Only a real session id is accepted, never a username or API key.
	if !ok || e.ID != hsid || e.User == nil {
		a.audit.logFailure(AuditBadSession, r, "unknown session id")
		writeSessionError(w, "bad session id")
		return false
	}
	if e.Expired(a.engine.Now()) {
		a.sessions.DeleteVerified(e.ID, e.Index)
		a.audit.logEvent(AuditExpiredSession, r, e.Index)
		writeSessionError(w, "expired session")
		return false
	}
	p.SessionID = e.ID
	p.User = e.User
	return true
}

func (a *API) resolveAPI(w http.ResponseWriter, r *http.Request, raw json.RawMessage, p *auth.Principal) bool {
	sig, err := decodeSignature(raw)
	if sig.Key == "" {
		writeError(w, http.StatusBadRequest, "no api key")
		return false
	}
	if err != nil {
		a.audit.logFailure(AuditBadAPISignature, r, "malformed signature", slog.String("key", sig.Key))
		writeError(w, http.StatusUnauthorized, "bad api signature")
		return false
	}

	var rec *account.APIRecord
	if e, ok := a.sessions.LookupAPI(sig.Key); ok {
		rec = e.API
	} else {
		rec, err = storage.GetAPI(r.Context(), a.repo, sig.Key)
		if errors.Is(err, storage.ErrNotFound) {
			a.audit.logFailure(AuditBadAPISignature, r, "unknown key", slog.String("key", sig.Key))
			writeError(w, http.StatusUnauthorized, "api key not defined")
			return false
		}
		if err != nil {
			a.writeInternalError(w, r, "loading api record", err)
			return false
		}
		a.sessions.AddAPI(*rec)
	}

	if !a.engine.CheckAPI(*rec, sig) {
		a.audit.logFailure(AuditBadAPISignature, r, "signature mismatch", slog.String("key", sig.Key))
		writeError(w, http.StatusUnauthorized, "bad api signature")
		return false
	}
	p.API = rec
	return true
}

// PrincipalFrom returns the principal Middleware attached to ctx. It is
// never nil.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(principalKey).(*auth.Principal); ok {
		return p
	}
	return &auth.Principal{}
}

// Authorized is the check downstream handlers call: it evaluates check for
// the request's principal.
func Authorized(r *http.Request, check auth.Check) bool {
	return auth.Authorize(PrincipalFrom(r.Context()), check)
}

func parsedFrom(ctx context.Context) *parsedRequest {
	if pr, ok := ctx.Value(requestKey).(*parsedRequest); ok {
		return pr
	}
	return &parsedRequest{}
}

// readBody decodes a JSON body and puts the bytes back for later readers.
func readBody(r *http.Request) (requestBody, error) {
	var body requestBody
	if r.Body == nil || r.Body == http.NoBody {
		return body, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return body, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return requestBody{}, err
	}
	return body, nil
}

// decodeCredentials accepts an object or a string holding an object. A
// payload that does not decode yields empty credentials.
func decodeCredentials(raw json.RawMessage) Credentials {
	var c Credentials
	raw = unwrapString(raw)
	if len(raw) == 0 {
		return c
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}
	}
	return c
}

// decodeSignature accepts the compact "key-salt-epoch-hash" form, either
// bare or as a JSON string, or a structured object.
func decodeSignature(raw json.RawMessage) (auth.Signature, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var sig auth.Signature
		if err := json.Unmarshal(trimmed, &sig); err != nil {
			return auth.Signature{}, auth.ErrBadSignature
		}
		return sig, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		s = string(trimmed)
	}
	return auth.ParseSignature(s)
}

// unwrapString turns a JSON string into its contents so that both
// {"auth":{...}} and {"auth":"{...}"} decode the same way.
func unwrapString(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil
	}
	return json.RawMessage(strings.TrimSpace(s))
}

// rawHeader returns a header value as raw JSON; plain text is quoted.
func rawHeader(r *http.Request, name string) json.RawMessage {
	return asRaw(r.Header.Get(name))
}

func rawQuery(r *http.Request, name string) json.RawMessage {
	return asRaw(r.URL.Query().Get(name))
}

func asRaw(v string) json.RawMessage {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	quoted, _ := json.Marshal(v)
	return quoted
}

func firstNonEmpty(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if t := bytes.TrimSpace(v); len(t) > 0 && string(t) != "null" && string(t) != `""` {
			return t
		}
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
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
