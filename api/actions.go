package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/auth"
	"github.com/CanyonCasa/homebrew/notify"
	"github.com/CanyonCasa/homebrew/storage"
)

// Action names a /user/{action} operation.
type Action string

const (
	ActionAccount  Action = "account"
	ActionActivate Action = "activate"
	ActionAdmin    Action = "admin"
	ActionCode     Action = "code"
	ActionList     Action = "list"
	ActionLogin    Action = "login"
	ActionLogout   Action = "logout"
	ActionReset    Action = "reset"
)

// allActions lists every Action; the dispatch table must cover each one.
var allActions = []Action{
	ActionAccount, ActionActivate, ActionAdmin, ActionCode,
	ActionList, ActionLogin, ActionLogout, ActionReset,
}

// adminService is the service whose ADMIN grant allows admin and list.
const adminService = "admin"

// actionRequest carries what every action needs.
type actionRequest struct {
	r         *http.Request
	username  string
	arg       string
	body      requestBody
	bodyErr   error
	creds     Credentials
	principal *auth.Principal
}

func (q *actionRequest) ctx() context.Context {
	return q.r.Context()
}

type actionFunc func(w http.ResponseWriter, q *actionRequest)

func (a *API) actionTable() map[Action]actionFunc {
	return map[Action]actionFunc{
		ActionAccount:  a.accountAction,
		ActionActivate: a.activateAction,
		ActionAdmin:    a.adminAction,
		ActionCode:     a.codeAction,
		ActionList:     a.listAction,
		ActionLogin:    a.loginAction,
		ActionLogout:   a.logoutAction,
		ActionReset:    a.resetAction,
	}
}

// dispatch routes POST /user/{action}/{username}[/{arg}].
func (a *API) dispatch(w http.ResponseWriter, r *http.Request) {
	action := Action(chi.URLParam(r, "action"))
	fn, ok := a.actions[action]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	username := account.NormalizeUsername(chi.URLParam(r, "username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	pr := parsedFrom(r.Context())
	fn(w, &actionRequest{
		r:         r,
		username:  username,
		arg:       chi.URLParam(r, "arg"),
		body:      pr.body,
		bodyErr:   pr.bodyErr,
		creds:     pr.creds,
		principal: PrincipalFrom(r.Context()),
	})
}

// findUser loads the target account, replying on failure.
func (a *API) findUser(w http.ResponseWriter, q *actionRequest) (*account.User, bool) {
	u, err := a.repo.FindUser(q.ctx(), q.username)
	if err != nil {
		a.mapError(w, q.r, err)
		return nil, false
	}
	return u, true
}

// persist writes u and refreshes any cached session copy. The cache is
// touched only after the store accepted the write.
func (a *API) persist(w http.ResponseWriter, q *actionRequest, u *account.User) bool {
	u.UpdatedAt = a.engine.Now().UTC()
	if err := a.repo.UpdateUser(q.ctx(), u); err != nil {
		a.mapError(w, q.r, err)
		return false
	}
	a.sessions.Replace(*u)
	return true
}

func (a *API) accountAction(w http.ResponseWriter, q *actionRequest) {
	if q.bodyErr != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	switch q.arg {
	case "new":
		a.createAccount(w, q)
	case "change":
		a.changeAccount(w, q)
	default:
		writeError(w, http.StatusBadRequest, "account request must be new or change")
	}
}

func (a *API) createAccount(w http.ResponseWriter, q *actionRequest) {
	defer a.locks.Lock(q.username)()

	if _, err := a.repo.FindUser(q.ctx(), q.username); err == nil {
		writeError(w, http.StatusConflict, "user already exists")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		a.writeInternalError(w, q.r, "looking up new user", err)
		return
	}

	var tmpl account.User
	if err := storage.GetRecipe(q.ctx(), a.repo, storage.RecipeDefaults, &tmpl); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.writeInternalError(w, q.r, "loading new user defaults", err)
		return
	}
	now := a.engine.Now().UTC()
	u := account.User{
		Username:       q.username,
		Status:         a.newUserStatus,
		Identification: tmpl.Clone().Identification,
		Authorizations: tmpl.Clone().Authorizations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var local string
	if req := q.body.Account; req != nil {
		u.ApplyIdentification(req.Identification)
		local = req.Credentials.Local
	}
	if local == "" {
		var err error
		if local, err = auth.RandomCredential(); err != nil {
			a.writeInternalError(w, q.r, "generating credential", err)
			return
		}
	}
	hash, err := a.engine.HashPassword(q.ctx(), local)
	if err != nil {
		a.writeInternalError(w, q.r, "hashing credential", err)
		return
	}
	u.Credentials.Local = hash

	if err := a.repo.CreateUser(q.ctx(), &u); err != nil {
		a.mapError(w, q.r, err)
		return
	}
	a.audit.logEvent(AuditAccountCreated, q.r, u.Username, slog.String("status", string(u.Status)))
	writeMsg(w, http.StatusCreated, "account created", map[string]any{"user": u.Public()})
}

func (a *API) changeAccount(w http.ResponseWriter, q *actionRequest) {
	defer a.locks.Lock(q.username)()

	u, ok := a.findUser(w, q)
	if !ok {
		return
	}
	if !Authorized(q.r, auth.Check{auth.UserService: u.Username}) {
		a.audit.logFailure(AuditAccessDenied, q.r, "account change by another user", slog.String("account", u.Username))
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}
	if req := q.body.Account; req != nil {
		u.ApplyIdentification(req.Identification)
		if req.Credentials.Local != "" {
			hash, err := a.engine.HashPassword(q.ctx(), req.Credentials.Local)
			if err != nil {
				a.writeInternalError(w, q.r, "hashing credential", err)
				return
			}
			u.Credentials.Local = hash
		}
	}
	if !a.persist(w, q, u) {
		return
	}
	a.audit.logEvent(AuditAccountUpdated, q.r, u.Username)
	writeMsg(w, http.StatusOK, "account updated", map[string]any{"user": u.Public()})
}

func (a *API) activateAction(w http.ResponseWriter, q *actionRequest) {
	defer a.locks.Lock(q.username)()

	u, ok := a.findUser(w, q)
	if !ok {
		return
	}
	switch u.Status {
	case account.StatusActive:
		writeMsg(w, http.StatusOK, "account already active", nil)
		return
	case account.StatusInactive:
		writeError(w, http.StatusForbidden, "account inactive")
		return
	}
	if a.limited(w, q, AuditActivationFailure) {
		return
	}
	if !a.engine.ConsumeChallenge(u, q.arg) {
		a.failures.recordFailure(u.Username)
		a.audit.logEvent(AuditActivationFailure, q.r, u.Username)
		writeError(w, http.StatusUnauthorized, "activation failed or expired")
		return
	}
	if err := u.Transition(account.StatusActive); err != nil {
		a.mapError(w, q.r, err)
		return
	}
	if !a.persist(w, q, u) {
		return
	}
	a.failures.recordSuccess(u.Username)
	a.audit.logEvent(AuditAccountActivated, q.r, u.Username)
	writeMsg(w, http.StatusOK, "account activated", nil)
}

func (a *API) codeAction(w http.ResponseWriter, q *actionRequest) {
	defer a.locks.Lock(q.username)()

	u, ok := a.findUser(w, q)
	if !ok {
		return
	}
	if u.Status == account.StatusInactive {
		writeError(w, http.StatusForbidden, "account inactive")
		return
	}
	ch, err := a.engine.IssueChallenge(auth.ParseChallengeForm(q.arg), a.challengeTTL)
	if err != nil {
		a.writeInternalError(w, q.r, "issuing challenge", err)
		return
	}
	u.Credentials.Challenge = &ch
	if !a.persist(w, q, u) {
		return
	}
	a.audit.logEvent(AuditChallengeIssued, q.r, u.Username)

	dest := a.sendChallenge(q, u, ch.Code)
	fields := map[string]any{"expires": ch.Expires}
	if dest == "" {
		writeMsg(w, http.StatusOK, "challenge code set; no contact on file", fields)
		return
	}
	writeMsg(w, http.StatusOK, "challenge code sent to "+dest, fields)
}

// sendChallenge delivers code by text, falling back to email. It returns a
// masked destination, or "" when the account has no contact details.
func (a *API) sendChallenge(q *actionRequest, u *account.User, code string) string {
	text := "Challenge Code: " + code
	id := u.Identification
	var err error
	var dest string
	switch {
	case id.Phone.Number != "":
		dest = maskTail(id.Phone.Number)
		err = a.notifier.SendText(q.ctx(), notify.Text{Text: text, To: id.Phone.Number, Provider: id.Phone.Provider, Time: true})
	case id.Email != "":
		dest = maskTail(id.Email)
		err = a.notifier.SendMail(q.ctx(), notify.Mail{To: []string{id.Email}, Subject: "Challenge Code", Text: text})
	default:
		return ""
	}
	if err != nil {
		// Delivery problems never fail the action; the code is already stored.
		a.logger.WarnContext(q.ctx(), "challenge delivery failed",
			slog.String("account", u.Username), slog.Any("error", err))
	}
	return dest
}

func maskTail(s string) string {
	const keep = 4
	if len(s) <= keep {
		return s
	}
	return "***" + s[len(s)-keep:]
}

func (a *API) loginAction(w http.ResponseWriter, q *actionRequest) {
	if a.sessions.Full() {
		writeError(w, http.StatusServiceUnavailable, "max users exceeded, please try again later")
		return
	}
	defer a.locks.Lock(q.username)()

	if a.limited(w, q, AuditLoginRateLimited) {
		return
	}
	u, err := a.repo.FindUser(q.ctx(), q.username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.writeInternalError(w, q.r, "looking up user", err)
		return
	}

	// Credentials naming another account never log in as this one.
	if name := q.creds.Username; name != "" && account.NormalizeUsername(name) != q.username {
		u = nil
	}
	result := auth.LoginFailed
	if u != nil {
		result, err = a.engine.CheckLogin(q.ctx(), *u, q.creds.Hash)
	} else {
		// Spend the same bcrypt work for unknown users.
		_, err = a.engine.CheckLogin(q.ctx(), a.decoyUser(), q.creds.Hash)
	}
	if err != nil {
		a.writeInternalError(w, q.r, "verifying login", err)
		return
	}
	if !result.OK() {
		a.failures.recordFailure(q.username)
		a.audit.logFailure(AuditLoginFailure, q.r, "invalid credentials", slog.String("account", q.username))
		hsid := ""
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "login failed", HSID: &hsid})
		return
	}

	if result == auth.LoginOnce {
		u.Credentials.Challenge = nil
		u.UpdatedAt = a.engine.Now().UTC()
		if err := a.repo.UpdateUser(q.ctx(), u); err != nil {
			a.mapError(w, q.r, err)
			return
		}
	}
	hsid, ok := a.sessions.AddUser(*u)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "max users exceeded, please try again later")
		return
	}
	a.failures.recordSuccess(u.Username)
	event := AuditLoginSuccess
	if result == auth.LoginOnce {
		event = AuditLoginOnce
	}
	a.audit.logEvent(event, q.r, u.Username)

	resp := LoginResponse{
		Msg:    "login successful",
		HSID:   hsid,
		User:   u.Public().Identification,
		Result: result.String(),
	}
	if q.arg != "" {
		resp.Auth = u.Grant(q.arg)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) logoutAction(w http.ResponseWriter, q *actionRequest) {
	defer a.locks.Lock(q.username)()

	id := q.arg
	if id == "" {
		id = q.principal.SessionID
	}
	e, ok := a.sessions.Lookup(id)
	if !ok || e.ID != id || a.sessions.DeleteVerified(id, q.username) == "" {
		a.audit.logFailure(AuditLogoutRejected, q.r, "session id does not match user", slog.String("account", q.username))
		writeError(w, http.StatusBadRequest, "bad session id for specified user")
		return
	}
	a.audit.logEvent(AuditLogout, q.r, q.username)
	writeMsg(w, http.StatusOK, "logged out", map[string]any{"hsid": "", "user": ""})
}

func (a *API) resetAction(w http.ResponseWriter, q *actionRequest) {
	defer a.locks.Lock(q.username)()

	u, ok := a.findUser(w, q)
	if !ok {
		return
	}
	if a.limited(w, q, AuditResetFailure) {
		return
	}
	code := q.arg
	if !a.engine.ConsumeChallenge(u, code) {
		a.failures.recordFailure(u.Username)
		a.audit.logEvent(AuditResetFailure, q.r, u.Username)
		writeError(w, http.StatusUnauthorized, "password challenge failed")
		return
	}

	// The new credential is the presented digest, or the one-time digest of
	// the code itself when the client sent none.
	credential := q.creds.Hash
	if req := q.body.Account; credential == "" && req != nil {
		credential = req.Credentials.Local
	}
	if credential == "" {
		credential = auth.OneTimeHash(u.Username, code)
	}
	hash, err := a.engine.HashPassword(q.ctx(), credential)
	if err != nil {
		a.writeInternalError(w, q.r, "hashing credential", err)
		return
	}
	u.Credentials.Local = hash
	if !a.persist(w, q, u) {
		return
	}
	a.failures.recordSuccess(u.Username)
	a.audit.logEvent(AuditPasswordReset, q.r, u.Username)
	writeMsg(w, http.StatusOK, "password reset", nil)
}

func (a *API) requireAdmin(w http.ResponseWriter, q *actionRequest) bool {
	if Authorized(q.r, auth.Check{adminService: string(account.PermAdmin)}) {
		return true
	}
	who := ""
	if q.principal.User != nil {
		who = q.principal.User.Username
	}
	a.audit.logFailure(AuditAccessDenied, q.r, "admin required", slog.String("account", who))
	if !q.principal.Authenticated() {
		writeError(w, http.StatusUnauthorized, "not authenticated")
	} else {
		writeError(w, http.StatusForbidden, "not authorized")
	}
	return false
}

func (a *API) listAction(w http.ResponseWriter, q *actionRequest) {
	if !a.requireAdmin(w, q) {
		return
	}
	users, err := a.repo.ListUsers(q.ctx())
	if err != nil {
		a.writeInternalError(w, q.r, "listing users", err)
		return
	}
	public := make([]account.User, len(users))
	for i, u := range users {
		public[i] = u.Public()
	}
	limit, offset := parsePagination(q.r)
	page, meta := paginate(public, limit, offset)
	a.audit.logEvent(AuditUsersListed, q.r, q.principal.User.Username, slog.Int("count", len(page)))
	writeJSON(w, http.StatusOK, ListResponse{Msg: "users", Users: page, Pagination: meta})
}

func (a *API) adminAction(w http.ResponseWriter, q *actionRequest) {
	if !a.requireAdmin(w, q) {
		return
	}
	if q.bodyErr != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(q.body.Users) > 0 {
		a.bulkAdmin(w, q)
		return
	}

	patch := q.body.Authorizations
	if patch == nil && q.arg != "" {
		if err := json.Unmarshal([]byte(q.arg), &patch); err != nil {
			writeError(w, http.StatusBadRequest, "malformed authorizations")
			return
		}
	}
	if err := patch.Validate(); err != nil {
		a.mapError(w, q.r, err)
		return
	}

	defer a.locks.Lock(q.username)()
	u, ok := a.findUser(w, q)
	if !ok {
		return
	}
	u.ApplyAuthorizations(patch)
	if q.body.Status != "" {
		if err := u.Transition(q.body.Status); err != nil {
			a.mapError(w, q.r, err)
			return
		}
	}
	if !a.persist(w, q, u) {
		return
	}
	if u.Status == account.StatusInactive {
		a.sessions.Delete(u.Username)
	}
	a.audit.logEvent(AuditAuthorizationsSet, q.r, u.Username,
		slog.String("by", q.principal.User.Username), slog.String("status", string(u.Status)))
	writeMsg(w, http.StatusOK, "user authorization updated for "+u.Username,
		map[string]any{"authorizations": u.Authorizations, "status": u.Status})
}

// bulkAdmin applies a users->patch map after writing a store backup.
func (a *API) bulkAdmin(w http.ResponseWriter, q *actionRequest) {
	for name, patch := range q.body.Users {
		if err := patch.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", name, err))
			return
		}
	}
	path, err := a.backup(q.ctx())
	if err != nil {
		a.writeInternalError(w, q.r, "backup before bulk change", err)
		return
	}

	names := make([]string, 0, len(q.body.Users))
	for name := range q.body.Users {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	updated := 0
	for _, name := range names {
		username := account.NormalizeUsername(name)
		results[name] = a.applyBulkPatch(q.ctx(), username, q.body.Users[name])
		if results[name] == "updated" {
			updated++
		}
	}
	a.audit.logEvent(AuditBulkAuthorizations, q.r, q.principal.User.Username,
		slog.Int("updated", updated), slog.String("backup", path))
	writeMsg(w, http.StatusOK, fmt.Sprintf("%d of %d users updated", updated, len(names)),
		map[string]any{"results": results, "backup": path})
}

func (a *API) applyBulkPatch(ctx context.Context, username string, patch account.AuthorizationPatch) string {
	defer a.locks.Lock(username)()

	u, err := a.repo.FindUser(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return "not found"
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "bulk update lookup failed", slog.String("account", username), slog.Any("error", err))
		return "failed"
	}
	u.ApplyAuthorizations(patch)
	u.UpdatedAt = a.engine.Now().UTC()
	if err := a.repo.UpdateUser(ctx, u); err != nil {
		a.logger.ErrorContext(ctx, "bulk update failed", slog.String("account", username), slog.Any("error", err))
		return "failed"
	}
	a.sessions.Replace(*u)
	return "updated"
}

// backup writes a store snapshot into the backup directory and returns its
// path. With no directory configured nothing is written.
func (a *API) backup(ctx context.Context) (string, error) {
	if a.backupDir == "" {
		a.logger.WarnContext(ctx, "no backup directory configured; skipping backup")
		return "", nil
	}
	if err := os.MkdirAll(a.backupDir, 0o700); err != nil {
		return "", err
	}
	name := "homebrew-" + a.engine.Now().UTC().Format("20060102T150405.000") + ".bak"
	path := filepath.Join(a.backupDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if err := a.repo.Backup(ctx, f); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

// limited replies 429 when the target account is locked out.
func (a *API) limited(w http.ResponseWriter, q *actionRequest, event AuditEvent) bool {
	blocked, retryAfter := a.failures.check(q.username)
	if !blocked {
		return false
	}
	a.audit.logFailure(event, q.r, "account locked out", slog.String("account", q.username))
	writeRateLimited(w, retryAfter, "too many failed attempts; try again later")
	return true
}

// decoyUser is an active account without a stored hash. The engine checks
// it against its own decoy hash so unknown usernames cost a full bcrypt
// compare.
func (a *API) decoyUser() account.User {
	return account.User{Status: account.StatusActive}
}

// form serves GET /user/form/{name} from the RECIPE form definitions.
func (a *API) form(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var forms map[string]json.RawMessage
	err := storage.GetRecipe(r.Context(), a.repo, storage.RecipeForm, &forms)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.writeInternalError(w, r, "loading form definitions", err)
		return
	}
	f, ok := forms[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no such form")
		return
	}
	writeMsg(w, http.StatusOK, "form "+name, map[string]any{"form": f})
}

// sweepLoop drops stale rate-limit state until ctx ends.
func (a *API) sweepLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.failures.sweep()
			a.ipLimit.sweep()
		case <-ctx.Done():
			return
		}
	}
}
