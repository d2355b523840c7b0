package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginOnce          AuditEvent = "login_once"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditLogout             AuditEvent = "logout"
	AuditLogoutRejected     AuditEvent = "logout_rejected"
	AuditAccountCreated     AuditEvent = "account_created"
	AuditAccountUpdated     AuditEvent = "account_updated"
	AuditAccountActivated   AuditEvent = "account_activated"
	AuditActivationFailure  AuditEvent = "activation_failure"
	AuditChallengeIssued    AuditEvent = "challenge_issued"
	AuditPasswordReset      AuditEvent = "password_reset"
	AuditResetFailure       AuditEvent = "reset_failure"
	AuditAuthorizationsSet  AuditEvent = "authorizations_updated"
	AuditBulkAuthorizations AuditEvent = "bulk_authorizations_updated"
	AuditUsersListed        AuditEvent = "users_listed"
	AuditAccessDenied       AuditEvent = "access_denied"
	AuditBadSession         AuditEvent = "bad_session"
	AuditExpiredSession     AuditEvent = "expired_session"
	AuditBadAPISignature    AuditEvent = "bad_api_signature"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	alerts  *alertCollector
	metrics *promMetrics
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	al.alerts.recordEvent(event)
	al.metrics.recordEvent(event)
}

// logEvent is a convenience for events about one account.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("account", username),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
