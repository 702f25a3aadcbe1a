package auth

import (
	"context"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/logx"
)

// PasswordAuthenticator handles email and password logins. Unknown emails,
// wrong passwords and inactive users all answer AUTH_INVALID_CREDENTIALS.
type PasswordAuthenticator struct {
	users    user.Directory
	verifier PasswordVerifier
	lockout  Lockout
	sessions session.Issuer
	audit    audit.Recorder
	now      func() time.Time
}

func NewPasswordAuthenticator(users user.Directory, verifier PasswordVerifier, lockout Lockout, sessions session.Issuer, rec audit.Recorder) *PasswordAuthenticator {
	return &PasswordAuthenticator{
		users:    users,
		verifier: verifier,
		lockout:  lockout,
		sessions: sessions,
		audit:    rec,
		now:      time.Now,
	}
}

type LoginRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

type LoginResult struct {
	Session *session.Established
	User    *user.User
}

func lockoutKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *PasswordAuthenticator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	key := lockoutKey(req.Email)
	if key == "" || req.Password == "" {
		return nil, ErrInvalidCredentials()
	}

	until, err := a.lockout.LockedUntil(ctx, key)
	if err != nil {
		return nil, ErrRegistry.NewWithCause(CodeLockoutUnavailable, err)
	}
	if !until.IsZero() {
		return nil, a.locked(until)
	}

	creds, err := a.users.FindCredentialsByEmail(ctx, key)
	if err != nil {
		if !errx.IsCode(err, user.CodeNotFound) {
			return nil, err
		}
		a.verifier.CompareDummy(req.Password)
		return nil, a.fail(ctx, key, req, "unknown_account", "")
	}
	if !a.verifier.Compare(creds.PasswordHash, req.Password) {
		return nil, a.fail(ctx, key, req, "bad_password", creds.ID.String())
	}
	if !creds.IsActive {
		return nil, a.fail(ctx, key, req, "inactive_account", creds.ID.String())
	}

	if err := a.lockout.Reset(ctx, key); err != nil {
		logx.WithContext(ctx).WithField("user_id", creds.ID).WithError(err).Warn("Failed to reset login attempts")
	}

	est, err := a.sessions.Establish(ctx, session.EstablishRequest{
		UserID:         creds.ID,
		OrganizationID: creds.OrganizationID,
		Provider:       "PASSWORD",
		Method:         session.MethodPassword,
		SourceIP:       req.IP,
		UserAgent:      req.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	u := creds.User
	return &LoginResult{Session: est, User: &u}, nil
}

func (a *PasswordAuthenticator) locked(until time.Time) error {
	retry := int(until.Sub(a.now()).Seconds())
	if retry < 1 {
		retry = 1
	}
	return ErrRegistry.New(CodeAccountLocked).WithDetail("retry_after_seconds", retry)
}

// fail records the attempt and returns the generic credentials error
func (a *PasswordAuthenticator) fail(ctx context.Context, key string, req LoginRequest, reason, userID string) error {
	a.audit.Record(ctx, audit.Event{
		Type: audit.EventLoginFailed,
		IP:   req.IP,
		Details: map[string]any{
			"email":   key,
			"reason":  reason,
			"user_id": userID,
		},
	})

	until, err := a.lockout.RecordFailure(ctx, key)
	if err != nil {
		logx.WithContext(ctx).WithError(err).Warn("Failed to record login failure")
		return ErrInvalidCredentials()
	}
	if !until.IsZero() {
		a.audit.Record(ctx, audit.Event{
			Type: audit.EventAccountLocked,
			IP:   req.IP,
			Details: map[string]any{
				"email":        key,
				"locked_until": until.UTC(),
			},
		})
		logx.WithFields(logx.Fields{
			"email":        key,
			"locked_until": until.UTC(),
		}).Warn("Account locked after repeated failures")
	}
	return ErrInvalidCredentials()
}
