package sessionsrv

import (
	"context"

	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/iam/token"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
)

// Tokens is the token store surface the lifecycle drives
type Tokens interface {
	CreateToken(ctx context.Context, req token.IssueRequest) (*token.Issued, error)
	RevokeToken(ctx context.Context, raw string) error
	RevokeTokenByID(ctx context.Context, id string) error
	CountActiveUserSessions(ctx context.Context, userID kernel.UserID) (int, error)
	ListActiveUserSessions(ctx context.Context, userID kernel.UserID) ([]token.Metadata, error)
}

// Lifecycle issues tokens on login, enforces the per-user session cap and
// revokes on logout.
type Lifecycle struct {
	tokens      Tokens
	audit       audit.Recorder
	maxSessions int
}

// NewLifecycle builds a lifecycle; maxSessions <= 0 disables the cap
func NewLifecycle(tokens Tokens, rec audit.Recorder, maxSessions int) *Lifecycle {
	return &Lifecycle{tokens: tokens, audit: rec, maxSessions: maxSessions}
}

var _ session.Issuer = (*Lifecycle)(nil)

// Establish issues a token for req. Issuance failures are returned; a failed
// cap enforcement is logged and does not undo the login.
func (l *Lifecycle) Establish(ctx context.Context, req session.EstablishRequest) (*session.Established, error) {
	issued, err := l.tokens.CreateToken(ctx, token.IssueRequest{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Provider:       req.Provider,
		SourceIP:       req.SourceIP,
		UserAgent:      req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	out := &session.Established{
		Token:     issued.Token,
		TokenID:   issued.TokenID,
		ExpiresAt: issued.ExpiresAt,
	}
	out.Evicted = l.enforceCap(ctx, req, issued.TokenID)

	if req.Method == session.MethodPassword {
		l.audit.Record(ctx, audit.Event{
			Type:           audit.EventUserLogin,
			ActorID:        req.UserID,
			OrganizationID: req.OrganizationID,
			IP:             req.SourceIP,
			Details:        map[string]any{"method": string(req.Method), "token_id": issued.TokenID},
		})
	}
	return out, nil
}

// enforceCap revokes the oldest tokens beyond maxSessions, never keep
func (l *Lifecycle) enforceCap(ctx context.Context, req session.EstablishRequest, keep string) int {
	if l.maxSessions <= 0 {
		return 0
	}
	active, err := l.tokens.ListActiveUserSessions(ctx, req.UserID)
	if err != nil {
		logx.WithContext(ctx).WithField("user_id", req.UserID).WithError(err).Warn("Session cap check failed")
		return 0
	}

	excess := len(active) - l.maxSessions
	evicted := make([]string, 0, max(excess, 0))
	for _, m := range active {
		if len(evicted) >= excess {
			break
		}
		if m.ID == keep {
			continue
		}
		if err := l.tokens.RevokeTokenByID(ctx, m.ID); err != nil {
			logx.WithContext(ctx).WithField("token_id", m.ID).WithError(err).Warn("Session eviction failed")
			continue
		}
		evicted = append(evicted, m.ID)
	}

	if len(evicted) > 0 {
		l.audit.Record(ctx, audit.Event{
			Type:           audit.EventSessionLimitEnforced,
			ActorID:        req.UserID,
			OrganizationID: req.OrganizationID,
			IP:             req.SourceIP,
			Details: map[string]any{
				"limit":             l.maxSessions,
				"revoked_token_ids": evicted,
			},
		})
	}
	return len(evicted)
}

// Revoke ends a session by token id
func (l *Lifecycle) Revoke(ctx context.Context, tokenID string) error {
	return l.tokens.RevokeTokenByID(ctx, tokenID)
}

// End revokes the presented token and audits the logout
func (l *Lifecycle) End(ctx context.Context, p *kernel.Principal, raw, ip string) error {
	if err := l.tokens.RevokeToken(ctx, raw); err != nil {
		return err
	}
	l.audit.Record(ctx, audit.Event{
		Type:           audit.EventUserLogout,
		ActorID:        p.UserID,
		OrganizationID: p.OrganizationID,
		IP:             ip,
		Details:        map[string]any{"token_id": p.SessionID},
	})
	return nil
}

// Describe summarizes the principal's session
func (l *Lifecycle) Describe(ctx context.Context, p *kernel.Principal) (*session.Info, error) {
	n, err := l.tokens.CountActiveUserSessions(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return &session.Info{ExpiresAt: p.ExpiresAt, ActiveTokens: n}, nil
}
