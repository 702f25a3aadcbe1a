package oauthsrv

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/metricx"
	"github.com/google/uuid"
)

type registeredProvider struct {
	cfg oauth.ProviderConfig
	idp oauth.IdentityProvider
}

// Orchestrator drives the authorization code flow with PKCE, from the
// authorize redirect to an established opaque-token session.
type Orchestrator struct {
	providers map[oauth.Provider]registeredProvider

	pending  oauth.PendingStore
	sessions oauth.SessionRepository
	userInfo oauth.UserInfoRepository
	users    user.Directory
	issuer   session.Issuer
	audit    audit.Recorder

	onboarder oauth.Onboarder
	metrics   *metricx.Metrics

	pendingTTL      time.Duration
	callbackTimeout time.Duration
	sessionTTL      time.Duration
	now             func() time.Time
}

type Timeouts struct {
	PendingTTL      time.Duration
	CallbackTimeout time.Duration
	SessionTTL      time.Duration
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithMetrics(m *metricx.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOnboarder runs ob for users created by a callback
func WithOnboarder(ob oauth.Onboarder) Option {
	return func(o *Orchestrator) { o.onboarder = ob }
}

func NewOrchestrator(
	pending oauth.PendingStore,
	sessions oauth.SessionRepository,
	userInfo oauth.UserInfoRepository,
	users user.Directory,
	issuer session.Issuer,
	rec audit.Recorder,
	timeouts Timeouts,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		providers:       make(map[oauth.Provider]registeredProvider),
		pending:         pending,
		sessions:        sessions,
		userInfo:        userInfo,
		users:           users,
		issuer:          issuer,
		audit:           rec,
		pendingTTL:      timeouts.PendingTTL,
		callbackTimeout: timeouts.CallbackTimeout,
		sessionTTL:      timeouts.SessionTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register makes a provider available for authorization
func (o *Orchestrator) Register(cfg oauth.ProviderConfig, idp oauth.IdentityProvider) {
	o.providers[cfg.Name] = registeredProvider{cfg: cfg, idp: idp}
}

func (o *Orchestrator) provider(name string) (oauth.Provider, registeredProvider, error) {
	p, ok := oauth.ParseProvider(name)
	if !ok {
		return "", registeredProvider{}, oauth.ErrInvalidProvider().WithDetail("provider", name)
	}
	rp, ok := o.providers[p]
	if !ok {
		return "", registeredProvider{}, oauth.ErrInvalidProvider().WithDetail("provider", name)
	}
	return p, rp, nil
}

// ListProviders returns the configured providers ordered by name
func (o *Orchestrator) ListProviders() []oauth.ProviderInfo {
	out := make([]oauth.ProviderInfo, 0, len(o.providers))
	for name, rp := range o.providers {
		out = append(out, oauth.ProviderInfo{
			Name:         name,
			AuthorizeURL: "/auth/oauth2/authorize/" + strings.ToLower(name.String()),
			Scopes:       rp.cfg.Scopes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ============================================================================
// Authorize
// ============================================================================

type InitiateRequest struct {
	Provider    string
	RedirectURI string
	IP          string
}

// Authorization is handed to the transport. CodeVerifier must reach the
// client (cookie) and is not kept server side.
type Authorization struct {
	AuthorizationURL string
	State            string
	CodeVerifier     string
	SessionID        string
	ExpiresAt        time.Time
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme != "" && ua.Scheme == ub.Scheme && strings.EqualFold(ua.Host, ub.Host)
}

func (o *Orchestrator) InitiateAuthorization(ctx context.Context, req InitiateRequest) (*Authorization, error) {
	p, rp, err := o.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	redirect := rp.cfg.RedirectURL
	if req.RedirectURI != "" {
		if !sameOrigin(req.RedirectURI, rp.cfg.RedirectURL) {
			return nil, oauth.ErrRegistry.New(oauth.CodeInvalidRedirectURI)
		}
		redirect = req.RedirectURI
	}

	verifier, err := oauth.NewCodeVerifier()
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeInitiationFailed, err)
	}
	state, err := oauth.NewState()
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeInitiationFailed, err)
	}
	challenge := oauth.S256Challenge(verifier)

	now := o.now().UTC()
	pending := oauth.PendingAuthorization{
		SessionID:     uuid.NewString(),
		State:         state,
		Provider:      p,
		CodeChallenge: challenge,
		RedirectURI:   redirect,
		CreatedFromIP: req.IP,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.pendingTTL),
		Status:        oauth.StateInitiated,
	}
	if err := o.pending.Save(ctx, pending, o.pendingTTL); err != nil {
		logx.WithContext(ctx).WithField("provider", p).WithError(err).Error("Failed to persist pending authorization")
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeInitiationFailed, err)
	}

	logx.WithContext(ctx).WithFields(logx.Fields{
		"provider":   p,
		"session_id": pending.SessionID,
	}).Debug("Authorization initiated")

	return &Authorization{
		AuthorizationURL: rp.idp.AuthCodeURL(state, challenge, redirect),
		State:            state,
		CodeVerifier:     verifier,
		SessionID:        pending.SessionID,
		ExpiresAt:        pending.ExpiresAt,
	}, nil
}

// ============================================================================
// Callback
// ============================================================================

type CallbackRequest struct {
	Provider         string
	Code             string
	State            string
	Error            string
	ErrorDescription string
	CodeVerifier     string
	IP               string
	UserAgent        string
}

type CallbackResult struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
	Session   *oauth.Session
	User      *user.User
	Created   bool
}

func (o *Orchestrator) record(ctx context.Context, t audit.EventType, ip string, evt audit.Event) {
	evt.Type = t
	evt.IP = ip
	o.audit.Record(ctx, evt)
}

// HandleCallback validates the provider redirect and establishes a session.
// Nothing is issued unless state, PKCE and the identity all check out.
func (o *Orchestrator) HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	p, rp, err := o.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	if req.Error != "" {
		return nil, o.providerError(ctx, p, req)
	}

	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.State) == "" {
		o.metrics.OAuthCallback(p.String(), "invalid_callback")
		return nil, oauth.ErrRegistry.New(oauth.CodeInvalidCallback)
	}

	pending, err := o.pending.Consume(ctx, req.State)
	if err != nil {
		o.metrics.OAuthCallback(p.String(), "error")
		return nil, errx.Wrap(err, "failed to load pending authorization", errx.TypeInternal)
	}
	if reason := o.rejectState(pending, p); reason != "" {
		o.record(ctx, audit.EventPotentialCSRF, req.IP, audit.Event{
			Details: map[string]any{"provider": p, "reason": reason},
		})
		logx.WithContext(ctx).WithFields(logx.Fields{
			"provider": p,
			"reason":   reason,
			"ip":       req.IP,
		}).Warn("OAuth2 callback with invalid state")
		o.metrics.OAuthCallback(p.String(), "invalid_state")
		return nil, oauth.ErrInvalidState()
	}

	if pending.CodeChallenge != "" && !oauth.VerifyChallenge(req.CodeVerifier, pending.CodeChallenge) {
		o.record(ctx, audit.EventPKCEFailure, req.IP, audit.Event{
			Details: map[string]any{"provider": p, "session_id": pending.SessionID},
		})
		o.metrics.OAuthCallback(p.String(), "pkce_failed")
		return nil, oauth.ErrPKCEFailed()
	}

	identity, err := o.exchange(ctx, rp, req.Code, req.CodeVerifier, pending.RedirectURI)
	if err != nil {
		logx.WithContext(ctx).WithField("provider", p).WithError(err).Warn("OAuth2 code exchange failed")
		o.metrics.OAuthCallback(p.String(), "provider_unavailable")
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeCallbackError, err)
	}
	if !identity.Complete() {
		o.metrics.OAuthCallback(p.String(), "missing_user_data")
		return nil, oauth.ErrRegistry.New(oauth.CodeMissingUserData)
	}

	result, err := o.establish(ctx, p, pending, identity, req)
	if err != nil {
		o.metrics.OAuthCallback(p.String(), "error")
		return nil, err
	}

	o.record(ctx, audit.EventUserLogin, req.IP, audit.Event{
		ActorID:        result.User.ID,
		OrganizationID: result.User.OrganizationID,
		Details: map[string]any{
			"method":     string(session.MethodOAuth2),
			"provider":   p,
			"session_id": result.Session.SessionID,
			"new_user":   result.Created,
		},
	})
	o.metrics.OAuthCallback(p.String(), "success")
	return result, nil
}

// providerError records the provider's refusal and maps it to a stable code.
// The pending state is burned so it cannot be replayed.
func (o *Orchestrator) providerError(ctx context.Context, p oauth.Provider, req CallbackRequest) error {
	if req.State != "" {
		if _, err := o.pending.Consume(ctx, req.State); err != nil {
			logx.WithContext(ctx).WithError(err).Warn("Failed to discard pending authorization")
		}
	}
	code := oauth.MapProviderError(req.Error)
	o.record(ctx, audit.EventOAuthAuthorizationFailed, req.IP, audit.Event{
		Details: map[string]any{"provider": p, "error_code": code.Code},
	})
	logx.WithContext(ctx).WithFields(logx.Fields{
		"provider":    p,
		"error_code":  code.Code,
		"description": req.ErrorDescription,
	}).Info("Provider returned an authorization error")
	o.metrics.OAuthCallback(p.String(), "provider_error")
	return oauth.ErrRegistry.New(code)
}

// rejectState returns why pending cannot satisfy this callback, or ""
func (o *Orchestrator) rejectState(pending *oauth.PendingAuthorization, p oauth.Provider) string {
	switch {
	case pending == nil:
		return "unknown_state"
	case pending.IsExpiredAt(o.now()):
		return "expired_state"
	case pending.Provider != p:
		return "provider_mismatch"
	case !oauth.CanTransition(pending.Status, oauth.StateCallbackReceived):
		return "invalid_transition"
	}
	return ""
}

func (o *Orchestrator) exchange(ctx context.Context, rp registeredProvider, code, verifier, redirect string) (*oauth.ProviderIdentity, error) {
	if o.callbackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.callbackTimeout)
		defer cancel()
	}
	return rp.idp.Exchange(ctx, code, verifier, redirect)
}

func (o *Orchestrator) establish(ctx context.Context, p oauth.Provider, pending *oauth.PendingAuthorization, id *oauth.ProviderIdentity, req CallbackRequest) (*CallbackResult, error) {
	u, created, err := o.users.FindOrCreateByProviderIdentity(ctx, user.IdentityRequest{
		Provider: p.String(),
		Subject:  id.Subject,
		Email:    id.Email,
		Name:     id.Name,
	})
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, user.ErrInactive()
	}
	if created && o.onboarder != nil {
		if err := o.onboarder.BootstrapOrganization(ctx, u.OrganizationID, u.ID); err != nil {
			return nil, err
		}
	}

	now := o.now().UTC()
	if err := o.userInfo.Upsert(ctx, oauth.UserInfo{
		ProviderUserID:          id.Subject,
		Provider:                p,
		UserID:                  u.ID,
		Email:                   id.Email,
		DisplayName:             id.Name,
		EmailVerified:           id.EmailVerified,
		Picture:                 id.Picture,
		LastUpdatedFromProvider: now,
	}); err != nil {
		return nil, err
	}

	est, err := o.issuer.Establish(ctx, session.EstablishRequest{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		Provider:       p.String(),
		Method:         session.MethodOAuth2,
		SourceIP:       req.IP,
		UserAgent:      req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	expires := est.ExpiresAt
	if o.sessionTTL > 0 && now.Add(o.sessionTTL).Before(expires) {
		expires = now.Add(o.sessionTTL)
	}
	sess := oauth.Session{
		SessionID:      uuid.NewString(),
		TokenID:        est.TokenID,
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		Provider:       p,
		ProviderUserID: id.Subject,
		Status:         oauth.StateSessionEstablished,
		CreatedFromIP:  req.IP,
		CreatedAt:      now,
		ExpiresAt:      expires,
		LastAccessedAt: now,
	}
	if err := o.sessions.Create(ctx, sess); err != nil {
		if revokeErr := o.issuer.Revoke(ctx, est.TokenID); revokeErr != nil {
			logx.WithContext(ctx).WithField("token_id", est.TokenID).WithError(revokeErr).Error("Failed to revoke orphaned token")
		}
		return nil, err
	}

	logx.WithContext(ctx).WithFields(logx.Fields{
		"provider":           p,
		"user_id":            u.ID,
		"organization_id":    u.OrganizationID,
		"session_id":         sess.SessionID,
		"pending_session_id": pending.SessionID,
	}).Info("OAuth2 session established")

	return &CallbackResult{
		Token:     est.Token,
		TokenID:   est.TokenID,
		ExpiresAt: est.ExpiresAt,
		Session:   &sess,
		User:      u,
		Created:   created,
	}, nil
}

// ============================================================================
// Session management
// ============================================================================

// TerminateSession ends an OAuth2 session and revokes its token. Repeated
// calls succeed; only the first one is audited.
func (o *Orchestrator) TerminateSession(ctx context.Context, sessionID, reason, ip string) error {
	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.terminate(ctx, sess, reason, ip)
}

// TerminateByToken ends the OAuth2 session bound to tokenID, if any
func (o *Orchestrator) TerminateByToken(ctx context.Context, tokenID, reason, ip string) error {
	sess, err := o.sessions.FindByTokenID(ctx, tokenID)
	if err != nil {
		if errx.IsCode(err, oauth.CodeSessionNotFound) {
			return nil
		}
		return err
	}
	return o.terminate(ctx, sess, reason, ip)
}

func (o *Orchestrator) terminate(ctx context.Context, sess *oauth.Session, reason, ip string) error {
	changed, err := o.sessions.Terminate(ctx, sess.SessionID, reason, o.now().UTC())
	if err != nil {
		return err
	}
	if err := o.issuer.Revoke(ctx, sess.TokenID); err != nil {
		return err
	}
	if !changed {
		return nil
	}

	o.record(ctx, audit.EventSessionTerminated, ip, audit.Event{
		ActorID:        sess.UserID,
		OrganizationID: sess.OrganizationID,
		Details:        map[string]any{"session_id": sess.SessionID, "reason": reason},
	})
	return nil
}

// TouchSession records activity on the OAuth2 session bound to tokenID
func (o *Orchestrator) TouchSession(ctx context.Context, tokenID string) error {
	sess, err := o.sessions.FindByTokenID(ctx, tokenID)
	if err != nil {
		if errx.IsCode(err, oauth.CodeSessionNotFound) {
			return nil
		}
		return err
	}
	return o.sessions.Touch(ctx, sess.SessionID, o.now().UTC())
}

// Name identifies the orchestrator as a cleanup sweeper
func (o *Orchestrator) Name() string { return "oauth2_sessions" }

// Sweep marks established sessions past their expiry as EXPIRED
func (o *Orchestrator) Sweep(ctx context.Context) (int64, error) {
	return o.sessions.ExpireStale(ctx, o.now().UTC())
}
