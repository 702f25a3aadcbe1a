package oauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

// ErrRegistry publishes bare codes; clients match on them directly.
var ErrRegistry = errx.NewRegistry("")

var (
	CodeInvalidProvider    = ErrRegistry.Register("INVALID_PROVIDER", errx.TypeValidation, http.StatusBadRequest, "Unsupported or unconfigured provider")
	CodeInvalidRedirectURI = ErrRegistry.Register("OAUTH2_INVALID_REDIRECT_URI", errx.TypeValidation, http.StatusBadRequest, "Redirect URI is not allowed")
	CodeInitiationFailed   = ErrRegistry.Register("OAUTH2_INITIATION_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Could not start authorization")
	CodeInvalidCallback    = ErrRegistry.Register("OAUTH2_INVALID_CALLBACK", errx.TypeValidation, http.StatusBadRequest, "Callback is missing code or state")
	CodeInvalidState       = ErrRegistry.Register("OAUTH2_INVALID_STATE", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid or expired state")
	CodePKCEFailed         = ErrRegistry.Register("PKCE_VALIDATION_FAILED", errx.TypeValidation, http.StatusBadRequest, "PKCE verification failed")
	CodeMissingUserData    = ErrRegistry.Register("OAUTH2_MISSING_USER_DATA", errx.TypeValidation, http.StatusBadRequest, "Provider did not supply required user data")
	CodeCallbackError      = ErrRegistry.Register("OAUTH2_CALLBACK_ERROR", errx.TypeExternal, http.StatusBadGateway, "Identity provider request failed")
	CodeSessionNotFound    = ErrRegistry.Register("OAUTH2_SESSION_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Session not found")

	CodeAuthorizationDenied  = ErrRegistry.Register("OAUTH2_AUTHORIZATION_DENIED", errx.TypeExternal, http.StatusBadRequest, "Authorization was denied")
	CodeInvalidRequest       = ErrRegistry.Register("OAUTH2_INVALID_REQUEST", errx.TypeExternal, http.StatusBadRequest, "Invalid authorization request")
	CodeInvalidClient        = ErrRegistry.Register("OAUTH2_INVALID_CLIENT", errx.TypeExternal, http.StatusBadRequest, "Client authentication failed")
	CodeInvalidGrant         = ErrRegistry.Register("OAUTH2_INVALID_GRANT", errx.TypeExternal, http.StatusBadRequest, "Invalid authorization grant")
	CodeUnauthorizedClient   = ErrRegistry.Register("OAUTH2_UNAUTHORIZED_CLIENT", errx.TypeExternal, http.StatusBadRequest, "Client is not authorized")
	CodeUnsupportedGrantType = ErrRegistry.Register("OAUTH2_UNSUPPORTED_GRANT_TYPE", errx.TypeExternal, http.StatusBadRequest, "Unsupported grant type")
	CodeInvalidScope         = ErrRegistry.Register("OAUTH2_INVALID_SCOPE", errx.TypeExternal, http.StatusBadRequest, "Invalid scope")
	CodeUnknownProviderError = ErrRegistry.Register("OAUTH2_UNKNOWN_ERROR", errx.TypeExternal, http.StatusBadRequest, "Authorization failed")
)

func ErrInvalidProvider() *errx.Error {
	return ErrRegistry.New(CodeInvalidProvider)
}

func ErrInvalidState() *errx.Error {
	return ErrRegistry.New(CodeInvalidState)
}

func ErrPKCEFailed() *errx.Error {
	return ErrRegistry.New(CodePKCEFailed)
}

var providerErrors = map[string]*errx.ErrorCode{
	"access_denied":          CodeAuthorizationDenied,
	"invalid_request":        CodeInvalidRequest,
	"invalid_client":         CodeInvalidClient,
	"invalid_grant":          CodeInvalidGrant,
	"unauthorized_client":    CodeUnauthorizedClient,
	"unsupported_grant_type": CodeUnsupportedGrantType,
	"invalid_scope":          CodeInvalidScope,
}

// MapProviderError converts an RFC 6749 error parameter into a stable code.
// The provider's description is never carried into the result.
func MapProviderError(code string) *errx.ErrorCode {
	if c, ok := providerErrors[strings.ToLower(strings.TrimSpace(code))]; ok {
		return c
	}
	return CodeUnknownProviderError
}

// ============================================================================
// Providers
// ============================================================================

type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderGitHub    Provider = "GITHUB"
)

// ParseProvider accepts any casing of a known provider name
func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProviderGoogle, ProviderMicrosoft, ProviderGitHub:
		return p, true
	}
	return "", false
}

func (p Provider) String() string { return string(p) }

// ProviderConfig is one registered OAuth2 client
type ProviderConfig struct {
	Name         Provider
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// ProviderInfo is the public description of a configured provider
type ProviderInfo struct {
	Name         Provider `json:"name"`
	AuthorizeURL string   `json:"authorize_url"`
	Scopes       []string `json:"scopes"`
}

// ============================================================================
// Flow state machine
// ============================================================================

type FlowState string

const (
	StateInitiated          FlowState = "INITIATED"
	StateAuthorized         FlowState = "AUTHORIZED"
	StateCallbackReceived   FlowState = "CALLBACK_RECEIVED"
	StateSessionEstablished FlowState = "SESSION_ESTABLISHED"
	StateRejected           FlowState = "REJECTED"
	StateExpired            FlowState = "EXPIRED"
	StateTerminated         FlowState = "TERMINATED"
)

var transitions = map[FlowState][]FlowState{
	StateInitiated:          {StateAuthorized, StateCallbackReceived, StateExpired},
	StateAuthorized:         {StateCallbackReceived, StateExpired},
	StateCallbackReceived:   {StateSessionEstablished, StateRejected},
	StateSessionEstablished: {StateExpired, StateTerminated},
}

// CanTransition reports whether a flow may move from one state to another.
// REJECTED, EXPIRED and TERMINATED are terminal.
func CanTransition(from, to FlowState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s FlowState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// ============================================================================
// Records
// ============================================================================

// PendingAuthorization lives between authorize and callback. Only the S256
// challenge is kept; the verifier stays with the client.
type PendingAuthorization struct {
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	Provider      Provider  `json:"provider"`
	CodeChallenge string    `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri"`
	CreatedFromIP string    `json:"created_from_ip,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Status        FlowState `json:"status"`
}

func (p *PendingAuthorization) IsExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Session is an OAuth2 login bound to the opaque token it produced
type Session struct {
	SessionID         string                `db:"session_id" json:"session_id"`
	TokenID           string                `db:"token_id" json:"-"`
	UserID            kernel.UserID         `db:"user_id" json:"user_id"`
	OrganizationID    kernel.OrganizationID `db:"organization_id" json:"organization_id"`
	Provider          Provider              `db:"provider" json:"provider"`
	ProviderUserID    string                `db:"provider_user_id" json:"provider_user_id"`
	Status            FlowState             `db:"status" json:"status"`
	CreatedFromIP     string                `db:"created_from_ip" json:"created_from_ip,omitempty"`
	CreatedAt         time.Time             `db:"created_at" json:"created_at"`
	ExpiresAt         time.Time             `db:"expires_at" json:"expires_at"`
	LastAccessedAt    time.Time             `db:"last_accessed_at" json:"last_accessed_at"`
	TerminatedAt      *time.Time            `db:"terminated_at" json:"terminated_at,omitempty"`
	TerminationReason string                `db:"termination_reason" json:"termination_reason,omitempty"`
}

func (s *Session) IsActiveAt(now time.Time) bool {
	return s.Status == StateSessionEstablished && now.Before(s.ExpiresAt)
}

// UserInfo is the provider profile, unique on (provider, provider_user_id)
type UserInfo struct {
	ProviderUserID          string        `db:"provider_user_id" json:"provider_user_id"`
	Provider                Provider      `db:"provider" json:"provider"`
	UserID                  kernel.UserID `db:"user_id" json:"user_id"`
	Email                   string        `db:"email" json:"email"`
	DisplayName             string        `db:"display_name" json:"display_name"`
	EmailVerified           bool          `db:"email_verified" json:"email_verified"`
	Picture                 string        `db:"picture" json:"picture,omitempty"`
	LastUpdatedFromProvider time.Time     `db:"last_updated_from_provider" json:"last_updated_from_provider"`
}

// ProviderIdentity is what the identity provider asserts about the user
type ProviderIdentity struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
	Picture       string
}

// Complete reports whether the identity carries a stable subject and an email
func (i *ProviderIdentity) Complete() bool {
	return i != nil && strings.TrimSpace(i.Subject) != "" && strings.TrimSpace(i.Email) != ""
}
