package auth

import (
	"time"

	"github.com/Abraxas-365/authcore/pkg/kernel"
)

type LoginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`

	// ReturnToken asks for the raw token in the body, for clients that send
	// bearer headers instead of cookies
	ReturnToken bool `json:"return_token"`
}

type LoginResponse struct {
	User      SessionUser `json:"user"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Token     string      `json:"token,omitempty"`
}

type SessionUser struct {
	ID             kernel.UserID         `json:"id"`
	OrganizationID kernel.OrganizationID `json:"organizationId"`
	Email          string                `json:"email,omitempty"`
	Name           string                `json:"name,omitempty"`
	Role           string                `json:"role,omitempty"`
}

type SessionDetails struct {
	ExpiresAt    time.Time `json:"expiresAt"`
	ActiveTokens int       `json:"activeTokens"`
}

type SessionResponse struct {
	IsAuthenticated bool            `json:"isAuthenticated"`
	User            *SessionUser    `json:"user,omitempty"`
	Session         *SessionDetails `json:"session,omitempty"`
}

type CallbackResponse struct {
	User      SessionUser `json:"user"`
	ExpiresAt time.Time   `json:"expiresAt"`
	SessionID string      `json:"sessionId"`
	Created   bool        `json:"created"`
}

type PermissionQuery struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type PermissionCheckBody struct {
	Permissions []PermissionQuery `json:"permissions"`
}

type PermissionCheckResult struct {
	Resource      string `json:"resource"`
	Action        string `json:"action"`
	HasPermission bool   `json:"hasPermission"`
}

type PermissionCheckResponse struct {
	Results []PermissionCheckResult `json:"results"`
}

type UpdatePermissionsBody struct {
	Permissions []string `json:"permissions"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}
