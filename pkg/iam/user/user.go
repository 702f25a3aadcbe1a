package user

import (
	"context"
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

var ErrRegistry = errx.NewRegistry("USER")

var (
	CodeNotFound   = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "User not found")
	CodeInactive   = ErrRegistry.Register("INACTIVE", errx.TypeBusiness, http.StatusForbidden, "User is inactive")
	CodeEmailInUse = ErrRegistry.Register("EMAIL_IN_USE", errx.TypeConflict, http.StatusConflict, "Email is already registered with another sign-in method")
)

func ErrNotFound() *errx.Error {
	return ErrRegistry.New(CodeNotFound)
}

func ErrInactive() *errx.Error {
	return ErrRegistry.New(CodeInactive)
}

func ErrEmailInUse() *errx.Error {
	return ErrRegistry.New(CodeEmailInUse)
}

// User is the slice of the account record authentication needs. Each user
// belongs to exactly one home organization.
type User struct {
	ID             kernel.UserID         `db:"id" json:"id"`
	OrganizationID kernel.OrganizationID `db:"organization_id" json:"organization_id"`
	Email          string                `db:"email" json:"email"`
	Name           string                `db:"name" json:"name"`
	IsActive       bool                  `db:"is_active" json:"is_active"`
	CreatedAt      time.Time             `db:"created_at" json:"created_at"`
}

// Credentials pairs a user with its password hash for password login
type Credentials struct {
	User
	PasswordHash string `db:"password_hash"`
}

// IdentityRequest identifies an external account by provider and subject
type IdentityRequest struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// Directory is the user store the auth engine consults. Identities are
// matched on (provider, subject), never on email.
type Directory interface {
	FindOrCreateByProviderIdentity(ctx context.Context, req IdentityRequest) (u *User, created bool, err error)
	FindByID(ctx context.Context, id kernel.UserID) (*User, error)
	FindCredentialsByEmail(ctx context.Context, email string) (*Credentials, error)
}
