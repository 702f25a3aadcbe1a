package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/google/uuid"
)

const (
	// SecretBytes is the entropy of the secret half of a token
	SecretBytes = 32
	// SaltBytes is the per-token salt length
	SaltBytes = 16
)

var secretLen = base64.RawURLEncoding.EncodedLen(SecretBytes)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("TOKEN")

var (
	CodeInvalid          = ErrRegistry.Register("INVALID", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid or expired token")
	CodeNotFound         = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Token not found")
	CodeIssuanceFailed   = ErrRegistry.Register("ISSUANCE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Could not issue token")
	CodeStoreUnavailable = ErrRegistry.Register("STORE_UNAVAILABLE", errx.TypeInternal, http.StatusServiceUnavailable, "Token store unavailable")
)

func ErrInvalid() *errx.Error {
	return ErrRegistry.New(CodeInvalid)
}

func ErrNotFound() *errx.Error {
	return ErrRegistry.New(CodeNotFound)
}

// ============================================================================
// Domain
// ============================================================================

// Metadata is the persisted record of an issued token. The raw token is
// never stored.
type Metadata struct {
	ID             string                `db:"id" json:"id"`
	TokenHash      string                `db:"token_hash" json:"-"`
	Salt           string                `db:"salt" json:"-"`
	UserID         kernel.UserID         `db:"user_id" json:"user_id"`
	OrganizationID kernel.OrganizationID `db:"organization_id" json:"organization_id"`
	Provider       string                `db:"provider" json:"provider"`
	IssuedAt       time.Time             `db:"issued_at" json:"issued_at"`
	ExpiresAt      time.Time             `db:"expires_at" json:"expires_at"`
	SourceIP       string                `db:"source_ip" json:"source_ip,omitempty"`
	UserAgent      string                `db:"user_agent" json:"user_agent,omitempty"`
	RevokedAt      *time.Time            `db:"revoked_at" json:"revoked_at,omitempty"`
}

func (m *Metadata) IsRevoked() bool {
	return m.RevokedAt != nil
}

func (m *Metadata) IsExpiredAt(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// IsValidAt reports whether the token may authenticate a request at now
func (m *Metadata) IsValidAt(now time.Time) bool {
	return !m.IsRevoked() && !m.IsExpiredAt(now)
}

// Principal derives the request principal bound to this token
func (m *Metadata) Principal() *kernel.Principal {
	return &kernel.Principal{
		UserID:         m.UserID,
		OrganizationID: m.OrganizationID,
		SessionID:      kernel.SessionID(m.ID),
		Provider:       m.Provider,
		ExpiresAt:      m.ExpiresAt,
	}
}

// IssueRequest describes a token to mint
type IssueRequest struct {
	UserID         kernel.UserID
	OrganizationID kernel.OrganizationID
	Provider       string
	SourceIP       string
	UserAgent      string
}

// Issued is returned exactly once to the caller; Token is the raw credential
type Issued struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// ============================================================================
// Wire format
// ============================================================================

// Format joins id and secret into the raw token
func Format(id, secret string) string {
	return id + "." + secret
}

// Split parses "<uuid>.<secret>". Any deviation reports ok=false so callers
// can reject garbage without touching storage.
func Split(raw string) (id, secret string, ok bool) {
	id, secret, found := strings.Cut(raw, ".")
	if !found || len(secret) != secretLen {
		return "", "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	if _, err := base64.RawURLEncoding.DecodeString(secret); err != nil {
		return "", "", false
	}
	return id, secret, true
}

// Hash returns hex(SHA-256(salt || raw)) for a hex encoded salt
func Hash(salt, raw string) string {
	b, err := hex.DecodeString(salt)
	if err != nil {
		b = []byte(salt)
	}
	h := sha256.New()
	h.Write(b)
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// NewSalt reads SaltBytes from r and returns them hex encoded, the form the
// salt is persisted in
func NewSalt(r io.Reader) (string, error) {
	b := make([]byte, SaltBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
