package authinfra

import (
	"github.com/Abraxas-365/authcore/pkg/iam/auth"
	"golang.org/x/crypto/bcrypt"
)

// BcryptPasswordVerifier checks bcrypt password hashes
type BcryptPasswordVerifier struct {
	dummy []byte
}

// NewBcryptPasswordVerifier precomputes a hash at cost so lookups of unknown
// accounts spend the same time as real comparisons
func NewBcryptPasswordVerifier(cost int) (*BcryptPasswordVerifier, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("authcore-dummy-password"), cost)
	if err != nil {
		return nil, err
	}
	return &BcryptPasswordVerifier{dummy: dummy}, nil
}

var _ auth.PasswordVerifier = (*BcryptPasswordVerifier)(nil)

func (v *BcryptPasswordVerifier) Compare(hash, password string) bool {
	if hash == "" {
		v.CompareDummy(password)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (v *BcryptPasswordVerifier) CompareDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(password))
}

// HashPassword returns a bcrypt hash suitable for users.password_hash
func HashPassword(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
