package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
)

// VerifierBytes is the entropy behind a code verifier (43 encoded chars)
const VerifierBytes = 32

// NewCodeVerifier returns a high entropy verifier per RFC 7636
func NewCodeVerifier() (string, error) {
	return randomString(rand.Reader, VerifierBytes)
}

// NewState returns an unguessable state value
func NewState() (string, error) {
	return randomString(rand.Reader, 32)
}

func randomString(r io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// S256Challenge derives base64url(SHA-256(verifier))
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyChallenge checks a presented verifier against the stored challenge
func VerifyChallenge(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
