// Package auth provides the authentication primitives for the license
// registry: the shared-secret predicate guarding privileged endpoints, and
// owner session JWTs minted after a Discord OAuth login. See
// internal/middleware/auth.go for the request-time logic that uses these.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecretChecker reports whether a presented credential is the configured
// administrative shared secret. It is the "is this caller authorized"
// predicate handed to the privileged middleware.
type SecretChecker func(credential string) bool

// NewSecretChecker builds a SecretChecker from the configured secret. When a
// bcrypt hash is supplied it takes precedence, so deployments can keep the
// plaintext secret out of their environment entirely. With neither set, the
// checker rejects everything.
func NewSecretChecker(plain, bcryptHash string) SecretChecker {
	if bcryptHash != "" {
		hash := []byte(bcryptHash)
		return func(credential string) bool {
			if credential == "" {
				return false
			}
			return bcrypt.CompareHashAndPassword(hash, []byte(credential)) == nil
		}
	}
	if plain != "" {
		secret := []byte(plain)
		return func(credential string) bool {
			// Constant-time comparison; a plain == leaks the match length
			// through timing.
			return subtle.ConstantTimeCompare(secret, []byte(credential)) == 1
		}
	}
	return func(string) bool { return false }
}

// ExtractBearer extracts the credential from an Authorization header.
// A bare credential without the "Bearer " prefix is accepted for
// compatibility with existing issuing tooling.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	credential := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if credential == "" {
		return "", errors.New("credential is empty after Bearer prefix")
	}
	return credential, nil
}
