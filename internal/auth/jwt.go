// jwt.go handles owner session token creation, signing, and verification
// using a shared secret, including lazy secret initialization and claims
// parsing. Session tokens are minted only for the single configured owner
// identity after a successful Discord OAuth login.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// jwtSecret holds the validated JWT secret
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// OwnerClaims is the JWT claims structure for owner session tokens.
type OwnerClaims struct {
	DiscordID string `json:"discord_id"`
	jwt.RegisteredClaims
}

// isDevMode checks if we're in development mode.
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")
	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret.
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less secure but functional secret
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ValidateJWTSecret checks that the JWT secret is properly configured.
// In production, this fails if LR_JWT_SECRET is not set. In dev mode, it
// generates a random secret and logs a warning. Call this at application
// startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("LR_JWT_SECRET")

		if secret == "" {
			if isDevMode() {
				jwtSecret = generateRandomSecret()
				slog.Warn("LR_JWT_SECRET not set; using auto-generated secret for development")
				slog.Warn("owner sessions will not survive restarts; set LR_JWT_SECRET for persistent sessions")
			} else {
				jwtSecretErr = errors.New("LR_JWT_SECRET environment variable is required in production. " +
					"Generate a secure secret with: openssl rand -hex 32")
			}
			return
		}

		if len(secret) < 32 {
			slog.Warn("LR_JWT_SECRET is shorter than the recommended 32 characters")
		}

		jwtSecret = secret
	})

	return jwtSecretErr
}

// getJWTSecret retrieves the validated JWT secret, validating lazily if
// startup validation was skipped (tests).
func getJWTSecret() (string, error) {
	if err := ValidateJWTSecret(); err != nil {
		return "", err
	}
	return jwtSecret, nil
}

// GenerateOwnerToken creates a session token binding the owner's Discord ID.
func GenerateOwnerToken(discordID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 12 * time.Hour
	}

	claims := &OwnerClaims{
		DiscordID: discordID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "license-registry",
			Subject:   discordID,
		},
	}

	secret, err := getJWTSecret()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing owner token: %w", err)
	}
	return signed, nil
}

// ValidateOwnerToken parses and verifies a session token, returning its
// claims. Expiry is enforced by the parser.
func ValidateOwnerToken(tokenString string) (*OwnerClaims, error) {
	secret, err := getJWTSecret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OwnerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid owner token")
	}
	return claims, nil
}
