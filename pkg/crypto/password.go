package crypto

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes plaintext using bcrypt.
func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// VerifyPassword compares a candidate against the configured secret.
// The secret may be a bcrypt hash or a literal; literals are compared in
// constant time.
func VerifyPassword(secret, candidate string) bool {
	if secret == "" {
		return false
	}
	if strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(candidate)) == 1
}
