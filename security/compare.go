package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// ConstantTimeEqual compares two strings in constant time. Length is leaked
// by definition of the primitive; both inputs here are fixed-length values
// (hashes, base64url tokens of known size).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashToken returns the hex SHA-256 of a credential for at-rest storage.
// Presented credentials are hashed the same way and compared constant-time,
// so the plaintext never needs to be persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash compares a presented credential against a stored hash in
// constant time.
func VerifyTokenHash(presented, storedHash string) bool {
	return ConstantTimeEqual(HashToken(presented), storedHash)
}
