// Package oracle implements the authenticated oracle surface: request
// signing primitives, the HMAC request gate middleware, and PBKDF2 hashing
// for agent API keys.
package oracle

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the work factor for agent API-key hashing.
const PBKDF2Iterations = 200_000

// HashBody returns the lowercase hex SHA-256 of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignV2 computes the v2 oracle request signature over the exact payload
// "{ts}.{request_id}.{METHOD}.{path}.{body_hash}".
func SignV2(secret string, ts int64, requestID, method, path, bodyHash string) string {
	payload := fmt.Sprintf("%d.%s.%s.%s.%s", ts, requestID, strings.ToUpper(method), path, bodyHash)
	return signHex(secret, payload)
}

// SignV1 computes the legacy signature "{ts}.{body_hash}". Verified only
// when the operator has enabled legacy fallback.
func SignV1(secret string, ts int64, bodyHash string) string {
	return signHex(secret, fmt.Sprintf("%d.%s", ts, bodyHash))
}

func signHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHex compares two hex signatures in constant time.
func VerifyHex(expected, got string) bool {
	eb, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	gb, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	return hmac.Equal(eb, gb)
}

// HashAPIKey derives a storable hash for an agent API-key token in the
// format "pbkdf2_sha256$iterations$salt_hex$derived_hex".
func HashAPIKey(token string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, PBKDF2Iterations, 32, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s",
		PBKDF2Iterations, hex.EncodeToString(salt), hex.EncodeToString(derived)), nil
}

// VerifyAPIKey checks a presented token against a stored hash using a
// constant-time comparison. Unknown formats verify as false, not error,
// so a corrupted credential row cannot be brute-forced by oracle.
func VerifyAPIKey(token, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(token), salt, iterations, len(want), sha256.New)
	return hmac.Equal(want, got)
}

// NewAPIKeyToken mints a random token; the caller persists only its hash
// and the last four characters for operator display.
func NewAPIKeyToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Last4 returns the display suffix of a token.
func Last4(token string) string {
	if len(token) < 4 {
		return token
	}
	return token[len(token)-4:]
}
