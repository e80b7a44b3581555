package oracle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// REQUEST SIGNATURE TESTS
// ============================================================================

func TestSignV2_ExactPayload(t *testing.T) {
	// The v2 payload is "{ts}.{request_id}.{METHOD}.{path}.{body_hash}" —
	// compute it by hand and check SignV2 agrees.
	secret := "oracle-secret"
	bodyHash := HashBody([]byte(`{"amount_micro_usdc":100}`))
	payload := "1756000000.req-1.POST./api/v1/oracle/revenue-events." + bodyHash

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))

	got := SignV2(secret, 1756000000, "req-1", "post", "/api/v1/oracle/revenue-events", bodyHash)
	assert.Equal(t, want, got, "method must be upper-cased into the payload")
}

func TestSignV2_DistinctInputsDistinctSignatures(t *testing.T) {
	base := SignV2("s", 1, "r", "POST", "/p", "h")
	assert.NotEqual(t, base, SignV2("s", 2, "r", "POST", "/p", "h"))
	assert.NotEqual(t, base, SignV2("s", 1, "r2", "POST", "/p", "h"))
	assert.NotEqual(t, base, SignV2("s", 1, "r", "GET", "/p", "h"))
	assert.NotEqual(t, base, SignV2("s", 1, "r", "POST", "/q", "h"))
	assert.NotEqual(t, base, SignV2("other", 1, "r", "POST", "/p", "h"))
}

func TestSignV1_LegacyPayload(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write([]byte("42.deadbeef"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), SignV1("s", 42, "deadbeef"))
}

func TestVerifyHex(t *testing.T) {
	sig := SignV2("s", 1, "r", "POST", "/p", "h")

	assert.True(t, VerifyHex(sig, sig))
	// Case-insensitive on the presented side.
	upper := "" // flip to upper hex
	for _, c := range sig {
		if c >= 'a' && c <= 'f' {
			upper += string(c - 32)
		} else {
			upper += string(c)
		}
	}
	assert.True(t, VerifyHex(sig, upper))

	assert.False(t, VerifyHex(sig, SignV2("other", 1, "r", "POST", "/p", "h")))
	assert.False(t, VerifyHex(sig, "not-hex"))
	assert.False(t, VerifyHex("not-hex", sig))
	assert.False(t, VerifyHex(sig, sig[:10]), "truncated signature must not verify")
}

func TestHashBody(t *testing.T) {
	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), HashBody([]byte("hello")))
	assert.Len(t, HashBody(nil), 64, "empty body still hashes")
}

// ============================================================================
// API KEY HASHING TESTS
// ============================================================================

func TestAPIKey_RoundTrip(t *testing.T) {
	token, err := NewAPIKeyToken()
	require.NoError(t, err)
	assert.Len(t, token, 48, "24 random bytes hex-encoded")

	stored, err := HashAPIKey(token)
	require.NoError(t, err)

	assert.True(t, VerifyAPIKey(token, stored))
	assert.False(t, VerifyAPIKey(token+"x", stored))
	assert.False(t, VerifyAPIKey("", stored))
}

func TestHashAPIKey_Format(t *testing.T) {
	stored, err := HashAPIKey("tok")
	require.NoError(t, err)
	assert.Regexp(t, `^pbkdf2_sha256\$200000\$[0-9a-f]{32}\$[0-9a-f]{64}$`, stored)

	// Two hashes of the same token must differ (random salt).
	again, err := HashAPIKey("tok")
	require.NoError(t, err)
	assert.NotEqual(t, stored, again)
}

func TestVerifyAPIKey_BadStoredFormats(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"bcrypt$10$salt$hash",
		"pbkdf2_sha256$200000$salt",                // too few parts
		"pbkdf2_sha256$0$aa$bb",                    // zero iterations
		"pbkdf2_sha256$-1$aa$bb",                   // negative iterations
		"pbkdf2_sha256$200000$not-hex$deadbeef",    // bad salt
		"pbkdf2_sha256$200000$deadbeef$not-hex",    // bad digest
		"pbkdf2_sha256$abc$deadbeef$deadbeef",      // non-numeric iterations
	}
	for _, stored := range cases {
		assert.False(t, VerifyAPIKey("tok", stored), "stored=%q", stored)
	}
}

func TestLast4(t *testing.T) {
	assert.Equal(t, "beef", Last4("deadbeef"))
	assert.Equal(t, "ab", Last4("ab"))
	assert.Equal(t, "", Last4(""))
}
