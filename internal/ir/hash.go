package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for hashing. Version suffix enables future migration.
const (
	DomainRequest = "ledgerguard/request/v1"
	DomainPayload = "ledgerguard/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BodyHash hashes a request body. JSON bodies are canonicalized first so
// formatting differences do not change the hash; anything else is hashed
// byte for byte.
func BodyHash(body []byte) string {
	if canonical, err := CanonicalizeJSON(body); err == nil {
		return hashWithDomain(DomainPayload, canonical)
	}
	return hashWithDomain(DomainPayload, body)
}

// RequestHash binds a request body to its method, path and acting party.
// An idempotency key reused with a different RequestHash is rejected.
func RequestHash(method, path string, party Party, body []byte) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"method":    method,
		"path":      path,
		"party":     string(party),
		"body_hash": BodyHash(body),
	})
	if err != nil {
		return "", fmt.Errorf("RequestHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRequest, canonical), nil
}

// MustRequestHash is like RequestHash but panics on error.
func MustRequestHash(method, path string, party Party, body []byte) string {
	h, err := RequestHash(method, path, party, body)
	if err != nil {
		panic(err)
	}
	return h
}
