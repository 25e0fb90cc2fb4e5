package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"time"
)

const (
	testIssuer   = "rdp-test"
	testAudience = "rdp-admin-api"
)

// NewTestTokenProvider returns an ES256 TokenProvider over a freshly generated
// P-256 key. Tokens from one provider do not validate against another.
// For tests only.
func NewTestTokenProvider() (*TokenProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewTokenProvider(key, key.Public(), testIssuer, testAudience, 15*time.Minute), nil
}
