// Package mfa validates time-based one-time passwords for the two-factor login step.
package mfa

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Verifier checks a TOTP code against a base32 shared secret.
type Verifier struct {
	opts totp.ValidateOpts
	nowF func() time.Time
}

// NewVerifier returns a Verifier for 6-digit SHA1 codes with a 30s period, accepting one step of clock skew.
func NewVerifier() *Verifier {
	return &Verifier{
		opts: totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
		nowF: time.Now,
	}
}

// Verify reports whether code is valid for secret now. Malformed secrets or codes are simply invalid.
func (v *Verifier) Verify(secret, code string) bool {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, v.nowF().UTC(), v.opts)
	return err == nil && ok
}

// GenerateSecret creates a new TOTP key for account; the key's URL can be rendered as a QR code for enrolment.
func GenerateSecret(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}
