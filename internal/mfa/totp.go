package mfa

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// CodeSource abstracts the one-time-password algorithm so the implementation
// can be swapped without touching calling code.
type CodeSource interface {
	// GenerateSecret returns a fresh shared secret and the provisioning URI
	// understood by standard authenticator apps.
	GenerateSecret(issuer, account string) (secret, uri string, err error)
	// Validate checks a submitted code against the secret at the given time,
	// tolerating one 30-second step of clock drift in either direction.
	Validate(secret, code string, at time.Time) bool
}

// totpSource implements CodeSource on the RFC 6238 algorithm: HMAC-SHA1 over
// the big-endian time-step counter, dynamic truncation, six decimal digits.
type totpSource struct{}

// NewTOTPSource returns the default CodeSource.
func NewTOTPSource() CodeSource {
	return totpSource{}
}

const totpSecretBytes = 20

func (totpSource) GenerateSecret(issuer, account string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		SecretSize:  totpSecretBytes,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func (totpSource) Validate(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
