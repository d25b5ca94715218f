package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/quantrelay/quantrelay/errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body when
// signature auth is enabled.
const SignatureHeader = "X-Webhook-Signature"

// Authenticator checks webhook credentials. Two schemes are supported: a
// shared secret carried in the JSON body, and an optional HMAC signature over
// the raw body for clients that can set headers. Both use constant-time
// comparison.
type Authenticator struct {
	secret           string
	signingSecret    string
	requireSignature bool
}

func NewAuthenticator(secret, signingSecret string, requireSignature bool) *Authenticator {
	return &Authenticator{
		secret:           secret,
		signingSecret:    signingSecret,
		requireSignature: requireSignature,
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(payload []byte, signature, secret string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// GenerateAPIKey produces a hex token from lengthBytes of crypto/rand output,
// for out-of-band credential issuance.
func GenerateAPIKey(lengthBytes int) (string, error) {
	if lengthBytes <= 0 {
		lengthBytes = 32
	}
	buf := make([]byte, lengthBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating api key")
	}
	return hex.EncodeToString(buf), nil
}

// Authenticate checks the alert's shared secret and, when required, the HMAC
// signature over the raw body. Every mismatch returns the same auth failure
// so callers cannot distinguish which check failed.
func (a *Authenticator) Authenticate(alert *Alert, rawBody []byte, signature string) error {
	if a.secret == "" {
		return errors.MarkAuth(errors.New("no webhook secret configured"))
	}
	if subtle.ConstantTimeCompare([]byte(alert.Secret), []byte(a.secret)) != 1 {
		return errors.MarkAuth(errors.New("webhook secret mismatch"))
	}
	if a.requireSignature {
		if signature == "" || !Verify(rawBody, signature, a.signingSecret) {
			return errors.MarkAuth(errors.New("webhook signature mismatch"))
		}
	}
	return nil
}
