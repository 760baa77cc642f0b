// Package signing verifies GitHub webhook deliveries. GitHub signs each
// request body with HMAC-SHA256 and sends it as "sha256=<hex>" in the
// X-Hub-Signature-256 header.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header is the request header carrying the signature.
const Header = "X-Hub-Signature-256"

const prefix = "sha256="

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the header value GitHub would send for body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one. An empty
// secret never validates.
func (s *Signer) Validate(body []byte, signature string) bool {
	if len(s.secret) == 0 || !strings.HasPrefix(signature, prefix) {
		return false
	}
	// hmac.Equal is constant time.
	return hmac.Equal([]byte(s.Sign(body)), []byte(signature))
}
