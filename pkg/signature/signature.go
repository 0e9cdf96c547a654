// Package signature verifies HMAC-SHA256 signatures of webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Header carries the signature of the raw request body.
const Header = "X-Signature-256"

const prefix = "sha256="

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingSecret    = errors.New("webhook secret is not configured")
)

// Sign returns the header value for body, in the sha256=<hex> form.
func Sign(secret, body []byte) string {
	return prefix + hex.EncodeToString(mac(secret, body))
}

// Verify checks header against the HMAC-SHA256 of body. The header may be
// sha256=<hex> or bare hex. The comparison is constant time.
func Verify(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}

	value := strings.TrimSpace(header)
	if len(value) >= len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		value = value[len(prefix):]
	}

	if value == "" {
		return ErrInvalidSignature
	}

	given, err := hex.DecodeString(value)
	if err != nil {
		return ErrInvalidSignature
	}

	if !hmac.Equal(given, mac(secret, body)) {
		return ErrInvalidSignature
	}

	return nil
}

func mac(secret, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(body)

	return h.Sum(nil)
}
