// Package auth implements the per-connection token handshake. Tokens are
// derived from a shared secret and a connection-unique nonce exported
// from the TLS handshake, so a captured token is useless on any other
// connection.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/quicrelay/quicrelay/internal/protocol"
)

// NonceSize is the number of keying-material bytes exported per connection.
const NonceSize = 32

// ExportLabel is the TLS exporter label used to derive the nonce.
const ExportLabel = "quicrelay token"

// maxPasswordSize is the keyed-BLAKE2b key size limit.
const maxPasswordSize = 64

var (
	// ErrAuthenticationFailed is returned when a received token matches
	// no configured secret. Connection-fatal.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotAuthenticated is returned when a command arrives before the
	// gate has been confirmed. Connection-fatal.
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrReauthentication is returned when an Authenticate command
	// arrives on an already-confirmed connection. Connection-fatal.
	ErrReauthentication = errors.New("duplicate authentication")

	// ErrSecretInvalid is returned for secrets that cannot key the hash.
	ErrSecretInvalid = errors.New("invalid secret")
)

// Secret is one shared credential: a stable identifier plus a password.
type Secret struct {
	ID       string
	Password string
}

// Validate checks the secret can be used for token derivation.
func (s Secret) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrSecretInvalid)
	}
	if s.Password == "" {
		return fmt.Errorf("%w: empty password", ErrSecretInvalid)
	}
	if len(s.Password) > maxPasswordSize {
		return fmt.Errorf("%w: password exceeds %d bytes", ErrSecretInvalid, maxPasswordSize)
	}
	return nil
}

// Token derives the authentication token for a secret and a
// connection-unique nonce. The derivation is a keyed BLAKE2b-256 digest:
// the password keys the hash, the nonce and identifier are absorbed.
func Token(secret Secret, nonce []byte) ([protocol.TokenSize]byte, error) {
	var token [protocol.TokenSize]byte

	if err := secret.Validate(); err != nil {
		return token, err
	}

	h, err := blake2b.New256([]byte(secret.Password))
	if err != nil {
		return token, fmt.Errorf("%w: %v", ErrSecretInvalid, err)
	}
	h.Write(nonce)
	h.Write([]byte(secret.ID))
	copy(token[:], h.Sum(nil))
	return token, nil
}

// Verify recomputes the token for a secret and compares in constant
// time, so timing reveals nothing about how far a forged token matched.
func Verify(received [protocol.TokenSize]byte, secret Secret, nonce []byte) bool {
	expected, err := Token(secret, nonce)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(received[:], expected[:]) == 1
}

// VerifyAny checks a received token against every configured secret and
// returns the matching identifier. Every secret is tried even after a
// match so the comparison count does not depend on which user connected.
func VerifyAny(received [protocol.TokenSize]byte, secrets []Secret, nonce []byte) (string, bool) {
	matched := ""
	ok := false
	for _, s := range secrets {
		if Verify(received, s, nonce) {
			matched = s.ID
			ok = true
		}
	}
	return matched, ok
}
