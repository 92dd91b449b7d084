// Package signature provides the detached-signature verification capability
// used when ingesting secondary-metadata archives.
package signature

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Verifier checks a detached signature over a payload.
type Verifier interface {
	// Verify returns an error unless signature is a valid detached signature
	// of data by a trusted key.
	Verify(data, signature []byte) error
}

// Noop accepts everything. Used when verification is disabled.
type Noop struct{}

// Verify implements Verifier.
func (Noop) Verify(_, _ []byte) error { return nil }

// keyringVerifier verifies armored detached signatures against a fixed
// keyring.
type keyringVerifier struct {
	keyring openpgp.EntityList
}

// NewKeyringVerifier loads an armored keyring file and returns a verifier
// trusting the keys it contains.
func NewKeyringVerifier(keyringPath string) (Verifier, error) {
	raw, err := os.ReadFile(keyringPath)
	if err != nil {
		return nil, fmt.Errorf("reading keyring %s: %w", keyringPath, err)
	}
	return NewKeyringVerifierFromBytes(raw)
}

// NewKeyringVerifierFromBytes builds a verifier from armored keyring bytes.
func NewKeyringVerifierFromBytes(raw []byte) (Verifier, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring contains no keys")
	}
	return &keyringVerifier{keyring: keyring}, nil
}

// Verify implements Verifier.
func (v *keyringVerifier) Verify(data, sig []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	if err == nil {
		return nil
	}
	if _, plainErr := openpgp.CheckDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); plainErr == nil {
		return nil
	}
	return fmt.Errorf("signature verification failed: %w", err)
}
