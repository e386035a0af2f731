package wire

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
)

// SignableBody is any conversation-request payload that can render a
// canonical byte form for signing, excluding its own signature field.
type SignableBody interface {
	CanonicalBytes() ([]byte, error)
}

// SignBody signs the canonical bytes of body with the server's Ed25519
// private key.
func SignBody(priv ed25519.PrivateKey, body SignableBody) ([]byte, error) {
	canon, err := body.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("canonicalize body: %w", err)
	}
	return ed25519.Sign(priv, canon), nil
}

// VerifySignedBody verifies sig over body's canonical bytes against pub.
func VerifySignedBody(pub ed25519.PublicKey, body SignableBody, sig []byte) error {
	canon, err := body.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("canonicalize body: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pub))
	}
	if !ed25519.Verify(pub, canon, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// ConstantTimeEqual compares two byte slices for equality without
// leaking timing information about the position of the first mismatch,
// used to compare echoed challenges.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
