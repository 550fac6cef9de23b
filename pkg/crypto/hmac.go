package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/icnp-works/icnp-go/pkg/canonical"
	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// AlgHMACSHA256 is the algorithm identifier for the shared-secret scheme.
const AlgHMACSHA256 = "hmac-sha256"

// HMACSigner signs canonical documents with HMAC-SHA256 and a shared
// secret. It implements both Signer and Verifier.
type HMACSigner struct {
	secret   []byte
	keyID    string
	signerID string
}

// NewHMACSigner creates a signer for the given shared secret.
func NewHMACSigner(secret []byte, keyID, signerID string) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hmac signer requires a non-empty secret")
	}
	return &HMACSigner{secret: secret, keyID: keyID, signerID: signerID}, nil
}

func (s *HMACSigner) KeyID() string    { return s.keyID }
func (s *HMACSigner) SignerID() string { return s.signerID }

// Sign implements Signer.
func (s *HMACSigner) Sign(doc any) (protocol.Signature, error) {
	msg, err := canonical.Marshal(doc)
	if err != nil {
		return protocol.Signature{}, fmt.Errorf("hmac sign: %w", err)
	}
	return newSignature(AlgHMACSHA256, s.mac(msg), s.keyID, s.signerID), nil
}

// Verify implements Verifier using a constant-time comparison.
func (s *HMACSigner) Verify(doc any, sig protocol.Signature) (bool, error) {
	if sig.Alg != AlgHMACSHA256 {
		return false, nil
	}
	msg, err := canonical.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("hmac verify: %w", err)
	}
	return hmac.Equal([]byte(sig.Value), []byte(s.mac(msg))), nil
}

func (s *HMACSigner) mac(msg []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write(msg)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
