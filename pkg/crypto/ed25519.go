package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/icnp-works/icnp-go/pkg/canonical"
	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// AlgEd25519 is the algorithm identifier for the Ed25519 scheme.
const AlgEd25519 = "ed25519"

// Ed25519Signer signs canonical documents with an Ed25519 private key.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	keyID    string
	signerID string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID, signerID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID, signerID: signerID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID, signerID string) *Ed25519Signer {
	return &Ed25519Signer{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		keyID:    keyID,
		signerID: signerID,
	}
}

func (s *Ed25519Signer) KeyID() string    { return s.keyID }
func (s *Ed25519Signer) SignerID() string { return s.signerID }

// PublicKey returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(doc any) (protocol.Signature, error) {
	msg, err := canonical.Marshal(doc)
	if err != nil {
		return protocol.Signature{}, fmt.Errorf("ed25519 sign: %w", err)
	}
	sig := ed25519.Sign(s.priv, msg)
	return newSignature(AlgEd25519, hex.EncodeToString(sig), s.keyID, s.signerID), nil
}

// Verify implements Verifier.
func (s *Ed25519Signer) Verify(doc any, sig protocol.Signature) (bool, error) {
	return verifyEd25519(s.pub, doc, sig)
}

// Ed25519Verifier verifies signatures against a known public key without
// holding private material.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier creates a verifier from a raw public key.
func NewEd25519Verifier(pub []byte) (*Ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pub))
	}
	return &Ed25519Verifier{pub: ed25519.PublicKey(pub)}, nil
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(doc any, sig protocol.Signature) (bool, error) {
	return verifyEd25519(v.pub, doc, sig)
}

func verifyEd25519(pub ed25519.PublicKey, doc any, sig protocol.Signature) (bool, error) {
	if sig.Alg != AlgEd25519 {
		return false, nil
	}
	msg, err := canonical.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("ed25519 verify: %w", err)
	}
	raw, err := hex.DecodeString(sig.Value)
	if err != nil {
		return false, nil
	}
	return ed25519.Verify(pub, msg, raw), nil
}
