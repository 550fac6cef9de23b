// Package crypto provides the signing and verification strategies
// injected into the token issuer and the contract negotiator.
//
// The protocol does not mandate a cryptographic scheme; both an
// HMAC-SHA256 scheme (shared-secret deployments) and an Ed25519 scheme
// are provided, and integrators may supply their own.
package crypto

import (
	"time"

	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// Signer signs the canonical form of a document.
type Signer interface {
	// Sign returns a detached signature over the canonical bytes of doc.
	Sign(doc any) (protocol.Signature, error)
	// KeyID identifies the signing key.
	KeyID() string
	// SignerID identifies the signing party, recorded as signed_by.
	SignerID() string
}

// Verifier checks a detached signature over a document.
type Verifier interface {
	// Verify reports whether sig is a valid signature over the canonical
	// bytes of doc. A malformed signature is a false result, not an error;
	// errors are reserved for collaborator failures.
	Verify(doc any, sig protocol.Signature) (bool, error)
}

func newSignature(alg, value, keyID, signerID string) protocol.Signature {
	return protocol.Signature{
		Alg:      alg,
		Value:    value,
		KeyID:    keyID,
		SignedBy: signerID,
		SignedAt: time.Now().UTC().Truncate(time.Second),
	}
}
