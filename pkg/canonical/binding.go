package canonical

import (
	"fmt"

	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// HashDocument computes the sha256 hash envelope for a document's
// canonical form.
func HashDocument(v any) (protocol.Hash, error) {
	hexDigest, err := HashHex(v)
	if err != nil {
		return protocol.Hash{}, fmt.Errorf("canonical: hash failed: %w", err)
	}
	return protocol.Hash{Alg: "sha256", Value: hexDigest}, nil
}

// BindingHashes computes the three binding hashes embedded in an
// execution token. Capabilities must be passed in disclosure order so the
// hash is stable for a given session history.
func BindingHashes(intent *protocol.Intent, contract *protocol.Contract, capabilities []protocol.Capability) (protocol.Binding, error) {
	intentHash, err := HashDocument(intent)
	if err != nil {
		return protocol.Binding{}, err
	}
	contractHash, err := HashDocument(contract)
	if err != nil {
		return protocol.Binding{}, err
	}
	capsHash, err := HashDocument(capabilities)
	if err != nil {
		return protocol.Binding{}, err
	}
	return protocol.Binding{
		IntentHash:       intentHash,
		ContractHash:     contractHash,
		CapabilitiesHash: capsHash,
	}, nil
}
