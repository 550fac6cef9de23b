// Package protocol defines the ICNP wire types shared by every other
// package: the message envelope, the negotiation artifacts (intent,
// capability, contract, execution token), and the protocol error codes.
//
// Nothing in this package interprets payloads; opaque fields are carried
// as raw JSON so relays preserve them byte-for-byte.
package protocol

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the protocol version this implementation speaks.
const Version = "1.0"

// versionConstraint accepts any 1.x envelope.
var versionConstraint = mustConstraint("~1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CompatibleVersion reports whether an envelope's icnp_version can be
// processed by this core. Versions are compared as semver; a bare
// major.minor like "1.0" is accepted.
func CompatibleVersion(v string) error {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("unparseable icnp_version %q: %w", v, err)
	}
	if !versionConstraint.Check(parsed) {
		return fmt.Errorf("unsupported icnp_version %q, this core speaks %s", v, Version)
	}
	return nil
}

// Phase identifies where a session (or a message) sits in the
// negotiation lifecycle.
type Phase string

const (
	PhaseIntent     Phase = "intent"
	PhaseCapability Phase = "capability"
	PhaseContract   Phase = "contract"
	PhaseToken      Phase = "token"
	PhaseExecution  Phase = "execution"
	PhaseCompleted  Phase = "completed"
	PhaseAborted    Phase = "aborted"
	PhaseExpired    Phase = "expired"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseAborted, PhaseExpired:
		return true
	}
	return false
}

// MessageType identifies the kind of an envelope.
type MessageType string

const (
	TypeIntentDeclaration       MessageType = "intent_declaration"
	TypeCapabilityDisclosure    MessageType = "capability_disclosure"
	TypeContractProposal        MessageType = "contract_proposal"
	TypeContractCounterProposal MessageType = "contract_counterproposal"
	TypeContractAcceptance      MessageType = "contract_acceptance"
	TypeContractRejection       MessageType = "contract_rejection"
	TypeExecutionToken          MessageType = "execution_token"
	TypeExecutionRequest        MessageType = "execution_request"
	TypeExecutionResult         MessageType = "execution_result"
	TypeAuditEvent              MessageType = "audit_event"
	TypeError                   MessageType = "error"
)

// KnownType reports whether t is a message type defined by the protocol.
func KnownType(t MessageType) bool {
	switch t {
	case TypeIntentDeclaration, TypeCapabilityDisclosure,
		TypeContractProposal, TypeContractCounterProposal,
		TypeContractAcceptance, TypeContractRejection,
		TypeExecutionToken, TypeExecutionRequest, TypeExecutionResult,
		TypeAuditEvent, TypeError:
		return true
	}
	return false
}

// Role classifies a protocol participant.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleAgent        Role = "agent"
	RoleTool         Role = "tool"
	RoleService      Role = "service"
	RoleUser         Role = "user"
)

// KnownRole reports whether r is a role defined by the protocol.
func KnownRole(r Role) bool {
	switch r {
	case RoleOrchestrator, RoleAgent, RoleTool, RoleService, RoleUser:
		return true
	}
	return false
}
