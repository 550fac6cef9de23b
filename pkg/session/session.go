// Package session owns per-session negotiation state: the phase machine,
// the participant set, the seen-message set, and the session-scoped
// intent registry and capability ledger.
//
// Registries are deliberately not process-global; each lives inside its
// Session and is reachable only through the Store, so state can never
// leak across sessions.
package session

import (
	"time"

	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// Session is one negotiation lifecycle. All mutation happens under the
// owning Store's per-session lock (single-writer discipline); Session
// methods must only be called from inside Store.Update or the Store's
// own mutators.
type Session struct {
	ID           string
	Phase        protocol.Phase
	Participants map[string]protocol.Actor
	CreatedAt    time.Time
	Deadline     time.Time

	// Negotiation artifacts. Intent is immutable once recorded; the
	// contract freezes on acceptance; the token is issued at most once.
	Intent           *protocol.Intent
	Contract         *protocol.Contract
	ContractAccepted bool
	Token            *protocol.ExecutionToken

	// Per-actor invocation counts for the issued token.
	InvocationsByActor map[string]int

	seen           map[string]struct{}
	capabilities   []protocol.Capability
	capabilityByID map[string]int
}

func newSession(id string, initiator protocol.Actor, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:                 id,
		Phase:              protocol.PhaseIntent,
		Participants:       map[string]protocol.Actor{initiator.ID: initiator},
		CreatedAt:          now,
		Deadline:           now.Add(ttl),
		InvocationsByActor: make(map[string]int),
		seen:               make(map[string]struct{}),
		capabilityByID:     make(map[string]int),
	}
}

// AddParticipant records an actor as part of the session.
func (s *Session) AddParticipant(a protocol.Actor) {
	s.Participants[a.ID] = a
}

// MarkSeen inserts a message id into the seen set. It returns false when
// the id was already present, which callers treat as a re-delivery.
func (s *Session) MarkSeen(messageID string) bool {
	if _, dup := s.seen[messageID]; dup {
		return false
	}
	s.seen[messageID] = struct{}{}
	return true
}

// Seen reports whether a message id has been recorded for this session.
func (s *Session) Seen(messageID string) bool {
	_, ok := s.seen[messageID]
	return ok
}

// RecordIntent validates and records the session intent. The intent is
// immutable: a second record attempt fails.
func (s *Session) RecordIntent(intent protocol.Intent) error {
	if s.Intent != nil {
		return protocol.Errf(protocol.CodeInvalidIntent, "intent already recorded for session %s", s.ID)
	}
	if intent.Goal == "" {
		return protocol.Errf(protocol.CodeInvalidIntent, "intent is missing goal")
	}
	if len(intent.RequestedActions) == 0 {
		return protocol.Errf(protocol.CodeInvalidIntent, "intent declares no requested actions")
	}
	// A zero risk tolerance without a human in the loop is contradictory.
	if intent.Constraints.RiskTolerance == protocol.RiskNone && !intent.Constraints.HumanApprovalRequired {
		return protocol.Errf(protocol.CodeInvalidIntent,
			"risk_tolerance=none requires human_approval_required=true")
	}
	s.Intent = &intent
	return nil
}

// Disclose appends a capability to the session ledger. Disclosure is
// rejected once the contract phase has begun, and previously disclosed
// capabilities are never retracted within a session.
func (s *Session) Disclose(participant string, cap protocol.Capability) error {
	switch s.Phase {
	case protocol.PhaseIntent, protocol.PhaseCapability:
	default:
		return protocol.Errf(protocol.CodeCapabilityMismatch,
			"capability disclosure rejected in phase %s", s.Phase)
	}
	if cap.CapabilityID == "" {
		return protocol.Errf(protocol.CodeCapabilityMismatch, "capability has no capability_id")
	}
	if _, exists := s.capabilityByID[cap.CapabilityID]; exists {
		return protocol.Errf(protocol.CodeCapabilityMismatch,
			"capability %s already disclosed", cap.CapabilityID)
	}
	cap.Participant = participant
	s.capabilityByID[cap.CapabilityID] = len(s.capabilities)
	s.capabilities = append(s.capabilities, cap)
	return nil
}

// Capability looks up a disclosed capability by id.
func (s *Session) Capability(capabilityID string) (protocol.Capability, bool) {
	i, ok := s.capabilityByID[capabilityID]
	if !ok {
		return protocol.Capability{}, false
	}
	return s.capabilities[i], true
}

// Capabilities returns the ledger in disclosure order. The slice is a
// copy; the ledger itself is append-only.
func (s *Session) Capabilities() []protocol.Capability {
	out := make([]protocol.Capability, len(s.capabilities))
	copy(out, s.capabilities)
	return out
}

// Terminal reports whether the session is in a terminal phase.
func (s *Session) Terminal() bool {
	return s.Phase.Terminal()
}
