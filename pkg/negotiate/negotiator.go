package negotiate

import (
	"github.com/google/uuid"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/crypto"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
)

// Negotiator builds and validates contracts against a session's intent
// registry and capability ledger.
type Negotiator struct {
	store    *session.Store
	log      *audit.Log
	scorer   Scorer
	verifier crypto.Verifier
}

// New creates a negotiator with the default confidence scorer.
func New(store *session.Store, log *audit.Log) *Negotiator {
	return &Negotiator{store: store, log: log, scorer: ConfidenceScorer{}}
}

// WithScorer injects a capability-match scorer.
func (n *Negotiator) WithScorer(s Scorer) *Negotiator {
	n.scorer = s
	return n
}

// WithVerifier enables cryptographic verification of contract signatures
// at acceptance. Without a verifier, only signature presence is checked.
func (n *Negotiator) WithVerifier(v crypto.Verifier) *Negotiator {
	n.verifier = v
	return n
}

// Propose validates a draft contract and records it as the session's
// pending proposal. A missing capability reference fails with
// capability_mismatch; a requested action no disclosed capability can
// satisfy fails with constraints_unsatisfiable.
func (n *Negotiator) Propose(sessionID string, draft protocol.Contract) (*protocol.Contract, error) {
	var proposed *protocol.Contract
	err := n.store.Update(sessionID, func(s *session.Session) error {
		if s.Phase != protocol.PhaseContract {
			return protocol.Errf(protocol.CodeCapabilityMismatch,
				"contract proposal rejected in phase %s", s.Phase)
		}
		if s.ContractAccepted {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"contract for session %s is already accepted", s.ID)
		}
		if s.Intent == nil {
			return protocol.Errf(protocol.CodeInvalidIntent, "session %s has no recorded intent", s.ID)
		}

		if err := n.validateDraft(s, &draft); err != nil {
			return err
		}

		if draft.ContractID == "" {
			draft.ContractID = uuid.New().String()
		}
		// The intent's constraints bind the contract; a draft may not relax them.
		draft.Constraints = s.Intent.Constraints
		counter := s.Contract != nil
		contract := draft
		s.Contract = &contract
		proposed = &contract

		details := map[string]any{"contract_id": contract.ContractID}
		if counter {
			details["counterproposal"] = true
		}
		if _, err := n.log.Append(audit.KindContractProposed, s.ID, contract.Executors(), details); err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proposed, nil
}

// Counter replaces the pending proposal with a counter-proposal. The
// session stays in the contract phase; intent and capability phases are
// not re-run.
func (n *Negotiator) Counter(sessionID string, draft protocol.Contract) (*protocol.Contract, error) {
	return n.Propose(sessionID, draft)
}

// Accept freezes the pending contract. Approval gating and signature
// completeness are checked here, before anything downstream can bind to
// the contract.
func (n *Negotiator) Accept(sessionID, contractID string) error {
	return n.store.Update(sessionID, func(s *session.Session) error {
		if s.Phase != protocol.PhaseContract {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"contract acceptance rejected in phase %s", s.Phase)
		}
		if s.Contract == nil || s.Contract.ContractID != contractID {
			return protocol.Errf(protocol.CodeCapabilityMismatch,
				"no pending contract %s for session %s", contractID, s.ID)
		}
		if s.ContractAccepted {
			return nil // idempotent: accepting an accepted contract is a no-op
		}
		contract := s.Contract

		if err := n.checkApprovals(s, contract); err != nil {
			return err
		}
		if err := n.checkSignatures(contract); err != nil {
			return err
		}

		s.ContractAccepted = true
		if _, err := n.log.Append(audit.KindContractAccepted, s.ID, contract.Executors(), map[string]any{
			"contract_id": contract.ContractID,
		}); err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
		}
		return nil
	})
}

// Reject aborts the negotiation. No partial rollback of earlier phases
// is attempted. The rejection is recorded only once the abort succeeds,
// so an unknown or already-terminal session leaves the log untouched.
func (n *Negotiator) Reject(sessionID, reason string) error {
	if err := n.store.Abort(sessionID, reason); err != nil {
		return err
	}
	if _, err := n.log.Append(audit.KindContractRejected, sessionID, nil, map[string]string{
		"reason": reason,
	}); err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return nil
}

// validateDraft checks every agreed action against the capability ledger
// and the intent, and verifies the intent's requested actions remain
// satisfiable by the disclosed capabilities.
func (n *Negotiator) validateDraft(s *session.Session, draft *protocol.Contract) error {
	if len(draft.AgreedActions) == 0 {
		return protocol.Errf(protocol.CodeConstraintsUnsatisfiable,
			"draft contract agrees no actions")
	}
	switch draft.Enforcement.Mode {
	case protocol.EnforceStrict, protocol.EnforcePermissive, protocol.EnforceAuditOnly:
	case "":
		draft.Enforcement.Mode = protocol.EnforceStrict
	default:
		return protocol.Errf(protocol.CodeInvalidIntent,
			"unknown enforcement mode %q", draft.Enforcement.Mode)
	}

	for i := range draft.AgreedActions {
		agreed := &draft.AgreedActions[i]
		cap, ok := s.Capability(agreed.CapabilityID)
		if !ok {
			return protocol.Errf(protocol.CodeCapabilityMismatch,
				"agreed action %q references undisclosed capability %s", agreed.Action, agreed.CapabilityID)
		}
		if !capabilityOffers(cap, agreed.Action, agreed.Scope) {
			return protocol.Errf(protocol.CodeCapabilityMismatch,
				"capability %s does not offer action %q in scope %q", cap.CapabilityID, agreed.Action, agreed.Scope)
		}
		if agreed.Executor == "" {
			agreed.Executor = cap.Participant
		}
	}

	// Every requested action must still be coverable by some disclosed
	// capability under the injected scorer.
	ledger := s.Capabilities()
	for _, req := range s.Intent.RequestedActions {
		if len(rank(n.scorer, req, ledger)) == 0 {
			return protocol.Errf(protocol.CodeConstraintsUnsatisfiable,
				"no disclosed capability satisfies requested action %q", req.Action)
		}
	}
	return nil
}

// checkApprovals enforces approval gating: a contract whose intent
// demands a human in the loop, or whose selected capabilities carry
// requires_approval, must record at least one approving decision.
func (n *Negotiator) checkApprovals(s *session.Session, contract *protocol.Contract) error {
	required := s.Intent.Constraints.HumanApprovalRequired
	if !required {
		for _, agreed := range contract.AgreedActions {
			cap, ok := s.Capability(agreed.CapabilityID)
			if !ok {
				continue
			}
			for _, action := range cap.Actions {
				if action.Action == agreed.Action && action.RequiresApproval {
					required = true
				}
			}
		}
	}
	if required && !contract.Approved() {
		return protocol.Errf(protocol.CodeUnauthorisedAction,
			"contract %s requires an approval and none was recorded", contract.ContractID)
	}
	return nil
}

// checkSignatures requires a signature from every participant named in
// agreed_actions, and verifies each one when a verifier is configured.
func (n *Negotiator) checkSignatures(contract *protocol.Contract) error {
	for _, executor := range contract.Executors() {
		sig, ok := contract.Signatures[executor]
		if !ok {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"contract %s is missing a signature from %s", contract.ContractID, executor)
		}
		if n.verifier == nil {
			continue
		}
		ok, err := n.verifier.Verify(unsigned(contract), sig)
		if err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "signature verification unavailable", err)
		}
		if !ok {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"contract %s carries an invalid signature from %s", contract.ContractID, executor)
		}
	}
	return nil
}

// unsigned strips the signature map so every party signs the same bytes.
func unsigned(c *protocol.Contract) protocol.Contract {
	cc := *c
	cc.Signatures = nil
	return cc
}

func capabilityOffers(cap protocol.Capability, action, scope string) bool {
	for _, a := range cap.Actions {
		if a.Action != action {
			continue
		}
		if scope == "" || scope == protocol.ScopeAny {
			return true
		}
		for _, s := range a.Scopes {
			if s == scope || s == protocol.ScopeAny {
				return true
			}
		}
	}
	return false
}
