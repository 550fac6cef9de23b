// Package token implements the execution-token issuer: binding an
// accepted contract to a signed, time-limited, invocation-limited token.
package token

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/canonical"
	"github.com/icnp-works/icnp-go/pkg/crypto"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
)

// Issuer issues execution tokens for accepted contracts and validates
// them afterwards. Token TTL and default invocation limits are
// deployment parameters.
type Issuer struct {
	store    *session.Store
	log      *audit.Log
	signer   crypto.Signer
	verifier crypto.Verifier
	ttl      time.Duration
	limits   protocol.Limits
	clock    func() time.Time

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewIssuer creates an issuer. The signer signs every issued token; the
// verifier is used by Validate. defaultLimits applies when a session's
// contract does not override limits.
func NewIssuer(store *session.Store, log *audit.Log, signer crypto.Signer, verifier crypto.Verifier, ttl time.Duration, defaultLimits protocol.Limits) *Issuer {
	return &Issuer{
		store:    store,
		log:      log,
		signer:   signer,
		verifier: verifier,
		ttl:      ttl,
		limits:   defaultLimits,
		clock:    time.Now,
		revoked:  make(map[string]struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue mints the session's execution token. Preconditions: the session
// is in the contract phase and its contract has been accepted with any
// required approvals. On success the session advances to the token phase
// and the token's invocation counters start at zero.
func (i *Issuer) Issue(sessionID string) (*protocol.ExecutionToken, error) {
	var issued *protocol.ExecutionToken
	err := i.store.Update(sessionID, func(s *session.Session) error {
		if s.Token != nil {
			return protocol.Errf(protocol.CodeTokenInvalid,
				"session %s already holds token %s", s.ID, s.Token.TokenID)
		}
		if s.Phase != protocol.PhaseContract || s.Contract == nil || s.Intent == nil {
			return protocol.Errf(protocol.CodeTokenInvalid,
				"session %s is not ready for token issuance (phase %s)", s.ID, s.Phase)
		}
		// Approval gating is re-checked at issuance so an unapproved
		// contract can never be laundered into a token.
		if requiresApproval(s) && !s.Contract.Approved() {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"contract %s requires an approval and none was recorded", s.Contract.ContractID)
		}
		if !s.ContractAccepted {
			return protocol.Errf(protocol.CodeTokenInvalid,
				"contract %s is not accepted", s.Contract.ContractID)
		}

		binding, err := canonical.BindingHashes(s.Intent, s.Contract, s.Capabilities())
		if err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "binding hash computation failed", err)
		}

		now := i.clock().UTC()
		tok := protocol.ExecutionToken{
			TokenID:    uuid.New().String(),
			SessionID:  s.ID,
			ContractID: s.Contract.ContractID,
			Validity: protocol.Validity{
				NotBefore: now,
				NotAfter:  now.Add(i.ttl),
			},
			Limits:  i.limits,
			Binding: binding,
		}
		sig, err := i.signer.Sign(unsigned(&tok))
		if err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "token signing failed", err)
		}
		tok.Signature = sig

		s.Token = &tok
		s.Phase = protocol.PhaseToken
		issued = &tok

		if _, err := i.log.Append(audit.KindTokenIssued, s.ID, []string{tok.TokenID}, map[string]any{
			"token_id":    tok.TokenID,
			"contract_id": tok.ContractID,
			"not_after":   tok.Validity.NotAfter.Format(time.RFC3339),
		}); err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Validate reports whether the token is usable at instant now: inside
// its half-open validity window, carrying a verifiable issuer signature,
// and not revoked.
func (i *Issuer) Validate(tok *protocol.ExecutionToken, now time.Time) bool {
	if tok == nil {
		return false
	}
	if !tok.Validity.Contains(now.UTC()) {
		return false
	}
	if i.Revoked(tok.TokenID) {
		return false
	}
	ok, err := i.verifier.Verify(unsigned(tok), tok.Signature)
	return err == nil && ok
}

// Revoke externally invalidates a token.
func (i *Issuer) Revoke(tokenID string) {
	i.mu.Lock()
	i.revoked[tokenID] = struct{}{}
	i.mu.Unlock()
}

// Revoked reports whether a token id has been revoked.
func (i *Issuer) Revoked(tokenID string) bool {
	i.mu.RLock()
	_, ok := i.revoked[tokenID]
	i.mu.RUnlock()
	return ok
}

// unsigned strips the signature so signing and verification cover the
// same bytes.
func unsigned(t *protocol.ExecutionToken) protocol.ExecutionToken {
	tt := *t
	tt.Signature = protocol.Signature{}
	return tt
}

func requiresApproval(s *session.Session) bool {
	if s.Intent.Constraints.HumanApprovalRequired {
		return true
	}
	for _, agreed := range s.Contract.AgreedActions {
		cap, ok := s.Capability(agreed.CapabilityID)
		if !ok {
			continue
		}
		for _, action := range cap.Actions {
			if action.Action == agreed.Action && action.RequiresApproval {
				return true
			}
		}
	}
	return false
}
