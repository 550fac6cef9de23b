package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/crypto"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
)

// issuerFixture builds a session sitting in the contract phase with a
// recorded intent, one disclosed capability, and a pending contract.
// accepted and approved control acceptance state and approval records.
func issuerFixture(t *testing.T, accepted, approved bool) (*Issuer, *session.Store, string) {
	t.Helper()
	log := audit.NewLog()
	store := session.NewStore(time.Hour, log)

	s, err := store.Create(protocol.Actor{ID: "orchestrator-1", Role: protocol.RoleOrchestrator})
	require.NoError(t, err)

	require.NoError(t, store.Update(s.ID, func(s *session.Session) error {
		return s.RecordIntent(protocol.Intent{
			Goal:             "summarize weekly reports",
			RequestedActions: []protocol.RequestedAction{{Action: "summarize"}},
			Constraints: protocol.Constraints{
				RiskTolerance:         protocol.RiskNone,
				HumanApprovalRequired: true,
			},
		})
	}))
	require.NoError(t, store.Advance(s.ID, protocol.PhaseCapability))
	require.NoError(t, store.Update(s.ID, func(s *session.Session) error {
		return s.Disclose("worker-1", protocol.Capability{
			CapabilityID: "cap-summarize",
			Actions:      []protocol.CapabilityAction{{Action: "summarize", Scopes: []string{"reports"}, Confidence: 0.9}},
		})
	}))
	require.NoError(t, store.Advance(s.ID, protocol.PhaseContract))
	require.NoError(t, store.Update(s.ID, func(s *session.Session) error {
		s.Contract = &protocol.Contract{
			ContractID: "contract-1",
			AgreedActions: []protocol.AgreedAction{{
				CapabilityID: "cap-summarize", Action: "summarize", Scope: "reports", Executor: "worker-1",
			}},
		}
		if approved {
			s.Contract.Approvals = []protocol.Approval{{
				Approver: "ops@corp", Decision: "approve", Timestamp: time.Now(),
			}}
		}
		s.ContractAccepted = accepted
		return nil
	}))

	signer, err := crypto.NewHMACSigner([]byte("issuer-secret"), "key-1", "icnp-node-1")
	require.NoError(t, err)
	issuer := NewIssuer(store, log, signer, signer, 5*time.Minute, protocol.Limits{MaxInvocationsPerActor: 10})
	return issuer, store, s.ID
}

func TestIssueHappyPath(t *testing.T) {
	issuer, store, sessionID := issuerFixture(t, true, true)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer.WithClock(func() time.Time { return now })

	tok, err := issuer.Issue(sessionID)
	require.NoError(t, err)

	assert.NotEmpty(t, tok.TokenID)
	assert.Equal(t, sessionID, tok.SessionID)
	assert.Equal(t, "contract-1", tok.ContractID)
	assert.Equal(t, now, tok.Validity.NotBefore)
	assert.Equal(t, now.Add(5*time.Minute), tok.Validity.NotAfter)
	assert.Equal(t, "sha256", tok.Binding.IntentHash.Alg)
	assert.NotEmpty(t, tok.Binding.ContractHash.Value)
	assert.NotEmpty(t, tok.Binding.CapabilitiesHash.Value)
	assert.Equal(t, crypto.AlgHMACSHA256, tok.Signature.Alg)

	require.NoError(t, store.View(sessionID, func(s *session.Session) error {
		assert.Equal(t, protocol.PhaseToken, s.Phase)
		assert.Equal(t, tok.TokenID, s.Token.TokenID)
		return nil
	}))
}

func TestIssueWithoutApproval(t *testing.T) {
	issuer, _, sessionID := issuerFixture(t, true, false)

	_, err := issuer.Issue(sessionID)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorisedAction, protocol.CodeOf(err))
}

func TestIssueWithoutAcceptance(t *testing.T) {
	issuer, _, sessionID := issuerFixture(t, false, true)

	_, err := issuer.Issue(sessionID)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeTokenInvalid, protocol.CodeOf(err))
}

func TestIssueAtMostOnce(t *testing.T) {
	issuer, _, sessionID := issuerFixture(t, true, true)

	_, err := issuer.Issue(sessionID)
	require.NoError(t, err)

	_, err = issuer.Issue(sessionID)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeTokenInvalid, protocol.CodeOf(err))
}

func TestValidateWindowBoundaries(t *testing.T) {
	issuer, _, sessionID := issuerFixture(t, true, true)
	notBefore := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer.WithClock(func() time.Time { return notBefore })

	tok, err := issuer.Issue(sessionID)
	require.NoError(t, err)

	// Half-open window: valid at not_before, invalid at not_after.
	assert.False(t, issuer.Validate(tok, notBefore.Add(-time.Second)))
	assert.True(t, issuer.Validate(tok, notBefore))
	assert.True(t, issuer.Validate(tok, tok.Validity.NotAfter.Add(-time.Second)))
	assert.False(t, issuer.Validate(tok, tok.Validity.NotAfter))
	assert.False(t, issuer.Validate(tok, tok.Validity.NotAfter.Add(time.Hour)))
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	issuer, _, sessionID := issuerFixture(t, true, true)

	tok, err := issuer.Issue(sessionID)
	require.NoError(t, err)
	inside := tok.Validity.NotBefore.Add(time.Second)
	require.True(t, issuer.Validate(tok, inside))

	tampered := *tok
	tampered.ContractID = "contract-other"
	assert.False(t, issuer.Validate(&tampered, inside))

	assert.False(t, issuer.Validate(nil, inside))
}

func TestRevocation(t *testing.T) {
	issuer, _, sessionID := issuerFixture(t, true, true)

	tok, err := issuer.Issue(sessionID)
	require.NoError(t, err)
	inside := tok.Validity.NotBefore.Add(time.Second)
	require.True(t, issuer.Validate(tok, inside))

	issuer.Revoke(tok.TokenID)
	assert.True(t, issuer.Revoked(tok.TokenID))
	assert.False(t, issuer.Validate(tok, inside))
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec([]byte("codec-secret"), "icnp-node-1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	tok := &protocol.ExecutionToken{
		TokenID:    "tok-1",
		SessionID:  "sess-1",
		ContractID: "contract-1",
		Validity:   protocol.Validity{NotBefore: now, NotAfter: now.Add(time.Hour)},
		Limits:     protocol.Limits{MaxInvocationsPerActor: 3},
	}

	compact, err := codec.Encode(tok)
	require.NoError(t, err)

	decoded, err := codec.Decode(compact)
	require.NoError(t, err)
	assert.Equal(t, tok.TokenID, decoded.TokenID)
	assert.Equal(t, tok.ContractID, decoded.ContractID)
	assert.True(t, tok.Validity.NotAfter.Equal(decoded.Validity.NotAfter))
}

func TestCodecRejectsForeignSecretAndIssuer(t *testing.T) {
	codec, err := NewCodec([]byte("codec-secret"), "icnp-node-1")
	require.NoError(t, err)
	foreign, err := NewCodec([]byte("other-secret"), "icnp-node-1")
	require.NoError(t, err)
	otherIssuer, err := NewCodec([]byte("codec-secret"), "icnp-node-2")
	require.NoError(t, err)

	now := time.Now().UTC()
	tok := &protocol.ExecutionToken{
		TokenID:   "tok-1",
		SessionID: "sess-1",
		Validity:  protocol.Validity{NotBefore: now, NotAfter: now.Add(time.Hour)},
	}
	compact, err := codec.Encode(tok)
	require.NoError(t, err)

	_, err = foreign.Decode(compact)
	assert.Error(t, err)
	_, err = otherIssuer.Decode(compact)
	assert.Error(t, err)

	_, err = codec.Decode("not.a.jwt")
	assert.Error(t, err)
}
