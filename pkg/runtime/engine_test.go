package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/config"
	"github.com/icnp-works/icnp-go/pkg/crypto"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
)

// captureOutbound collects everything the engine delivers.
type captureOutbound struct {
	mu        sync.Mutex
	envelopes []*protocol.Envelope
}

func (c *captureOutbound) Deliver(_ context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *captureOutbound) byType(typ protocol.MessageType) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range c.envelopes {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		NodeID:                 "icnp-node-test",
		NegotiationTTL:         time.Hour,
		TokenTTL:               time.Hour,
		CollaboratorTimeout:    3 * time.Second,
		MaxInvocationsPerActor: 10,
		SenderRatePerSecond:    1000,
		SenderBurst:            1000,
	}
}

func buildEngine(t *testing.T) (*Engine, *audit.Log, *captureOutbound, crypto.Signer) {
	t.Helper()
	out := &captureOutbound{}
	signer, err := crypto.NewHMACSigner([]byte("engine-secret"), "key-1", "worker-1")
	require.NoError(t, err)
	engine, auditLog, err := Build(testConfig(), slog.New(slog.DiscardHandler), signer, signer, out)
	require.NoError(t, err)
	return engine, auditLog, out, signer
}

var (
	orchestrator = protocol.Actor{ID: "orchestrator-1", Role: protocol.RoleOrchestrator}
	worker       = protocol.Actor{ID: "worker-1", Role: protocol.RoleAgent}
)

func mustEnvelope(t *testing.T, typ protocol.MessageType, phase protocol.Phase,
	sender protocol.Actor, sessionID string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, phase, sender, sessionID, payload)
	require.NoError(t, err)
	return env
}

// driveToToken walks a session from intent declaration through token
// issuance and returns the session id and the issued token.
func driveToToken(t *testing.T, engine *Engine, signer crypto.Signer) (string, *protocol.ExecutionToken) {
	t.Helper()
	ctx := t.Context()
	sessionID := uuid.New().String()

	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeIntentDeclaration,
		protocol.PhaseIntent, orchestrator, sessionID, protocol.Intent{
			Goal:             "summarize weekly reports",
			RequestedActions: []protocol.RequestedAction{{Action: "summarize", Scopes: []string{"reports"}}},
			Constraints:      protocol.Constraints{RiskTolerance: protocol.RiskLow},
		})))

	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeCapabilityDisclosure,
		protocol.PhaseCapability, worker, sessionID, protocol.Capability{
			CapabilityID: "cap-summarize",
			Actions:      []protocol.CapabilityAction{{Action: "summarize", Scopes: []string{"reports"}, Confidence: 0.92}},
		})))

	draft := protocol.Contract{
		ContractID: "contract-1",
		AgreedActions: []protocol.AgreedAction{{
			CapabilityID: "cap-summarize", Action: "summarize", Scope: "reports", Executor: worker.ID,
		}},
	}
	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeContractProposal,
		protocol.PhaseContract, orchestrator, sessionID, draft)))

	// The worker signs the frozen draft; the intent's constraints were
	// bound into it at proposal time.
	signable := draft
	signable.Constraints = protocol.Constraints{RiskTolerance: protocol.RiskLow}
	signable.Enforcement = protocol.Enforcement{Mode: protocol.EnforceStrict}
	sig, err := signer.Sign(signable)
	require.NoError(t, err)

	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeContractAcceptance,
		protocol.PhaseContract, worker, sessionID, AcceptancePayload{
			ContractID: draft.ContractID,
			Signatures: map[string]protocol.Signature{worker.ID: sig},
		})))

	tok, err := engine.Token(sessionID)
	require.NoError(t, err)
	return sessionID, tok
}

func TestHandleFullNegotiation(t *testing.T) {
	engine, auditLog, out, signer := buildEngine(t)
	sessionID, tok := driveToToken(t, engine, signer)

	assert.Equal(t, sessionID, tok.SessionID)
	assert.Equal(t, "contract-1", tok.ContractID)

	tokenEnvelopes := out.byType(protocol.TypeExecutionToken)
	require.Len(t, tokenEnvelopes, 1)
	var delivered protocol.ExecutionToken
	require.NoError(t, tokenEnvelopes[0].DecodePayload(&delivered))
	assert.Equal(t, tok.TokenID, delivered.TokenID)

	// Execute under the token and complete the session.
	req := protocol.ExecutionRequest{
		InvocationID: uuid.New().String(),
		TokenID:      tok.TokenID,
		ContractID:   tok.ContractID,
		Action:       "summarize",
		Scope:        "reports",
		Executor:     worker.ID,
	}
	require.NoError(t, engine.Handle(t.Context(), mustEnvelope(t, protocol.TypeExecutionRequest,
		protocol.PhaseExecution, worker, sessionID, req)))

	results := out.byType(protocol.TypeExecutionResult)
	require.Len(t, results, 1)
	var result protocol.ExecutionResult
	require.NoError(t, results[0].DecodePayload(&result))
	assert.Equal(t, "success", result.Status)

	require.NoError(t, engine.Complete(sessionID))

	require.NoError(t, auditLog.Verify())
	var kinds []audit.Kind
	for _, e := range auditLog.BySession(sessionID) {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, audit.KindSessionCreated)
	assert.Contains(t, kinds, audit.KindIntentRecorded)
	assert.Contains(t, kinds, audit.KindCapabilityDisclosed)
	assert.Contains(t, kinds, audit.KindContractProposed)
	assert.Contains(t, kinds, audit.KindContractAccepted)
	assert.Contains(t, kinds, audit.KindTokenIssued)
	assert.Contains(t, kinds, audit.KindExecutionStarted)
	assert.Contains(t, kinds, audit.KindExecutionCompleted)
	assert.Contains(t, kinds, audit.KindSessionCompleted)
}

func TestHandleDuplicateDeliveryIsIdempotent(t *testing.T) {
	engine, auditLog, out, _ := buildEngine(t)
	ctx := t.Context()
	sessionID := uuid.New().String()

	env := mustEnvelope(t, protocol.TypeIntentDeclaration, protocol.PhaseIntent,
		orchestrator, sessionID, protocol.Intent{
			Goal:             "summarize weekly reports",
			RequestedActions: []protocol.RequestedAction{{Action: "summarize"}},
			Constraints:      protocol.Constraints{RiskTolerance: protocol.RiskLow},
		})

	require.NoError(t, engine.Handle(ctx, env))
	recorded := auditLog.Len()
	delivered := len(out.envelopes)

	// Redelivering the same envelope changes nothing and emits nothing.
	require.NoError(t, engine.Handle(ctx, env))
	assert.Equal(t, recorded, auditLog.Len())
	assert.Equal(t, delivered, len(out.envelopes))
}

func TestHandleRejectsMalformedEnvelope(t *testing.T) {
	engine, auditLog, out, _ := buildEngine(t)

	env := mustEnvelope(t, protocol.TypeIntentDeclaration, protocol.PhaseIntent,
		orchestrator, uuid.New().String(), protocol.Intent{Goal: "g"})
	env.MessageID = "not-a-uuid"

	err := engine.Handle(t.Context(), env)
	require.NoError(t, err, "rejection is answered, not returned")

	errs := out.byType(protocol.TypeError)
	require.Len(t, errs, 1)
	var payload protocol.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&payload))
	assert.Equal(t, protocol.CodeInvalidIntent, payload.Code)
	assert.Equal(t, env.MessageID, errs[0].InReplyTo)

	var rejected int
	for _, e := range auditLog.BySession(env.SessionID) {
		if e.Kind == audit.KindMessageRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected, "exactly one audit record per rejection")
}

func TestHandleUnresolvableReplyRejected(t *testing.T) {
	engine, _, out, _ := buildEngine(t)
	ctx := t.Context()
	sessionID := uuid.New().String()

	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeIntentDeclaration,
		protocol.PhaseIntent, orchestrator, sessionID, protocol.Intent{
			Goal:             "summarize weekly reports",
			RequestedActions: []protocol.RequestedAction{{Action: "summarize"}},
			Constraints:      protocol.Constraints{RiskTolerance: protocol.RiskLow},
		})))

	env := mustEnvelope(t, protocol.TypeCapabilityDisclosure, protocol.PhaseCapability,
		worker, sessionID, protocol.Capability{
			CapabilityID: "cap-1",
			Actions:      []protocol.CapabilityAction{{Action: "summarize", Scopes: []string{"reports"}, Confidence: 0.5}},
		})
	env.ReplyTo(uuid.New().String()) // references a message never seen

	require.NoError(t, engine.Handle(ctx, env))
	require.Len(t, out.byType(protocol.TypeError), 1)
}

func TestHandleDeniedExecutionEmitsDeniedResult(t *testing.T) {
	engine, auditLog, out, signer := buildEngine(t)
	sessionID, tok := driveToToken(t, engine, signer)

	req := protocol.ExecutionRequest{
		InvocationID: uuid.New().String(),
		TokenID:      tok.TokenID,
		ContractID:   tok.ContractID,
		Action:       "delete", // never agreed
		Scope:        "reports",
		Executor:     worker.ID,
	}
	require.NoError(t, engine.Handle(t.Context(), mustEnvelope(t, protocol.TypeExecutionRequest,
		protocol.PhaseExecution, worker, sessionID, req)))

	results := out.byType(protocol.TypeExecutionResult)
	require.Len(t, results, 1)
	var result protocol.ExecutionResult
	require.NoError(t, results[0].DecodePayload(&result))
	assert.Equal(t, "denied", result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.CodeUnauthorisedAction, result.Error.Code)

	// The gate's violation record is the single audit entry for the
	// denial; no message_rejected entry is added on top.
	var violations, rejected int
	for _, e := range auditLog.BySession(sessionID) {
		switch e.Kind {
		case audit.KindViolation:
			violations++
		case audit.KindMessageRejected:
			rejected++
		}
	}
	assert.Equal(t, 1, violations)
	assert.Zero(t, rejected)
}

type staticPerformer struct {
	output json.RawMessage
}

func (p staticPerformer) Perform(_ context.Context, _ protocol.ExecutionRequest) (json.RawMessage, error) {
	return p.output, nil
}

func TestPerformerOutputRidesInResult(t *testing.T) {
	engine, _, out, signer := buildEngine(t)
	engine.WithPerformer(staticPerformer{output: json.RawMessage(`{"summary":"four incidents"}`)})
	sessionID, tok := driveToToken(t, engine, signer)

	require.NoError(t, engine.Handle(t.Context(), mustEnvelope(t, protocol.TypeExecutionRequest,
		protocol.PhaseExecution, worker, sessionID, protocol.ExecutionRequest{
			InvocationID: uuid.New().String(),
			TokenID:      tok.TokenID,
			ContractID:   tok.ContractID,
			Action:       "summarize",
			Scope:        "reports",
			Executor:     worker.ID,
		})))

	results := out.byType(protocol.TypeExecutionResult)
	require.Len(t, results, 1)
	var result protocol.ExecutionResult
	require.NoError(t, results[0].DecodePayload(&result))
	assert.JSONEq(t, `{"summary":"four incidents"}`, string(result.Output))
}

func TestSenderThrottling(t *testing.T) {
	cfg := testConfig()
	cfg.SenderRatePerSecond = 1
	cfg.SenderBurst = 1

	out := &captureOutbound{}
	signer, err := crypto.NewHMACSigner([]byte("engine-secret"), "key-1", "worker-1")
	require.NoError(t, err)
	engine, _, err := Build(cfg, slog.New(slog.DiscardHandler), signer, signer, out)
	require.NoError(t, err)

	ctx := t.Context()
	sessionID := uuid.New().String()
	intent := protocol.Intent{
		Goal:             "summarize weekly reports",
		RequestedActions: []protocol.RequestedAction{{Action: "summarize"}},
		Constraints:      protocol.Constraints{RiskTolerance: protocol.RiskLow},
	}

	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeIntentDeclaration,
		protocol.PhaseIntent, orchestrator, sessionID, intent)))

	// The burst is spent; the next envelope from the same sender gets a
	// retryable error answer.
	require.NoError(t, engine.Handle(ctx, mustEnvelope(t, protocol.TypeCapabilityDisclosure,
		protocol.PhaseCapability, orchestrator, sessionID, protocol.Capability{CapabilityID: "cap-1"})))

	errs := out.byType(protocol.TypeError)
	require.Len(t, errs, 1)
	var payload protocol.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&payload))
	assert.True(t, payload.Retryable)
}

func TestMalformedExecutionRequestIsAudited(t *testing.T) {
	engine, auditLog, out, signer := buildEngine(t)
	sessionID, _ := driveToToken(t, engine, signer)
	before := auditLog.Len()

	require.NoError(t, engine.Handle(t.Context(), mustEnvelope(t, protocol.TypeExecutionRequest,
		protocol.PhaseExecution, worker, sessionID, "not-an-execution-request")))

	require.Len(t, out.byType(protocol.TypeError), 1)

	// A rejection that never reaches the gate is still audited, once.
	assert.Equal(t, before+1, auditLog.Len())
	events := auditLog.BySession(sessionID)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.KindMessageRejected, events[len(events)-1].Kind)
}

func TestLateAcceptanceCannotMutateFrozenContract(t *testing.T) {
	engine, _, out, signer := buildEngine(t)
	sessionID, tok := driveToToken(t, engine, signer)

	require.NoError(t, engine.Handle(t.Context(), mustEnvelope(t, protocol.TypeContractAcceptance,
		protocol.PhaseContract, worker, sessionID, AcceptancePayload{
			ContractID: tok.ContractID,
			Approvals:  []protocol.Approval{{Approver: "intruder", Decision: "approve"}},
		})))

	errs := out.byType(protocol.TypeError)
	require.Len(t, errs, 1)
	var payload protocol.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&payload))
	assert.Equal(t, protocol.CodeUnauthorisedAction, payload.Code)

	// The accepted contract the token hash covers did not change.
	require.NoError(t, engine.store.View(sessionID, func(s *session.Session) error {
		assert.Empty(t, s.Contract.Approvals)
		assert.Len(t, s.Contract.Signatures, 1)
		return nil
	}))
}
