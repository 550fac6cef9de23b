package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
	"github.com/icnp-works/icnp-go/pkg/token"
)

// State is the per-invocation state machine position.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateDenied    State = "denied"
)

// RollbackExecutor is the external collaborator invoked under
// strict mode with violation_action=abort_and_rollback.
type RollbackExecutor interface {
	Rollback(ctx context.Context, invocationID string) error
}

// Gate validates every governed execution request against the session's
// token and frozen contract, applies invocation limits, and enforces the
// contract's violation policy.
type Gate struct {
	store    *session.Store
	log      *audit.Log
	issuer   *token.Issuer
	counters CounterStore
	rollback RollbackExecutor
	timeout  time.Duration
	clock    func() time.Time
}

// NewGate creates an enforcement gate. counters tracks the shared
// max_invocations_total limit; timeout bounds every collaborator call.
func NewGate(store *session.Store, log *audit.Log, issuer *token.Issuer, counters CounterStore, timeout time.Duration) *Gate {
	return &Gate{
		store:    store,
		log:      log,
		issuer:   issuer,
		counters: counters,
		timeout:  timeout,
		clock:    time.Now,
	}
}

// WithRollback attaches the rollback collaborator.
func (g *Gate) WithRollback(r RollbackExecutor) *Gate {
	g.rollback = r
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Invocation tracks one execution request through the gate.
type Invocation struct {
	Request   protocol.ExecutionRequest
	SessionID string
	State     State
	// Violation is set when any validation step failed, even when the
	// enforcement mode let execution proceed anyway.
	Violation *protocol.Error

	gate *Gate
}

// Allowed reports whether the external action may be performed.
func (inv *Invocation) Allowed() bool {
	return inv.State == StateExecuting
}

// Authorize runs validation steps one through four and applies the
// contract's enforcement mode to any failure. The returned invocation is
// in StateExecuting (perform the action, then call Complete or Fail) or
// StateDenied (Result carries the denial).
func (g *Gate) Authorize(ctx context.Context, sessionID string, req protocol.ExecutionRequest) (*Invocation, error) {
	inv := &Invocation{
		Request:   req,
		SessionID: sessionID,
		State:     StateReceived,
		gate:      g,
	}

	mode := protocol.EnforceStrict
	violationAction := ""

	err := g.store.Update(sessionID, func(s *session.Session) error {
		if s.Contract != nil {
			mode = s.Contract.Enforcement.Mode
			violationAction = s.Contract.Enforcement.ViolationAction
		}
		if v := g.validate(ctx, s, &req); v != nil {
			inv.Violation = v
			return nil
		}
		inv.State = StateValidated
		if s.Phase == protocol.PhaseToken {
			s.Phase = protocol.PhaseExecution
		}
		return nil
	})
	if err != nil {
		// Session-level rejection (unknown, expired). Expired sessions
		// surface as a violation under the strict default so late
		// execution requests are denied and audited, never ignored.
		var pe *protocol.Error
		if !errors.As(err, &pe) {
			return nil, err
		}
		if pe.Code == protocol.CodeInvalidIntent {
			return nil, err // unknown session: no state to audit against
		}
		inv.Violation = pe
	}

	if inv.Violation == nil {
		inv.State = StateExecuting
		if err := g.auditStarted(inv); err != nil {
			return nil, err
		}
		return inv, nil
	}

	// A violation occurred. Record it, then apply the enforcement mode.
	if err := g.auditViolation(inv, mode); err != nil {
		return nil, err
	}

	switch mode {
	case protocol.EnforcePermissive, protocol.EnforceAuditOnly:
		inv.State = StateExecuting
		if err := g.auditStarted(inv); err != nil {
			return nil, err
		}
		return inv, nil
	default: // strict
		inv.State = StateDenied
		if violationAction == protocol.ViolationAbortAndRollback {
			if err := g.runRollback(ctx, inv); err != nil {
				return nil, err
			}
		}
		return inv, nil
	}
}

// validate runs steps one through four. A nil return means the request
// is clean; otherwise the returned error carries the violation code.
func (g *Gate) validate(ctx context.Context, s *session.Session, req *protocol.ExecutionRequest) *protocol.Error {
	// Step 1: resolve the token.
	tok := s.Token
	if tok == nil || tok.TokenID != req.TokenID {
		return protocol.Errf(protocol.CodeTokenInvalid, "no token %s for session %s", req.TokenID, s.ID)
	}
	if !g.issuer.Validate(tok, g.clock()) {
		return protocol.Errf(protocol.CodeTokenInvalid, "token %s is expired, revoked, or unverifiable", tok.TokenID)
	}

	// Step 2: binding checks.
	if tok.ContractID != req.ContractID {
		return protocol.Errf(protocol.CodeTokenInvalid,
			"token %s is bound to contract %s, not %s", tok.TokenID, tok.ContractID, req.ContractID)
	}
	if tok.SessionID != s.ID {
		return protocol.Errf(protocol.CodeTokenInvalid,
			"token %s is bound to session %s, not %s", tok.TokenID, tok.SessionID, s.ID)
	}

	// Step 3: authorization under forbidden-action dominance.
	if s.Contract == nil || !s.Contract.Authorizes(req.Action, req.Scope, req.Executor) {
		return protocol.Errf(protocol.CodeUnauthorisedAction,
			"action %q in scope %q is not authorized for %s", req.Action, req.Scope, req.Executor)
	}

	// Step 4: invocation limits. The per-actor counter lives in the
	// session (single-writer); the total counter is shared state.
	if limit := tok.Limits.MaxInvocationsPerActor; limit > 0 {
		if s.InvocationsByActor[req.Executor]+1 > limit {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"actor %s exceeded %d invocations", req.Executor, limit)
		}
	}
	if limit := tok.Limits.MaxInvocationsTotal; limit > 0 {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		allowed, err := g.counters.Increment(cctx, tok.TokenID, limit)
		if err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "invocation counter unavailable", err)
		}
		if !allowed {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"token %s exceeded %d total invocations", tok.TokenID, limit)
		}
	}
	s.InvocationsByActor[req.Executor]++
	return nil
}

// Complete records a successful externally-performed action.
func (inv *Invocation) Complete(output json.RawMessage) (*protocol.ExecutionResult, error) {
	if inv.State != StateExecuting {
		return nil, protocol.Errf(protocol.CodeInternalError,
			"invocation %s completed in state %s", inv.Request.InvocationID, inv.State)
	}
	inv.State = StateCompleted
	if _, err := inv.gate.log.Append(audit.KindExecutionCompleted, inv.SessionID,
		[]string{inv.Request.InvocationID, inv.Request.Executor}, map[string]any{
			"invocation_id": inv.Request.InvocationID,
			"action":        inv.Request.Action,
			"status":        "success",
		}); err != nil {
		return nil, protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return &protocol.ExecutionResult{
		InvocationID: inv.Request.InvocationID,
		Status:       "success",
		Output:       output,
	}, nil
}

// Fail records an externally-performed action that did not succeed.
func (inv *Invocation) Fail(cause error) (*protocol.ExecutionResult, error) {
	if inv.State != StateExecuting {
		return nil, protocol.Errf(protocol.CodeInternalError,
			"invocation %s failed in state %s", inv.Request.InvocationID, inv.State)
	}
	inv.State = StateCompleted
	if _, err := inv.gate.log.Append(audit.KindExecutionCompleted, inv.SessionID,
		[]string{inv.Request.InvocationID, inv.Request.Executor}, map[string]any{
			"invocation_id": inv.Request.InvocationID,
			"action":        inv.Request.Action,
			"status":        "failed",
			"error":         cause.Error(),
		}); err != nil {
		return nil, protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	payload := protocol.ToPayload(cause, "")
	return &protocol.ExecutionResult{
		InvocationID: inv.Request.InvocationID,
		Status:       "failed",
		Error:        &payload,
	}, nil
}

// Result builds the execution result for a denied invocation.
func (inv *Invocation) Result() *protocol.ExecutionResult {
	if inv.State != StateDenied {
		return nil
	}
	payload := protocol.ToPayload(inv.Violation, "")
	return &protocol.ExecutionResult{
		InvocationID: inv.Request.InvocationID,
		Status:       "denied",
		Error:        &payload,
	}
}

func (g *Gate) auditStarted(inv *Invocation) error {
	_, err := g.log.Append(audit.KindExecutionStarted, inv.SessionID,
		[]string{inv.Request.InvocationID, inv.Request.Executor}, map[string]any{
			"invocation_id": inv.Request.InvocationID,
			"action":        inv.Request.Action,
			"scope":         inv.Request.Scope,
		})
	if err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return nil
}

func (g *Gate) auditViolation(inv *Invocation, mode protocol.EnforcementMode) error {
	_, err := g.log.Append(audit.KindViolation, inv.SessionID,
		[]string{inv.Request.InvocationID, inv.Request.Executor}, map[string]any{
			"invocation_id": inv.Request.InvocationID,
			"action":        inv.Request.Action,
			"code":          string(inv.Violation.Code),
			"mode":          string(mode),
			"details":       inv.Violation.Message,
		})
	if err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return nil
}

// runRollback invokes the rollback collaborator with a bounded deadline.
// Rollback failure is recorded, never retried here; a failure to record
// it is surfaced to the caller.
func (g *Gate) runRollback(ctx context.Context, inv *Invocation) error {
	details := map[string]any{"invocation_id": inv.Request.InvocationID}
	if g.rollback == nil {
		details["skipped"] = "no rollback executor configured"
	} else {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		if err := g.rollback.Rollback(cctx, inv.Request.InvocationID); err != nil {
			details["error"] = err.Error()
		}
	}
	if _, err := g.log.Append(audit.KindRollback, inv.SessionID,
		[]string{inv.Request.InvocationID}, details); err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return nil
}
