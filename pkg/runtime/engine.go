// Package runtime wires the negotiation core together and processes
// inbound message envelopes: structural validation, session admission,
// per-phase dispatch, and error-envelope emission.
//
// Transport stays an external collaborator behind the Outbound
// interface; the engine never assumes delivery ordering.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/config"
	"github.com/icnp-works/icnp-go/pkg/enforce"
	"github.com/icnp-works/icnp-go/pkg/envelope"
	"github.com/icnp-works/icnp-go/pkg/negotiate"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
	"github.com/icnp-works/icnp-go/pkg/token"
)

// Outbound delivers envelopes to the transport collaborator.
type Outbound interface {
	Deliver(ctx context.Context, env *protocol.Envelope) error
}

// Performer executes the governed action once the gate allows it. The
// core never performs effects itself; deployments plug their executor in
// here.
type Performer interface {
	Perform(ctx context.Context, req protocol.ExecutionRequest) (json.RawMessage, error)
}

// AcceptancePayload is the payload of a contract_acceptance message.
// Approvals and signatures gathered out-of-band ride in with the
// acceptance and are merged into the pending contract before the
// negotiator's gating checks run.
type AcceptancePayload struct {
	ContractID string                        `json:"contract_id"`
	Approvals  []protocol.Approval           `json:"approvals,omitempty"`
	Signatures map[string]protocol.Signature `json:"signatures,omitempty"`
}

// RejectionPayload is the payload of a contract_rejection message.
type RejectionPayload struct {
	ContractID string `json:"contract_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Engine processes inbound envelopes through the negotiation core.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	auditLog   *audit.Log
	validator  *envelope.Validator
	store      *session.Store
	negotiator *negotiate.Negotiator
	issuer     *token.Issuer
	gate       *enforce.Gate
	out        Outbound
	perform    Performer
	self       protocol.Actor

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New assembles an engine from its components.
func New(cfg *config.Config, logger *slog.Logger, auditLog *audit.Log,
	validator *envelope.Validator, store *session.Store,
	negotiator *negotiate.Negotiator, issuer *token.Issuer, gate *enforce.Gate,
	out Outbound) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		auditLog:   auditLog,
		validator:  validator,
		store:      store,
		negotiator: negotiator,
		issuer:     issuer,
		gate:       gate,
		out:        out,
		self:       protocol.Actor{ID: cfg.NodeID, Role: protocol.RoleOrchestrator},
		limiters:   make(map[string]*rate.Limiter),
	}
}

// WithPerformer attaches the execution collaborator.
func (e *Engine) WithPerformer(p Performer) *Engine {
	e.perform = p
	return e
}

// Handle processes one inbound envelope. Rejections are answered with an
// error envelope referencing the triggering message; duplicate delivery
// is a silent no-op success.
func (e *Engine) Handle(ctx context.Context, env *protocol.Envelope) error {
	if !e.allowSender(env.Sender.ID) {
		e.logger.Warn("sender throttled", "sender", env.Sender.ID, "message_id", env.MessageID)
		return e.reject(ctx, env,
			protocol.Retryf(protocol.CodeInternalError, "sender %s is throttled", env.Sender.ID))
	}

	if result := e.validator.Validate(env); !result.Valid {
		return e.reject(ctx, env, result.Err())
	}

	duplicate, err := e.admit(env)
	if err != nil {
		return e.reject(ctx, env, err)
	}
	if duplicate {
		e.logger.Debug("duplicate delivery ignored", "message_id", env.MessageID, "session_id", env.SessionID)
		return nil
	}

	if err := e.dispatch(ctx, env); err != nil {
		return e.reject(ctx, env, err)
	}
	return nil
}

// admit runs per-session causality checks. An intent declaration for an
// unknown session creates the session first.
func (e *Engine) admit(env *protocol.Envelope) (bool, error) {
	if env.Type == protocol.TypeIntentDeclaration {
		if _, err := e.store.CreateWithID(env.SessionID, env.Sender); err != nil {
			// An existing session means a duplicate or competing intent;
			// fall through and let admission sort it out.
			var pe *protocol.Error
			if !errors.As(err, &pe) {
				return false, err
			}
		}
	}

	var duplicate bool
	err := e.store.Update(env.SessionID, func(s *session.Session) error {
		var admitErr error
		duplicate, admitErr = envelope.Admit(s, env)
		if admitErr == nil && !duplicate {
			s.AddParticipant(env.Sender)
		}
		return admitErr
	})
	return duplicate, err
}

func (e *Engine) dispatch(ctx context.Context, env *protocol.Envelope) error {
	e.logger.Info("envelope accepted",
		"type", string(env.Type), "session_id", env.SessionID, "sender", env.Sender.ID)

	switch env.Type {
	case protocol.TypeIntentDeclaration:
		return e.handleIntent(env)
	case protocol.TypeCapabilityDisclosure:
		return e.handleDisclosure(env)
	case protocol.TypeContractProposal, protocol.TypeContractCounterProposal:
		return e.handleProposal(env)
	case protocol.TypeContractAcceptance:
		return e.handleAcceptance(ctx, env)
	case protocol.TypeContractRejection:
		return e.handleRejection(env)
	case protocol.TypeExecutionRequest:
		return e.handleExecution(ctx, env)
	case protocol.TypeExecutionResult, protocol.TypeExecutionToken,
		protocol.TypeAuditEvent, protocol.TypeError:
		// Informational for the core; recorded in the seen set, nothing
		// to enforce.
		return nil
	default:
		return protocol.Errf(protocol.CodeInvalidIntent, "unhandled message type %q", env.Type)
	}
}

func (e *Engine) handleIntent(env *protocol.Envelope) error {
	var intent protocol.Intent
	if err := env.DecodePayload(&intent); err != nil {
		return protocol.Errf(protocol.CodeInvalidIntent, "malformed intent payload: %v", err)
	}
	if err := e.store.Update(env.SessionID, func(s *session.Session) error {
		if err := s.RecordIntent(intent); err != nil {
			return err
		}
		s.Phase = protocol.PhaseCapability
		return nil
	}); err != nil {
		return err
	}
	if _, err := e.auditLog.Append(audit.KindIntentRecorded, env.SessionID,
		[]string{env.Sender.ID}, map[string]string{"goal": intent.Goal}); err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return nil
}

func (e *Engine) handleDisclosure(env *protocol.Envelope) error {
	var cap protocol.Capability
	if err := env.DecodePayload(&cap); err != nil {
		return protocol.Errf(protocol.CodeCapabilityMismatch, "malformed capability payload: %v", err)
	}
	if err := e.store.Update(env.SessionID, func(s *session.Session) error {
		return s.Disclose(env.Sender.ID, cap)
	}); err != nil {
		return err
	}
	if _, err := e.auditLog.Append(audit.KindCapabilityDisclosed, env.SessionID,
		[]string{env.Sender.ID, cap.CapabilityID}, map[string]string{
			"capability_id": cap.CapabilityID,
		}); err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return nil
}

func (e *Engine) handleProposal(env *protocol.Envelope) error {
	var draft protocol.Contract
	if err := env.DecodePayload(&draft); err != nil {
		return protocol.Errf(protocol.CodeCapabilityMismatch, "malformed contract payload: %v", err)
	}
	// The first proposal moves the session into the contract phase.
	if err := e.store.Update(env.SessionID, func(s *session.Session) error {
		if s.Phase == protocol.PhaseCapability {
			s.Phase = protocol.PhaseContract
		}
		return nil
	}); err != nil {
		return err
	}
	_, err := e.negotiator.Propose(env.SessionID, draft)
	return err
}

func (e *Engine) handleAcceptance(ctx context.Context, env *protocol.Envelope) error {
	var acc AcceptancePayload
	if err := env.DecodePayload(&acc); err != nil {
		return protocol.Errf(protocol.CodeUnauthorisedAction, "malformed acceptance payload: %v", err)
	}

	// Merge approvals and signatures carried by the acceptance into the
	// pending contract before gating checks run.
	if err := e.store.Update(env.SessionID, func(s *session.Session) error {
		if s.Contract == nil || s.Contract.ContractID != acc.ContractID {
			return protocol.Errf(protocol.CodeCapabilityMismatch,
				"no pending contract %s for session %s", acc.ContractID, s.ID)
		}
		// An accepted contract is frozen; a late acceptance must not
		// alter the approvals or signatures the token's hash covers.
		if s.ContractAccepted {
			return protocol.Errf(protocol.CodeUnauthorisedAction,
				"contract %s for session %s is already accepted", acc.ContractID, s.ID)
		}
		s.Contract.Approvals = append(s.Contract.Approvals, acc.Approvals...)
		if len(acc.Signatures) > 0 && s.Contract.Signatures == nil {
			s.Contract.Signatures = make(map[string]protocol.Signature)
		}
		for id, sig := range acc.Signatures {
			s.Contract.Signatures[id] = sig
		}
		return nil
	}); err != nil {
		return err
	}

	if err := e.negotiator.Accept(env.SessionID, acc.ContractID); err != nil {
		return err
	}

	issued, err := e.issuer.Issue(env.SessionID)
	if err != nil {
		return err
	}

	out, err := protocol.NewEnvelope(protocol.TypeExecutionToken, protocol.PhaseToken,
		e.self, env.SessionID, issued)
	if err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "token envelope build failed", err)
	}
	out.ReplyTo(env.MessageID)
	return e.deliver(ctx, out)
}

func (e *Engine) handleRejection(env *protocol.Envelope) error {
	var rej RejectionPayload
	if err := env.DecodePayload(&rej); err != nil {
		return protocol.Errf(protocol.CodeInvalidIntent, "malformed rejection payload: %v", err)
	}
	reason := rej.Reason
	if reason == "" {
		reason = "contract rejected by " + env.Sender.ID
	}
	return e.negotiator.Reject(env.SessionID, reason)
}

func (e *Engine) handleExecution(ctx context.Context, env *protocol.Envelope) error {
	var req protocol.ExecutionRequest
	if err := env.DecodePayload(&req); err != nil {
		return protocol.Errf(protocol.CodeTokenInvalid, "malformed execution request: %v", err)
	}

	inv, err := e.gate.Authorize(ctx, env.SessionID, req)
	if err != nil {
		return err
	}

	var result *protocol.ExecutionResult
	if inv.Allowed() {
		output, performErr := e.performAction(ctx, req)
		if performErr != nil {
			result, err = inv.Fail(performErr)
		} else {
			result, err = inv.Complete(output)
		}
		if err != nil {
			return err
		}
	} else {
		result = inv.Result()
	}

	out, buildErr := protocol.NewEnvelope(protocol.TypeExecutionResult, protocol.PhaseExecution,
		e.self, env.SessionID, result)
	if buildErr != nil {
		return protocol.Wrap(protocol.CodeInternalError, "result envelope build failed", buildErr)
	}
	out.ReplyTo(env.MessageID).To(env.Sender)
	if err := e.deliver(ctx, out); err != nil {
		if inv.Violation != nil {
			return violationRecorded{err}
		}
		return err
	}
	return nil
}

// Complete moves an execution-phase session to completed.
func (e *Engine) Complete(sessionID string) error {
	return e.store.Advance(sessionID, protocol.PhaseCompleted)
}

// Token returns the session's issued execution token.
func (e *Engine) Token(sessionID string) (*protocol.ExecutionToken, error) {
	var tok *protocol.ExecutionToken
	err := e.store.View(sessionID, func(s *session.Session) error {
		if s.Token == nil {
			return protocol.Errf(protocol.CodeTokenInvalid, "session %s holds no token", s.ID)
		}
		copied := *s.Token
		tok = &copied
		return nil
	})
	return tok, err
}

func (e *Engine) performAction(ctx context.Context, req protocol.ExecutionRequest) (json.RawMessage, error) {
	if e.perform == nil {
		return json.RawMessage(`{"performed":false}`), nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout)
	defer cancel()
	return e.perform.Perform(cctx, req)
}

// violationRecorded wraps a failure for a request whose violation the
// gate already audited, so reject does not add a second record for the
// same operation.
type violationRecorded struct{ err error }

func (v violationRecorded) Error() string { return v.err.Error() }
func (v violationRecorded) Unwrap() error { return v.err }

// reject answers a rejected envelope with exactly one audit record and
// one error envelope. The blanket audit is skipped only when the gate
// already recorded a violation for the same request; rejections that
// never reach the gate (malformed payloads, throttled senders,
// structural failures, unknown sessions) are recorded here.
func (e *Engine) reject(ctx context.Context, env *protocol.Envelope, cause error) error {
	e.logger.Warn("envelope rejected",
		"type", string(env.Type), "message_id", env.MessageID,
		"code", string(protocol.CodeOf(cause)), "error", cause.Error())

	var vr violationRecorded
	if !errors.As(cause, &vr) {
		if _, err := e.auditLog.Append(audit.KindMessageRejected, env.SessionID,
			[]string{env.MessageID, env.Sender.ID}, map[string]string{
				"code":    string(protocol.CodeOf(cause)),
				"details": cause.Error(),
			}); err != nil {
			e.logger.Error("audit append failed", "error", err)
		}
	}

	payload := protocol.ToPayload(cause, env.MessageID)
	out, err := protocol.NewEnvelope(protocol.TypeError, env.Phase, e.self, env.SessionID, payload)
	if err != nil {
		return err
	}
	out.ReplyTo(env.MessageID).To(env.Sender)
	return e.deliver(ctx, out)
}

func (e *Engine) deliver(ctx context.Context, env *protocol.Envelope) error {
	if e.out == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout)
	defer cancel()
	if err := e.out.Deliver(cctx, env); err != nil {
		e.logger.Error("outbound delivery failed", "message_id", env.MessageID, "error", err)
		return protocol.Wrap(protocol.CodeInternalError, "outbound delivery failed", err)
	}
	return nil
}

func (e *Engine) allowSender(senderID string) bool {
	e.mu.Lock()
	lim, ok := e.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.cfg.SenderRatePerSecond), e.cfg.SenderBurst)
		e.limiters[senderID] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}
