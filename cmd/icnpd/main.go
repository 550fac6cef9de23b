// Command icnpd runs the negotiation core and drives a scripted
// five-phase negotiation through it, printing the resulting audit trail.
// It doubles as a smoke test for a deployment's configuration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/icnp-works/icnp-go/pkg/config"
	"github.com/icnp-works/icnp-go/pkg/crypto"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	secret := flag.String("secret", "icnp-demo-secret", "shared HMAC signing secret")
	flag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	signer, err := crypto.NewHMACSigner([]byte(*secret), "demo-key", cfg.NodeID)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		os.Exit(1)
	}

	loopback := &printOutbound{logger: logger}
	engine, auditLog, err := runtime.Build(cfg, logger, signer, signer, loopback)
	if err != nil {
		logger.Error("engine build failed", "error", err)
		os.Exit(1)
	}

	if err := runScriptedNegotiation(context.Background(), engine, signer); err != nil {
		logger.Error("negotiation failed", "error", err)
		os.Exit(1)
	}

	if err := auditLog.Verify(); err != nil {
		logger.Error("audit chain verification failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("audit trail (%d events, chain verified):\n", auditLog.Len())
	for seq := uint64(1); seq <= auditLog.Len(); seq++ {
		event, err := auditLog.Get(seq)
		if err != nil {
			break
		}
		fmt.Printf("  %4d  %-22s %s\n", event.Sequence, event.Kind, event.SessionID)
	}
}

// runScriptedNegotiation walks one session through all five phases.
func runScriptedNegotiation(ctx context.Context, engine *runtime.Engine, signer *crypto.HMACSigner) error {
	orchestrator := protocol.Actor{ID: "orchestrator-1", Role: protocol.RoleOrchestrator}
	worker := protocol.Actor{ID: "agent-worker", Role: protocol.RoleAgent}
	sessionID := uuid.New().String()

	send := func(typ protocol.MessageType, phase protocol.Phase, sender protocol.Actor, payload any) error {
		env, err := protocol.NewEnvelope(typ, phase, sender, sessionID, payload)
		if err != nil {
			return err
		}
		return engine.Handle(ctx, env)
	}

	if err := send(protocol.TypeIntentDeclaration, protocol.PhaseIntent, orchestrator, protocol.Intent{
		Goal: "summarize the weekly production report",
		RequestedActions: []protocol.RequestedAction{
			{Action: "read", Scopes: []string{"reports"}},
			{Action: "write", Scopes: []string{"summaries"}},
		},
		Constraints: protocol.Constraints{RiskTolerance: protocol.RiskLow},
	}); err != nil {
		return err
	}

	if err := send(protocol.TypeCapabilityDisclosure, protocol.PhaseCapability, worker, protocol.Capability{
		CapabilityID: "cap-read-write",
		Actions: []protocol.CapabilityAction{
			{Action: "read", Scopes: []string{"reports"}, Confidence: 0.95},
			{Action: "write", Scopes: []string{"summaries"}, Confidence: 0.9},
		},
	}); err != nil {
		return err
	}

	contract := protocol.Contract{
		ContractID: uuid.New().String(),
		AgreedActions: []protocol.AgreedAction{
			{CapabilityID: "cap-read-write", Action: "read", Scope: "reports", Executor: worker.ID},
			{CapabilityID: "cap-read-write", Action: "write", Scope: "summaries", Executor: worker.ID},
		},
		ForbiddenActions: []protocol.ForbiddenAction{{Action: "delete", Scope: protocol.ScopeAny}},
		// The draft repeats the intent's constraints so the worker's
		// signature covers the same bytes the negotiator freezes.
		Constraints: protocol.Constraints{RiskTolerance: protocol.RiskLow},
		Enforcement: protocol.Enforcement{Mode: protocol.EnforceStrict, ViolationAction: protocol.ViolationAbort},
	}
	if err := send(protocol.TypeContractProposal, protocol.PhaseContract, orchestrator, contract); err != nil {
		return err
	}

	workerSig, err := signer.Sign(unsignedContract(contract))
	if err != nil {
		return err
	}
	if err := send(protocol.TypeContractAcceptance, protocol.PhaseContract, worker, runtime.AcceptancePayload{
		ContractID: contract.ContractID,
		Signatures: map[string]protocol.Signature{worker.ID: workerSig},
	}); err != nil {
		return err
	}

	if err := send(protocol.TypeExecutionRequest, protocol.PhaseExecution, worker, protocol.ExecutionRequest{
		InvocationID: uuid.New().String(),
		TokenID:      engineTokenID(engine, sessionID),
		ContractID:   contract.ContractID,
		Action:       "read",
		Scope:        "reports",
		Executor:     worker.ID,
		Parameters:   json.RawMessage(`{"report":"weekly"}`),
	}); err != nil {
		return err
	}

	return engine.Complete(sessionID)
}

func unsignedContract(c protocol.Contract) protocol.Contract {
	c.Signatures = nil
	return c
}

// engineTokenID reads back the issued token id for the scripted flow.
func engineTokenID(engine *runtime.Engine, sessionID string) string {
	tok, err := engine.Token(sessionID)
	if err != nil {
		return ""
	}
	return tok.TokenID
}

// printOutbound logs core-emitted envelopes instead of delivering them.
type printOutbound struct {
	logger *slog.Logger
}

func (p *printOutbound) Deliver(_ context.Context, env *protocol.Envelope) error {
	p.logger.Info("outbound envelope",
		"type", string(env.Type), "session_id", env.SessionID, "in_reply_to", env.InReplyTo)
	return nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
