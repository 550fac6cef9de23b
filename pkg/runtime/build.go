package runtime

import (
	"fmt"
	"log/slog"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/config"
	"github.com/icnp-works/icnp-go/pkg/crypto"
	"github.com/icnp-works/icnp-go/pkg/enforce"
	"github.com/icnp-works/icnp-go/pkg/envelope"
	"github.com/icnp-works/icnp-go/pkg/negotiate"
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
	"github.com/icnp-works/icnp-go/pkg/token"
)

// Build assembles a full engine from deployment configuration and the
// injected cryptographic strategy.
func Build(cfg *config.Config, logger *slog.Logger, signer crypto.Signer, verifier crypto.Verifier, out Outbound) (*Engine, *audit.Log, error) {
	auditLog := audit.NewLog()
	if cfg.AuditDBPath != "" {
		sink, err := audit.NewSQLiteSink(cfg.AuditDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("audit sink: %w", err)
		}
		auditLog.WithSink(sink)
	}

	store := session.NewStore(cfg.NegotiationTTL, auditLog)
	negotiator := negotiate.New(store, auditLog).WithVerifier(verifier)
	issuer := token.NewIssuer(store, auditLog, signer, verifier, cfg.TokenTTL, protocol.Limits{
		MaxInvocationsTotal:    cfg.MaxInvocationsTotal,
		MaxInvocationsPerActor: cfg.MaxInvocationsPerActor,
	})

	var counters enforce.CounterStore
	if cfg.RedisAddr != "" {
		counters = enforce.NewRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		counters = enforce.NewInMemoryCounterStore()
	}
	gate := enforce.NewGate(store, auditLog, issuer, counters, cfg.CollaboratorTimeout)

	engine := New(cfg, logger, auditLog, envelope.NewValidator(), store, negotiator, issuer, gate, out)
	return engine, auditLog, nil
}
