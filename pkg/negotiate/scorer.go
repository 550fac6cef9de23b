// Package negotiate implements the contract negotiator: proposal
// validation against the session's intent and capability ledger,
// forbidden-action dominance, approval gating, and acceptance.
package negotiate

import (
	"sort"

	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// Scorer ranks how well a disclosed capability action satisfies a
// requested action. A score of zero (or less) means the capability does
// not qualify. The algorithm is deliberately pluggable; integrators
// replace the default with their own ranking.
type Scorer interface {
	Score(requested protocol.RequestedAction, cap protocol.Capability, action protocol.CapabilityAction) float64
}

// ConfidenceScorer is the default Scorer. It requires an exact action
// name match, weights by the capability's declared confidence, and
// prefers an exact scope match over a wildcard one.
type ConfidenceScorer struct{}

// Score implements Scorer.
func (ConfidenceScorer) Score(requested protocol.RequestedAction, _ protocol.Capability, action protocol.CapabilityAction) float64 {
	if action.Action != requested.Action {
		return 0
	}
	score := action.Confidence
	if score <= 0 {
		return 0
	}
	if len(requested.Scopes) == 0 {
		return score
	}
	for _, want := range requested.Scopes {
		for _, have := range action.Scopes {
			if have == want {
				return score + 1 // exact scope match outranks any wildcard
			}
			if have == protocol.ScopeAny {
				score += 0.5
			}
		}
	}
	return score
}

// match is one qualifying capability for a requested action.
type match struct {
	capability protocol.Capability
	action     protocol.CapabilityAction
	score      float64
}

// rank returns the qualifying capabilities for a requested action, best
// first. Ordering among equal scores follows disclosure order, so
// results are deterministic.
func rank(scorer Scorer, requested protocol.RequestedAction, ledger []protocol.Capability) []match {
	var out []match
	for _, cap := range ledger {
		for _, action := range cap.Actions {
			if s := scorer.Score(requested, cap, action); s > 0 {
				out = append(out, match{capability: cap, action: action, score: s})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}
