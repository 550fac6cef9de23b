package protocol

import (
	"encoding/json"
	"time"
)

// Hash is a named-algorithm digest, hex encoded.
type Hash struct {
	Alg   string `json:"alg"`
	Value string `json:"value"`
}

// Signature is a detached signature over a canonicalized document.
type Signature struct {
	Alg      string    `json:"alg"`
	Value    string    `json:"value"`
	KeyID    string    `json:"key_id"`
	SignedBy string    `json:"signed_by"`
	SignedAt time.Time `json:"signed_at"`
}

// RiskTolerance values accepted in intent constraints.
const (
	RiskNone   = "none"
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Constraints bound what a negotiation may agree to.
type Constraints struct {
	RiskTolerance              string `json:"risk_tolerance"`
	HumanApprovalRequired      bool   `json:"human_approval_required"`
	DataPolicy                 string `json:"data_policy,omitempty"`
	ExternalSideEffectsAllowed bool   `json:"external_side_effects_allowed"`
	AuditLevel                 string `json:"audit_level,omitempty"`
}

// RequestedAction names an action the initiator wants performed.
type RequestedAction struct {
	Action string   `json:"action"`
	Scopes []string `json:"scopes,omitempty"`
}

// Intent is the initiator's declared goal and constraints. Recorded once
// per session and immutable thereafter.
type Intent struct {
	Goal             string            `json:"goal"`
	RequestedActions []RequestedAction `json:"requested_actions"`
	Constraints      Constraints       `json:"constraints"`
}

// CapabilityAction is one action a capability can perform.
type CapabilityAction struct {
	Action           string   `json:"action"`
	Scopes           []string `json:"scopes"`
	RequiresApproval bool     `json:"requires_approval"`
	Confidence       float64  `json:"confidence"`
	Effects          []string `json:"effects,omitempty"`
}

// Capability is a participant's disclosed ability for one session.
// Disclosures are append-only within the session.
type Capability struct {
	CapabilityID string             `json:"capability_id"`
	Participant  string             `json:"participant"`
	Actions      []CapabilityAction `json:"actions"`
}

// AgreedAction authorizes one executor to perform one action under a
// disclosed capability.
type AgreedAction struct {
	CapabilityID string `json:"capability_id"`
	Action       string `json:"action"`
	Scope        string `json:"scope,omitempty"`
	Executor     string `json:"executor"`
}

// ForbiddenAction denies an action. A forbidden entry always dominates an
// agreed entry for the same action and scope; scope "any" (or empty)
// forbids the action in every scope.
type ForbiddenAction struct {
	Action string `json:"action"`
	Scope  string `json:"scope,omitempty"`
}

// EnforcementMode governs the gate's reaction to violations.
type EnforcementMode string

const (
	EnforceStrict     EnforcementMode = "strict"
	EnforcePermissive EnforcementMode = "permissive"
	EnforceAuditOnly  EnforcementMode = "audit_only"
)

// ViolationAction values for Enforcement.ViolationAction.
const (
	ViolationWarn             = "warn"
	ViolationAbort            = "abort"
	ViolationAbortAndRollback = "abort_and_rollback"
)

// Enforcement is the contract's violation policy.
type Enforcement struct {
	Mode            EnforcementMode `json:"mode"`
	ViolationAction string          `json:"violation_action,omitempty"`
}

// Approval records a human (or delegated) decision on a contract.
type Approval struct {
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"` // "approve" | "reject"
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Contract is the negotiated agreement. Immutable once accepted.
type Contract struct {
	ContractID       string               `json:"contract_id"`
	AgreedActions    []AgreedAction       `json:"agreed_actions"`
	ForbiddenActions []ForbiddenAction    `json:"forbidden_actions,omitempty"`
	Constraints      Constraints          `json:"constraints"`
	Enforcement      Enforcement          `json:"enforcement"`
	Approvals        []Approval           `json:"approvals,omitempty"`
	Signatures       map[string]Signature `json:"signatures,omitempty"`
}

// Validity is a token's half-open validity window [NotBefore, NotAfter).
type Validity struct {
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// Contains reports whether the instant falls inside the window. The
// window is half-open: NotBefore is inside, NotAfter is outside.
func (v Validity) Contains(at time.Time) bool {
	return !at.Before(v.NotBefore) && at.Before(v.NotAfter)
}

// Limits caps token use. MaxInvocationsTotal of zero means untracked.
type Limits struct {
	MaxInvocationsTotal    int `json:"max_invocations_total,omitempty"`
	MaxInvocationsPerActor int `json:"max_invocations_per_actor"`
}

// Binding ties a token to the exact negotiated artifacts.
type Binding struct {
	IntentHash       Hash `json:"intent_hash"`
	ContractHash     Hash `json:"contract_hash"`
	CapabilitiesHash Hash `json:"capabilities_hash"`
}

// ExecutionToken attests that an accepted contract may be executed.
type ExecutionToken struct {
	TokenID    string    `json:"token_id"`
	SessionID  string    `json:"session_id"`
	ContractID string    `json:"contract_id"`
	Validity   Validity  `json:"validity"`
	Limits     Limits    `json:"limits"`
	Binding    Binding   `json:"binding"`
	Signature  Signature `json:"signature"`
}

// ExecutionRequest asks the gate to authorize one governed invocation.
type ExecutionRequest struct {
	InvocationID string          `json:"invocation_id"`
	TokenID      string          `json:"token_id"`
	ContractID   string          `json:"contract_id"`
	Action       string          `json:"action"`
	Scope        string          `json:"scope,omitempty"`
	Executor     string          `json:"executor"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// ExecutionResult reports the outcome of a governed invocation.
type ExecutionResult struct {
	InvocationID string          `json:"invocation_id"`
	Status       string          `json:"status"` // "success" | "denied" | "failed"
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *ErrorPayload   `json:"error,omitempty"`
}
