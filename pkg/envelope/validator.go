// Package envelope validates inbound message envelopes: structural
// well-formedness, optional per-type payload schemas, and per-session
// causality (duplicate suppression and in_reply_to resolution).
//
// Validation is fail-closed and purely structural; the validator knows
// nothing about phases.
package envelope

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// ValidationError is one specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// Result is the outcome of structural validation.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err converts an invalid result into a protocol error.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return protocol.Errf(protocol.CodeInvalidIntent, "envelope rejected: %s", strings.Join(msgs, "; "))
}

// Validator performs structural checks on raw envelopes. Payload schemas
// are optional; when registered for a message type, the payload must
// validate against the compiled JSON Schema (Draft 2020-12).
type Validator struct {
	schemas map[protocol.MessageType]*jsonschema.Schema
}

// NewValidator creates a validator with no payload schemas registered.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[protocol.MessageType]*jsonschema.Schema)}
}

// RegisterPayloadSchema compiles and registers a JSON Schema for one
// message type's payload.
func (v *Validator) RegisterPayloadSchema(typ protocol.MessageType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://icnp.schemas.local/%s.schema.json", typ)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("payload schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("payload schema compile failed: %w", err)
	}
	v.schemas[typ] = compiled
	return nil
}

// Validate performs structural validation of an envelope.
func (v *Validator) Validate(env *protocol.Envelope) *Result {
	result := &Result{Valid: true}

	if env.ICNPVersion == "" {
		addError(result, "icnp_version", "REQUIRED", "icnp_version is required")
	} else if err := protocol.CompatibleVersion(env.ICNPVersion); err != nil {
		addError(result, "icnp_version", "UNSUPPORTED_VERSION", err.Error())
	}

	if env.Type == "" {
		addError(result, "type", "REQUIRED", "type is required")
	} else if !protocol.KnownType(env.Type) {
		addError(result, "type", "INVALID_VALUE", fmt.Sprintf("unknown message type %q", env.Type))
	}

	if env.Phase == "" {
		addError(result, "phase", "REQUIRED", "phase is required")
	}

	requireUUID(result, "message_id", env.MessageID)
	requireUUID(result, "session_id", env.SessionID)

	if env.Timestamp.IsZero() {
		addError(result, "timestamp", "REQUIRED", "timestamp is required")
	}

	if env.Sender.ID == "" {
		addError(result, "sender.id", "REQUIRED", "sender.id is required")
	}
	if !protocol.KnownRole(env.Sender.Role) {
		addError(result, "sender.role", "INVALID_VALUE",
			fmt.Sprintf("unknown sender role %q", env.Sender.Role))
	}

	if env.InReplyTo != "" {
		requireUUID(result, "in_reply_to", env.InReplyTo)
	}

	if len(env.Payload) == 0 {
		addError(result, "payload", "REQUIRED", "payload is required")
	} else if schema, ok := v.schemas[env.Type]; ok {
		var doc any
		if err := env.DecodePayload(&doc); err != nil {
			addError(result, "payload", "MALFORMED", err.Error())
		} else if err := schema.Validate(doc); err != nil {
			addError(result, "payload", "SCHEMA_VIOLATION", err.Error())
		}
	}

	return result
}

func requireUUID(result *Result, field, value string) {
	if value == "" {
		addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
		return
	}
	if _, err := uuid.Parse(value); err != nil {
		addError(result, field, "MALFORMED", fmt.Sprintf("%s is not a valid UUID", field))
	}
}

func addError(result *Result, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
