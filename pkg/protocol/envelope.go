package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor identifies a protocol participant.
type Actor struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// Envelope is the ICNP message envelope. Payload, Trace and Extensions
// are opaque to the core and preserved byte-for-byte when relayed.
type Envelope struct {
	ICNPVersion string          `json:"icnp_version"`
	Type        MessageType     `json:"type"`
	Phase       Phase           `json:"phase"`
	MessageID   string          `json:"message_id"`
	SessionID   string          `json:"session_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Sender      Actor           `json:"sender"`
	Recipient   *Actor          `json:"recipient,omitempty"`
	InReplyTo   string          `json:"in_reply_to,omitempty"`
	Trace       json.RawMessage `json:"trace,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Extensions  json.RawMessage `json:"extensions,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id and the current
// UTC timestamp. The payload is serialized once at construction.
func NewEnvelope(typ MessageType, phase Phase, sender Actor, sessionID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope payload marshal: %w", err)
	}
	return &Envelope{
		ICNPVersion: Version,
		Type:        typ,
		Phase:       phase,
		MessageID:   uuid.New().String(),
		SessionID:   sessionID,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		Sender:      sender,
		Payload:     raw,
	}, nil
}

// ReplyTo marks the envelope as a causal reply to another message.
func (e *Envelope) ReplyTo(messageID string) *Envelope {
	e.InReplyTo = messageID
	return e
}

// To sets the recipient.
func (e *Envelope) To(recipient Actor) *Envelope {
	e.Recipient = &recipient
	return e
}

// DecodePayload unmarshals the opaque payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.MessageID)
	}
	return json.Unmarshal(e.Payload, v)
}
