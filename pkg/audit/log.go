// Package audit implements the append-only, monotonically sequenced
// audit log written at every phase transition and execution outcome.
//
// Entries are hash-chained: each entry hash covers the previous entry's
// hash, so any mutation or deletion breaks the chain and is detectable
// with Verify. The sequence counter is the one cross-session shared
// resource in the core; it is assigned under the log's lock so ordering
// is globally comparable even though sessions run independently.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound = errors.New("audit event not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Kind categorizes audit events.
type Kind string

const (
	KindSessionCreated      Kind = "session_created"
	KindIntentRecorded      Kind = "intent_recorded"
	KindCapabilityDisclosed Kind = "capability_disclosed"
	KindContractProposed    Kind = "contract_proposed"
	KindContractAccepted    Kind = "contract_accepted"
	KindContractRejected    Kind = "contract_rejected"
	KindTokenIssued         Kind = "token_issued"
	KindExecutionStarted    Kind = "execution_started"
	KindExecutionCompleted  Kind = "execution_completed"
	KindViolation           Kind = "violation"
	KindRollback            Kind = "rollback"
	KindSessionExpired      Kind = "session_expired"
	KindSessionAborted      Kind = "session_aborted"
	KindSessionCompleted    Kind = "session_completed"
	KindMessageRejected     Kind = "message_rejected"
)

// Event is a single immutable audit record.
type Event struct {
	EventID      string          `json:"event_id"`
	Sequence     uint64          `json:"sequence"`
	Kind         Kind            `json:"kind"`
	SessionID    string          `json:"session_id"`
	SubjectIDs   []string        `json:"subject_ids,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Details      json.RawMessage `json:"details,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Handler is called synchronously for every appended event.
type Handler func(*Event)

// Sink is the durable storage collaborator. Writes must never overwrite
// an existing sequence.
type Sink interface {
	Write(event *Event) error
}

// Log is the in-process audit log. Appends assign the global sequence,
// extend the hash chain, forward to the optional durable sink, and
// notify handlers.
type Log struct {
	mu       sync.RWMutex
	events   []*Event
	sequence uint64
	head     string
	sink     Sink
	handlers []Handler
	clock    func() time.Time
}

// NewLog creates an audit log with no durable sink.
func NewLog() *Log {
	return &Log{head: "genesis", clock: time.Now}
}

// WithSink attaches a durable sink. Sink failures fail the append: no
// event is ever acknowledged without being durable when a sink is set.
func (l *Log) WithSink(s Sink) *Log {
	l.sink = s
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Subscribe registers a handler for subsequent appends.
func (l *Log) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append records an event and returns it with its assigned sequence.
func (l *Log) Append(kind Kind, sessionID string, subjectIDs []string, details any) (*Event, error) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("audit details marshal: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	event := &Event{
		EventID:      uuid.New().String(),
		Sequence:     l.sequence,
		Kind:         kind,
		SessionID:    sessionID,
		SubjectIDs:   subjectIDs,
		Timestamp:    l.clock().UTC(),
		Details:      raw,
		PreviousHash: l.head,
	}
	event.EntryHash = entryHash(event)

	if l.sink != nil {
		if err := l.sink.Write(event); err != nil {
			l.sequence--
			return nil, fmt.Errorf("audit sink write: %w", err)
		}
	}

	l.head = event.EntryHash
	l.events = append(l.events, event)

	for _, h := range l.handlers {
		h(event)
	}
	return event, nil
}

// Get returns the event at the given sequence.
func (l *Log) Get(sequence uint64) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence == 0 || sequence > uint64(len(l.events)) {
		return nil, ErrEventNotFound
	}
	return l.events[sequence-1], nil
}

// BySession returns the events for one session, in sequence order.
func (l *Log) BySession(sessionID string) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Event
	for _, e := range l.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Verify walks the hash chain and reports the first break, if any.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := "genesis"
	for _, e := range l.events {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: sequence %d previous-hash mismatch", ErrChainBroken, e.Sequence)
		}
		if entryHash(e) != e.EntryHash {
			return fmt.Errorf("%w: sequence %d entry-hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

// entryHash computes the chained hash of an event, excluding EntryHash
// itself.
func entryHash(e *Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|", e.Sequence, e.Kind, e.SessionID,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.PreviousHash)
	for _, s := range e.SubjectIDs {
		h.Write([]byte(s))
		h.Write([]byte{'|'})
	}
	h.Write(e.Details)
	return hex.EncodeToString(h.Sum(nil))
}
