package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icnp-works/icnp-go/pkg/audit"
	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// forward lists the legal phase-advancing transitions. Aborted and
// expired are reachable from any non-terminal phase and are handled
// separately, so illegal sequences never need ad hoc flag checks.
var forward = map[protocol.Phase]protocol.Phase{
	protocol.PhaseIntent:     protocol.PhaseCapability,
	protocol.PhaseCapability: protocol.PhaseContract,
	protocol.PhaseContract:   protocol.PhaseToken,
	protocol.PhaseToken:      protocol.PhaseExecution,
	protocol.PhaseExecution:  protocol.PhaseCompleted,
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Store is the arena of sessions keyed by session id. The arena map has
// its own lock; each entry carries a per-session mutex so sessions are
// processed concurrently with each other while mutation within one
// session is serialized.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl   time.Duration
	log   *audit.Log
	clock func() time.Time
}

// NewStore creates a session store. ttl is the negotiation time-to-live;
// sessions exceeding it expire lazily on next touch.
func NewStore(ttl time.Duration, log *audit.Log) *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		log:     log,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (st *Store) WithClock(clock func() time.Time) *Store {
	st.clock = clock
	return st
}

// Create starts a new session in the intent phase.
func (st *Store) Create(initiator protocol.Actor) (*Session, error) {
	id := uuid.New().String()
	s := newSession(id, initiator, st.clock().UTC(), st.ttl)

	st.mu.Lock()
	st.entries[id] = &entry{session: s}
	st.mu.Unlock()

	if _, err := st.log.Append(audit.KindSessionCreated, id, []string{initiator.ID}, map[string]string{
		"initiator": initiator.ID,
	}); err != nil {
		return nil, protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return s, nil
}

// CreateWithID starts a session under a caller-chosen id, used when the
// initiator's envelope already names the session.
func (st *Store) CreateWithID(id string, initiator protocol.Actor) (*Session, error) {
	st.mu.Lock()
	if _, exists := st.entries[id]; exists {
		st.mu.Unlock()
		return nil, protocol.Errf(protocol.CodeInvalidIntent, "session %s already exists", id)
	}
	s := newSession(id, initiator, st.clock().UTC(), st.ttl)
	st.entries[id] = &entry{session: s}
	st.mu.Unlock()

	if _, err := st.log.Append(audit.KindSessionCreated, id, []string{initiator.ID}, map[string]string{
		"initiator": initiator.ID,
	}); err != nil {
		return nil, protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return s, nil
}

// Update runs fn with exclusive ownership of the session. Expiry is
// checked first (lazy expiry on touch): an overdue session transitions to
// expired and fn is not invoked.
func (st *Store) Update(sessionID string, fn func(*Session) error) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := st.expireIfOverdue(e.session); err != nil {
		return err
	}
	return fn(e.session)
}

// View runs fn with shared read access semantics. The per-session lock is
// still exclusive (one lock per entry keeps the discipline simple); fn
// must not mutate.
func (st *Store) View(sessionID string, fn func(*Session) error) error {
	return st.Update(sessionID, fn)
}

// Advance moves the session to the next phase along the ordered sequence.
func (st *Store) Advance(sessionID string, target protocol.Phase) error {
	return st.Update(sessionID, func(s *Session) error {
		next, ok := forward[s.Phase]
		if !ok || next != target {
			return protocol.Errf(protocol.CodeInvalidIntent,
				"illegal phase transition %s -> %s for session %s", s.Phase, target, s.ID)
		}
		s.Phase = target
		if target == protocol.PhaseCompleted {
			if _, err := st.log.Append(audit.KindSessionCompleted, s.ID, nil, nil); err != nil {
				return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
			}
		}
		return nil
	})
}

// Abort moves a non-terminal session to aborted, recording the reason.
func (st *Store) Abort(sessionID, reason string) error {
	return st.Update(sessionID, func(s *Session) error {
		if s.Terminal() {
			return protocol.Errf(protocol.CodeInvalidIntent,
				"session %s already terminal (%s)", s.ID, s.Phase)
		}
		s.Phase = protocol.PhaseAborted
		if _, err := st.log.Append(audit.KindSessionAborted, s.ID, nil, map[string]string{
			"reason": reason,
		}); err != nil {
			return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
		}
		return nil
	})
}

// PurgeTerminal removes terminal sessions from the arena and returns how
// many were dropped. Operators run this as a periodic sweep; keeping
// terminal sessions around lets late messages be answered with a
// deterministic denial rather than an unknown-session error.
func (st *Store) PurgeTerminal() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, e := range st.entries {
		e.mu.Lock()
		terminal := e.session.Terminal()
		e.mu.Unlock()
		if terminal {
			delete(st.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of live entries in the arena.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

func (st *Store) lookup(sessionID string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.entries[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, protocol.Errf(protocol.CodeInvalidIntent, "unknown session %s", sessionID)
	}
	return e, nil
}

// expireIfOverdue transitions an overdue session to expired and rejects
// the touch. Execution-phase sessions expire too: a late execution
// request against an expired session is denied, never silently accepted.
func (st *Store) expireIfOverdue(s *Session) error {
	if s.Terminal() {
		if s.Phase == protocol.PhaseExpired {
			return protocol.Errf(protocol.CodeTokenInvalid, "session %s is expired", s.ID)
		}
		return nil
	}
	if st.clock().UTC().Before(s.Deadline) {
		return nil
	}
	s.Phase = protocol.PhaseExpired
	if _, err := st.log.Append(audit.KindSessionExpired, s.ID, nil, map[string]string{
		"deadline": s.Deadline.UTC().Format(time.RFC3339),
	}); err != nil {
		return protocol.Wrap(protocol.CodeInternalError, "audit append failed", err)
	}
	return protocol.Errf(protocol.CodeTokenInvalid, "session %s expired", s.ID)
}
