package envelope

import (
	"github.com/icnp-works/icnp-go/pkg/protocol"
	"github.com/icnp-works/icnp-go/pkg/session"
)

// Admit performs the per-session causality checks for an envelope that
// already passed structural validation. It must run under the session's
// lock (inside Store.Update).
//
// Re-delivery of an already-seen message_id is a no-op success: Admit
// returns duplicate=true and no error, and session state is unchanged.
// An unresolvable in_reply_to is a causality failure. On acceptance the
// message id is inserted into the session's seen set.
func Admit(s *session.Session, env *protocol.Envelope) (duplicate bool, err error) {
	if s.Seen(env.MessageID) {
		return true, nil
	}
	if env.InReplyTo != "" && !s.Seen(env.InReplyTo) {
		return false, protocol.Errf(protocol.CodeInvalidIntent,
			"in_reply_to %s does not name a recorded message for session %s", env.InReplyTo, s.ID)
	}
	s.MarkSeen(env.MessageID)
	return false, nil
}
